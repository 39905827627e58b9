// Package libav provides a decode engine backed by the libavcodec decoders
// (through go-astiav), optionally offloaded to a hardware device.
//
// The package has to be built with the "with_libav" tag to actually decode;
// otherwise the factory reports that the support is not compiled in.
package libav

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/asyncdecoder"
	"github.com/xaionaro-go/asyncdecoder/engine/software"
)

type CodecName string
type HardwareDeviceTypeName string
type HardwareDeviceName string

// Config may also be passed through asyncdecoder.Config.CustomOptions.
type Config struct {
	software.BuffersConfig

	// CodecName selects a specific decoder (e.g. "h264_cuvid"); by default
	// the decoder is chosen by the codec of the stream.
	CodecName CodecName

	// HardwareDeviceType enables hardware decoding (e.g. "vaapi", "cuda").
	HardwareDeviceType HardwareDeviceTypeName
	HardwareDeviceName HardwareDeviceName
}

type Factory struct {
	Config Config
}

var _ asyncdecoder.EngineFactory = (*Factory)(nil)

func (f *Factory) NewEngine(
	ctx context.Context,
	cfg asyncdecoder.Config,
) (_ret asyncdecoder.Engine, _err error) {
	logger.Debugf(ctx, "NewEngine")
	defer func() { logger.Debugf(ctx, "/NewEngine: %v", _err) }()

	engineCfg := f.Config
	if override, ok := asyncdecoder.GetCustomOption[Config](cfg.CustomOptions); ok {
		engineCfg = override
	}
	decoder, err := newDecoder(ctx, engineCfg)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize the decoder: %w", err)
	}
	return software.New(engineCfg.BuffersConfig, decoder), nil
}
