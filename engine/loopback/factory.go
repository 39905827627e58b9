package loopback

import (
	"context"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/asyncdecoder"
)

// Factory creates loopback engines. A Config found among the session's
// CustomOptions takes precedence over Factory.Config.
type Factory struct {
	Config Config
}

var _ asyncdecoder.EngineFactory = (*Factory)(nil)

func (f *Factory) NewEngine(
	ctx context.Context,
	cfg asyncdecoder.Config,
) (asyncdecoder.Engine, error) {
	engineCfg := f.Config
	if override, ok := asyncdecoder.GetCustomOption[Config](cfg.CustomOptions); ok {
		logger.Debugf(ctx, "using the loopback config from the custom options")
		engineCfg = override
	}
	return New(engineCfg), nil
}
