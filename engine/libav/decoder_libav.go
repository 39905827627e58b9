//go:build with_libav
// +build with_libav

package libav

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/asyncdecoder"
	"github.com/xaionaro-go/asyncdecoder/engine/software"
)

// packet and frame timestamps are in microseconds
var timeBase = astiav.NewRational(1, int(time.Second/time.Microsecond))

type Decoder struct {
	Config Config

	codec                 *astiav.Codec
	codecContext          *astiav.CodecContext
	hardwareDeviceType    astiav.HardwareDeviceType
	hardwareDeviceContext *astiav.HardwareDeviceContext
	hardwarePixelFormat   astiav.PixelFormat
	packet                *astiav.Packet
	frame                 *astiav.Frame
	softwareFrame         *astiav.Frame
	imageBuf              []byte
	closer                *astikit.Closer
}

var _ software.Decoder = (*Decoder)(nil)

func newDecoder(_ context.Context, cfg Config) (software.Decoder, error) {
	d := &Decoder{
		Config:             cfg,
		hardwareDeviceType: astiav.HardwareDeviceTypeNone,
	}
	if cfg.HardwareDeviceType != "" {
		d.hardwareDeviceType = astiav.FindHardwareDeviceTypeByName(string(cfg.HardwareDeviceType))
		if d.hardwareDeviceType == astiav.HardwareDeviceTypeNone {
			return nil, fmt.Errorf("unknown hardware device type '%s'", cfg.HardwareDeviceType)
		}
	}
	return d, nil
}

func codecID(codec asyncdecoder.VideoCodec) (astiav.CodecID, error) {
	switch codec {
	case asyncdecoder.VideoCodecH264:
		return astiav.CodecIDH264, nil
	case asyncdecoder.VideoCodecHEVC:
		return astiav.CodecIDHevc, nil
	case asyncdecoder.VideoCodecVP9:
		return astiav.CodecIDVp9, nil
	case asyncdecoder.VideoCodecAV1:
		return astiav.CodecIDAv1, nil
	}
	return astiav.CodecIDNone, fmt.Errorf("codec %s is not supported", codec)
}

func (d *Decoder) Open(
	ctx context.Context,
	format asyncdecoder.Format,
) (_err error) {
	logger.Debugf(ctx, "Open(%s)", format)
	defer func() { logger.Debugf(ctx, "/Open(%s): %v", format, _err) }()

	d.closer = astikit.NewCloser()
	defer func() {
		if _err != nil {
			_ = d.Close()
		}
	}()

	if d.Config.CodecName != "" {
		d.codec = astiav.FindDecoderByName(string(d.Config.CodecName))
	} else {
		id, err := codecID(format.Codec)
		if err != nil {
			return err
		}
		d.codec = astiav.FindDecoder(id)
	}
	if d.codec == nil {
		return fmt.Errorf("unable to find a decoder using name '%s' or codec %s", d.Config.CodecName, format.Codec)
	}

	d.codecContext = astiav.AllocCodecContext(d.codec)
	if d.codecContext == nil {
		return fmt.Errorf("unable to allocate codec context")
	}
	d.closer.Add(d.codecContext.Free)
	d.codecContext.SetWidth(format.Width)
	d.codecContext.SetHeight(format.Height)
	d.codecContext.SetTimeBase(timeBase)
	if format.FrameRate > 0 {
		d.codecContext.SetFramerate(astiav.NewRational(int(format.FrameRate*1000), 1000))
	}

	if d.hardwareDeviceType != astiav.HardwareDeviceTypeNone {
		if err := d.initHardware(ctx); err != nil {
			return err
		}
	}

	if err := d.codecContext.Open(d.codec, nil); err != nil {
		return fmt.Errorf("unable to open codec context: %w", err)
	}

	d.packet = astiav.AllocPacket()
	d.closer.Add(d.packet.Free)
	d.frame = astiav.AllocFrame()
	d.closer.Add(d.frame.Free)
	d.softwareFrame = astiav.AllocFrame()
	d.closer.Add(d.softwareFrame.Free)
	return nil
}

func (d *Decoder) initHardware(ctx context.Context) error {
	d.hardwarePixelFormat = astiav.PixelFormatNone
	for _, p := range d.codec.HardwareConfigs() {
		if p.MethodFlags().Has(astiav.CodecHardwareConfigMethodFlagHwDeviceCtx) && p.HardwareDeviceType() == d.hardwareDeviceType {
			d.hardwarePixelFormat = p.PixelFormat()
			break
		}
	}
	if d.hardwarePixelFormat == astiav.PixelFormatNone {
		return fmt.Errorf("hardware device type '%v' is not supported by decoder '%s'", d.hardwareDeviceType, d.codec.Name())
	}

	var err error
	d.hardwareDeviceContext, err = astiav.CreateHardwareDeviceContext(
		d.hardwareDeviceType,
		string(d.Config.HardwareDeviceName),
		nil,
		0,
	)
	if err != nil {
		return fmt.Errorf("unable to create hardware device context: %w", err)
	}
	d.closer.Add(d.hardwareDeviceContext.Free)

	d.codecContext.SetHardwareDeviceContext(d.hardwareDeviceContext)
	d.codecContext.SetPixelFormatCallback(func(pfs []astiav.PixelFormat) astiav.PixelFormat {
		for _, pf := range pfs {
			if pf == d.hardwarePixelFormat {
				return pf
			}
		}
		logger.Errorf(ctx, "unable to find appropriate pixel format")
		return astiav.PixelFormatNone
	})
	return nil
}

func (d *Decoder) Decode(
	ctx context.Context,
	sample software.Sample,
	emit software.EmitFunc,
) error {
	if err := d.packet.FromData(sample.Data); err != nil {
		return fmt.Errorf("unable to wrap the sample into a packet: %w", err)
	}
	defer d.packet.Unref()
	d.packet.SetPts(sample.PTS.Microseconds())
	d.packet.SetDts(astiav.NoPtsValue)
	if sample.Flags.Has(asyncdecoder.BufferFlagKeyFrame) {
		d.packet.SetFlags(d.packet.Flags().Add(astiav.PacketFlagKey))
	}

	if err := d.codecContext.SendPacket(d.packet); err != nil && !errors.Is(err, astiav.ErrEagain) {
		return fmt.Errorf("unable to send the packet to the decoder: %w", err)
	}
	return d.receiveFrames(ctx, emit)
}

func (d *Decoder) Drain(
	ctx context.Context,
	emit software.EmitFunc,
) error {
	if err := d.codecContext.SendPacket(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
		return fmt.Errorf("unable to enter the draining mode: %w", err)
	}
	return d.receiveFrames(ctx, emit)
}

func (d *Decoder) receiveFrames(
	ctx context.Context,
	emit software.EmitFunc,
) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := d.codecContext.ReceiveFrame(d.frame)
		switch {
		case err == nil:
		case errors.Is(err, astiav.ErrEof), errors.Is(err, astiav.ErrEagain):
			return nil
		default:
			return fmt.Errorf("unable to receive a frame: %w", err)
		}

		err = d.emitFrame(emit)
		d.frame.Unref()
		if err != nil {
			return err
		}
	}
}

func (d *Decoder) emitFrame(emit software.EmitFunc) error {
	frame := d.frame
	if d.hardwareDeviceContext != nil && frame.PixelFormat() == d.hardwarePixelFormat {
		if err := frame.TransferHardwareData(d.softwareFrame); err != nil {
			return fmt.Errorf("unable to transfer the frame from the hardware decoder to RAM: %w", err)
		}
		d.softwareFrame.SetPts(frame.Pts())
		defer d.softwareFrame.Unref()
		frame = d.softwareFrame
	}

	size, err := frame.ImageBufferSize(1)
	if err != nil {
		return fmt.Errorf("unable to get the image size: %w", err)
	}
	if cap(d.imageBuf) < size {
		d.imageBuf = make([]byte, size)
	}
	d.imageBuf = d.imageBuf[:size]
	if _, err := frame.ImageCopyToBuffer(d.imageBuf, 1); err != nil {
		return fmt.Errorf("unable to copy the image: %w", err)
	}

	return emit(software.Frame{
		Data:   d.imageBuf,
		PTS:    time.Duration(frame.Pts()) * time.Microsecond,
		Width:  frame.Width(),
		Height: frame.Height(),
	})
}

func (d *Decoder) Close() error {
	if d.closer == nil {
		return nil
	}
	err := d.closer.Close()
	d.closer = nil
	d.codecContext = nil
	d.hardwareDeviceContext = nil
	d.packet, d.frame, d.softwareFrame = nil, nil, nil
	return err
}
