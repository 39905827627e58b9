// Package loopback provides a decode engine that "decodes" a sample by
// copying it into an output buffer. It is used to exercise sessions without
// a codec.
package loopback

import (
	"context"
	"time"

	"github.com/xaionaro-go/asyncdecoder"
	"github.com/xaionaro-go/asyncdecoder/engine/software"
)

const (
	ErrCodeInvalidData = software.ErrCodeInvalidData
)

type Decoder struct {
	Config Config
}

var _ software.Decoder = (*Decoder)(nil)

// New returns an engine ready to be configured.
func New(cfg Config) *software.Engine {
	return software.New(cfg.BuffersConfig, &Decoder{Config: cfg})
}

func (d *Decoder) Open(context.Context, asyncdecoder.Format) error {
	return nil
}

func (d *Decoder) Decode(
	ctx context.Context,
	sample software.Sample,
	emit software.EmitFunc,
) error {
	if d.Config.DecodeLatency > 0 {
		timer := time.NewTimer(d.Config.DecodeLatency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if d.Config.Validate != nil {
		if err := d.Config.Validate(sample.Data, sample.PTS); err != nil {
			return err
		}
	}
	return emit(software.Frame{
		Data:  sample.Data,
		PTS:   sample.PTS,
		Flags: sample.Flags,
	})
}

func (d *Decoder) Drain(context.Context, software.EmitFunc) error {
	return nil
}

func (d *Decoder) Close() error {
	return nil
}
