package loopback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/asyncdecoder"
	"github.com/xaionaro-go/asyncdecoder/engine/software"
)

func TestDecoder(t *testing.T) {
	ctx := context.Background()
	d := &Decoder{Config: Config{
		DecodeLatency: time.Millisecond,
		Validate: func(payload []byte, _ time.Duration) error {
			if len(payload) > 3 {
				return errors.New("too long")
			}
			return nil
		},
	}}

	var frames []software.Frame
	emit := func(f software.Frame) error {
		frames = append(frames, f)
		return nil
	}
	require.NoError(t, d.Decode(ctx, software.Sample{Data: []byte("abc"), PTS: time.Second, Flags: asyncdecoder.BufferFlagKeyFrame}, emit))
	require.Error(t, d.Decode(ctx, software.Sample{Data: []byte("abcd")}, emit))
	require.NoError(t, d.Drain(ctx, emit))
	require.Len(t, frames, 1)
	require.Equal(t, "abc", string(frames[0].Data))
	require.Equal(t, time.Second, frames[0].PTS)
	require.True(t, frames[0].Flags.Has(asyncdecoder.BufferFlagKeyFrame))

	cancelledCtx, cancelFn := context.WithCancel(ctx)
	cancelFn()
	require.ErrorIs(t, d.Decode(cancelledCtx, software.Sample{Data: []byte("a")}, emit), context.Canceled)
}

func TestFactory(t *testing.T) {
	ctx := context.Background()
	f := &Factory{Config: Config{BuffersConfig: software.BuffersConfig{InputBuffers: 3}}}

	engine, err := f.NewEngine(ctx, asyncdecoder.Config{})
	require.NoError(t, err)
	require.Equal(t, 3, engine.(*software.Engine).BuffersConfig().InputBuffers)

	engine, err = f.NewEngine(ctx, asyncdecoder.Config{
		CustomOptions: asyncdecoder.CustomOptions{Config{BuffersConfig: software.BuffersConfig{InputBuffers: 7}}},
	})
	require.NoError(t, err)
	buffers := engine.(*software.Engine).BuffersConfig()
	require.Equal(t, 7, buffers.InputBuffers)
	require.Equal(t, software.DefaultOutputBuffers, buffers.OutputBuffers)
}
