package decoder

import (
	"context"
	"fmt"

	"github.com/asticode/go-astikit"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/asyncdecoder"
	"github.com/xaionaro-go/asyncdecoder/imagereader"
	"github.com/xaionaro-go/asyncdecoder/source"
)

// Driver wires a sample source, a decode engine and an image consumer into a
// Session and owns all of them.
type Driver struct {
	Session     *Session
	Source      *source.Adapter
	ImageReader *imagereader.Reader
	closer      *astikit.Closer
}

// NewDriver creates and configures the engine. Configuration errors are
// returned before any goroutine of the session is started.
func NewDriver(
	ctx context.Context,
	engineFactory asyncdecoder.EngineFactory,
	src asyncdecoder.SampleSource,
	consumer asyncdecoder.ImageConsumer,
	format asyncdecoder.Format,
	cfg asyncdecoder.Config,
) (_ret *Driver, _err error) {
	logger.Debugf(ctx, "NewDriver(%s)", format)
	defer func() { logger.Debugf(ctx, "/NewDriver(%s): %v", format, _err) }()

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if format.Codec == asyncdecoder.VideoCodecUndefined {
		format.Codec = cfg.Codec
	}

	d := &Driver{
		Source: source.NewAdapter(src),
		closer: astikit.NewCloser(),
	}
	defer func() {
		if _err != nil {
			if err := d.closer.Close(); err != nil {
				logger.Errorf(ctx, "unable to release the resources: %v", err)
			}
		}
	}()
	d.closer.AddWithError(d.Source.Close)

	imageReader, err := imagereader.New(ctx, cfg.ImagePolicy, cfg.MaxImages, consumer)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize the image reader: %w", err)
	}
	d.ImageReader = imageReader
	d.closer.AddWithError(imageReader.Close)

	engine, err := engineFactory.NewEngine(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize the engine: %w", err)
	}
	engineOwnedBySession := false
	d.closer.AddWithError(func() error {
		if engineOwnedBySession {
			return nil
		}
		return engine.Close()
	})

	if err := engine.Configure(ctx, format, imageReader, 0); err != nil {
		return nil, fmt.Errorf("unable to configure the engine with %s: %w", format, err)
	}

	session, err := NewSession(ctx, engine, d.Source.Read, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize the session: %w", err)
	}
	engineOwnedBySession = true
	d.Session = session
	d.closer.AddWithError(session.Close)
	return d, nil
}

func (d *Driver) Start(ctx context.Context) error {
	return d.Session.Start(ctx)
}

// Wait blocks until the session finished and every rendered image was
// handed to the consumer.
func (d *Driver) Wait(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Wait")
	defer func() { logger.Debugf(ctx, "/Wait: %v", _err) }()

	if err := d.Session.Wait(ctx); err != nil {
		return err
	}
	if err := d.ImageReader.Flush(ctx); err != nil {
		return fmt.Errorf("unable to flush the image reader: %w", err)
	}
	return nil
}

// Run starts the session and waits for it.
func (d *Driver) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	return d.Wait(ctx)
}

func (d *Driver) Cancel(reason error) {
	d.Session.Cancel(reason)
}

func (d *Driver) GetStats() *asyncdecoder.Stats {
	stats := d.Session.Convert()
	stats.Frames = asyncdecoder.FramesStatistics{
		Rendered:       d.ImageReader.Rendered.Load(),
		Delivered:      d.ImageReader.Delivered.Load(),
		Dropped:        d.ImageReader.Dropped.Load(),
		Rejected:       d.ImageReader.Rejected.Load(),
		ConsumerErrors: d.ImageReader.ConsumerErrors.Load(),
	}
	return &stats
}

// Close tears down in order: the session (engine stop, worker join, engine
// release), the image reader and finally the sample source.
func (d *Driver) Close() error {
	return d.closer.Close()
}
