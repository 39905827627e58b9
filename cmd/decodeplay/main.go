package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/goccy/go-yaml"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/asyncdecoder"
	"github.com/xaionaro-go/asyncdecoder/decoder"
	"github.com/xaionaro-go/asyncdecoder/engine/libav"
	"github.com/xaionaro-go/asyncdecoder/engine/loopback"
	"github.com/xaionaro-go/asyncdecoder/engine/software"
	"github.com/xaionaro-go/asyncdecoder/metrics"
	"github.com/xaionaro-go/asyncdecoder/source/mp4"
	"github.com/xaionaro-go/observability"
)

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "syntax: %s [options] <input.mp4>\n", os.Args[0])
		pflag.PrintDefaults()
	}

	loggerLevel := logger.LevelWarning
	pflag.Var(&loggerLevel, "log-level", "Log level")
	netPprofAddr := pflag.String("net-pprof-listen-addr", "", "an address to listen for incoming net/pprof connections")
	metricsAddr := pflag.String("metrics-listen-addr", "", "an address to serve Prometheus metrics at")
	configPath := pflag.String("config", "", "path to a YAML config file")
	modelFlag := pflag.String("model", "", "concurrency model: callback or polling")
	policyFlag := pflag.String("image-policy", "", "image policy: acquire_all or acquire_latest")
	engineName := pflag.String("engine", "loopback", "decode engine: loopback or libav")
	hwDeviceType := pflag.String("hw-device-type", "", "hardware device type for the libav engine (e.g. vaapi, cuda)")
	hwDeviceName := pflag.String("hw-device", "", "hardware device name for the libav engine")
	decodeLatency := pflag.Duration("decode-latency", 0, "artificial per-sample latency of the loopback engine")
	outputPath := pflag.String("output", "", "write the decoded frames to this file")
	printConfig := pflag.Bool("print-config", false, "print the effective config and exit")
	pflag.Parse()
	if len(pflag.Args()) != 1 {
		pflag.Usage()
		os.Exit(1)
	}

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	ctx, cancelFn := signal.NotifyContext(ctx, os.Interrupt)
	defer cancelFn()
	logger.Default = func() logger.Logger {
		return l
	}
	defer belt.Flush(ctx)

	cfg := asyncdecoder.Config{}
	if *configPath != "" {
		var err error
		cfg, err = asyncdecoder.LoadConfig(*configPath)
		if err != nil {
			l.Fatal(err)
		}
	}
	if *modelFlag != "" {
		if err := cfg.ConcurrencyModel.UnmarshalText([]byte(*modelFlag)); err != nil {
			l.Fatal(err)
		}
	}
	if *policyFlag != "" {
		if err := cfg.ImagePolicy.UnmarshalText([]byte(*policyFlag)); err != nil {
			l.Fatal(err)
		}
	}
	cfg = cfg.WithDefaults()

	if *printConfig {
		b, err := yaml.Marshal(cfg)
		if err != nil {
			l.Fatal(err)
		}
		os.Stdout.Write(b)
		return
	}

	if *netPprofAddr != "" {
		observability.Go(ctx, func(ctx context.Context) { l.Error(http.ListenAndServe(*netPprofAddr, nil)) })
	}

	inputPath := pflag.Arg(0)
	l.Debugf("opening '%s'...", inputPath)
	src, err := mp4.Open(ctx, inputPath)
	if err != nil {
		l.Fatal(err)
	}
	format := src.Format()
	l.Infof("input: %s, %d samples", format, src.NumSamples())

	consumer := &frameWriter{}
	if *outputPath != "" {
		f, err := os.Create(*outputPath)
		if err != nil {
			l.Fatal(err)
		}
		defer f.Close()
		consumer.file = f
	}

	buffers := software.BuffersConfig{
		InputBufferSize: format.MaxInputSize,
	}
	var factory asyncdecoder.EngineFactory
	switch *engineName {
	case "loopback":
		factory = &loopback.Factory{
			Config: loopback.Config{
				BuffersConfig: buffers,
				DecodeLatency: *decodeLatency,
			},
		}
	case "libav":
		factory = &libav.Factory{
			Config: libav.Config{
				BuffersConfig:      buffers,
				HardwareDeviceType: libav.HardwareDeviceTypeName(*hwDeviceType),
				HardwareDeviceName: libav.HardwareDeviceName(*hwDeviceName),
			},
		}
	default:
		l.Fatalf("unknown engine '%s'", *engineName)
	}
	d, err := decoder.NewDriver(ctx, factory, src, consumer, format, cfg)
	if err != nil {
		l.Fatal(err)
	}
	defer func() {
		if err := d.Close(); err != nil {
			l.Errorf("unable to close the decoder: %v", err)
		}
	}()

	if *metricsAddr != "" {
		exporter := metrics.NewExporter(*metricsAddr)
		if err := exporter.Register(metrics.NewCollector(inputPath, d)); err != nil {
			l.Fatal(err)
		}
		observability.Go(ctx, func(ctx context.Context) {
			if err := exporter.Serve(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				l.Error(err)
			}
		})
		defer exporter.Shutdown(context.Background())
	}

	startedAt := time.Now()
	if err := d.Start(ctx); err != nil {
		l.Fatal(err)
	}

	t := time.NewTicker(time.Second)
	defer t.Stop()
	waitErr := make(chan error, 1)
	observability.Go(ctx, func(ctx context.Context) {
		waitErr <- d.Wait(ctx)
	})
	for {
		select {
		case err := <-waitErr:
			printStats(d.GetStats(), consumer.frames.Load(), time.Since(startedAt))
			if err != nil {
				l.Errorf("decoding failed: %v", err)
			}
			return
		case <-t.C:
			printStats(d.GetStats(), consumer.frames.Load(), time.Since(startedAt))
		}
	}
}

type frameWriter struct {
	file   *os.File
	frames atomic.Uint64
}

func (w *frameWriter) ConsumeImage(_ context.Context, img *asyncdecoder.Image) error {
	w.frames.Add(1)
	if w.file == nil {
		return nil
	}
	_, err := w.file.Write(img.Data)
	return err
}

func printStats(stats *asyncdecoder.Stats, frames uint64, elapsed time.Duration) {
	fmt.Printf(
		"t:%v in:%d (%d bytes) out:%d frames:%d dropped:%d rejected:%d errors:%d/%d\n",
		elapsed.Truncate(time.Millisecond),
		stats.Input.BuffersQueued, stats.Input.Bytes,
		stats.Output.BuffersReleased,
		frames, stats.Frames.Dropped, stats.Frames.Rejected,
		stats.TaskFailures, stats.EngineErrors,
	)
}
