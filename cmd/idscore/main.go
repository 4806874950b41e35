// Command idscore is the main entry point for the CAN bus intrusion
// detection core.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/can-ids/detection-core/internal/alert"
	"github.com/can-ids/detection-core/internal/config"
	"github.com/can-ids/detection-core/internal/engine"
	"github.com/can-ids/detection-core/internal/monitor"
	"github.com/can-ids/detection-core/internal/source"
	"github.com/can-ids/detection-core/internal/telemetry"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	var (
		configPath = flag.String("config", "/etc/idscore/config.yaml", "Path to configuration file")
		mode       = flag.String("mode", "auto", "Run mode: learn, detect, or auto")
		tracePath  = flag.String("trace", "", "Path to an NDJSON trace file (offline mode); if empty, reads live frames from stdin")
		baseline   = flag.String("baseline", "", "Baseline snapshot path (required for -mode=detect; written at learn-freeze if set for -mode=learn)")
		listen     = flag.String("listen", "", "Override the monitor API listen address")
		logLevel   = flag.String("log-level", "", "Override log level (debug/info/warn/error)")
		traceSpans = flag.Bool("trace-spans", false, "Emit OpenTelemetry spans to stdout")
		showVer    = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Printf("idscore %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *listen != "" {
		cfg.Monitor.Listen = *listen
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	runMode := engine.Mode(*mode)
	runID := telemetry.NewRunID()
	log = log.With(zap.String("run_id", runID))

	log.Info("idscore starting",
		zap.String("version", version),
		zap.String("mode", string(runMode)),
		zap.String("monitor_listen", cfg.Monitor.Listen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src, offline, err := buildSource(ctx, *tracePath)
	if err != nil {
		log.Fatal("failed to open frame source", zap.Error(err))
	}

	sinks, err := buildSinks(cfg, log)
	if err != nil {
		log.Fatal("failed to build alert sinks", zap.Error(err))
	}

	metrics := telemetry.NewMetrics()
	tracer, err := telemetry.NewTracer(*traceSpans)
	if err != nil {
		log.Fatal("failed to build tracer", zap.Error(err))
	}

	var mon *monitor.Monitor
	if cfg.Monitor.Enabled {
		mon = monitor.New(log, nil, nil, metrics.Handler())
		sinks = append(sinks, mon)
		for sev, names := range cfg.Sinks.Routing {
			cfg.Sinks.Routing[sev] = append(names, mon.Name())
		}
	}

	alertMgr := alert.NewManager(log, cfg.Throttle, cfg.Sinks.Routing, sinks, metrics)

	eng, err := engine.New(engine.Params{
		Log:          log,
		Cfg:          cfg,
		Source:       src,
		Offline:      offline,
		Mode:         runMode,
		BaselinePath: *baseline,
		AlertMgr:     alertMgr,
		Metrics:      metrics,
		Tracer:       tracer,
		Monitor:      mon,
		RunID:        runID,
	})
	if err != nil {
		log.Fatal("failed to build engine", zap.Error(err))
	}

	if mon != nil {
		if err := mon.Start(cfg.Monitor.Listen); err != nil {
			log.Fatal("failed to start monitor API", zap.Error(err))
		}
	}

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- eng.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
		<-runErrCh
	case err := <-runErrCh:
		if err != nil {
			log.Error("engine run error", zap.Error(err))
		}
	}

	eng.Stop()
	log.Info("idscore stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.LoadFromFile(path)
}

// buildSource opens an offline NDJSON trace reader, or falls back to
// a live source fed by a stdin-reading goroutine when tracePath is
// empty (spec §6 "Frame source interface").
func buildSource(ctx context.Context, tracePath string) (source.Source, bool, error) {
	if tracePath != "" {
		src, err := source.NewOfflineSource(tracePath)
		return src, true, err
	}
	return source.NewStdinSource(ctx, os.Stdin), false, nil
}

func buildSinks(cfg *config.Config, log *zap.Logger) ([]alert.Sink, error) {
	var sinks []alert.Sink
	if cfg.Sinks.ConsoleEnabled {
		sinks = append(sinks, alert.NewConsoleSink(log))
	}
	if cfg.Sinks.TextPath != "" {
		s, err := alert.NewTextSink(cfg.Sinks.TextPath)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.Sinks.JSONPath != "" {
		s, err := alert.NewJSONSink(cfg.Sinks.JSONPath)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return cfg.Build()
}
