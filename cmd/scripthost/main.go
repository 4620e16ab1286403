package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/scripthost/core"
	"github.com/signalsfoundry/scripthost/internal/config"
	"github.com/signalsfoundry/scripthost/internal/logging"
	"github.com/signalsfoundry/scripthost/internal/observability"
	"github.com/signalsfoundry/scripthost/kb"
	"github.com/signalsfoundry/scripthost/model"
	"github.com/signalsfoundry/scripthost/timectrl"
	"github.com/signalsfoundry/scripthost/value"
)

func main() {
	configPath := flag.String("config", "", "config file (defaults to $SCRIPTHOST_CONFIG)")
	scriptType := flag.String("type", "", "main script type, e.g. Package or Stage")
	frames := flag.Int64("frames", 0, "stop after this many frames; 0 runs until the main script ends")
	accelerated := flag.Bool("accelerated", false, "run frames back to back instead of in real time")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [script.lua [args...]]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	overrides := map[string]any{}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "type":
			overrides["script.type"] = *scriptType
		case "frames":
			overrides["loop.frames"] = *frames
		case "accelerated":
			overrides["loop.accelerated"] = *accelerated
		}
	})
	if flag.NArg() > 0 {
		overrides["script.path"] = flag.Arg(0)
		overrides["script.args"] = flag.Args()[1:]
	}

	cfg, err := config.Load(*configPath, overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scripthost: %v\n", err)
		os.Exit(2)
	}

	log := logging.New(logging.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: true,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, log = logging.WithRunLogger(ctx, log)

	result, err := run(ctx, cfg, log)
	if err != nil {
		log.Error(ctx, "scripthost exited with error", logging.Err(err))
		stop()
		os.Exit(1)
	}
	if !result.IsNil() {
		fmt.Println(result.String())
	}
}

// run hosts the main script until it ends, the frame limit is reached or ctx
// is cancelled. It returns the main script's result.
func run(ctx context.Context, cfg config.Config, log logging.Logger) (value.Value, error) {
	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, log)
	if err != nil {
		return value.Nil(), fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	scriptMetrics, err := observability.NewScriptCollector(reg)
	if err != nil {
		return value.Nil(), fmt.Errorf("init script metrics: %w", err)
	}
	frameMetrics, err := observability.NewFrameCollector(reg)
	if err != nil {
		return value.Nil(), fmt.Errorf("init frame metrics: %w", err)
	}

	metricsSrv := serveMetrics(cfg.Metrics.Addr, scriptMetrics, log)
	defer func() {
		if metricsSrv == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	health, err := serveHealth(cfg.Health.Addr, scriptMetrics, log)
	if err != nil {
		return value.Nil(), err
	}
	if health != nil {
		defer health.Stop()
	}

	store := kb.NewObjectStore()
	unsubscribe := store.Subscribe(func(ev kb.Event) {
		if ev.Type == kb.EventObjectDeleted {
			log.Debug(ctx, "object deleted",
				logging.Int("object_id", ev.Object.ID),
				logging.Int("owner_script_id", ev.Object.OwnerScriptID),
			)
		}
	})
	defer unsubscribe()

	mgr := core.NewScriptManager(log,
		core.WithObjectPool(store),
		core.WithMetricsRecorder(scriptMetrics),
	)
	defer mgr.Close(context.Background())

	mainScript := mgr.NewScript(ctx, cfg.Script.Path, cfg.Script.ScriptType(), cfg.Script.Version)
	if mainScript.State() == model.StateTerminated {
		return value.Nil(), fmt.Errorf("load main script: %w", mainScript.Err())
	}
	for i, arg := range cfg.Script.Arguments() {
		if err := mainScript.SetScriptArgument(i, arg); err != nil {
			return value.Nil(), fmt.Errorf("set argument %d: %w", i, err)
		}
	}
	if health != nil {
		health.SetServing(true)
	}

	mode := timectrl.RealTime
	if cfg.Loop.Accelerated {
		mode = timectrl.Accelerated
	}
	clock := timectrl.NewFrameClock(cfg.Loop.TickInterval, mode,
		timectrl.WithMetricsRecorder(frameMetrics),
		timectrl.WithLogger(log),
	)
	clock.AddListener(frameListener(mgr, mainScript, cfg.Loop.IgnoreStageScene))

	log.Info(ctx, "starting script host",
		logging.String("script", cfg.Script.Path),
		logging.String("type", cfg.Script.Type),
		logging.String("tick", cfg.Loop.TickInterval.String()),
		logging.Bool("accelerated", cfg.Loop.Accelerated),
	)
	err = clock.Run(ctx, cfg.Loop.Frames)
	if health != nil {
		health.SetServing(false)
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return value.Nil(), err
	}

	result := mgr.GetScriptResult(mainScript.ID())
	log.Info(ctx, "script host stopped",
		logging.Any("frames", clock.Frame()),
		logging.String("main_state", mainScript.State().String()),
		logging.String("result", result.String()),
	)
	if msg := mainScript.ErrorMessage(); msg != "" {
		return result, fmt.Errorf("main script failed: %w", mainScript.Err())
	}
	return result, nil
}

// frameListener advances every script once, retires closed ones and stops
// the clock once the main script has ended.
func frameListener(mgr *core.ScriptManager, mainScript *core.Script, ignoreStageScene bool) timectrl.Listener {
	return func(ctx context.Context, frame int64) error {
		ctx, span := observability.StartFrameSpan(ctx, frame, mgr.Len())
		mgr.RunAll(ctx, ignoreStageScene)
		mgr.CleanClosedScript(ctx)
		if mainScript.State() >= model.StateTerminated {
			observability.EndFrameSpan(span, mainScript.Err())
			return timectrl.ErrStop
		}
		observability.EndFrameSpan(span, nil)
		return nil
	}
}

func serveMetrics(addr string, collector *observability.ScriptCollector, log logging.Logger) *http.Server {
	if collector == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func serveHealth(addr string, collector *observability.ScriptCollector, log logging.Logger) (*observability.HealthServer, error) {
	if addr == "" {
		return nil, nil
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for health gRPC on %s: %w", addr, err)
	}
	health := observability.NewHealthServer(collector, log)
	go func() {
		if err := health.Serve(lis); err != nil {
			log.Warn(context.Background(), "health server exited", logging.Err(err))
		}
	}()
	return health, nil
}
