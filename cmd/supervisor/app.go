package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-supervisor/api"
	"github.com/wippyai/wasm-supervisor/chain"
	"github.com/wippyai/wasm-supervisor/config"
	"github.com/wippyai/wasm-supervisor/engine"
	"github.com/wippyai/wasm-supervisor/executor"
	"github.com/wippyai/wasm-supervisor/history"
	"github.com/wippyai/wasm-supervisor/metrics"
	"github.com/wippyai/wasm-supervisor/observability"
	"github.com/wippyai/wasm-supervisor/pool"
	"github.com/wippyai/wasm-supervisor/registry"
	"github.com/wippyai/wasm-supervisor/store"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}
	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}
	if opts.DeviceID != "" {
		cfg.Device.ID = opts.DeviceID
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("supervisor starting",
		zap.String("device_id", cfg.Device.ID),
		zap.String("arch", cfg.Device.Arch),
		zap.String("listen", cfg.Server.Listen))
	if err := serve(ctx, cfg, opts, logger); err != nil {
		logger.Error("supervisor stopped", zap.Error(err))
		return 1
	}
	logger.Info("supervisor stopped")
	return 0
}

func serve(ctx context.Context, cfg *config.Config, opts Options, logger *zap.Logger) error {
	m := metrics.New()

	st, err := store.New(cfg.Paths.ModuleDir,
		store.WithMaxBytes(cfg.Store.MaxBytes),
		store.WithFetchTimeout(cfg.Store.FetchTimeout),
		store.WithLogger(logger),
		store.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("open module store: %w", err)
	}

	engCfg := &engine.Config{
		CacheDir:         cfg.Engine.CacheDir,
		MemoryLimitPages: cfg.Engine.MemoryLimitPages,
		ExecutionTimeout: cfg.Engine.ExecutionTimeout,
		Interpreter:      cfg.Engine.Interpreter,
	}
	if cfg.Engine.CameraFile != "" {
		engCfg.Camera = engine.FileCamera{Path: cfg.Engine.CameraFile}
	}
	engine.SetLogger(logger.Named("guest"))
	eng, err := engine.NewWazeroEngineWithConfig(ctx, engCfg)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	defer func() { _ = eng.Close(context.Background()) }()

	sandboxes := pool.New(eng, st, pool.Config{
		MaxInstances:       cfg.Pool.MaxInstances,
		MaxIdlePerArtifact: cfg.Pool.MaxIdlePerArtifact,
		AcquireTimeout:     cfg.Pool.AcquireTimeout,
	}, pool.WithLogger(logger), pool.WithMetrics(m))

	hist, err := openHistory(ctx, cfg.History)
	if err != nil {
		return err
	}
	defer func() { _ = hist.Close() }()

	client := chain.NewClient(chain.ClientConfig{
		Timeout:        cfg.Chain.RequestTimeout,
		MaxRetries:     cfg.Chain.MaxRetries,
		InitialBackoff: cfg.Chain.InitialBackoff,
		MaxBackoff:     cfg.Chain.MaxBackoff,
	}, chain.WithLogger(logger), chain.WithMetrics(m))

	var exec *executor.Executor
	reg := registry.New(st,
		registry.WithArch(cfg.Device.Arch),
		registry.WithLogger(logger),
		registry.WithMetrics(m),
		registry.OnActivate(func(id string) { exec.Begin(id) }),
		registry.OnRemove(func(d registry.Deployment) { exec.Forget(d) }))
	exec = executor.New(reg, st, sandboxes, client, executor.Config{
		Node:          cfg.Device.ID,
		Arch:          cfg.Device.Arch,
		ParamsDir:     cfg.Paths.ParamsDir,
		MaxSteps:      cfg.Chain.MaxSteps,
		FetchRetries:  cfg.Store.FetchRetries,
		FetchBackoff:  cfg.Store.FetchBackoff,
		DeadlineGrace: cfg.Chain.DeadlineGrace,
	}, executor.WithLogger(logger), executor.WithMetrics(m), executor.WithHistory(hist))

	for _, path := range opts.Manifests {
		if err := activate(ctx, reg, exec, path); err != nil {
			return err
		}
	}

	gin.SetMode(gin.ReleaseMode)
	srv := api.New(api.Config{
		Device: api.Device{
			ID:      cfg.Device.ID,
			Name:    cfg.Device.Name,
			Address: cfg.Device.Address,
			Arch:    cfg.Device.Arch,
		},
		MaxSteps:  cfg.Chain.MaxSteps,
		Deadline:  cfg.Chain.Deadline,
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
	}, reg, exec,
		api.WithLogger(logger),
		api.WithMetrics(m),
		api.WithHistory(hist),
		api.WithStats(st, sandboxes))

	httpSrv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	logger.Info("listening", zap.String("addr", cfg.Server.Listen))

	select {
	case err := <-errCh:
		if !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", opts.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("preparation still running", zap.Error(err))
	}
	return sandboxes.Close(shutdownCtx)
}

func openHistory(ctx context.Context, cfg config.HistoryConfig) (history.Store, error) {
	if cfg.Backend != "redis" {
		return history.NewMemory(cfg.Capacity), nil
	}
	h, err := history.NewRedis(ctx, history.RedisConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
		Capacity:  cfg.Capacity,
		TTL:       cfg.Redis.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("open redis history: %w", err)
	}
	return h, nil
}

// activate deploys a manifest file and prepares it before serving.
func activate(ctx context.Context, reg *registry.Registry, exec *executor.Executor, path string) error {
	m, err := registry.LoadManifest(path)
	if err != nil {
		return err
	}
	d, err := reg.Activate(m)
	if err != nil {
		return fmt.Errorf("activate %s: %w", path, err)
	}
	if err := exec.Prepare(ctx, d.ID); err != nil {
		zap.L().Warn("startup deployment not ready", zap.String("deployment_id", d.ID), zap.Error(err))
	}
	return nil
}
