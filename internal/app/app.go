// Package app wires the coordinator's components together: config, logger,
// telemetry, the fiber HTTP server, the five cooperative loops, and an
// orderly (if not fully graceful, per spec §5) shutdown path.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aqua-ct/server/internal/config"
	"github.com/aqua-ct/server/internal/coordinator"
	"github.com/aqua-ct/server/internal/httpapi"
	"github.com/aqua-ct/server/internal/logger"
	"github.com/aqua-ct/server/internal/metrics"
	"github.com/aqua-ct/server/internal/middleware"
	"github.com/aqua-ct/server/internal/ratelimit"
	"github.com/aqua-ct/server/internal/telemetry"
	"github.com/aqua-ct/server/internal/vcs"
)

const shutdownTimeout = 5 * time.Second

// Builder wires the coordinator application's dependencies.
type Builder struct {
	cfg            *config.Config
	version        string
	logger         logger.Logger
	fiberApp       *fiber.App
	state          *coordinator.State
	backend        vcs.RepoBackend
	broadcaster    *httpapi.Broadcaster
	rateLimitSvc   *ratelimit.Service
	tracerProvider *telemetry.TracerProvider
	closers        []func()
}

// NewBuilder creates a new application builder.
func NewBuilder(cfg *config.Config, version string) *Builder {
	return &Builder{cfg: cfg, version: version}
}

// Build assembles the coordinator application components.
func (b *Builder) Build(ctx context.Context) (*App, error) {
	b.initLogger()
	b.recordStartupMetrics()
	b.initFiber()
	b.initTracing(ctx)
	b.initMiddleware()

	if err := b.initCoordinator(); err != nil {
		b.cleanupOnError()
		return nil, err
	}

	b.initHandlers()

	return &App{
		cfg:            b.cfg,
		version:        b.version,
		logger:         b.logger,
		fiberApp:       b.fiberApp,
		state:          b.state,
		tracerProvider: b.tracerProvider,
		closers:        b.closers,
	}, nil
}

func (b *Builder) initLogger() {
	b.logger = logger.NewFromConfig(b.cfg.Log.Level, b.cfg.Log.Format)
	logger.SetDefault(b.logger)
}

func (b *Builder) recordStartupMetrics() {
	metrics.BuildInfo.WithLabelValues(b.version, runtime.Version()).Set(1)

	b.logger.Info("Starting continuous test coordinator",
		logger.String("version", b.version),
		logger.String("address", b.cfg.Address()),
		logger.String("log_level", b.cfg.Log.Level),
		logger.String("log_format", b.cfg.Log.Format),
		logger.String("root_dir", b.cfg.Coord.RootDir),
		logger.String("use_root_dir", fmt.Sprintf("%t", b.cfg.Coord.UseRootDir)),
	)
}

func (b *Builder) initFiber() {
	b.fiberApp = fiber.New()
}

func (b *Builder) initTracing(ctx context.Context) {
	tracingCfg := telemetry.TracingConfig{
		Enabled:        b.cfg.Tracing.Enabled,
		Endpoint:       b.cfg.Tracing.Endpoint,
		ServiceName:    b.cfg.Tracing.ServiceName,
		ServiceVersion: b.cfg.Tracing.ServiceVersion,
		Environment:    b.cfg.Tracing.Environment,
		SamplingRatio:  b.cfg.Tracing.SamplingRatio,
		InsecureConn:   b.cfg.Tracing.InsecureConn,
	}

	provider, err := telemetry.InitTracing(ctx, tracingCfg)
	if err != nil {
		b.logger.Error("Failed to initialize tracing", logger.Error(err))
		return
	}

	if b.cfg.Tracing.Enabled {
		b.logger.Info("OpenTelemetry tracing initialized",
			logger.String("endpoint", b.cfg.Tracing.Endpoint),
			logger.String("service_name", b.cfg.Tracing.ServiceName),
		)

		b.addCloser(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				b.logger.Error("Failed to shutdown tracer provider", logger.Error(err))
			}
		})
	}

	b.tracerProvider = provider
}

func (b *Builder) initMiddleware() {
	b.fiberApp.Use(middleware.RequestLogging(b.logger))
	b.fiberApp.Use(middleware.MetricsMiddleware())

	if b.cfg.Tracing.Enabled {
		b.fiberApp.Use(middleware.TracingMiddleware(b.cfg.Tracing.ServiceName))
	}

	if b.cfg.RateLimit.Enabled {
		b.rateLimitSvc = ratelimit.NewService(ratelimit.Config{
			Enabled:         b.cfg.RateLimit.Enabled,
			RequestsPerSec:  b.cfg.RateLimit.RequestsPerSec,
			Burst:           b.cfg.RateLimit.Burst,
			CleanupInterval: b.cfg.RateLimit.CleanupInterval,
		})

		b.fiberApp.Use(middleware.RateLimitMiddleware(b.rateLimitSvc))

		b.logger.Info("Rate limiting enabled",
			logger.String("requests_per_sec", fmt.Sprintf("%.1f", b.cfg.RateLimit.RequestsPerSec)),
			logger.Int("burst", b.cfg.RateLimit.Burst),
		)
	}
}

func (b *Builder) initCoordinator() error {
	b.backend = vcs.NewExecBackend(b.cfg.Coord.RootDir, b.logger)

	state, err := coordinator.New(b.cfg, b.backend, b.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize coordinator state: %w", err)
	}
	b.state = state

	b.broadcaster = httpapi.NewBroadcaster(b.logger)
	b.state.SetReportListener(b.broadcaster.Broadcast)

	return nil
}

func (b *Builder) initHandlers() {
	handler := httpapi.NewHandler(b.state)
	handler.Register(b.fiberApp)
	b.broadcaster.Register(b.fiberApp)

	b.fiberApp.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

func (b *Builder) addCloser(closer func()) {
	b.closers = append(b.closers, closer)
}

func (b *Builder) cleanupOnError() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// App represents a configured coordinator application ready to run.
type App struct {
	cfg            *config.Config
	version        string
	logger         logger.Logger
	fiberApp       *fiber.App
	state          *coordinator.State
	tracerProvider *telemetry.TracerProvider
	closers        []func()
	loopCancel     context.CancelFunc
	loopsDone      chan struct{}
}

// Run starts the five cooperative loops and the HTTP server, and handles
// shutdown. Per spec §5, there is no guarantee of waiting on in-flight
// subprocesses: SIGINT/SIGTERM cancels the loops' context and stops
// accepting new work, but a final checkpoint write is attempted before
// exit so at most the last autosave interval of state is lost.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.logger.Info("Server starting", logger.String("address", a.cfg.Address()))

	a.startLoops()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- a.fiberApp.Listen(a.cfg.Address())
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			a.logger.Error("Failed to start server", logger.Error(err))
			a.stopLoops()
			a.runClosers()
			return err
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down server...")
	a.stopLoops()
	a.state.Checkpoint()

	if err := a.fiberApp.Shutdown(); err != nil {
		a.logger.Error("Server forced to shutdown", logger.Error(err))
	}

	a.runClosers()

	if err := <-serverErr; err != nil {
		return err
	}

	a.logger.Info("Server exited gracefully")
	return nil
}

func (a *App) startLoops() {
	loopCtx, cancel := context.WithCancel(context.Background())
	a.loopCancel = cancel
	a.loopsDone = make(chan struct{})

	coord := a.cfg.Coord
	var wg sync.WaitGroup
	wg.Add(5)

	go func() { defer wg.Done(); a.state.RunSnapshotLoop(loopCtx, coord.SnapshotPollInterval) }()
	go func() { defer wg.Done(); a.state.RunLocalLoop(loopCtx, coord.LocalIdleSleep) }()
	go func() { defer wg.Done(); a.state.RunWeightsLoop(loopCtx, coord.WeightsInterval) }()
	go func() { defer wg.Done(); a.state.RunAutosaveLoop(loopCtx, coord.AutosaveInterval) }()
	go func() { defer wg.Done(); a.state.RunReportLoop(loopCtx, coord.ReportInterval) }()

	go func() {
		wg.Wait()
		close(a.loopsDone)
	}()
}

func (a *App) stopLoops() {
	if a.loopCancel == nil {
		return
	}
	a.loopCancel()
	select {
	case <-a.loopsDone:
	case <-time.After(shutdownTimeout):
		a.logger.Warn("timed out waiting for loops to stop")
	}
}

func (a *App) runClosers() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
