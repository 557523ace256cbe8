// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitepeek/internal/api"
	"github.com/JakeFAU/sitepeek/internal/clock/system"
	"github.com/JakeFAU/sitepeek/internal/config"
	collyfetcher "github.com/JakeFAU/sitepeek/internal/fetcher/colly"
	"github.com/JakeFAU/sitepeek/internal/hash/sha256"
	"github.com/JakeFAU/sitepeek/internal/id/uuid"
	"github.com/JakeFAU/sitepeek/internal/logging"
	"github.com/JakeFAU/sitepeek/internal/policy/ratelimit"
	"github.com/JakeFAU/sitepeek/internal/preview"
	"github.com/JakeFAU/sitepeek/internal/progress"
	progresssinks "github.com/JakeFAU/sitepeek/internal/progress/sinks"
	"github.com/JakeFAU/sitepeek/internal/provider"
	"github.com/JakeFAU/sitepeek/internal/proxy"
	memorypublisher "github.com/JakeFAU/sitepeek/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/sitepeek/internal/publisher/pubsub"
	"github.com/JakeFAU/sitepeek/internal/resolver"
	"github.com/JakeFAU/sitepeek/internal/telemetry"
)

// App contains the service's long-lived dependencies.
type App struct {
	cfg            config.Config
	logger         *zap.Logger
	apiServer      *api.Server
	progressHub    *progress.Hub
	pubsubClient   *pubsub.Client
	gcpPublisher   *gcppublisher.Publisher
	tracerShutdown func(context.Context) error
	metricShutdown func(context.Context) error
}

// Options overrides pieces of the dependency graph, mainly for tests.
type Options struct {
	Logger *zap.Logger
	// Registerer receives the progress metrics; nil uses the default registry.
	Registerer prometheus.Registerer
	// Publisher replaces the configured notification publisher.
	Publisher preview.Publisher
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.Bool("auth_enabled", cfg.Auth.Enabled),
		zap.Bool("progress_enabled", cfg.Progress.Enabled),
	)

	tp, mp, err := telemetry.InitTelemetry(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.Version,
		ProjectID:   cfg.Telemetry.ProjectID,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	app.metricShutdown = mp.Shutdown

	emitter, err := app.setupProgress(ctx, opts.Registerer)
	if err != nil {
		return nil, err
	}

	publisher := opts.Publisher
	if publisher == nil {
		publisher, err = app.setupPublisher(ctx)
		if err != nil {
			return nil, err
		}
	}

	registry := provider.Default().WithProbeDepth(provider.FlowStandard, cfg.Providers.StandardProbeDepth)
	clock := system.New()
	ids := uuid.NewUUIDGenerator()

	probeFetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Providers.ProbeUserAgent,
		Timeout:   cfg.Providers.ProbeTimeout,
	})
	probeLimiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Providers.ProbeRPS,
		DefaultBurst: cfg.Providers.ProbeBurst,
		Key:          registry.HostFor,
	})
	res := resolver.New(registry, probeFetcher, probeLimiter, emitter, clock, ids, resolver.Config{
		ProbeTimeout:   cfg.Providers.ProbeTimeout,
		ProbeUserAgent: cfg.Providers.ProbeUserAgent,
	}, logger)
	logger.Info("resolver configured",
		zap.Duration("probe_timeout", cfg.Providers.ProbeTimeout),
		zap.Float64("probe_rps", cfg.Providers.ProbeRPS),
		zap.Int("standard_probe_depth", cfg.Providers.StandardProbeDepth),
	)

	imageFetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.Proxy.UserAgent,
		Timeout:     cfg.Proxy.Timeout,
		MaxBodySize: int(cfg.Proxy.MaxBytes) + 1,
	})
	proxyLimiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Proxy.HostRPS,
		DefaultBurst: cfg.Proxy.HostBurst,
		Key:          registry.HostFor,
	})
	retriever := proxy.New(imageFetcher, proxyLimiter, registry, sha256.New(), ids, emitter, clock, proxy.Config{
		UserAgent:           cfg.Proxy.UserAgent,
		Timeout:             cfg.Proxy.Timeout,
		MaxBytes:            cfg.Proxy.MaxBytes,
		RestrictToProviders: cfg.Proxy.RestrictToProviders,
	}, logger)
	logger.Info("image proxy configured",
		zap.Duration("timeout", cfg.Proxy.Timeout),
		zap.Int64("max_bytes", cfg.Proxy.MaxBytes),
		zap.Bool("restrict_to_providers", cfg.Proxy.RestrictToProviders),
	)

	app.apiServer = api.NewServer(res, retriever, publisher, cfg, logger)
	return app, nil
}

// Handler exposes the HTTP handler, chiefly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP until ctx is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
	defer cancel()
	if err := a.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close waits for pending notifications and releases infrastructure.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.apiServer != nil {
		if err := a.apiServer.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api close: %w", err))
		}
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.gcpPublisher != nil {
		a.gcpPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if a.metricShutdown != nil {
		if err := a.metricShutdown(ctx); err != nil {
			a.logger.Warn("metric shutdown failed", zap.Error(err))
		}
	}
}

func (a *App) setupPublisher(ctx context.Context) (preview.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.gcpPublisher = gcppublisher.New(a.pubsubClient)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.gcpPublisher, nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) (progress.Emitter, error) {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return nil, nil
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
		a.logger.Debug("added progress log sink")
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   a.cfg.Progress.HubBatchWait(),
		SinkTimeout:    a.cfg.Progress.HubSinkTimeout(),
		BaseContext:    ctx,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return a.progressHub, nil
}
