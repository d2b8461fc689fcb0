package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/CSroseX/traced-gateway/internal/analytics"
	"github.com/CSroseX/traced-gateway/internal/chaos"
	"github.com/CSroseX/traced-gateway/internal/config"
	"github.com/CSroseX/traced-gateway/internal/httpcodec"
	"github.com/CSroseX/traced-gateway/internal/logging"
	"github.com/CSroseX/traced-gateway/internal/metrics"
	"github.com/CSroseX/traced-gateway/internal/observability"
	"github.com/CSroseX/traced-gateway/internal/pipeline"
	"github.com/CSroseX/traced-gateway/internal/proxy"
	"github.com/CSroseX/traced-gateway/internal/ratelimit"
	"github.com/CSroseX/traced-gateway/internal/server"
	"github.com/CSroseX/traced-gateway/internal/tenant"
	"github.com/CSroseX/traced-gateway/internal/tracing"
	"github.com/CSroseX/traced-gateway/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Redis ----
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	// ---- Tracing ----
	stats := analytics.NewAnalytics(redisClient)
	var stdout io.Writer
	if cfg.Tracing.Stdout {
		stdout = os.Stdout
	}
	tp, shutdownTracer, err := observability.InitTracer(observability.Config{
		ServiceName: cfg.Tracing.ServiceName,
		Stdout:      stdout,
		Exporters:   []sdktrace.SpanExporter{analytics.NewExporter(stats, logger.Named("analytics"))},
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	// ---- Metrics ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	interceptor := tracing.New(
		tracing.WithTracerProvider(tp),
		tracing.WithPropagator(otel.GetTextMapPropagator()),
		tracing.WithComponent(cfg.Tracing.Component),
		tracing.WithLogger(logger.Named("tracing")),
		tracing.WithObserver(m),
		tracing.WithMaxAge(cfg.Tracing.ReaperMaxAge),
		tracing.WithReapInterval(cfg.Tracing.ReaperInterval),
	)
	m.WatchRegistry(interceptor.Registry().Len)

	// ---- Routes: tenant -> metrics -> rate limit -> upstream ----
	directory := tenant.NewDirectory(cfg.Tenants)
	limiter := ratelimit.NewRateLimiter(redisClient, cfg.RateLimit.Limit, cfg.RateLimit.Refill,
		ratelimit.WithLogger(logger.Named("ratelimit")),
		ratelimit.OnLimited(m.RecordRateLimited),
	)
	routes, err := cfg.ParseRoutes()
	if err != nil {
		return err
	}
	router := proxy.NewRouter()
	for _, r := range routes {
		upstream, err := proxy.ProxyHandler(r.Upstream,
			proxy.WithTracing(tp.Tracer("github.com/CSroseX/traced-gateway/internal/proxy"), otel.GetTextMapPropagator()),
			proxy.WithLogger(logger.Named("proxy")),
		)
		if err != nil {
			return err
		}
		router.AddRoute(r.Prefix, directory.Middleware(
			m.Middleware(r.Prefix, logger.Named("metrics"))(
				limiter.Middleware(upstream),
			),
		))
	}

	controller := chaos.NewController(
		chaos.WithLogger(logger.Named("chaos")),
		chaos.OnInject(m.RecordChaos),
	)
	app := server.Wrap(server.HTTPHandler(router), controller.Middleware)

	// ---- Pipeline ----
	pool := transport.NewWorkerPool(cfg.Server.Workers, cfg.Server.QueueSize)
	defer pool.Stop()
	stages := interceptor.Assemble([]pipeline.Stage{
		transport.Stage{},
		httpcodec.NewServerStage(httpcodec.WithLogger(logger.Named("http"))),
		server.NewStage(app, server.WithLogger(logger.Named("app"))),
	})
	chain := pipeline.New(stages,
		pipeline.WithLogger(logger.Named("pipeline")),
		pipeline.WithChainExecutor(pool),
	)
	defer chain.Release()
	gateway := transport.NewServer(chain, pool,
		transport.WithLogger(logger.Named("transport")),
		transport.WithMaxConns(cfg.Server.MaxConns),
		transport.WithReadBufferSize(cfg.Server.ReadBufferSize),
	)

	// ---- Admin ----
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/admin/chaos", controller.ConfigHandler)
	mux.HandleFunc("/admin/chaos/recover", controller.RecoverHandler)
	mux.HandleFunc("/admin/chaos/status", controller.StatusHandler)
	mux.Handle("/admin/analytics", analytics.Handler(stats, logger.Named("analytics")))
	admin := &http.Server{
		Addr:              cfg.Server.AdminAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("API Gateway starting",
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.String("admin_addr", cfg.Server.AdminAddr),
		zap.Int("routes", len(routes)),
		zap.Int("tenants", directory.Len()),
		zap.Int("stages", len(stages)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gateway.ListenAndServe(gctx, cfg.Server.ListenAddr)
	})
	g.Go(func() error {
		if err := admin.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return admin.Shutdown(sctx)
	})
	g.Go(func() error {
		interceptor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		controller.AutoRecover(gctx, cfg.Chaos.RecoverInterval)
		return nil
	})

	err = g.Wait()
	logger.Info("API Gateway stopped")
	return err
}
