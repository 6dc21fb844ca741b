package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/dashlink/internal/api"
	"github.com/rickgao/dashlink/internal/auth"
	"github.com/rickgao/dashlink/internal/cache"
	"github.com/rickgao/dashlink/internal/config"
	"github.com/rickgao/dashlink/internal/connection"
	"github.com/rickgao/dashlink/internal/database"
	"github.com/rickgao/dashlink/internal/dependency"
	"github.com/rickgao/dashlink/internal/events"
	"github.com/rickgao/dashlink/internal/metrics"
	"github.com/rickgao/dashlink/internal/poller"
	"github.com/rickgao/dashlink/internal/router"
	"github.com/rickgao/dashlink/internal/version"
	"github.com/rickgao/dashlink/internal/writer"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "configs/dashlink.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting dashlink",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"ws_url", cfg.API.WSURL,
		"polling_endpoints", len(cfg.Polling.Endpoints),
		"cache_driver", cfg.Cache.Driver,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("dashlink failed", "error", err)
		os.Exit(1)
	}
	logger.Info("dashlink stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tokens, err := tokenSource(cfg.API)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	m := metrics.New()
	bus.Subscribe(m.Observe)

	// Router: every inbound envelope, pushed or polled, goes through it
	rtr := router.New(router.DefaultConfig(), logger)
	m.RegisterRouter(rtr)
	bus.Subscribe(func(n events.Notification) {
		if n.Envelope != nil {
			rtr.Submit(*n.Envelope)
		}
	}, events.Message)

	// Fallback poller
	apiClient := api.NewClient(
		cfg.API.RestURL,
		tokens,
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
	)
	poll := poller.New(cfg.Polling.Poller(), apiClient, poller.Publish(bus, events.SourceChannel), logger)

	// Push channel supervisor
	clientCfg := connection.DefaultClientConfig()
	clientCfg.URL = cfg.API.WSURL
	clientCfg.Token = tokens
	clientCfg.PingTimeout = cfg.Connection.HealthCheckTimeout

	supCfg := connection.DefaultConfig()
	supCfg.MaxRetries = cfg.Connection.MaxRetries
	supCfg.Backoff = cfg.Connection.Backoff()
	supCfg.Breaker = cfg.Connection.Breaker("channel")
	supCfg.MaxBufferSize = cfg.Connection.MaxBufferSize
	supCfg.Health = cfg.Connection.Health()
	supCfg.FallbackGrace = cfg.Polling.FallbackGrace
	supCfg.ConnectTimeout = cfg.Connection.ConnectTimeout

	sup := connection.NewSupervisor(supCfg, func() connection.Client {
		return connection.NewClient(clientCfg, logger)
	}, poll, bus, logger)

	// Auxiliary cache/queue backend
	var w *writer.Writer
	dep, sink := newDependency(ctx, cfg.Cache, bus, logger)
	if sink != nil {
		wCfg := writer.DefaultConfig()
		wCfg.BatchSize = cfg.Cache.BatchSize
		wCfg.FlushInterval = cfg.Cache.FlushInterval
		wCfg.BufferSize = cfg.Cache.BatchSize * 10
		w = writer.New(wCfg, sink, logger)
		m.RegisterWriter(w)
		rtr.Handle(router.Wildcard, func(env router.Envelope) {
			w.Write(env)
		})
	}

	srv := &server{
		instance: cfg.Instance.ID,
		channel:  sup,
		dep:      dep,
		poller:   poll,
		router:   rtr,
		metrics:  m,
		logger:   logger,
	}
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           srv.handler(cfg.Metrics.Path),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := rtr.Start(ctx); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	if w != nil {
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start writer: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Metrics.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		sup.Connect(gctx)
		logger.Info("push channel started", "state", sup.State())
		return nil
	})

	if dep != nil {
		g.Go(func() error {
			dep.Connect(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		sup.Shutdown(false)
		if err := rtr.Stop(shutdownCtx); err != nil {
			logger.Warn("router stop", "error", err)
		}
		if w != nil {
			if err := w.Stop(shutdownCtx); err != nil {
				logger.Warn("writer stop", "error", err)
			}
		}
		if dep != nil {
			dep.Close()
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	logger.Info("dashlink running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	return g.Wait()
}

func tokenSource(cfg config.APIConfig) (auth.TokenSource, error) {
	switch {
	case cfg.KeyID != "":
		creds, err := auth.LoadCredentials(cfg.KeyID, cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load credentials: %w", err)
		}
		jwtCfg := auth.DefaultJWTConfig()
		jwtCfg.Audience = cfg.Audience
		return auth.NewJWTSource(creds, jwtCfg), nil
	case cfg.Token != "":
		return auth.StaticToken(cfg.Token), nil
	}
	return nil, nil
}

func newDependency(ctx context.Context, cfg config.CacheConfig, bus events.Publisher, logger *slog.Logger) (dependencyManager, writer.Sink) {
	depCfg := dependency.Config{
		Name:           cfg.Driver,
		MaxRetries:     cfg.Connection.MaxRetries,
		Backoff:        cfg.Connection.Backoff(),
		Breaker:        cfg.Connection.Breaker(cfg.Driver),
		MaxBufferSize:  cfg.Connection.MaxBufferSize,
		Health:         cfg.Connection.Health(),
		ConnectTimeout: cfg.Connection.ConnectTimeout,
	}

	switch cfg.Driver {
	case config.DriverRedis:
		depCfg.IsTransient = cache.IsTransient
		mgr := dependency.New(depCfg, cache.Dialer(cfg.Redis), bus, logger)
		return mgr, cache.NewStore(mgr, cfg.Queue)

	case config.DriverPostgres:
		depCfg.IsTransient = database.IsTransient
		mgr := dependency.New(depCfg, database.Dialer(cfg.Postgres), bus, logger)
		queue := database.NewQueue(mgr, cfg.Queue)

		setupCtx, cancel := context.WithTimeout(ctx, cfg.Connection.ConnectTimeout)
		defer cancel()
		if err := queue.EnsureTable(setupCtx); err != nil {
			// Inserts fail until the table exists; routing is unaffected.
			logger.Warn("queue table not ready", "table", cfg.Queue, "error", err)
		}
		return mgr, queue
	}

	return nil, nil
}
