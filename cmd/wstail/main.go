// wstail connects the push channel and prints every notification to the
// console. Buffering, reconnects and the polling fallback behave exactly as
// in dashlink.
// Usage: go run ./cmd/wstail --config configs/dashlink.local.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/dashlink/internal/api"
	"github.com/rickgao/dashlink/internal/auth"
	"github.com/rickgao/dashlink/internal/config"
	"github.com/rickgao/dashlink/internal/connection"
	"github.com/rickgao/dashlink/internal/events"
	"github.com/rickgao/dashlink/internal/poller"
	"github.com/rickgao/dashlink/internal/router"
	"github.com/rickgao/dashlink/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/dashlink.example.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "print message payloads and state changes")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("wstail", version.Get())
		return
	}

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	// Load config
	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.API.WSURL == "" {
		logger.Error("api.ws_url is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	var tokens auth.TokenSource
	switch {
	case cfg.API.KeyID != "":
		creds, err := auth.LoadCredentials(cfg.API.KeyID, cfg.API.PrivateKeyPath)
		if err != nil {
			logger.Error("failed to load credentials", "error", err)
			os.Exit(1)
		}
		jwtCfg := auth.DefaultJWTConfig()
		jwtCfg.Audience = cfg.API.Audience
		tokens = auth.NewJWTSource(creds, jwtCfg)
		logger.Info("using API credentials", "key_id", cfg.API.KeyID)
	case cfg.API.Token != "":
		tokens = auth.StaticToken(cfg.API.Token)
	}

	bus := events.NewBus()
	bus.Subscribe(func(n events.Notification) {
		printNotification(n, *verbose)
	})

	var fallback connection.Fallback
	if len(cfg.Polling.Endpoints) > 0 {
		apiClient := api.NewClient(cfg.API.RestURL, tokens, api.WithLogger(logger))
		fallback = poller.New(cfg.Polling.Poller(), apiClient, poller.Publish(bus, events.SourceChannel), logger)
	}

	clientCfg := connection.DefaultClientConfig()
	clientCfg.URL = cfg.API.WSURL
	clientCfg.Token = tokens

	supCfg := connection.DefaultConfig()
	supCfg.MaxRetries = cfg.Connection.MaxRetries
	supCfg.Backoff = cfg.Connection.Backoff()
	supCfg.Breaker = cfg.Connection.Breaker("channel")
	supCfg.MaxBufferSize = cfg.Connection.MaxBufferSize
	supCfg.Health = cfg.Connection.Health()
	supCfg.FallbackGrace = cfg.Polling.FallbackGrace

	sup := connection.NewSupervisor(supCfg, func() connection.Client {
		return connection.NewClient(clientCfg, logger)
	}, fallback, bus, logger)

	logger.Info("connecting", "url", cfg.API.WSURL)
	sup.Connect(ctx)

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := sup.Status()
				bs := sup.BufferStats()
				logger.Info("stats",
					"state", st.State,
					"circuit", st.CircuitState,
					"attempt", st.Attempt,
					"polling", st.Polling,
					"buffered", st.BufferSize,
					"dropped", bs.TotalDropped,
				)
			}
		}
	}()

	logger.Info("tailing - press Ctrl+C to stop")

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")
	sup.Shutdown(false)

	for _, rec := range sup.History() {
		fmt.Printf("[HISTORY] %s %-16s %s\n", rec.At.Format(time.TimeOnly), rec.State, rec.Reason)
	}
	logger.Info("shutdown complete")
}

func printNotification(n events.Notification, verbose bool) {
	switch n.Kind {
	case events.Message:
		if n.Envelope != nil {
			printEnvelope(*n.Envelope, verbose)
		}
	case events.StateChanged:
		if verbose {
			fmt.Printf("[STATE] %s -> %s (%s)\n", n.PrevState, n.State, n.Reason)
		}
	case events.ReconnectScheduled:
		fmt.Printf("[RECONNECT] attempt=%d delay=%s\n", n.Attempt, n.Delay)
	case events.ReconnectFailed, events.HealthCheckFailed:
		fmt.Printf("[%s] attempt=%d error=%v\n", n.Kind, n.Attempt, n.Err)
	case events.ReconnectExhausted:
		fmt.Printf("[EXHAUSTED] max_attempts=%d\n", n.MaxAttempts)
	case events.Connected:
		fmt.Printf("[CONNECTED] after %d failed attempts\n", n.Attempt)
	case events.Disconnected, events.Degraded:
		fmt.Printf("[%s] reason=%s\n", n.Kind, n.Reason)
	default:
		fmt.Printf("[%s]\n", n.Kind)
	}
}

func printEnvelope(env router.Envelope, verbose bool) {
	if verbose {
		fmt.Printf("[%s] type=%s id=%s payload=%s\n", env.Source, env.Type, env.ID, env.Payload)
		return
	}
	fmt.Printf("[%s] type=%s id=%s bytes=%d\n", env.Source, env.Type, env.ID, len(env.Payload))
}
