package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowchat/relay/internal/api"
	"github.com/flowchat/relay/internal/bridge"
	"github.com/flowchat/relay/internal/config"
	"github.com/flowchat/relay/internal/events"
	"github.com/flowchat/relay/internal/kv"
	"github.com/flowchat/relay/internal/queue"
	"github.com/flowchat/relay/internal/retry"
	"github.com/flowchat/relay/internal/session"
	"github.com/flowchat/relay/internal/transport"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("flowchat relay starting", "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence
	store, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open state store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Event bus
	bus := events.NewBus(cfg.EventHistorySize, slog.Default())

	// Sessions
	sessions := session.NewManager(store, bus, slog.Default())

	// Transport adapter
	adapter := transport.New(transport.Config{
		WebhookURL: cfg.WebhookURL,
		Timeout:    cfg.RequestTimeout,
		Retry: retry.Config{
			MaxAttempts:  cfg.RetryMaxAttempts,
			InitialDelay: cfg.RetryInitialDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			Multiplier:   2,
			Jitter:       true,
		},
	}, bus, sessions, slog.Default())
	if cfg.WebhookURL == "" {
		slog.Warn("no webhook configured — set FLOWCHAT_WEBHOOK_URL or PATCH /api/v1/config")
	}

	// Offline queue, replaying through the adapter
	q := queue.New(queue.Config{
		MaxSize:     cfg.QueueMaxSize,
		MaxAttempts: cfg.QueueMaxAttempts,
		Expiry:      cfg.QueueExpiry,
		StorageKey:  queue.DefaultConfig().StorageKey,
	}, store, adapter.Deliver, slog.Default())
	adapter.AttachQueue(q)

	// NATS bridge (optional — the relay works standalone, events stay local)
	if cfg.NatsURL != "" {
		br, err := bridge.New(cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer br.Close()
		br.Attach(bus)
		slog.Info("NATS bridge connected", "url", cfg.NatsURL)
	} else {
		slog.Info("NATS not configured — events stay in-process")
	}

	// HTTP API
	srv := api.NewServer(cfg.Port, adapter, q, sessions, bus, slog.Default())
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	// Background queue replay
	go replayLoop(ctx, q, bus, cfg.QueueInterval)

	slog.Info("flowchat relay ready", "port", cfg.Port)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "error", err)
	}
	slog.Info("flowchat relay stopped")
}

// openStore picks the kv backend: Postgres when DATABASE_URL is set,
// SQLite when FLOWCHAT_DB_PATH is set, memory-only otherwise.
func openStore(ctx context.Context, cfg config.Config) (kv.Store, error) {
	switch {
	case cfg.DatabaseURL != "":
		s, err := kv.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		slog.Info("postgres store connected")
		return s, nil
	case cfg.SQLitePath != "":
		s, err := kv.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		slog.Info("sqlite store opened", "path", cfg.SQLitePath)
		return s, nil
	default:
		slog.Warn("no persistence configured — sessions and queue are memory-only")
		return kv.NewMemory(), nil
	}
}

// replayLoop drains the offline queue on an interval. Process is
// non-reentrant, so overlapping with an API-triggered replay is safe.
func replayLoop(ctx context.Context, q *queue.Queue, bus *events.Bus, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if q.Size() == 0 {
				continue
			}
			sent, failed := q.Process(ctx)
			if sent > 0 || failed > 0 {
				bus.Emit(events.QueueProcessed, "", map[string]any{
					"sent":   sent,
					"failed": failed,
				})
			}
		}
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
