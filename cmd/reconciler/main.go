// Command reconciler runs the batch reconciliation sweep on a timer:
// cash-invariant verification, scheduled wealth snapshots, and order
// snapshot retention for every account.
//
// Set RECONCILE_INTERVAL=0 to run a single sweep and exit, for cron-style
// deployments.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/foliosim/paper-engine/internal/batch"
	"github.com/foliosim/paper-engine/internal/prices"
	"github.com/foliosim/paper-engine/internal/snapshot"
	"github.com/foliosim/paper-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	pool, err := store.NewPool(ctx, dbURL)
	if err != nil {
		slog.Error("connect postgres", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	st := store.NewPostgresStore(pool)
	if err := st.Migrate(ctx); err != nil {
		slog.Error("run migrations", "err", err)
		os.Exit(1)
	}

	var priceSrc prices.Source = prices.NewHTTPSource(
		envOr("QUOTES_URL", "http://localhost:9000"),
		os.Getenv("QUOTES_TOKEN"),
	)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("parse REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		priceSrc = prices.NewCachedSource(priceSrc, rdb, 10*time.Second)
	}

	recorder := snapshot.NewRecorder(st, priceSrc)
	runner := batch.NewRunner(st, recorder, "batch-reconciler")

	interval := time.Hour
	if raw := os.Getenv("RECONCILE_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			slog.Error("invalid RECONCILE_INTERVAL", "value", raw, "err", err)
			os.Exit(1)
		}
		interval = d
	}

	// One immediate sweep, then on the timer.
	if _, err := runner.Run(ctx); err != nil {
		slog.Error("reconciliation sweep failed", "err", err)
		if interval <= 0 {
			os.Exit(1)
		}
	}
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("reconciler running", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler stopped")
			return
		case <-ticker.C:
			if _, err := runner.Run(ctx); err != nil {
				slog.Error("reconciliation sweep failed", "err", err)
			}
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
