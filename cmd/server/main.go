// Command server runs the paper-trading engine HTTP API: spot settlement,
// conditional orders with the polling evaluator, portfolio and snapshot
// queries, and the real-time WebSocket feed.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/foliosim/paper-engine/internal/auth"
	"github.com/foliosim/paper-engine/internal/batch"
	"github.com/foliosim/paper-engine/internal/conditional"
	"github.com/foliosim/paper-engine/internal/metrics"
	"github.com/foliosim/paper-engine/internal/prices"
	"github.com/foliosim/paper-engine/internal/snapshot"
	"github.com/foliosim/paper-engine/internal/store"
	"github.com/foliosim/paper-engine/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	port := envOr("PORT", "8080")
	authSecret := os.Getenv("AUTH_SECRET")
	if authSecret == "" {
		slog.Warn("AUTH_SECRET not set, using insecure development secret")
		authSecret = "dev-secret"
	}
	serviceToken := os.Getenv("SERVICE_TOKEN")
	if serviceToken == "" {
		slog.Warn("SERVICE_TOKEN not set, service endpoints disabled")
	}

	// Store: Postgres when configured, in-memory otherwise.
	var st store.Store
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := store.NewPool(ctx, dbURL)
		if err != nil {
			slog.Error("connect postgres", "err", err)
			os.Exit(1)
		}
		defer pool.Close()
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("run migrations", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("using postgres store")
	} else {
		st = store.NewMemoryStore()
		slog.Warn("DATABASE_URL not set, using in-memory store")
	}

	// Prices: upstream quote proxy, optionally behind a Redis cache.
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
		ttl := durationOr("PRICE_CACHE_TTL", 10*time.Second)
		priceSrc = prices.NewCachedSource(priceSrc, rdb, ttl)
		slog.Info("price cache enabled", "ttl", ttl)
	}

	hub := trade.NewWSHub()
	go hub.Run()

	recorder := snapshot.NewRecorder(st, priceSrc)
	trades := trade.NewService(st, priceSrc, recorder, hub)
	conditionals := conditional.NewService(st, priceSrc, trades, hub)
	runner := batch.NewRunner(st, recorder, "batch-reconciler")

	evaluator := conditional.NewEvaluator(st, priceSrc, conditionals,
		durationOr("POLL_INTERVAL", conditional.DefaultPollInterval))
	go evaluator.Run(ctx)

	verifier := auth.NewVerifier([]byte(authSecret))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Handle("/ws", hub)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(auth.WithUser(verifier, trade.WriteError))

			r.Post("/accounts", trades.HandleOpenAccount)
			r.Post("/orders", trades.HandleSubmitOrder)
			r.Get("/orders", trades.HandleListOrders)
			r.Get("/portfolio", trades.HandlePortfolio)
			r.Get("/fx/balances", trades.HandleFXBalances)
			r.Get("/quotes/{symbol}", trades.HandleQuote)
			r.Get("/quotes/{symbol}/history", trades.HandleHistory)

			r.Post("/conditional", conditionals.HandleSchedule)
			r.Get("/conditional", conditionals.HandleList)
			r.Get("/conditional/{id}", conditionals.HandleGet)
			r.Delete("/conditional/{id}", conditionals.HandleCancel)

			r.Get("/snapshots", recorder.HandleList)
			r.Post("/snapshots", recorder.HandleRecord)
			r.Get("/stats", recorder.HandleStats)
		})

		if serviceToken != "" {
			r.Group(func(r chi.Router) {
				r.Use(auth.WithService(serviceToken, trade.WriteError))

				r.Post("/conditional/{id}/execute", conditionals.HandleExecute)
				r.Post("/batch/run", func(w http.ResponseWriter, req *http.Request) {
					res, err := runner.Run(req.Context())
					if err != nil {
						trade.WriteError(w, err.Error(), http.StatusInternalServerError)
						return
					}
					w.Header().Set("Content-Type", "application/json")
					json.NewEncoder(w).Encode(res)
				})
			})
		}
	})

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "err", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration, using default", "key", key, "value", v)
		return fallback
	}
	return d
}
