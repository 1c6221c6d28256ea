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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/config"
	"github.com/atmx/perp-engine/internal/engine"
	"github.com/atmx/perp-engine/internal/external"
	"github.com/atmx/perp-engine/internal/feed"
	"github.com/atmx/perp-engine/internal/logging"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", os.Getenv("PERP_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{Level: cfg.Logging.Level, File: cfg.Logging.File})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Event feed ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)
	sinks := feed.Sinks{wsHub}

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("perp-engine"))
		if err != nil {
			slog.Error("nats connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, nc.Close)
		js, err := jetstream.New(nc)
		if err != nil {
			slog.Error("jetstream init failed", "err", err)
			os.Exit(1)
		}
		if err := feed.EnsureStream(ctx, js, "PERP_EVENTS", cfg.NATS.Subject); err != nil {
			slog.Error("jetstream stream setup failed", "err", err)
			os.Exit(1)
		}
		publisher := feed.NewNATSPublisher(js, cfg.NATS.Subject, 1024)
		go func() {
			if err := publisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("feed publisher stopped", "err", err)
			}
		}()
		sinks = append(sinks, publisher)
		slog.Info("NATS feed enabled", "subject", cfg.NATS.Subject)
	}

	// --- Collaborators ---
	// The development oracle answers a fixed spot; the venue fills hedges
	// at it with 0.1% slippage.
	oracle := external.NewStaticOracle(cfg.Market.Spot, time.Now().UTC())
	venue := external.NewOracleVenue(oracle, decimal.NewFromInt(100_000))

	eng, err := engine.New(ctx, engine.Deps{
		Store:  st,
		Oracle: oracle,
		Venue:  venue,
		Feed:   sinks,
		Logger: logger,

		Underlying: cfg.Market.Underlying,
	}, cfg.Market.Controller, cfg.Params)
	if err != nil {
		slog.Error("engine init failed", "err", err)
		os.Exit(1)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"perp-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	tradeSvc := trade.NewService(eng)
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for the real-time event feed.
		r.Get("/ws", wsHub.HandleWS)

		tradeSvc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("perp-engine listening",
			"port", cfg.Server.Port,
			"underlying", cfg.Market.Underlying,
			"spot", cfg.Market.Spot.String(),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down perp-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("perp-engine stopped")
}
