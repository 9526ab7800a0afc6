package main

import (
	"context"
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
	"github.com/redis/go-redis/v9"

	"github.com/atmx/account-engine/internal/account"
	"github.com/atmx/account-engine/internal/config"
	"github.com/atmx/account-engine/internal/engine"
	"github.com/atmx/account-engine/internal/market"
	"github.com/atmx/account-engine/internal/metrics"
	"github.com/atmx/account-engine/internal/store"
	"github.com/atmx/account-engine/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize persistence ---
	persister, cleanup, err := openPersister(ctx, cfg)
	if err != nil {
		slog.Error("state backend unavailable", "backend", cfg.Backend, "err", err)
		os.Exit(1)
	}
	defer cleanup()

	// --- Account state ---
	st := account.NewStore(persister, cfg.StateKey, market.SeedAccount,
		account.WithPersistTimeout(cfg.PersistTimeout))
	st.Load(ctx)

	go func() {
		if err := st.Watch(ctx); err != nil && ctx.Err() == nil {
			slog.Error("account state watch stopped", "err", err)
		}
	}()

	// --- Engine ---
	catalog := market.NewDefaultCatalog(time.Now())
	eng := engine.New(st, catalog)

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub(eng.Snapshot)
	go wsHub.Run(ctx)
	eng.Subscribe(wsHub.PublishAccount)

	// --- Trade service ---
	tradeSvc := trade.NewService(eng, catalog, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"account-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for account snapshots and quote updates.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			tradeSvc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("account-engine listening", "port", cfg.Port, "backend", cfg.Backend, "key", cfg.StateKey)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down account-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("account-engine stopped")
}

// openPersister connects the configured state backend. The returned cleanup
// releases its connections.
func openPersister(ctx context.Context, cfg config.Config) (store.Persister, func(), error) {
	noop := func() {}

	switch cfg.Backend {
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, noop, fmt.Errorf("connect postgres: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, noop, err
		}
		slog.Info("connected to PostgreSQL")
		return pg, pool.Close, nil

	case config.BackendRedis:
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, noop, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, noop, fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("connected to Redis")
		return store.NewRedisStore(rdb), func() { rdb.Close() }, nil

	case config.BackendMemory:
		slog.Warn("STATE_BACKEND=memory, account state will not persist")
		return store.NewMemoryStore(), noop, nil

	default:
		fs, err := store.NewFileStore(cfg.StateDir)
		if err != nil {
			return nil, noop, err
		}
		slog.Info("using file state", "path", fs.Path(cfg.StateKey))
		return fs, noop, nil
	}
}
