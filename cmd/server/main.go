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
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/account"
	"github.com/atmx/perp-engine/internal/engine"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/risk"
	"github.com/atmx/perp-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
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

	// --- Exposure limits ---
	maxNotional := decimal.Zero // zero disables the aggregate cap
	if v := os.Getenv("MAX_ACCOUNT_NOTIONAL"); v != "" {
		parsed, err := decimal.NewFromString(v)
		if err != nil {
			slog.Error("invalid MAX_ACCOUNT_NOTIONAL", "err", err)
			os.Exit(1)
		}
		maxNotional = parsed
	}
	limiter := risk.NewLimiter(maxNotional)

	// --- Price feed ---
	// The static feed is fed through POST /api/v1/oracle/prices; a production
	// deployment swaps in a streaming oracle client here.
	feed := oracle.NewStaticFeed()

	// --- Accounts ---
	accounts := account.NewRegistry()

	// --- WebSocket hub ---
	wsHub := engine.NewWSHub()
	go wsHub.Run()

	// --- Engine service ---
	svc := engine.NewService(st, accounts, feed, limiter, wsHub, nil)

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
		w.Write([]byte(`{"status":"ok","service":"perp-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for order lifecycle events.
		r.Get("/ws", wsHub.HandleWS)

		// Accounts and capabilities.
		r.Post("/accounts", svc.CreateAccount)
		r.Post("/accounts/{accountID}/permissions", svc.GrantPermission)
		r.Delete("/accounts/{accountID}/permissions", svc.RevokePermission)

		// Market management.
		r.Get("/markets", svc.ListMarkets)
		r.Post("/markets", svc.CreateMarket)
		r.Get("/markets/{marketID}", svc.GetMarket)
		r.Get("/markets/{marketID}/max-size", svc.GetMaxMarketSize)
		r.Get("/markets/{marketID}/order-fees", svc.GetOrderFees)

		// Order pipeline.
		r.Post("/orders", svc.HandleCommitOrder)
		r.Post("/orders/settle", svc.HandleSettle)
		r.Post("/orders/cancel", svc.HandleCancel)
		r.Get("/orders/{accountID}/{marketID}", svc.GetPendingOrder)

		// Collateral.
		r.Post("/collateral", svc.HandleModifyCollateral)
		r.Get("/collateral/{accountID}", svc.ListCollateral)
		r.Get("/collateral/{accountID}/{collateralType}", svc.GetCollateral)

		// Margin and position queries.
		r.Get("/margins/{accountID}", svc.GetMargins)
		r.Get("/positions/{accountID}/{marketID}", svc.GetOpenPosition)
		r.Get("/accounts/{accountID}/collateral-value", svc.GetCollateralValue)
		r.Get("/accounts/{accountID}/markets/{marketID}/required-margin", svc.GetRequiredMargin)

		// Oracle feed (static feed only).
		r.Post("/oracle/prices", svc.SetPrice)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("perp-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down perp-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("perp-engine stopped")
}
