package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/earnbase/stake-engine/internal/accrual"
	"github.com/earnbase/stake-engine/internal/deposit"
	"github.com/earnbase/stake-engine/internal/distribution"
	"github.com/earnbase/stake-engine/internal/metrics"
	"github.com/earnbase/stake-engine/internal/model"
	"github.com/earnbase/stake-engine/internal/money"
	"github.com/earnbase/stake-engine/internal/store"
	"github.com/earnbase/stake-engine/internal/stream"
	"github.com/earnbase/stake-engine/internal/wallet"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	params, err := paramsFromEnv()
	if err != nil {
		slog.Error("invalid stake parameters", "err", err)
		os.Exit(1)
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

	// --- WebSocket hub ---
	hub := stream.NewHub()
	go hub.Run()

	// --- Services ---
	depositSvc := deposit.NewService(st, params, hub)
	accrualJob := accrual.NewJob(st, params, hub)
	distEngine := distribution.NewEngine(st, hub)
	walletSvc := wallet.NewService(st)

	// --- Daily accrual scheduler ---
	schedCtx, stopSched := context.WithCancel(context.Background())
	defer stopSched()
	go runAccrualSchedule(schedCtx, accrualJob)

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
		w.Write([]byte(`{"status":"ok","service":"stake-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time ledger events.
		r.Get("/ws", hub.HandleWS)

		// Accounts.
		r.Post("/users", walletSvc.HandleRegister)
		r.Get("/users/{userID}/wallet", walletSvc.HandleWallet)
		r.Get("/users/{userID}/transfers", walletSvc.HandleTransfers)

		// Deposit crediting (payment-provider webhook).
		r.Post("/deposits/credit", depositSvc.HandleCredit)

		// Stakes.
		r.Get("/stakes/{stakeID}", walletSvc.HandleStake)

		// Batch operations.
		r.Post("/accrual/run", accrualJob.HandleRun)
		r.Post("/distributions/{stakeID}", distEngine.HandleRun)

		// Company aggregates.
		r.Get("/company/metrics", walletSvc.HandleCompanyMetrics)
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
		slog.Info("stake-engine listening", "port", port)
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

	slog.Info("shutting down stake-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("stake-engine stopped")
}

// paramsFromEnv builds the product parameters from the environment,
// falling back to the standard product: 10% deposit fee, 10% daily
// return over 20 days, 20% referral bonus.
func paramsFromEnv() (*money.Params, error) {
	feeRate, err := decimalEnv("FEE_RATE", "0.1")
	if err != nil {
		return nil, err
	}
	dailyRate, err := decimalEnv("DAILY_RATE", "0.1")
	if err != nil {
		return nil, err
	}
	bonusRate, err := decimalEnv("REFERRAL_BONUS_RATE", "0.2")
	if err != nil {
		return nil, err
	}

	stakeDays := 20
	if v := os.Getenv("STAKE_DAYS"); v != "" {
		stakeDays, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("STAKE_DAYS: %w", err)
		}
	}

	return money.NewParams(feeRate, dailyRate, bonusRate, stakeDays)
}

func decimalEnv(name, fallback string) (decimal.Decimal, error) {
	v := os.Getenv(name)
	if v == "" {
		v = fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}

// runAccrualSchedule triggers the accrual job once per UTC day at
// ACCRUAL_HOUR_UTC (default 00). The job's per-stake date guard makes an
// overlapping manual run harmless.
func runAccrualSchedule(ctx context.Context, job *accrual.Job) {
	hour := 0
	if v := os.Getenv("ACCRUAL_HOUR_UTC"); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil || h < 0 || h > 23 {
			slog.Error("invalid ACCRUAL_HOUR_UTC, using 0", "value", v)
		} else {
			hour = h
		}
	}

	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}

		runDate := time.Now().UTC().Format(model.DateLayout)
		if _, err := job.Run(ctx, runDate); err != nil {
			slog.Error("scheduled accrual run failed", "run_date", runDate, "err", err)
		}
	}
}
