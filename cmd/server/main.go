package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
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
	"golang.org/x/sync/errgroup"

	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/artifact"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/config"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/events"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/exposure"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/metrics"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/ratelimit"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/run"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/sandbox"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/scanner"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/store"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/trade"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/workspace"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/ws"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	if err := serve(cfg, logger); err != nil {
		logger.Error("prediction market stopped with error", "err", err)
		os.Exit(1)
	}
	logger.Info("prediction market stopped")
}

// backend is the selected persistence and its process-wide helpers.
type backend struct {
	store   store.Store
	locker  store.Locker
	cleanup []func()
}

func (b *backend) close() {
	for i := len(b.cleanup) - 1; i >= 0; i-- {
		b.cleanup[i]()
	}
}

// openBackend picks Postgres, then SQLite, then memory. Redis adds a
// read-through cache in front of Postgres and replaces the in-process
// market lock so several replicas can share one database.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	b := &backend{locker: store.NewLocalLocker()}

	var rdb *redis.Client
	if cfg.Storage.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		b.cleanup = append(b.cleanup, func() { rdb.Close() })
		b.locker = store.NewRedisLocker(rdb, cfg.Storage.LockTTL)
		logger.Info("redis market locks enabled")
	}

	switch {
	case cfg.Storage.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		b.cleanup = append(b.cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Init(ctx); err != nil {
			b.close()
			return nil, fmt.Errorf("database schema: %w", err)
		}
		b.store = pg
		logger.Info("connected to PostgreSQL")

		if rdb != nil {
			b.store = store.NewCachedStore(pg, rdb, cfg.Storage.CacheTTL)
			logger.Info("redis cache enabled", "ttl", cfg.Storage.CacheTTL)
		}
	case cfg.Storage.SQLitePath != "":
		lite, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		b.cleanup = append(b.cleanup, func() { lite.Close() })
		b.store = lite
		logger.Info("using SQLite store", "path", cfg.Storage.SQLitePath)
	default:
		logger.Warn("no database configured, using in-memory store (data will not persist)")
		b.store = store.NewMemoryStore()
	}
	return b, nil
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	// --- Events ---
	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Kafka.Brokers != "" {
		kp, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, logger)
		if err != nil {
			return err
		}
		publisher = kp
		logger.Info("kafka event publishing enabled", "brokers", cfg.Kafka.Brokers)
	}
	defer publisher.Close()

	// --- Run artifacts ---
	var archiver artifact.Archiver = artifact.NopArchiver{}
	if cfg.S3.Bucket != "" {
		s3a, err := artifact.NewS3Archiver(ctx, cfg.S3)
		if err != nil {
			return err
		}
		archiver = s3a
		logger.Info("run archiving enabled", "bucket", cfg.S3.Bucket)
	}

	hub := ws.NewHub(logger)

	// --- Markets ---
	limiter := exposure.NewStakeLimiter(
		decimal.NewFromFloat(cfg.Market.MaxStakePerBet),
		decimal.NewFromFloat(cfg.Market.MaxAgentStake),
		decimal.NewFromFloat(cfg.Market.MaxStakePerMarket),
	)
	tradeSvc := trade.NewService(be.store, limiter, hub,
		trade.WithLocker(be.locker),
		trade.WithPublisher(publisher),
		trade.WithLogger(logger),
		trade.WithDefaultLiquidity(decimal.NewFromFloat(cfg.Market.InitialLiquidity)),
	)

	// --- Runs ---
	docker := sandbox.NewDockerRuntime()
	if cfg.Sandbox.DockerBinary != "" {
		docker.Binary = cfg.Sandbox.DockerBinary
	}
	sb := sandbox.New(docker, cfg.Sandbox.Limits, cfg.Sandbox.RootDir, logger)
	sc := scanner.New(nil)
	orch := run.NewOrchestrator(be.store, sc, sb, run.Deps{
		Archiver:  archiver,
		Publisher: publisher,
		Notifier:  hub,
		Logger:    logger,
		Workers:   cfg.Runs.Workers,
	})
	reconciler := run.NewReconciler(be.store, cfg.StaleAfter(), orch, hub, logger)
	submitLimit := ratelimit.New("run_submit", cfg.Runs.SubmitRPS, cfg.Runs.SubmitBurst)
	workspaceSvc := workspace.NewService(be.store, sc, orch, submitLimit, logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"status":"ok","service":"prediction-market"}`)
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket stream of price and run updates; no request timeout.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			tradeSvc.Routes(r)
			workspaceSvc.Routes(r)
		})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx, cfg.Runs.ReconcileInterval) })
	g.Go(func() error { return submitLimit.RunCleanup(gctx, time.Minute) })
	g.Go(func() error {
		logger.Info("prediction market listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down prediction market...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "err", err)
		}
		// Runs still executing after the deadline are failed as cancelled.
		if err := orch.Wait(shutdownCtx); err != nil {
			logger.Warn("in-flight runs cancelled at shutdown", "err", err)
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
