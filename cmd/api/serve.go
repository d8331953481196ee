package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/cors"
	"github.com/spf13/cobra"

	"github.com/benchwarmers/marketplace/internal/audit"
	"github.com/benchwarmers/marketplace/internal/auth"
	"github.com/benchwarmers/marketplace/internal/billing"
	"github.com/benchwarmers/marketplace/internal/config"
	"github.com/benchwarmers/marketplace/internal/database"
	"github.com/benchwarmers/marketplace/internal/dispute"
	"github.com/benchwarmers/marketplace/internal/escrow"
	"github.com/benchwarmers/marketplace/internal/health"
	"github.com/benchwarmers/marketplace/internal/jobs"
	"github.com/benchwarmers/marketplace/internal/metrics"
	"github.com/benchwarmers/marketplace/internal/middleware"
	"github.com/benchwarmers/marketplace/internal/payments"
	"github.com/benchwarmers/marketplace/internal/review"
	"github.com/benchwarmers/marketplace/internal/router"
	"github.com/benchwarmers/marketplace/internal/sealbox"
	"github.com/benchwarmers/marketplace/internal/subscription"
	"github.com/benchwarmers/marketplace/internal/validate"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pool, err := database.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("connected to postgres")

	if err := database.Migrate(ctx, pool, logger); err != nil {
		return err
	}

	var redisClient *redis.Client
	var revocations auth.RevocationStore
	if cfg.Redis.URL != "" {
		redisClient, err = auth.ConnectRedis(cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		revocations = auth.NewRedisRevocations(redisClient)
	} else {
		logger.Warn("redis not configured, logout will not revoke sessions")
	}

	validator, err := validate.New()
	if err != nil {
		return err
	}
	collector := metrics.New()
	provider := payments.NewStripe(cfg.Stripe.SecretKey, cfg.Provider.Timeout)
	auditLog := audit.NewRepository()

	// Services need an inserter before the River client exists; the client
	// needs the workers. The enqueuer is bound once the client is built.
	enqueuer := jobs.NewEnqueuer()

	escrowRepo := escrow.NewRepository(pool)
	disputeRepo := dispute.NewRepository(pool)
	reviewRepo := review.NewRepository(pool)
	subscriptionRepo := subscription.NewRepository(pool)

	workers := river.NewWorkers()
	river.AddWorker(workers, billing.NewDisputeRefundWorker(pool, escrowRepo, auditLog, provider))
	river.AddWorker(workers, billing.NewSubscriptionRenewalWorker(pool, subscriptionRepo, auditLog, enqueuer, provider, collector))
	river.AddWorker(workers, billing.NewEscrowSweepWorker(pool, escrowRepo, auditLog))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.River.MaxWorkers},
		},
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{billing.SweepPeriodicJob()},
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("create river client: %w", err)
	}
	enqueuer.BindClient(riverClient)

	authSvc := auth.NewService(auth.NewRepository(pool), revocations, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	pricing := subscription.Pricing{
		MonthlyCents: cfg.Billing.MonthlyAmount,
		YearlyCents:  cfg.Billing.YearlyAmount,
		Currency:     cfg.Billing.Currency,
	}

	handlers := router.Handlers{
		Auth:         auth.NewHandler(authSvc, validator, cfg.Auth.CookieName, cfg.Auth.SecureCookie),
		Escrow:       escrow.NewHandler(escrow.NewService(pool, escrowRepo, auditLog, provider, collector), validator),
		Dispute:      dispute.NewHandler(dispute.NewService(pool, disputeRepo, escrowRepo, auditLog, enqueuer, collector), validator),
		Review:       review.NewHandler(review.NewService(pool, reviewRepo, auditLog), validator),
		Subscription: subscription.NewHandler(subscription.NewService(pool, subscriptionRepo, auditLog, enqueuer, provider, pricing), validator),
		Sealbox:      sealbox.NewHandler(validator),
		Health:       health.NewChecker(health.DefaultTimeout, dependencies(pool, redisClient, provider)...),
	}
	limiter := middleware.NewRateLimiter(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst)
	api := router.New(handlers, router.Options{
		Logger:     logger,
		Verifier:   authSvc,
		CookieName: cfg.Auth.CookieName,
		Metrics:    collector,
		Limiter:    limiter,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.HTTP.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.HeaderCorrelationID, middleware.HeaderRequestID},
		ExposedHeaders:   []string{middleware.HeaderCorrelationID},
		AllowCredentials: true,
	}).Handler(api)

	riverCtx, stopRiver := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRiver()
	if err := riverClient.Start(riverCtx); err != nil {
		return fmt.Errorf("start river: %w", err)
	}

	go sweepLimiter(ctx, limiter)

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.HTTP.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		logger.Error("river shutdown", "error", err)
	}
	return nil
}

func dependencies(pool *pgxpool.Pool, redisClient *redis.Client, provider payments.Provider) []health.Dependency {
	ps := []health.Dependency{
		{Name: "database", Critical: true, Check: pool.Ping},
		{Name: "payments", Check: provider.Ping},
	}
	if redisClient != nil {
		ps = append(ps, health.Dependency{Name: "redis", Check: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}
	return ps
}

func sweepLimiter(ctx context.Context, rl *middleware.RateLimiter) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rl.Sweep()
		}
	}
}
