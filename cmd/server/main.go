package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"donation-api/internal/api"
	"donation-api/internal/config"
	"donation-api/internal/database"
	"donation-api/internal/metrics"
	"donation-api/internal/middleware"
	"donation-api/internal/services"
	"donation-api/internal/supabase"
	"donation-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

// donationStore is everything the services need from the storage backend
type donationStore interface {
	services.DonationRepository
	services.FinalizationRecorder
	services.LeaderboardStore
	services.PendingFinalizationStore
}

func main() {
	// Initialize configuration
	if err := config.InitConfig(); err != nil {
		log.Fatal("Failed to initialize config:", err)
	}
	cfg := config.AppConfig

	// Initialize logging
	logging.InitLogging(cfg.LogLevel, cfg.LogFormat)

	// Set Gin mode
	gin.SetMode(cfg.Mode)

	// Initialize database; app clients always live here
	db, err := database.OpenDatabase(cfg)
	if err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	rdb, err := database.OpenRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal("Failed to initialize Redis:", err)
	}
	defer database.Close(db, rdb)

	var store donationStore
	switch cfg.StoreBackend {
	case config.StoreBackendSupabase:
		client, err := supabase.NewClient(supabase.Config{
			URL:        cfg.SupabaseURL,
			ServiceKey: cfg.SupabaseKey,
			Timeout:    10 * time.Second,
		})
		if err != nil {
			log.Fatal("Failed to initialize Supabase client:", err)
		}
		store = supabase.NewDonationRepository(client)
		logging.Infof("Using Supabase donation store at %s", cfg.SupabaseURL)
	default:
		store = database.NewDonationStore(db)
	}

	billing, err := services.NewBillingClient(context.Background(), cfg)
	if err != nil {
		log.Fatal("Failed to initialize billing client:", err)
	}
	defer func() {
		if err := billing.EndConnection(); err != nil {
			logging.Warnf("Failed to end billing connection: %v", err)
		}
	}()

	m := metrics.New()

	var cache *services.RedisService
	var guard services.FlowGuard
	if rdb != nil {
		cache = services.NewRedisService(rdb)
		guard = services.NewRedisFlowGuard(cache, cfg.FlowLockTTL())
	} else {
		memGuard := services.NewMemoryFlowGuard(cfg.FlowLockTTL())
		defer memGuard.Stop()
		guard = memGuard
	}

	leaderboard := services.NewLeaderboardService(store, cache, cfg.LeaderboardCacheTTL())
	users := services.NewUserService(store)
	webhook := services.NewWebhookNotifier(cfg.WebhookCallbackURL, cfg.WebhookSecret, m)
	mailer := services.NewBrevoService(services.BrevoConfig{
		APIKey:        cfg.BrevoAPIKey,
		FromEmail:     cfg.BrevoFromEmail,
		FromName:      cfg.BrevoFromName,
		OperatorEmail: cfg.OperatorEmail,
	}, m)

	flow := services.NewDonationFlowService(billing, store,
		services.WithDonationAmount(cfg.DonationAmount),
		services.WithProductIDs(cfg.AndroidProductID, cfg.IOSProductID),
		services.WithPlatform(cfg.SimulatedPlatform),
		services.WithRetryPolicy(services.RetryPolicy{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   cfg.RetryDelay(),
			Multiplier:  cfg.BackoffMultiplier,
		}),
		services.WithValidationTimeout(cfg.ReceiptValidationTimeout()),
		services.WithFinalizationRecorder(store),
		services.WithFlowMetrics(m),
		services.WithSuccessHook(leaderboard.OnDonation),
		services.WithSuccessHook(webhook.OnDonation),
		services.WithSuccessHook(mailer.OnDonation),
	)

	if cfg.ReconcileSchedule != "" {
		reconciler := services.NewFinalizationReconciler(store, billing, cfg.ReconcileSchedule, m)
		if err := reconciler.Start(); err != nil {
			log.Fatal("Failed to start finalization reconciler:", err)
		}
		defer reconciler.Stop()
	}

	// Create Gin engine
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger())

	// Setup routes
	api.SetupRoutes(r, api.Dependencies{
		Flow:        flow,
		Guard:       guard,
		Leaderboard: leaderboard,
		Users:       users,
		Clients:     services.NewClientService(db),
		Metrics:     m,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logging.Infof("Starting server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server:", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Infof("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.Errorf("Server forced to shutdown: %v", err)
	}
	logging.Infof("Server exited")
}
