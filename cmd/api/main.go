package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cryptopay/psp_core/internal/cache"
	"github.com/cryptopay/psp_core/internal/config"
	"github.com/cryptopay/psp_core/internal/database"
	"github.com/cryptopay/psp_core/internal/handler"
	"github.com/cryptopay/psp_core/internal/middleware"
	"github.com/cryptopay/psp_core/internal/repository"
	"github.com/cryptopay/psp_core/internal/risk"
	"github.com/cryptopay/psp_core/internal/service"
	"github.com/cryptopay/psp_core/internal/worker"
)

// main is the application entrypoint for the PSP core API.
func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Setup logger
	setupLogger(cfg.Env)
	log.Info().Str("env", cfg.Env).Msg("starting psp core api")

	// 3. Connect database
	db, err := database.Connect(&cfg.DB)
	if err != nil {
		log.Error().Err(err).Msg("database connection failed")
		fmt.Fprintf(os.Stderr, "database connection failed: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	// 3a. Run migrations
	if err := runMigrations(db.DB); err != nil {
		log.Error().Err(err).Msg("migration failed")
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		os.Exit(1)
	}
	log.Info().Msg("migrations completed successfully")

	// 3b. Connect to Redis
	redisClient, err := cache.NewRedisClient(&cfg.Redis)
	if err != nil {
		log.Error().Err(err).Msg("redis connection failed")
		fmt.Fprintf(os.Stderr, "redis connection failed: %v\n", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected successfully")

	// 3c. Initialize risk verdict cache
	riskCache := cache.NewRiskCache(redisClient, cfg.Risk.CacheTTL)

	// 4. Initialize repositories
	invoiceRepo := repository.NewInvoiceRepository(db)
	webhookRepo := repository.NewWebhookRepository(db)

	// 5. Initialize risk engine and provider router
	engine := risk.NewEngine(risk.Config{
		AssetAllowlist: cfg.Risk.AssetAllowlist,
		FiatAllowlist:  cfg.Risk.FiatAllowlist,
	})
	riskRouter := risk.NewRouter()
	riskRouter.Register(risk.NewInternalProvider(engine))
	riskRouter.Register(&risk.ExternalProvider{})

	riskProvider, err := riskRouter.Select(cfg.Risk.Provider)
	if err != nil {
		log.Error().Err(err).Str("provider", cfg.Risk.Provider).Msg("risk provider selection failed")
		fmt.Fprintf(os.Stderr, "risk provider selection failed: %v\n", err)
		os.Exit(1)
	}

	// 6. Initialize services
	webhookSvc := service.NewWebhookService(webhookRepo, cfg.Webhook.TargetURL, cfg.Webhook.Secret, cfg.Webhook.SendTimeout)
	invoiceSvc := service.NewInvoiceService(invoiceRepo, riskProvider, riskCache, cfg.Invoice.TTL, cfg.Invoice.PaymentBaseURL)

	// 7. Initialize handlers
	handlers := &Handlers{
		Health:  handler.NewHealthHandler(db),
		Invoice: handler.NewInvoiceHandler(invoiceSvc),
		Webhook: handler.NewWebhookHandler(webhookSvc, invoiceSvc),
	}

	// 8. Setup router
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.LoggingMiddleware())
	setupRoutes(router, handlers)

	// 9. Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 10. Start workers
	go worker.NewDispatchWorker(webhookSvc, cfg.Worker.DispatchInterval).Start(ctx)
	go worker.NewExpiryWorker(invoiceSvc, cfg.Worker.ExpiryInterval).Start(ctx)

	// 11. Start HTTP server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// 12. Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// 13. Cancel context to stop workers
	cancel()

	// 14. Shutdown HTTP server with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited")
}

// Handlers groups all HTTP handlers used by the server.
type Handlers struct {
	Health  *handler.HealthHandler
	Invoice *handler.InvoiceHandler
	Webhook *handler.WebhookHandler
}

// setupRoutes registers all routes.
func setupRoutes(router *gin.Engine, handlers *Handlers) {
	router.GET("/v1/health", handlers.Health.GetHealth)

	invoices := router.Group("/v1/invoices")
	{
		invoices.POST("", handlers.Invoice.CreateInvoice)
		invoices.GET("", handlers.Invoice.ListInvoices)
		invoices.GET("/:id", handlers.Invoice.GetInvoice)

		// Lifecycle transitions
		invoices.POST("/:id/confirm", handlers.Invoice.ConfirmInvoice)
		invoices.POST("/:id/expire", handlers.Invoice.ExpireInvoice)
		invoices.POST("/:id/reject", handlers.Invoice.RejectInvoice)

		// Chain attachment and AML
		invoices.POST("/:id/transaction", handlers.Invoice.AttachTransaction)
		invoices.PATCH("/:id/aml", handlers.Invoice.UpdateAml)
		invoices.POST("/:id/aml/check", handlers.Invoice.RunRiskCheck)

		// Outbox
		invoices.GET("/:id/webhooks", handlers.Webhook.ListEvents)
		invoices.POST("/:id/webhooks/dispatch", handlers.Webhook.DispatchPending)
	}
}

// runMigrations runs database migrations using golang-migrate.
func runMigrations(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		"file://migrations",
		"postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("could not run migrations: %w", err)
	}

	return nil
}

func setupLogger(env string) {
	if env == "production" {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}
