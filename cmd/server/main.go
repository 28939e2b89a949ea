package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"

	"github.com/pesio-ai/be-erp-approvals/internal/client"
	"github.com/pesio-ai/be-erp-approvals/internal/config"
	"github.com/pesio-ai/be-erp-approvals/internal/database"
	"github.com/pesio-ai/be-erp-approvals/internal/handler"
	"github.com/pesio-ai/be-erp-approvals/internal/logger"
	"github.com/pesio-ai/be-erp-approvals/internal/middleware"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
	"github.com/pesio-ai/be-erp-approvals/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting ERP Approvals Service")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize repositories
	matrixRepo := repository.NewMatrixRepository(db)
	requestRepo := repository.NewRequestRepository(db)
	stepRepo := repository.NewStepRepository(db)
	delegationRepo := repository.NewDelegationRepository(db)
	userRepo := repository.NewUserRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	idempotencyRepo := repository.NewIdempotencyRepository(db)

	// Document status adapter registry; owning modules get their outcomes
	// through it, unregistered types degrade to a no-op.
	registry := service.NewDocStatusRegistry(log)
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		publisher, err := client.NewDocStatusPublisher(natsURL, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect document status publisher")
		}
		defer publisher.Close()
		for docType := range repository.ValidDocTypes {
			registry.Register(docType, publisher)
		}
		log.Info().Str("nats_url", natsURL).Msg("Document status publisher initialized")
	}

	// Initialize services
	resolver := service.NewApproverResolver(userRepo, delegationRepo, log)
	approvalService := service.NewApprovalService(
		db, requestRepo, stepRepo, matrixRepo, userRepo, delegationRepo,
		auditRepo, resolver, registry, log,
	)
	delegationService := service.NewDelegationService(delegationRepo, userRepo, log)
	matrixService := service.NewMatrixService(matrixRepo, userRepo, log)

	// Escalation worker
	worker := service.NewEscalationWorker(stepRepo, userRepo, auditRepo, cfg.Worker.EscalationInterval, log)
	go worker.Run(ctx)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(approvalService, delegationService, matrixService, log)
	idem := middleware.Idempotency(idempotencyRepo, cfg.Worker.IdempotencyTTL, &log.Logger)

	r := chi.NewRouter()

	// Health check
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.Auth.JWTSecret, userRepo, &log.Logger))
		r.Mount("/", httpHandler.Routes(idem))
	})

	// Apply middleware
	var h http.Handler = r
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel() // stops the escalation worker

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
