package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nimbusdb/sqlgate/internal/audit"
	"github.com/nimbusdb/sqlgate/internal/config"
	"github.com/nimbusdb/sqlgate/internal/handlers"
	"github.com/nimbusdb/sqlgate/internal/instances"
	"github.com/nimbusdb/sqlgate/internal/security"
	"github.com/nimbusdb/sqlgate/internal/services"
	"github.com/nimbusdb/sqlgate/internal/store"
	"github.com/nimbusdb/sqlgate/pkg/database"
)

func main() {
	// Setup logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Str("environment", cfg.Environment).Msg("Starting SQL webhook gateway")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Credential store: Postgres when a control-plane database is
	// configured, in-memory otherwise.
	var credStore store.Store
	if cfg.DatabaseURL != "" {
		db, err := database.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}

		log.Info().Msg("Running database migrations...")
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to run migrations")
		}
		log.Info().Msg("Migrations completed successfully")

		credStore = store.NewPostgres(db)
	} else {
		log.Warn().Msg("DATABASE_URL not set, webhook credentials are stored in memory")
		credStore = store.NewMemory()
	}
	defer credStore.Close()

	// Rate limit backend: redis when configured, in-process otherwise.
	var counter services.Counter
	if cfg.RedisURL != "" {
		redisCounter, err := services.NewRedisCounter(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to redis")
		}
		defer redisCounter.Close()
		counter = redisCounter
		log.Info().Msg("Rate limiting backed by redis")
	} else {
		localCounter := services.NewLocalCounter()
		localCounter.StartSweep(ctx, cfg.CounterSweepInterval)
		counter = localCounter
	}

	// Instance directory and per-instance execution pools.
	directory, err := instances.NewFileDirectory(cfg.InstancesFile, cfg.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.InstancesFile).Msg("Failed to load instance directory")
	}

	registry := services.NewPoolRegistry(directory)
	registry.StartSweeper(ctx, cfg.PoolSweepInterval)
	defer registry.Close()

	// Initialize services
	manager := services.NewWebhookManager(credStore, cfg.WebhookBaseURL)
	limiter := services.NewRateLimiter(counter)
	checker := security.NewChecker()
	recorder := audit.NewRecorder(credStore)

	// Initialize handlers
	pipeline := handlers.NewPipeline(manager, limiter, checker, recorder, cfg.IPRequestsPerSecond, cfg.IPBurst)
	pipeline.StartIPSweep(ctx, cfg.CounterSweepInterval)
	webhookHandler := handlers.NewWebhookHandler(registry, manager, limiter)
	adminHandler := handlers.NewAdminHandler(manager, cfg.JWTSecret)

	r := handlers.NewRouter(pipeline, webhookHandler, adminHandler)

	// Start server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		cancel()
	}()

	log.Info().Str("port", cfg.Port).Msg("Server listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server error")
	}

	log.Info().Msg("Server stopped")
}
