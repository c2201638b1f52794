package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"

	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/consumers"
	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/events"
	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/handler"
	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/repository"
	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/service"
	"github.com/pharmaflow/pharmaflow-backend/pkg/config"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/pharmaflow/pharmaflow-backend/pkg/httputil"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
	"github.com/pharmaflow/pharmaflow-backend/pkg/messaging"
)

const serviceName = "pharmacy-service"

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Pharmacy inventory ledger and sale engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the pharmacy API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, log, err := openDatabase()
			if err != nil {
				return err
			}
			defer db.Close()

			count, err := database.NewMigrator(db).Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Int("applied", count).Msg("migrations complete")
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openDatabase()
			if err != nil {
				return err
			}
			defer db.Close()

			statuses, err := database.NewMigrator(db).Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					appliedAt = s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

// loadConfig loads and validates configuration (fails fast in production if
// required config is missing) and builds the service logger
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadWithValidation(serviceName)
	if err != nil {
		logger.New(serviceName, config.GetEnvironment()).Error().Err(err).Msg("invalid configuration")
		return nil, nil, fmt.Errorf("configuration error: %w", err)
	}

	log := logger.New(serviceName, cfg.Server.Environment).SetLevel(cfg.Server.LogLevel)
	log.Info().Str("database", cfg.Database.Redacted()).Msg("configuration loaded")
	return cfg, log, nil
}

func openDatabase() (*database.DB, *logger.Logger, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	db, err := database.New(&cfg.Database, log)
	if err != nil {
		return nil, nil, err
	}
	return db, log, nil
}

func runServer() error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	log.Info().Msg("starting Pharmacy Service")

	// Connect to database
	db, err := database.New(&cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to RabbitMQ. Without a broker the service runs and skips notifications.
	var (
		rmq       *messaging.RabbitMQ
		publisher *events.PharmacyEventPublisher
	)
	if cfg.RabbitMQ.Enabled {
		rmq, err = messaging.New(&cfg.RabbitMQ, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
		}
		defer rmq.Close()
		go rmq.Watch(ctx)

		publisher, err = events.NewPharmacyEventPublisher(rmq, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create event publisher")
		}

		if err := rmq.DeclareDeadLetterQueue(serviceName); err != nil {
			log.Fatal().Err(err).Msg("failed to declare dead letter queue")
		}

		// Start user event consumer
		userConsumer, err := consumers.NewUserEventConsumer(rmq, repository.NewUserCacheRepository(db), log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create user event consumer")
		}
		if err := userConsumer.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start user event consumer")
		}
	} else {
		log.Warn().Msg("RabbitMQ disabled, events will not be published")
	}

	// Initialize services
	stores := service.NewStores()
	handlers := handler.NewHandlers(handler.Services{
		Ledger:        service.NewLedgerService(db, stores, publisher, log),
		Transfers:     service.NewTransferService(db, stores, publisher, log),
		Sales:         service.NewSaleService(db, stores, cfg.Pharmacy, publisher, log),
		Prescriptions: service.NewPrescriptionService(db, stores, publisher, log),
		Claims:        service.NewClaimService(db, stores, publisher, log),
	}, log)

	// Create router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.Logger(log))
	r.Use(httputil.Recoverer(log))
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		health := map[string]interface{}{
			"status":   "healthy",
			"service":  serviceName,
			"database": db.Health(r.Context()),
		}
		if rmq != nil {
			health["rabbitmq"] = rmq.Health()
		}
		httputil.JSON(w, http.StatusOK, health)
	})

	// API routes
	verifier := httputil.NewTokenVerifier(cfg.JWT)
	r.Route("/api/v1/pharmacy", func(r chi.Router) {
		r.Use(httputil.Authenticate(verifier, log))
		handlers.Routes(r)
	})

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Cancel context to stop consumers
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
	return nil
}
