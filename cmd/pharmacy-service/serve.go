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
	"github.com/medflow/pharmanet/internal/pharmacy/consumers"
	"github.com/medflow/pharmanet/internal/pharmacy/events"
	"github.com/medflow/pharmanet/internal/pharmacy/handler"
	"github.com/medflow/pharmanet/internal/pharmacy/repository"
	"github.com/medflow/pharmanet/internal/pharmacy/service"
	"github.com/medflow/pharmanet/pkg/auth"
	"github.com/medflow/pharmanet/pkg/config"
	"github.com/medflow/pharmanet/pkg/database"
	"github.com/medflow/pharmanet/pkg/httputil"
	"github.com/medflow/pharmanet/pkg/lock"
	"github.com/medflow/pharmanet/pkg/logger"
	"github.com/medflow/pharmanet/pkg/messaging"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, event consumers and expiry scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// setup loads configuration and connects to the database. Callers own db.
func setup() (*config.Config, *logger.Logger, *database.DB, error) {
	// Fails fast in production if required config is missing
	cfg, err := config.LoadWithValidation(serviceName)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("configuration error: %w", err)
	}

	log := logger.New(serviceName, cfg.Server.Environment)

	db, err := database.New(&cfg.Database, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return cfg, log, db, nil
}

func runServer() error {
	cfg, log, db, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info().Msg("starting Pharmacy Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	directoryRepo := repository.NewUserDirectoryRepository(db)

	var (
		rmq       *messaging.RabbitMQ
		publisher *events.Publisher
	)
	if cfg.RabbitMQ.Enabled {
		rmq, err = messaging.New(&cfg.RabbitMQ, log)
		if err != nil {
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		defer rmq.Close()

		publisher, err = events.Connect(rmq, log)
		if err != nil {
			return fmt.Errorf("failed to create event publisher: %w", err)
		}

		userConsumer, err := consumers.NewUserEventConsumer(rmq, directoryRepo, log)
		if err != nil {
			return fmt.Errorf("failed to create user event consumer: %w", err)
		}
		if err := userConsumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start user event consumer: %w", err)
		}
	} else {
		log.Warn().Msg("rabbitmq disabled, events will not be published")
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.Enabled {
		rdb, err := lock.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		locker = lock.NewRedis(rdb, cfg.Redis.LockTTL, log.WithComponent("lock"))
	}

	svcs := service.New(db, repository.NewStores(db), locker, publisher, cfg.Alerts, log)

	var scheduler *service.ExpiryScheduler
	if cfg.Alerts.ScanEnabled {
		scheduler = service.NewExpiryScheduler(svcs.Expiry, cfg.Alerts.ScanInterval, log)
		scheduler.Start(ctx)
	}

	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.Logger(log))
	r.Use(httputil.Recoverer(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

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

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(auth.NewVerifier(&cfg.JWT), directoryRepo, log))
		handler.Register(r, svcs, log)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-serverErr:
		log.Error().Err(err).Msg("server error")
	}

	log.Info().Msg("shutting down server")

	// Stops the consumer and the scheduler
	cancel()
	if scheduler != nil {
		scheduler.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
	return nil
}
