// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"donation-service/config"
	"donation-service/internal/handler"
	"donation-service/internal/notification"
	"donation-service/internal/provider/mpesa"
	"donation-service/internal/repository"
	"donation-service/internal/router"
	"donation-service/internal/usecase"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting donation service")

	// Load .env if present; real environments set variables directly
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file loaded", zap.Error(err))
	}

	// Load configuration
	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.String("environment", cfg.Server.Env),
		zap.String("port", cfg.Server.Port))

	// Connect to database
	dbConnStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.DBName,
		cfg.Database.SSLMode,
	)

	dbPool, err := pgxpool.New(context.Background(), dbConnStr)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer dbPool.Close()

	logger.Info("connected to database",
		zap.String("database", cfg.Database.DBName))

	// Initialize repositories
	donationRepo := repository.NewDonationRepository(dbPool)

	// Initialize M-Pesa client
	mpesaClient := mpesa.NewClient(cfg.Mpesa, logger)

	// Share the access token across replicas when Redis is configured
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		mpesaClient.SetTokenSource(mpesa.NewRedisTokenSource(
			rdb, "mpesa:access_token", mpesaClient.FetchAccessToken, logger))

		logger.Info("using redis-backed token cache",
			zap.String("addr", cfg.Redis.Addr))
	}

	// Initialize notifier
	notifier := notification.NewSMTPNotifier(cfg.SMTP, logger)

	// Initialize usecases
	donationUC := usecase.NewDonationUsecase(donationRepo, mpesaClient, cfg, logger)
	callbackUC := usecase.NewCallbackUsecase(donationRepo, notifier, logger)

	// Initialize handlers
	donationHandler := handler.NewDonationHandler(donationUC, logger)
	callbackHandler := handler.NewCallbackHandler(callbackUC, cfg.CallbackSecret, logger)

	// Setup routes
	r := router.SetupRoutes(donationHandler, callbackHandler, logger)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	logger.Info("donation service started successfully",
		zap.String("port", cfg.Server.Port),
		zap.String("environment", cfg.Server.Env))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
