package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/botmart/botmart-settlement-service/internal/clients"
	"github.com/botmart/botmart-settlement-service/internal/config"
	"github.com/botmart/botmart-settlement-service/internal/database"
	"github.com/botmart/botmart-settlement-service/internal/events"
	"github.com/botmart/botmart-settlement-service/internal/gateway"
	"github.com/botmart/botmart-settlement-service/internal/inventory"
	"github.com/botmart/botmart-settlement-service/internal/repository"
	"github.com/botmart/botmart-settlement-service/internal/server"
	"github.com/botmart/botmart-settlement-service/internal/settlement"
	"github.com/botmart/botmart-settlement-service/internal/sweeper"
	"github.com/botmart/botmart-settlement-service/internal/webhook"

	_ "github.com/lib/pq"
)

func main() {
	cfg := config.Load()

	base := logrus.New()
	base.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		base.SetLevel(level)
	}
	logger := base.WithField("service", "settlement-service")

	logger.WithField("port", cfg.Server.Port).Info("Starting settlement-service")

	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		logger.WithField("error", err.Error()).Fatal("Failed to connect to database")
	}
	defer db.Close()

	orderRepo := repository.NewOrderRepository(db, logger)
	paymentRepo := repository.NewPaymentRepository(db, logger)
	depositRepo := repository.NewDepositRepository(db, logger)
	userRepo := repository.NewUserRepository(db, logger)
	productRepo := repository.NewProductRepository(db, logger)

	stockCache := inventory.NewRedisStockCache(cfg.Redis, logger)
	defer stockCache.Close()
	allocator := inventory.NewAllocator(db, stockCache, logger)

	gatewayClient := gateway.NewHTTPClient(cfg.Gateway, logger)
	notifier := clients.NewHTTPNotificationClient(
		cfg.Notification.BaseURL, cfg.Notification.Timeout, logger)

	publisher := events.NewKafkaPublisher(cfg.Kafka, logger)
	defer publisher.Close()

	engine := settlement.NewEngine(settlement.Deps{
		DB:             db,
		Orders:         orderRepo,
		Payments:       paymentRepo,
		Deposits:       depositRepo,
		Users:          userRepo,
		Products:       productRepo,
		Allocator:      allocator,
		Gateway:        gatewayClient,
		Publisher:      publisher,
		Alerts:         notifier,
		AlertThreshold: cfg.Gateway.AlertThreshold,
	}, logger)

	locks := database.NewAdvisoryLock(db)

	webhookHandler := webhook.NewHandler(engine, cfg.Webhook.Secret, logger)
	handlers := server.NewHandlers(db, engine, allocator, locks, logger)
	srv := server.New(cfg, handlers, webhookHandler)

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("Server starting")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.WithField("error", err.Error()).Fatal("Server failed to start")
		}
	}()

	sweep := sweeper.New(cfg.Sweeper, paymentRepo, depositRepo, engine, locks, logger)
	go func() {
		if err := sweep.Start(context.Background()); err != nil && err != context.Canceled {
			logger.WithField("error", err.Error()).Error("Expiry sweeper failed")
		}
	}()

	dispatcher := events.NewDispatcher(cfg.Kafka, notifier, logger)
	go func() {
		if err := dispatcher.Start(context.Background()); err != nil && err != context.Canceled {
			logger.WithField("error", err.Error()).Error("Notification dispatcher failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sweep.Stop()
	dispatcher.Stop()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithField("error", err.Error()).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
