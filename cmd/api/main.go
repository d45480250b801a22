package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/civic-notify/internal/app"
	"github.com/kursadbilgin/civic-notify/internal/config"
	"github.com/kursadbilgin/civic-notify/internal/handler"
	"github.com/kursadbilgin/civic-notify/internal/observability"
	"github.com/kursadbilgin/civic-notify/internal/transport"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("api initialization failed", zap.Error(err))
	}
	defer a.Close()

	server := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	server.Use(requestid.New())
	server.Use(a.Metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(server, a.HealthChecks()...)
	server.Get("/metrics", adaptor.HTTPHandler(a.Metrics.Handler()))

	if err := handler.RegisterNotificationRoutes(server, a.Notifications); err != nil {
		logger.Fatal("notification routes registration failed", zap.Error(err))
	}
	if err := handler.RegisterTriggerRoutes(server, a.Sweeper, a.Survey); err != nil {
		logger.Fatal("trigger routes registration failed", zap.Error(err))
	}

	if cfg.SchedulerEnabled {
		go func() {
			if err := a.RunScheduler(ctx); err != nil {
				logger.Error("scheduler stopped", zap.Error(err))
			}
		}()
	}

	go func() {
		<-ctx.Done()
		if err := server.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.Error("api shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("civic-notify api started", zap.Int("port", cfg.APIPort), zap.Bool("scheduler", cfg.SchedulerEnabled))
	if err := server.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
		logger.Error("api server stopped", zap.Error(err))
	}
}
