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
	"github.com/kursadbilgin/civic-notify/internal/app"
	"github.com/kursadbilgin/civic-notify/internal/config"
	"github.com/kursadbilgin/civic-notify/internal/handler"
	"github.com/kursadbilgin/civic-notify/internal/observability"
	"github.com/kursadbilgin/civic-notify/internal/queue"
	"github.com/kursadbilgin/civic-notify/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout  = 10 * time.Second
	consumerPrefetch = 10
)

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
		logger.Fatal("worker initialization failed", zap.Error(err))
	}
	defer a.Close()

	checks := a.HealthChecks()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.RabbitMQURL != "" {
		rmq, err := queue.NewRabbitMQ(cfg.RabbitMQURL, queue.TicketEventsQueue)
		if err != nil {
			logger.Fatal("rabbitmq initialization failed", zap.Error(err))
		}
		consumer := queue.NewRabbitMQConsumer(rmq, consumerPrefetch, logger.Named("consumer"))
		defer consumer.Close() //nolint:errcheck

		checks = append(checks, handler.ReadinessCheck{Name: "rabbitmq", Ping: rmq.Ping})
		eventHandler := queue.NewTicketEventHandler(a.Notifications, logger.Named("ticket-events"))

		g.Go(func() error {
			return consumer.Consume(gctx, queue.TicketEventsQueue, eventHandler)
		})
	} else {
		logger.Info("RABBITMQ_URL not set, ticket event consumer disabled")
	}

	if cfg.SchedulerEnabled {
		g.Go(func() error { return a.RunScheduler(gctx) })
	} else {
		logger.Info("scheduler disabled, triggers run only via the api")
	}

	server := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	handler.RegisterHealthRoutes(server, checks...)
	server.Get("/metrics", adaptor.HTTPHandler(a.Metrics.Handler()))

	g.Go(func() error {
		<-gctx.Done()
		return server.ShutdownWithTimeout(shutdownTimeout)
	})
	g.Go(func() error {
		return server.Listen(fmt.Sprintf(":%d", cfg.WorkerPort))
	})

	logger.Info("civic-notify worker started",
		zap.Int("port", cfg.WorkerPort),
		zap.Bool("consumer", cfg.RabbitMQURL != ""),
		zap.Bool("scheduler", cfg.SchedulerEnabled),
	)

	if err := g.Wait(); err != nil {
		logger.Error("worker stopped", zap.Error(err))
	}
}
