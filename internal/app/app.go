package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kursadbilgin/civic-notify/internal/channel"
	"github.com/kursadbilgin/civic-notify/internal/config"
	"github.com/kursadbilgin/civic-notify/internal/handler"
	"github.com/kursadbilgin/civic-notify/internal/infra/postgresql"
	"github.com/kursadbilgin/civic-notify/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/civic-notify/internal/infra/redis"
	"github.com/kursadbilgin/civic-notify/internal/observability"
	"github.com/kursadbilgin/civic-notify/internal/ratelimit"
	"github.com/kursadbilgin/civic-notify/internal/repository"
	"github.com/kursadbilgin/civic-notify/internal/service"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// App holds the dependencies shared by the api and worker binaries.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics

	DB    *gorm.DB
	SQLDB *sql.DB
	Redis *redis.Client

	Notifications *service.NotificationService
	Dispatcher    *service.Dispatcher
	Sweeper       *service.Sweeper
	Survey        *service.SurveyTrigger
}

// New connects to postgres and redis, runs migrations and wires the services.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Metrics: observability.NewMetrics()}

	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, postgresql.PoolConfig{})
	if err != nil {
		return nil, fmt.Errorf("postgres initialization failed: %w", err)
	}
	a.DB = db

	if err := migrations.Migrate(db); err != nil {
		a.Close()
		return nil, fmt.Errorf("database migrations failed: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	a.SQLDB = sqlDB

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("redis initialization failed: %w", err)
	}
	a.Redis = rdb

	if err := a.wireServices(); err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

func (a *App) wireServices() error {
	cfg := a.Config

	queueRepo := repository.NewGormQueueRepo(a.DB)
	logRepo := repository.NewGormLogRepo(a.DB)
	ticketRepo := repository.NewGormTicketRepo(a.DB)

	clients, err := buildClients(cfg, a.Logger)
	if err != nil {
		return err
	}

	limiter, err := buildLimiter(cfg, a.Redis)
	if err != nil {
		return err
	}

	a.Notifications, err = service.NewNotificationService(queueRepo, logRepo, cfg.MaxAttempts, a.Logger.Named("notifications"))
	if err != nil {
		return err
	}

	a.Dispatcher, err = service.NewDispatcher(queueRepo, logRepo, clients, limiter, cfg.SendTimeout, cfg.ClaimLease, a.Logger.Named("dispatcher"))
	if err != nil {
		return err
	}
	a.Dispatcher.SetMetrics(a.Metrics)
	a.Dispatcher.SetDeferBackoff(cfg.RateLimitDefer)

	a.Sweeper, err = service.NewSweeper(queueRepo, a.Dispatcher, cfg.SweepInterval, cfg.SweepBatchSize, cfg.SweepConcurrency, a.Logger.Named("sweeper"))
	if err != nil {
		return err
	}
	a.Sweeper.SetMetrics(a.Metrics)

	a.Survey, err = service.NewSurveyTrigger(ticketRepo, queueRepo, service.SurveyConfig{
		PublicBaseURL: cfg.PublicBaseURL,
		WindowFrom:    cfg.SurveyWindowFrom,
		WindowTo:      cfg.SurveyWindowTo,
		Interval:      cfg.SurveyInterval,
		MaxAttempts:   cfg.MaxAttempts,
	}, a.Logger.Named("survey"))
	if err != nil {
		return err
	}
	a.Survey.SetMetrics(a.Metrics)

	return nil
}

func buildClients(cfg *config.Config, logger *zap.Logger) (*channel.Clients, error) {
	templates, err := channel.LoadTemplates()
	if err != nil {
		return nil, err
	}

	sms, err := channel.NewSMSClient(channel.SMSConfig{
		APIURL:    cfg.SMSAPIURL,
		APIKey:    cfg.SMSAPIKey,
		APISecret: cfg.SMSAPISecret,
		Sender:    cfg.SMSSender,
	}, templates)
	if err != nil {
		return nil, fmt.Errorf("sms client: %w", err)
	}

	email, err := channel.NewEmailClient(channel.EmailConfig{
		ServerToken:  cfg.PostmarkServerToken,
		AccountToken: cfg.PostmarkAccountToken,
		From:         cfg.EmailSender,
		ReplyTo:      cfg.EmailReplyTo,
	}, templates)
	if err != nil {
		return nil, fmt.Errorf("email client: %w", err)
	}

	chat := channel.NewChatClient(cfg.ChatSenderKey)

	for _, c := range []channel.Client{chat, sms, email} {
		if !c.IsAvailable() {
			logger.Info("channel disabled, missing configuration", zap.String("channel", c.Channel().String()))
		}
	}

	return channel.NewClients(chat, sms, email), nil
}

func buildLimiter(cfg *config.Config, rdb *redis.Client) (ratelimit.RecipientLimiter, error) {
	if !cfg.RateLimitEnabled {
		return ratelimit.Disabled{}, nil
	}

	switch cfg.RateLimitBackend {
	case "memory":
		return ratelimit.NewMemoryLimiter(cfg.RateLimitPerHour), nil
	default:
		limiter, err := infraredis.NewRecipientRateLimiter(rdb, cfg.RateLimitPerHour)
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		return limiter, nil
	}
}

// HealthChecks returns the readiness probes for the shared dependencies.
func (a *App) HealthChecks() []handler.ReadinessCheck {
	return []handler.ReadinessCheck{
		handler.PostgresCheck(a.SQLDB),
		handler.RedisCheck(a.Redis),
	}
}

// RunScheduler runs the pending sweep and survey discovery on their tickers
// until ctx is canceled.
func (a *App) RunScheduler(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Sweeper.Start(ctx) })
	g.Go(func() error { return a.Survey.Start(ctx) })

	a.Logger.Info("scheduler started",
		zap.Duration("sweepInterval", a.Config.SweepInterval),
		zap.Duration("surveyInterval", a.Config.SurveyInterval),
	)
	return g.Wait()
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.SQLDB != nil {
		_ = a.SQLDB.Close()
	} else if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
