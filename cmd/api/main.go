package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/carebridge/comms-engine/internal/config"
	"github.com/carebridge/comms-engine/internal/domain"
	"github.com/carebridge/comms-engine/internal/handler"
	"github.com/carebridge/comms-engine/internal/infra/postgresql"
	"github.com/carebridge/comms-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/carebridge/comms-engine/internal/infra/redis"
	"github.com/carebridge/comms-engine/internal/observability"
	"github.com/carebridge/comms-engine/internal/provider"
	"github.com/carebridge/comms-engine/internal/repository"
	"github.com/carebridge/comms-engine/internal/service"
	"github.com/carebridge/comms-engine/internal/transport"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, !cfg.IsProduction())
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	metrics := observability.NewMetrics()
	registry := buildProviderRegistry(cfg, logger)

	messageRepo := repository.NewGormMessageRepo(db)
	deliveryRepo := repository.NewGormDeliveryRepo(db)
	reminderRepo := repository.NewGormReminderRepo(db)
	appointmentRepo := repository.NewGormAppointmentRepo(db)
	patientRepo := repository.NewGormPatientRepo(db)
	templateRepo := repository.NewGormTemplateRepo(db)

	limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}

	orchestrator, err := service.NewMessageOrchestrator(
		messageRepo, deliveryRepo, patientRepo, templateRepo, reminderRepo,
		registry, limiter, logger,
	)
	if err != nil {
		logger.Fatal("orchestrator initialization failed", zap.Error(err))
	}
	orchestrator.SetMetrics(metrics)

	scheduler, err := service.NewReminderScheduler(
		reminderRepo, appointmentRepo, patientRepo, orchestrator, logger,
	)
	if err != nil {
		logger.Fatal("reminder scheduler initialization failed", zap.Error(err))
	}
	scheduler.SetMetrics(metrics)
	orchestrator.SetConfirmationSink(scheduler)

	app := fiber.New(fiber.Config{
		AppName:      "comms-engine",
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	handler.RegisterStatusRoutes(app, registry, metrics)
	if err := handler.RegisterMessageRoutes(app, orchestrator); err != nil {
		logger.Fatal("message routes registration failed", zap.Error(err))
	}
	if err := handler.RegisterAppointmentRoutes(app, scheduler); err != nil {
		logger.Fatal("appointment routes registration failed", zap.Error(err))
	}
	if err := handler.RegisterWebhookRoutes(app, orchestrator, registry, logger); err != nil {
		logger.Fatal("webhook routes registration failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			logger.Fatal("api server failed", zap.Error(err))
		}
	}()

	logger.Info("comms-engine api started",
		zap.Int("port", cfg.APIPort),
		zap.Strings("channels", registeredChannels(registry)),
	)

	<-ctx.Done()
	logger.Info("shutting down api")

	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
}

func buildProviderRegistry(cfg *config.Config, logger *zap.Logger) *provider.Registry {
	registry := provider.NewRegistry()
	baseURL := strings.TrimRight(cfg.WebhookBaseURL, "/")

	// Webhooks without a configured secret are only accepted outside
	// production, for local callback testing.
	allowUnverified := !cfg.IsProduction()

	if cfg.TwilioAccountSID != "" {
		registry.Register(domain.ChannelSMS, provider.NewTwilioAdapter(provider.TwilioConfig{
			AccountSID:      cfg.TwilioAccountSID,
			AuthToken:       cfg.TwilioAuthToken,
			FromNumber:      cfg.TwilioFromNumber,
			WebhookURL:      baseURL + "/webhooks/sms",
			AllowUnverified: allowUnverified,
		}))
	}

	if cfg.SendgridAPIKey != "" {
		registry.Register(domain.ChannelEmail, provider.NewSendgridAdapter(provider.SendgridConfig{
			APIKey:          cfg.SendgridAPIKey,
			FromEmail:       cfg.SendgridFromEmail,
			FromName:        cfg.SendgridFromName,
			WebhookSecret:   cfg.SendgridWebhookSecret,
			AllowUnverified: allowUnverified,
		}))
	}

	if cfg.FCMProjectID != "" {
		fcm, err := provider.NewFCMAdapter(provider.FCMConfig{
			ProjectID:       cfg.FCMProjectID,
			ClientEmail:     cfg.FCMClientEmail,
			PrivateKey:      cfg.FCMPrivateKey,
			WebhookSecret:   cfg.PushWebhookSecret,
			AllowUnverified: allowUnverified,
		})
		if err != nil {
			logger.Fatal("fcm adapter initialization failed", zap.Error(err))
		}
		registry.Register(domain.ChannelPush, fcm)
	}

	if len(registry.Channels()) == 0 {
		logger.Warn("no provider credentials configured, only IN_APP delivery will succeed")
	}

	return registry
}

func registeredChannels(registry *provider.Registry) []string {
	channels := registry.Channels()
	names := make([]string, 0, len(channels))
	for _, channel := range channels {
		names = append(names, channel.String())
	}
	return names
}
