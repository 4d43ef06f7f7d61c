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
	infraredis "github.com/carebridge/comms-engine/internal/infra/redis"
	"github.com/carebridge/comms-engine/internal/observability"
	"github.com/carebridge/comms-engine/internal/provider"
	"github.com/carebridge/comms-engine/internal/repository"
	"github.com/carebridge/comms-engine/internal/service"
	"github.com/carebridge/comms-engine/internal/transport"
	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// The sweeper owns the periodic work: releasing scheduled messages, retrying
// failed sends, and driving the appointment reminder pipeline. Schema
// migrations run in the api binary only.
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

	lease, err := infraredis.NewLease(rdb, time.Duration(cfg.SweepLockTTLSec)*time.Second)
	if err != nil {
		logger.Fatal("sweep lease initialization failed", zap.Error(err))
	}

	runner, err := service.NewSweepRunner(lease, logger)
	if err != nil {
		logger.Fatal("sweep runner initialization failed", zap.Error(err))
	}
	runner.SetMetrics(metrics)

	sweeps := []struct {
		name string
		spec string
		fn   service.SweepFunc
	}{
		{"scheduled_messages", cfg.ScheduledSweepSpec, orchestrator.ProcessScheduledMessages},
		{"retry_messages", cfg.RetrySweepSpec, orchestrator.RetryFailedMessages},
		{"due_reminders", cfg.ReminderSweepSpec, scheduler.ProcessDueReminders},
		{"retry_reminders", cfg.ReminderRetrySweepSpec, scheduler.RetryFailedReminders},
	}
	for _, sweep := range sweeps {
		if err := runner.Register(sweep.name, sweep.spec, sweep.fn); err != nil {
			logger.Fatal("sweep registration failed",
				zap.String("sweep", sweep.name),
				zap.Error(err),
			)
		}
	}

	app := fiber.New(fiber.Config{
		AppName:      "comms-engine-sweeper",
		ErrorHandler: transport.ErrorHandler(logger),
	})
	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	handler.RegisterStatusRoutes(app, registry, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := app.Listen(fmt.Sprintf(":%d", cfg.SweeperPort)); err != nil {
			logger.Fatal("ops server failed", zap.Error(err))
		}
	}()

	logger.Info("comms-engine sweeper started",
		zap.Int("port", cfg.SweeperPort),
		zap.Int("sweeps", len(sweeps)),
	)

	if err := runner.Start(ctx); err != nil {
		logger.Error("sweep runner stopped with error", zap.Error(err))
	}

	logger.Info("shutting down sweeper")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logger.Error("ops server shutdown failed", zap.Error(err))
	}
}

func buildProviderRegistry(cfg *config.Config, logger *zap.Logger) *provider.Registry {
	registry := provider.NewRegistry()
	baseURL := strings.TrimRight(cfg.WebhookBaseURL, "/")

	if cfg.TwilioAccountSID != "" {
		registry.Register(domain.ChannelSMS, provider.NewTwilioAdapter(provider.TwilioConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			FromNumber: cfg.TwilioFromNumber,
			WebhookURL: baseURL + "/webhooks/sms",
		}))
	}

	if cfg.SendgridAPIKey != "" {
		registry.Register(domain.ChannelEmail, provider.NewSendgridAdapter(provider.SendgridConfig{
			APIKey:        cfg.SendgridAPIKey,
			FromEmail:     cfg.SendgridFromEmail,
			FromName:      cfg.SendgridFromName,
			WebhookSecret: cfg.SendgridWebhookSecret,
		}))
	}

	if cfg.FCMProjectID != "" {
		fcm, err := provider.NewFCMAdapter(provider.FCMConfig{
			ProjectID:     cfg.FCMProjectID,
			ClientEmail:   cfg.FCMClientEmail,
			PrivateKey:    cfg.FCMPrivateKey,
			WebhookSecret: cfg.PushWebhookSecret,
		})
		if err != nil {
			logger.Fatal("fcm adapter initialization failed", zap.Error(err))
		}
		registry.Register(domain.ChannelPush, fcm)
	}

	return registry
}
