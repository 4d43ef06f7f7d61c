package config

import (
	"fmt"

	"github.com/Netflix/go-env"
)

type Config struct {
	Environment string `env:"ENVIRONMENT,default=development"`
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`
	APIPort     int    `env:"API_PORT,default=8080"`
	SweeperPort int    `env:"SWEEPER_PORT,default=8081"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`

	// WebhookBaseURL is the public origin providers call back on. Channel
	// paths (/webhooks/sms and friends) are appended per adapter.
	WebhookBaseURL  string `env:"WEBHOOK_BASE_URL"`
	RateLimitPerSec int    `env:"RATE_LIMIT_PER_SEC,default=30"`

	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `env:"TWILIO_FROM_NUMBER"`

	SendgridAPIKey        string `env:"SENDGRID_API_KEY"`
	SendgridFromEmail     string `env:"SENDGRID_FROM_EMAIL"`
	SendgridFromName      string `env:"SENDGRID_FROM_NAME,default=CareBridge"`
	SendgridWebhookSecret string `env:"SENDGRID_WEBHOOK_SECRET"`

	FCMProjectID      string `env:"FCM_PROJECT_ID"`
	FCMClientEmail    string `env:"FCM_CLIENT_EMAIL"`
	FCMPrivateKey     string `env:"FCM_PRIVATE_KEY"`
	PushWebhookSecret string `env:"PUSH_WEBHOOK_SECRET"`

	// Sweep specs use six-field cron syntax (seconds first).
	ScheduledSweepSpec     string `env:"SCHEDULED_SWEEP_SPEC,default=0 * * * * *"`
	RetrySweepSpec         string `env:"RETRY_SWEEP_SPEC,default=30 */2 * * * *"`
	ReminderSweepSpec      string `env:"REMINDER_SWEEP_SPEC,default=15 * * * * *"`
	ReminderRetrySweepSpec string `env:"REMINDER_RETRY_SWEEP_SPEC,default=45 */5 * * * *"`
	SweepLockTTLSec        int    `env:"SWEEP_LOCK_TTL_SEC,default=120"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
