package config

import (
	"testing"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_DSN", "host=localhost user=test password=test dbname=test port=5432 sslmode=disable")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Environment != "development" {
		t.Errorf("Environment = %s, want development", cfg.Environment)
	}
	if cfg.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", cfg.APIPort)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %s, want info", cfg.LogLevel)
	}
	if cfg.RateLimitPerSec != 30 {
		t.Errorf("RateLimitPerSec = %d, want 30", cfg.RateLimitPerSec)
	}
	if cfg.ScheduledSweepSpec != "0 * * * * *" {
		t.Errorf("ScheduledSweepSpec = %q, want every minute", cfg.ScheduledSweepSpec)
	}
	if cfg.ReminderRetrySweepSpec != "45 */5 * * * *" {
		t.Errorf("ReminderRetrySweepSpec = %q, want every five minutes", cfg.ReminderRetrySweepSpec)
	}
	if cfg.SweepLockTTLSec != 120 {
		t.Errorf("SweepLockTTLSec = %d, want 120", cfg.SweepLockTTLSec)
	}
	if cfg.SendgridFromName != "CareBridge" {
		t.Errorf("SendgridFromName = %q, want CareBridge", cfg.SendgridFromName)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("API_PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RATE_LIMIT_PER_SEC", "250")
	t.Setenv("WEBHOOK_BASE_URL", "https://comms.clinic.example.com")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !cfg.IsProduction() {
		t.Error("IsProduction() = false, want true")
	}
	if cfg.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", cfg.APIPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
	if cfg.RateLimitPerSec != 250 {
		t.Errorf("RateLimitPerSec = %d, want 250", cfg.RateLimitPerSec)
	}
	if cfg.WebhookBaseURL != "https://comms.clinic.example.com" {
		t.Errorf("WebhookBaseURL = %q", cfg.WebhookBaseURL)
	}
	if cfg.TwilioAccountSID != "AC123" {
		t.Errorf("TwilioAccountSID = %q, want AC123", cfg.TwilioAccountSID)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("DATABASE_DSN", "host=localhost")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing required env vars, got nil")
	}
}

func TestLoad_ProviderCredentialsOptional(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Channels without credentials simply stay unregistered.
	if cfg.TwilioAccountSID != "" || cfg.SendgridAPIKey != "" || cfg.FCMProjectID != "" {
		t.Errorf("provider credentials = %q/%q/%q, want empty",
			cfg.TwilioAccountSID, cfg.SendgridAPIKey, cfg.FCMProjectID)
	}
}

func TestIsProduction(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ENVIRONMENT", "development")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.IsProduction() {
		t.Error("IsProduction() = true for development")
	}
}
