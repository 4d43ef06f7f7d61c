package provider

import (
	"context"
	"net/http"
	"testing"

	"github.com/carebridge/comms-engine/internal/domain"
)

type stubAdapter struct {
	name string
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Send(context.Context, SendRequest) (*SendResult, error) {
	return &SendResult{ProviderMessageID: s.name + "-1"}, nil
}

func (s *stubAdapter) ParseWebhook([]byte, http.Header) []WebhookEvent { return nil }

func (s *stubAdapter) ValidateWebhookSignature([]byte, string) bool { return true }

func (s *stubAdapter) Status(context.Context) StatusReport {
	return StatusReport{Provider: s.name, Configured: true, Healthy: true}
}

func TestRegistryGetAndChannels(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	registry.Register(domain.ChannelSMS, &stubAdapter{name: "twilio"})
	registry.Register(domain.ChannelEmail, &stubAdapter{name: "sendgrid"})
	registry.Register(domain.ChannelPush, nil) // ignored

	if _, ok := registry.Get(domain.ChannelSMS); !ok {
		t.Fatal("Get(SMS) not found")
	}
	if adapter, ok := registry.Get(domain.ChannelEmail); !ok || adapter.Name() != "sendgrid" {
		t.Fatalf("Get(EMAIL) = %v, %v", adapter, ok)
	}
	if _, ok := registry.Get(domain.ChannelPush); ok {
		t.Fatal("Get(PUSH) found after nil Register")
	}

	channels := registry.Channels()
	if len(channels) != 2 {
		t.Fatalf("len(Channels()) = %d, want 2", len(channels))
	}
	if channels[0] != domain.ChannelEmail || channels[1] != domain.ChannelSMS {
		t.Fatalf("Channels() = %v, want stable [EMAIL SMS] order", channels)
	}
}

func TestRegistryStatuses(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	registry.Register(domain.ChannelSMS, &stubAdapter{name: "twilio"})
	registry.Register(domain.ChannelEmail, &stubAdapter{name: "sendgrid"})

	reports := registry.Statuses(context.Background())
	if len(reports) != 2 {
		t.Fatalf("len(Statuses()) = %d, want 2", len(reports))
	}
	if reports[0].Provider != "sendgrid" || reports[1].Provider != "twilio" {
		t.Fatalf("Statuses() order = [%s %s], want channel order", reports[0].Provider, reports[1].Provider)
	}
	if reports[0].Channel != domain.ChannelEmail.String() || reports[1].Channel != domain.ChannelSMS.String() {
		t.Fatalf("Statuses() channels = [%s %s], want [EMAIL SMS]", reports[0].Channel, reports[1].Channel)
	}
}
