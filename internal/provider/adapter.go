package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/carebridge/comms-engine/internal/domain"
)

// Adapter is the outbound delivery port for one messaging provider. Every
// provider translates its own wire format into the canonical send result and
// webhook event shapes so the orchestrator never sees provider specifics.
type Adapter interface {
	Name() string
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
	ParseWebhook(body []byte, headers http.Header) []WebhookEvent
	ValidateWebhookSignature(body []byte, signature string) bool
	Status(ctx context.Context) StatusReport
}

// SendRequest carries the rendered content for one delivery attempt.
// To holds the channel-specific address: a phone number, an email address,
// or a device token.
type SendRequest struct {
	To       string
	Subject  string
	Body     string
	HTMLBody string
	Data     map[string]string
}

// SendResult stores provider call metadata for audit and persistence.
type SendResult struct {
	ProviderMessageID string
	StatusCode        int
	ResponseBody      string
}

// EventKind distinguishes provider callbacks.
type EventKind string

const (
	EventKindStatus  EventKind = "status"
	EventKindInbound EventKind = "inbound"
)

// WebhookEvent is the canonical form of one provider callback entry. Status
// events reference a prior delivery by provider message id; inbound events
// carry a patient-originated message.
type WebhookEvent struct {
	Kind              EventKind
	ProviderMessageID string
	Status            domain.DeliveryStatus
	Reason            string
	From              string
	To                string
	Body              string
	OccurredAt        *time.Time
	Raw               string
}

// StatusReport describes provider availability for the readiness surface.
type StatusReport struct {
	Channel    string
	Provider   string
	Configured bool
	Healthy    bool
	Detail     string
}
