package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/carebridge/comms-engine/internal/domain"
	"github.com/carebridge/comms-engine/internal/provider"
	"github.com/carebridge/comms-engine/internal/service"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// signatureHeaders maps each channel to the header its provider signs
// callbacks with.
var signatureHeaders = map[domain.Channel]string{
	domain.ChannelSMS:   "X-Twilio-Signature",
	domain.ChannelEmail: "X-Twilio-Email-Event-Webhook-Signature",
	domain.ChannelPush:  "X-Webhook-Signature",
}

type WebhookService interface {
	ProcessWebhook(ctx context.Context, providerName string, event provider.WebhookEvent) (bool, error)
	ProcessInboundMessage(ctx context.Context, input service.InboundMessageInput) (*service.InboundOutcome, error)
}

// WebhookHandler terminates provider callbacks. Persistence failures return
// 5xx so the provider redelivers; everything else is acknowledged, because an
// unacknowledged callback is retried until the provider gives up.
type WebhookHandler struct {
	service  WebhookService
	registry *provider.Registry
	logger   *zap.Logger
}

func NewWebhookHandler(service WebhookService, registry *provider.Registry, logger *zap.Logger) (*WebhookHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("webhook service is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{service: service, registry: registry, logger: logger}, nil
}

func RegisterWebhookRoutes(router fiber.Router, service WebhookService, registry *provider.Registry, logger *zap.Logger) error {
	h, err := NewWebhookHandler(service, registry, logger)
	if err != nil {
		return err
	}

	webhooks := router.Group("/webhooks")
	webhooks.Post("/sms", h.handleFor(domain.ChannelSMS))
	webhooks.Post("/email", h.handleFor(domain.ChannelEmail))
	webhooks.Post("/push", h.handleFor(domain.ChannelPush))

	return nil
}

type webhookAckResponse struct {
	Received int `json:"received"`
	Applied  int `json:"applied"`
}

func (h *WebhookHandler) handleFor(channel domain.Channel) fiber.Handler {
	return func(c *fiber.Ctx) error {
		adapter, ok := h.registry.Get(channel)
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "no provider configured for this channel")
		}

		body := c.Body()
		signature := c.Get(signatureHeaders[channel])
		if !adapter.ValidateWebhookSignature(body, signature) {
			h.logger.Warn("webhook signature rejected",
				zap.String("provider", adapter.Name()),
				zap.String("path", c.Path()),
			)
			return fiber.NewError(fiber.StatusUnauthorized, "invalid webhook signature")
		}

		events := adapter.ParseWebhook(body, http.Header(c.GetReqHeaders()))
		if len(events) == 0 {
			return c.SendStatus(fiber.StatusNoContent)
		}

		applied := 0
		for _, event := range events {
			switch event.Kind {
			case provider.EventKindStatus:
				ok, err := h.service.ProcessWebhook(c.Context(), adapter.Name(), event)
				if err != nil {
					return fmt.Errorf("failed to apply webhook event: %w", err)
				}
				if ok {
					applied++
				}

			case provider.EventKindInbound:
				outcome, err := h.service.ProcessInboundMessage(c.Context(), service.InboundMessageInput{
					Provider:          adapter.Name(),
					From:              event.From,
					To:                event.To,
					Body:              event.Body,
					ProviderMessageID: event.ProviderMessageID,
				})
				if err != nil {
					return fmt.Errorf("failed to process inbound message: %w", err)
				}
				if outcome.Matched {
					applied++
				}
			}
		}

		return c.Status(fiber.StatusOK).JSON(webhookAckResponse{
			Received: len(events),
			Applied:  applied,
		})
	}
}
