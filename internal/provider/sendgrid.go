package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/carebridge/comms-engine/internal/domain"
	"github.com/go-resty/resty/v2"
)

const (
	sendgridName        = "sendgrid"
	sendgridBaseURL     = "https://api.sendgrid.com"
	sendgridSendTimeout = 10 * time.Second
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

var sendgridEventMap = map[string]domain.DeliveryStatus{
	"processed":   domain.DeliveryStatusSent,
	"delivered":   domain.DeliveryStatusDelivered,
	"open":        domain.DeliveryStatusOpened,
	"click":       domain.DeliveryStatusClicked,
	"bounce":      domain.DeliveryStatusBounced,
	"dropped":     domain.DeliveryStatusFailed,
	"spamreport":  domain.DeliveryStatusComplained,
	"unsubscribe": domain.DeliveryStatusUnsubscribed,
}

type SendgridConfig struct {
	APIKey        string
	FromEmail     string
	FromName      string
	WebhookSecret string
	BaseURL       string
	// AllowUnverified permits webhook processing without a signing secret.
	// Never enabled in production.
	AllowUnverified bool
}

// SendgridAdapter delivers email through the SendGrid v3 mail API and
// interprets its JSON event webhooks.
type SendgridAdapter struct {
	client *resty.Client
	cfg    SendgridConfig
}

func NewSendgridAdapter(cfg SendgridConfig) *SendgridAdapter {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = sendgridBaseURL
	}

	client := resty.New()
	client.SetTimeout(sendgridSendTimeout)
	client.SetRetryCount(0)

	return &SendgridAdapter{client: client, cfg: cfg}
}

func (a *SendgridAdapter) Name() string { return sendgridName }

type sendgridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendgridPersonalization struct {
	To []sendgridAddress `json:"to"`
}

type sendgridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendgridTrackingSetting struct {
	Enable bool `json:"enable"`
}

type sendgridTrackingSettings struct {
	ClickTracking sendgridTrackingSetting `json:"click_tracking"`
	OpenTracking  sendgridTrackingSetting `json:"open_tracking"`
}

type sendgridMailRequest struct {
	Personalizations []sendgridPersonalization `json:"personalizations"`
	From             sendgridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendgridContent         `json:"content"`
	TrackingSettings sendgridTrackingSettings  `json:"tracking_settings"`
}

func (a *SendgridAdapter) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	to := strings.TrimSpace(req.To)
	if !emailPattern.MatchString(to) {
		return nil, &AdapterError{
			Code:      domain.ErrCodeInvalidEmail,
			Message:   fmt.Sprintf("malformed destination address %q", req.To),
			Retryable: false,
		}
	}

	// SendGrid requires the plain-text part to precede the HTML part.
	content := []sendgridContent{{Type: "text/plain", Value: req.Body}}
	if strings.TrimSpace(req.HTMLBody) != "" {
		content = append(content, sendgridContent{Type: "text/html", Value: req.HTMLBody})
	}

	payload := sendgridMailRequest{
		Personalizations: []sendgridPersonalization{{To: []sendgridAddress{{Email: to}}}},
		From:             sendgridAddress{Email: a.cfg.FromEmail, Name: a.cfg.FromName},
		Subject:          req.Subject,
		Content:          content,
		TrackingSettings: sendgridTrackingSettings{
			ClickTracking: sendgridTrackingSetting{Enable: true},
			OpenTracking:  sendgridTrackingSetting{Enable: true},
		},
	}

	response, err := a.client.R().
		SetContext(ctx).
		SetAuthToken(a.cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(a.cfg.BaseURL + "/v3/mail/send")
	if err != nil {
		return nil, &AdapterError{
			Code:      domain.ErrCodeSendError,
			Message:   "sendgrid request failed",
			Retryable: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode == http.StatusAccepted {
		return &SendResult{
			ProviderMessageID: strings.TrimSpace(response.Header().Get("X-Message-Id")),
			StatusCode:        statusCode,
			ResponseBody:      responseBody,
		}, nil
	}

	return nil, a.classifySendFailure(statusCode, response.Body(), responseBody)
}

type sendgridErrorResponse struct {
	Errors []struct {
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"errors"`
}

func (a *SendgridAdapter) classifySendFailure(statusCode int, rawBody []byte, body string) *AdapterError {
	message := fmt.Sprintf("sendgrid returned status %d", statusCode)

	var parsed sendgridErrorResponse
	if err := json.Unmarshal(rawBody, &parsed); err == nil && len(parsed.Errors) > 0 {
		message = fmt.Sprintf("%s: %s", message, parsed.Errors[0].Message)
	} else if body != "" {
		message = fmt.Sprintf("%s: %s", message, body)
	}

	// 401 stays retryable since API keys rotate; hard rejections do not.
	retryable := statusCode == http.StatusUnauthorized ||
		statusCode == http.StatusTooManyRequests ||
		statusCode >= http.StatusInternalServerError

	return &AdapterError{
		Code:       domain.ErrCodeSendError,
		StatusCode: statusCode,
		Message:    message,
		Retryable:  retryable,
	}
}

type sendgridEvent struct {
	Email       string `json:"email"`
	Event       string `json:"event"`
	Timestamp   int64  `json:"timestamp"`
	SGMessageID string `json:"sg_message_id"`
	Reason      string `json:"reason"`
	URL         string `json:"url"`
}

// ParseWebhook interprets a SendGrid event webhook: a JSON array where each
// entry describes one delivery event. Unknown event types and entries
// without a message id are skipped.
func (a *SendgridAdapter) ParseWebhook(body []byte, _ http.Header) []WebhookEvent {
	var entries []sendgridEvent
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil
	}

	events := make([]WebhookEvent, 0, len(entries))
	for _, entry := range entries {
		status, ok := sendgridEventMap[strings.ToLower(strings.TrimSpace(entry.Event))]
		if !ok {
			continue
		}

		messageID := sendgridRootMessageID(entry.SGMessageID)
		if messageID == "" {
			continue
		}

		raw, _ := json.Marshal(entry)
		event := WebhookEvent{
			Kind:              EventKindStatus,
			ProviderMessageID: messageID,
			Status:            status,
			Reason:            strings.TrimSpace(entry.Reason),
			Raw:               string(raw),
		}
		if entry.Timestamp > 0 {
			occurredAt := time.Unix(entry.Timestamp, 0).UTC()
			event.OccurredAt = &occurredAt
		}

		events = append(events, event)
	}

	if len(events) == 0 {
		return nil
	}
	return events
}

// sendgridRootMessageID strips the SMTP routing suffix appended to
// sg_message_id, leaving the id returned by the send call.
func sendgridRootMessageID(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if idx := strings.Index(trimmed, "."); idx > 0 {
		return trimmed[:idx]
	}
	return trimmed
}

// ValidateWebhookSignature checks a "t=<unix>,v1=<base64 mac>" header value
// against HMAC-SHA256 over the timestamp concatenated with the raw body.
func (a *SendgridAdapter) ValidateWebhookSignature(body []byte, signature string) bool {
	if a.cfg.WebhookSecret == "" {
		return a.cfg.AllowUnverified
	}

	timestamp, provided, ok := parseSignatureHeader(signature)
	if !ok {
		return false
	}

	mac := hmac.New(sha256.New, []byte(a.cfg.WebhookSecret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(provided))
}

func parseSignatureHeader(signature string) (timestamp string, mac string, ok bool) {
	for _, part := range strings.Split(signature, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			mac = value
		}
	}

	if timestamp == "" || mac == "" {
		return "", "", false
	}
	return timestamp, mac, true
}

func (a *SendgridAdapter) Status(_ context.Context) StatusReport {
	configured := a.cfg.APIKey != "" && a.cfg.FromEmail != ""
	detail := "ready"
	if !configured {
		detail = "missing API key or sender address"
	}

	return StatusReport{
		Provider:   sendgridName,
		Configured: configured,
		Healthy:    configured,
		Detail:     detail,
	}
}
