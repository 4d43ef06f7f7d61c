package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/carebridge/comms-engine/internal/domain"
	"github.com/go-resty/resty/v2"
)

const (
	twilioName        = "twilio"
	twilioBaseURL     = "https://api.twilio.com"
	twilioSendTimeout = 10 * time.Second
)

// E.164 with an optional leading plus.
var phonePattern = regexp.MustCompile(`^\+?[1-9]\d{7,14}$`)

// Twilio error codes that survive a retry. Everything else coming back with
// an error code is treated as permanent.
var twilioRetryableCodes = map[int]bool{
	20003: true, // authentication failed, tokens may be rotating
	20429: true, // too many requests
	30001: true, // queue overflow
}

// Twilio error codes caused by the destination number itself.
var twilioInvalidNumberCodes = map[int]bool{
	21211: true, // invalid 'To' number
	21408: true, // permission not enabled for region
	21610: true, // recipient unsubscribed
	21614: true, // not a mobile number
}

var twilioStatusMap = map[string]domain.DeliveryStatus{
	"accepted":    domain.DeliveryStatusPending,
	"queued":      domain.DeliveryStatusPending,
	"sending":     domain.DeliveryStatusPending,
	"sent":        domain.DeliveryStatusSent,
	"delivered":   domain.DeliveryStatusDelivered,
	"read":        domain.DeliveryStatusDelivered,
	"undelivered": domain.DeliveryStatusBounced,
	"failed":      domain.DeliveryStatusFailed,
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	// WebhookURL is the public callback endpoint. It is sent as the
	// StatusCallback on every message and prefixes the signature base string
	// during webhook validation.
	WebhookURL string
	BaseURL    string
	// AllowUnverified permits webhook processing without an auth token.
	// Never enabled in production.
	AllowUnverified bool
}

// TwilioAdapter delivers SMS through the Twilio Messages API and interprets
// its form-encoded status and inbound callbacks.
type TwilioAdapter struct {
	client *resty.Client
	cfg    TwilioConfig
}

func NewTwilioAdapter(cfg TwilioConfig) *TwilioAdapter {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = twilioBaseURL
	}

	client := resty.New()
	client.SetTimeout(twilioSendTimeout)
	client.SetRetryCount(0)

	return &TwilioAdapter{client: client, cfg: cfg}
}

func (a *TwilioAdapter) Name() string { return twilioName }

type twilioAPIResponse struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	// Error payload shape on non-2xx responses.
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (a *TwilioAdapter) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if !phonePattern.MatchString(strings.TrimSpace(req.To)) {
		return nil, &AdapterError{
			Code:      domain.ErrCodeInvalidPhoneNumber,
			Message:   fmt.Sprintf("malformed destination number %q", req.To),
			Retryable: false,
		}
	}

	form := map[string]string{
		"To":   strings.TrimSpace(req.To),
		"From": a.cfg.FromNumber,
		"Body": req.Body,
	}
	if a.cfg.WebhookURL != "" {
		form["StatusCallback"] = a.cfg.WebhookURL
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", a.cfg.BaseURL, a.cfg.AccountSID)
	response, err := a.client.R().
		SetContext(ctx).
		SetBasicAuth(a.cfg.AccountSID, a.cfg.AuthToken).
		SetFormData(form).
		Post(endpoint)
	if err != nil {
		return nil, &AdapterError{
			Code:      domain.ErrCodeSendError,
			Message:   "twilio request failed",
			Retryable: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	var parsed twilioAPIResponse
	_ = json.Unmarshal(response.Body(), &parsed)

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices &&
		parsed.ErrorCode == nil && parsed.SID != "" {
		return &SendResult{
			ProviderMessageID: parsed.SID,
			StatusCode:        statusCode,
			ResponseBody:      responseBody,
		}, nil
	}

	return nil, a.classifySendFailure(statusCode, &parsed, responseBody)
}

func (a *TwilioAdapter) classifySendFailure(statusCode int, parsed *twilioAPIResponse, body string) *AdapterError {
	providerCode := parsed.Code
	if parsed.ErrorCode != nil {
		providerCode = *parsed.ErrorCode
	}

	message := strings.TrimSpace(parsed.ErrorMessage)
	if message == "" {
		message = strings.TrimSpace(parsed.Message)
	}
	if message == "" {
		message = fmt.Sprintf("twilio returned status %d: %s", statusCode, body)
	}
	if providerCode != 0 {
		message = fmt.Sprintf("twilio error %d: %s", providerCode, message)
	}

	if twilioInvalidNumberCodes[providerCode] {
		return &AdapterError{
			Code:       domain.ErrCodeInvalidPhoneNumber,
			StatusCode: statusCode,
			Message:    message,
			Retryable:  false,
		}
	}

	retryable := twilioRetryableCodes[providerCode] ||
		statusCode == http.StatusTooManyRequests ||
		statusCode >= http.StatusInternalServerError

	return &AdapterError{
		Code:       domain.ErrCodeSendError,
		StatusCode: statusCode,
		Message:    message,
		Retryable:  retryable,
	}
}

// ParseWebhook interprets a form-encoded Twilio callback. A payload with a
// Body and no MessageStatus is an inbound SMS; one with a MessageStatus and
// no Body is a delivery status update. Anything else is unrecognized.
func (a *TwilioAdapter) ParseWebhook(body []byte, _ http.Header) []WebhookEvent {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil
	}

	messageBody := values.Get("Body")
	messageStatus := strings.ToLower(strings.TrimSpace(values.Get("MessageStatus")))

	switch {
	case messageStatus == "" && messageBody != "":
		from := strings.TrimSpace(values.Get("From"))
		if from == "" {
			return nil
		}
		return []WebhookEvent{{
			Kind:              EventKindInbound,
			ProviderMessageID: values.Get("MessageSid"),
			From:              from,
			To:                strings.TrimSpace(values.Get("To")),
			Body:              messageBody,
			Raw:               string(body),
		}}

	case messageStatus != "":
		status, ok := twilioStatusMap[messageStatus]
		if !ok {
			return nil
		}
		sid := values.Get("MessageSid")
		if sid == "" {
			sid = values.Get("SmsSid")
		}
		if sid == "" {
			return nil
		}

		reason := ""
		if errorCode := strings.TrimSpace(values.Get("ErrorCode")); errorCode != "" {
			reason = fmt.Sprintf("twilio error %s", errorCode)
		}

		return []WebhookEvent{{
			Kind:              EventKindStatus,
			ProviderMessageID: sid,
			Status:            status,
			Reason:            reason,
			Raw:               string(body),
		}}
	}

	return nil
}

// ValidateWebhookSignature recomputes the Twilio signature: HMAC-SHA1 over
// the webhook URL followed by every form parameter concatenated in sorted
// key order, base64 encoded.
func (a *TwilioAdapter) ValidateWebhookSignature(body []byte, signature string) bool {
	if a.cfg.AuthToken == "" {
		return a.cfg.AllowUnverified
	}
	if strings.TrimSpace(signature) == "" {
		return false
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return false
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var base strings.Builder
	base.WriteString(a.cfg.WebhookURL)
	for _, key := range keys {
		base.WriteString(key)
		base.WriteString(values.Get(key))
	}

	mac := hmac.New(sha1.New, []byte(a.cfg.AuthToken))
	mac.Write([]byte(base.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

func (a *TwilioAdapter) Status(_ context.Context) StatusReport {
	configured := a.cfg.AccountSID != "" && a.cfg.AuthToken != "" && a.cfg.FromNumber != ""
	detail := "ready"
	if !configured {
		detail = "missing account credentials or sender number"
	}

	return StatusReport{
		Provider:   twilioName,
		Configured: configured,
		Healthy:    configured,
		Detail:     detail,
	}
}
