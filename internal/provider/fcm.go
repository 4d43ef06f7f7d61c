package provider

import (
	"context"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/carebridge/comms-engine/internal/domain"
	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	fcmName        = "fcm"
	fcmBaseURL     = "https://fcm.googleapis.com"
	fcmTokenURL    = "https://oauth2.googleapis.com/token"
	fcmScope       = "https://www.googleapis.com/auth/firebase.messaging"
	fcmSendTimeout = 10 * time.Second

	// Cached access tokens are refreshed this long before they expire so
	// an in-flight send never carries a token about to lapse.
	fcmTokenRefreshMargin = 5 * time.Minute
)

type FCMConfig struct {
	ProjectID     string
	ClientEmail   string
	PrivateKey    string
	WebhookSecret string
	BaseURL       string
	TokenURL      string
	// AllowUnverified permits webhook processing without a signing secret.
	// Never enabled in production.
	AllowUnverified bool
}

// FCMAdapter pushes notifications through the Firebase Cloud Messaging v1
// API, exchanging a service-account JWT for short-lived OAuth2 access tokens.
type FCMAdapter struct {
	client     *resty.Client
	cfg        FCMConfig
	privateKey *rsa.PrivateKey

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time

	now func() time.Time
}

func NewFCMAdapter(cfg FCMConfig) (*FCMAdapter, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = fcmBaseURL
	}
	if strings.TrimSpace(cfg.TokenURL) == "" {
		cfg.TokenURL = fcmTokenURL
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parsing service account key: %w", err)
	}

	client := resty.New()
	client.SetTimeout(fcmSendTimeout)
	client.SetRetryCount(0)

	return &FCMAdapter{
		client:     client,
		cfg:        cfg,
		privateKey: key,
		now:        time.Now,
	}, nil
}

func (a *FCMAdapter) Name() string { return fcmName }

type fcmNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
}

type fcmAndroidConfig struct {
	Priority string `json:"priority"`
}

type fcmApnsPayload struct {
	Headers map[string]string `json:"headers,omitempty"`
}

type fcmMessage struct {
	Token        string            `json:"token"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
	Android      fcmAndroidConfig  `json:"android"`
	Apns         fcmApnsPayload    `json:"apns"`
}

type fcmSendRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmSendResponse struct {
	Name string `json:"name"`
}

func (a *FCMAdapter) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	deviceToken := strings.TrimSpace(req.To)
	if deviceToken == "" || strings.ContainsAny(deviceToken, " \t\n") {
		return nil, &AdapterError{
			Code:      domain.ErrCodeInvalidDeviceToken,
			Message:   "malformed device token",
			Retryable: false,
		}
	}

	accessToken, err := a.currentAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	payload := fcmSendRequest{
		Message: fcmMessage{
			Token:        deviceToken,
			Notification: fcmNotification{Title: req.Subject, Body: req.Body},
			Data:         req.Data,
			Android:      fcmAndroidConfig{Priority: "high"},
			Apns:         fcmApnsPayload{Headers: map[string]string{"apns-priority": "10"}},
		},
	}

	url := fmt.Sprintf("%s/v1/projects/%s/messages:send", a.cfg.BaseURL, a.cfg.ProjectID)
	response, err := a.client.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(url)
	if err != nil {
		return nil, &AdapterError{
			Code:      domain.ErrCodeSendError,
			Message:   "fcm request failed",
			Retryable: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= 200 && statusCode < 300 {
		var parsed fcmSendResponse
		if err := json.Unmarshal(response.Body(), &parsed); err != nil || parsed.Name == "" {
			return nil, &AdapterError{
				Code:       domain.ErrCodeSendError,
				StatusCode: statusCode,
				Message:    "fcm response missing message name",
				Retryable:  true,
			}
		}
		return &SendResult{
			ProviderMessageID: fcmMessageID(parsed.Name),
			StatusCode:        statusCode,
			ResponseBody:      responseBody,
		}, nil
	}

	if statusCode == http.StatusUnauthorized {
		a.invalidateAccessToken()
	}

	return nil, a.classifySendFailure(statusCode, response.Body(), responseBody)
}

// fcmMessageID extracts the trailing segment of the resource name
// "projects/<project>/messages/<id>" returned by a successful send.
func fcmMessageID(name string) string {
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		return name[idx+1:]
	}
	return name
}

type fcmErrorResponse struct {
	Error struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *FCMAdapter) classifySendFailure(statusCode int, rawBody []byte, body string) *AdapterError {
	var parsed fcmErrorResponse
	_ = json.Unmarshal(rawBody, &parsed)

	message := fmt.Sprintf("fcm returned status %d", statusCode)
	if parsed.Error.Message != "" {
		message = fmt.Sprintf("%s: %s", message, parsed.Error.Message)
	} else if body != "" {
		message = fmt.Sprintf("%s: %s", message, body)
	}

	// UNREGISTERED means the device token is stale; INVALID_ARGUMENT on
	// 400 means it never was valid. Neither recovers on retry.
	status := strings.ToUpper(parsed.Error.Status)
	if status == "UNREGISTERED" || (statusCode == http.StatusBadRequest && status == "INVALID_ARGUMENT") {
		return &AdapterError{
			Code:       domain.ErrCodeInvalidDeviceToken,
			StatusCode: statusCode,
			Message:    message,
			Retryable:  false,
		}
	}

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

func (a *FCMAdapter) currentAccessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.accessToken != "" && a.now().Before(a.tokenExpiry.Add(-fcmTokenRefreshMargin)) {
		return a.accessToken, nil
	}

	token, expiresIn, err := a.exchangeToken(ctx)
	if err != nil {
		return "", err
	}

	a.accessToken = token
	a.tokenExpiry = a.now().Add(time.Duration(expiresIn) * time.Second)
	return a.accessToken, nil
}

func (a *FCMAdapter) invalidateAccessToken() {
	a.mu.Lock()
	a.accessToken = ""
	a.tokenExpiry = time.Time{}
	a.mu.Unlock()
}

type fcmTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (a *FCMAdapter) exchangeToken(ctx context.Context) (string, int64, error) {
	now := a.now()
	assertion := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   a.cfg.ClientEmail,
		"scope": fcmScope,
		"aud":   a.cfg.TokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})

	signed, err := assertion.SignedString(a.privateKey)
	if err != nil {
		return "", 0, &AdapterError{
			Code:      domain.ErrCodeSendError,
			Message:   "signing service account assertion",
			Retryable: false,
			Cause:     err,
		}
	}

	response, err := a.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type": "urn:ietf:params:oauth:grant-type:jwt-bearer",
			"assertion":  signed,
		}).
		Post(a.cfg.TokenURL)
	if err != nil {
		return "", 0, &AdapterError{
			Code:      domain.ErrCodeSendError,
			Message:   "oauth token exchange failed",
			Retryable: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}

	if response.StatusCode() != http.StatusOK {
		return "", 0, &AdapterError{
			Code:       domain.ErrCodeSendError,
			StatusCode: response.StatusCode(),
			Message:    fmt.Sprintf("oauth token exchange returned status %d", response.StatusCode()),
			Retryable:  response.StatusCode() >= http.StatusInternalServerError,
		}
	}

	var parsed fcmTokenResponse
	if err := json.Unmarshal(response.Body(), &parsed); err != nil || parsed.AccessToken == "" {
		return "", 0, &AdapterError{
			Code:      domain.ErrCodeSendError,
			Message:   "oauth token response missing access token",
			Retryable: true,
			Cause:     err,
		}
	}

	if parsed.ExpiresIn <= 0 {
		parsed.ExpiresIn = 3600
	}
	return parsed.AccessToken, parsed.ExpiresIn, nil
}

type fcmWebhookPayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

// ParseWebhook interprets the companion app's delivery receipts: a single
// JSON object carrying the provider message id and a canonical status name.
func (a *FCMAdapter) ParseWebhook(body []byte, _ http.Header) []WebhookEvent {
	var payload fcmWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}

	messageID := strings.TrimSpace(payload.MessageID)
	if messageID == "" {
		return nil
	}

	status, err := domain.ParseDeliveryStatusFromString(payload.Status)
	if err != nil {
		return nil
	}

	event := WebhookEvent{
		Kind:              EventKindStatus,
		ProviderMessageID: messageID,
		Status:            status,
		Reason:            strings.TrimSpace(payload.Reason),
		Raw:               string(body),
	}
	if payload.Timestamp != "" {
		if occurredAt, err := time.Parse(time.RFC3339, payload.Timestamp); err == nil {
			occurredAt = occurredAt.UTC()
			event.OccurredAt = &occurredAt
		}
	}

	return []WebhookEvent{event}
}

// ValidateWebhookSignature checks a base64 HMAC-SHA256 over the raw body.
func (a *FCMAdapter) ValidateWebhookSignature(body []byte, signature string) bool {
	if a.cfg.WebhookSecret == "" {
		return a.cfg.AllowUnverified
	}

	mac := hmac.New(sha256.New, []byte(a.cfg.WebhookSecret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

// Status reports readiness. Unlike the SMS and email adapters, push
// credentials can be present yet unusable, so a healthy report requires a
// token exchange (served from the cache when one is still fresh).
func (a *FCMAdapter) Status(ctx context.Context) StatusReport {
	if a.cfg.ProjectID == "" || a.cfg.ClientEmail == "" || a.privateKey == nil {
		return StatusReport{
			Provider:   fcmName,
			Configured: false,
			Healthy:    false,
			Detail:     "missing project id or service account credentials",
		}
	}

	if _, err := a.currentAccessToken(ctx); err != nil {
		return StatusReport{
			Provider:   fcmName,
			Configured: true,
			Healthy:    false,
			Detail:     fmt.Sprintf("token exchange failed: %v", err),
		}
	}

	return StatusReport{
		Provider:   fcmName,
		Configured: true,
		Healthy:    true,
		Detail:     "ready",
	}
}
