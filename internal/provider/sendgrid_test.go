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
	"net/http/httptest"
	"testing"
	"time"

	"github.com/carebridge/comms-engine/internal/domain"
)

func TestSendgridAdapterSendSuccess(t *testing.T) {
	t.Parallel()

	var gotBody sendgridMailRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/v3/mail/send" {
			t.Errorf("path = %s, want /v3/mail/send", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sg-key-1" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer sg-key-1")
		}

		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}

		w.Header().Set("X-Message-Id", "sg-msg-1")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	adapter := NewSendgridAdapter(SendgridConfig{
		APIKey:    "sg-key-1",
		FromEmail: "care@clinic.example.com",
		FromName:  "CareBridge Clinic",
		BaseURL:   server.URL,
	})

	result, err := adapter.Send(context.Background(), SendRequest{
		To:       "patient@example.com",
		Subject:  "Appointment reminder",
		Body:     "See you tomorrow at 2:00 PM",
		HTMLBody: "<p>See you tomorrow at <b>2:00 PM</b></p>",
	})
	if err != nil {
		t.Fatalf("Send() unexpected error: %v", err)
	}

	if result.ProviderMessageID != "sg-msg-1" {
		t.Fatalf("ProviderMessageID = %q, want %q", result.ProviderMessageID, "sg-msg-1")
	}
	if result.StatusCode != http.StatusAccepted {
		t.Fatalf("StatusCode = %d, want %d", result.StatusCode, http.StatusAccepted)
	}

	if len(gotBody.Personalizations) != 1 || len(gotBody.Personalizations[0].To) != 1 {
		t.Fatalf("personalizations = %+v, want one recipient", gotBody.Personalizations)
	}
	if got := gotBody.Personalizations[0].To[0].Email; got != "patient@example.com" {
		t.Fatalf("to = %q, want patient@example.com", got)
	}
	if gotBody.From.Email != "care@clinic.example.com" || gotBody.From.Name != "CareBridge Clinic" {
		t.Fatalf("from = %+v", gotBody.From)
	}
	if gotBody.Subject != "Appointment reminder" {
		t.Fatalf("subject = %q", gotBody.Subject)
	}

	if len(gotBody.Content) != 2 {
		t.Fatalf("len(content) = %d, want 2", len(gotBody.Content))
	}
	if gotBody.Content[0].Type != "text/plain" || gotBody.Content[1].Type != "text/html" {
		t.Fatalf("content types = %q and %q, want text/plain before text/html",
			gotBody.Content[0].Type, gotBody.Content[1].Type)
	}
}

func TestSendgridAdapterSendRejectsMalformedAddress(t *testing.T) {
	t.Parallel()

	adapter := NewSendgridAdapter(SendgridConfig{
		APIKey:    "sg-key-1",
		FromEmail: "care@clinic.example.com",
		BaseURL:   "http://127.0.0.1:1", // must never be reached
	})

	_, err := adapter.Send(context.Background(), SendRequest{To: "not-an-email", Body: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}

	var adapterErr *AdapterError
	if !errors.As(err, &adapterErr) {
		t.Fatalf("expected AdapterError, got %T", err)
	}
	if adapterErr.Code != domain.ErrCodeInvalidEmail {
		t.Fatalf("Code = %s, want %s", adapterErr.Code, domain.ErrCodeInvalidEmail)
	}
	if IsRetryable(err) {
		t.Fatal("IsRetryable() = true, want false")
	}
}

func TestSendgridAdapterSendFailureClassification(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		statusCode    int
		body          string
		wantRetryable bool
	}{
		{
			name:          "bad request is permanent",
			statusCode:    http.StatusBadRequest,
			body:          `{"errors":[{"message":"The subject is required.","field":"subject"}]}`,
			wantRetryable: false,
		},
		{
			name:          "unauthorized is retryable",
			statusCode:    http.StatusUnauthorized,
			body:          `{"errors":[{"message":"The provided authorization grant is invalid"}]}`,
			wantRetryable: true,
		},
		{
			name:          "payload too large is permanent",
			statusCode:    http.StatusRequestEntityTooLarge,
			body:          `{"errors":[{"message":"Payload too large"}]}`,
			wantRetryable: false,
		},
		{
			name:          "rate limited is retryable",
			statusCode:    http.StatusTooManyRequests,
			body:          `{"errors":[{"message":"too many requests"}]}`,
			wantRetryable: true,
		},
		{
			name:          "server error is retryable",
			statusCode:    http.StatusServiceUnavailable,
			body:          `upstream unavailable`,
			wantRetryable: true,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.statusCode)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			adapter := NewSendgridAdapter(SendgridConfig{
				APIKey:    "sg-key-1",
				FromEmail: "care@clinic.example.com",
				BaseURL:   server.URL,
			})

			_, err := adapter.Send(context.Background(), SendRequest{To: "patient@example.com", Body: "hi"})
			if err == nil {
				t.Fatal("expected error")
			}

			var adapterErr *AdapterError
			if !errors.As(err, &adapterErr) {
				t.Fatalf("expected AdapterError, got %T", err)
			}
			if adapterErr.StatusCode != tc.statusCode {
				t.Fatalf("StatusCode = %d, want %d", adapterErr.StatusCode, tc.statusCode)
			}
			if got := IsRetryable(err); got != tc.wantRetryable {
				t.Fatalf("IsRetryable() = %v, want %v", got, tc.wantRetryable)
			}
		})
	}
}

func TestSendgridAdapterParseWebhookEvents(t *testing.T) {
	t.Parallel()

	adapter := NewSendgridAdapter(SendgridConfig{APIKey: "sg-key-1", FromEmail: "care@clinic.example.com"})

	payload := `[
		{"email":"a@example.com","event":"processed","timestamp":1756100000,"sg_message_id":"sg-1.filterdrecv-75p1"},
		{"email":"a@example.com","event":"delivered","timestamp":1756100060,"sg_message_id":"sg-1.filterdrecv-75p1"},
		{"email":"b@example.com","event":"open","timestamp":1756100120,"sg_message_id":"sg-2"},
		{"email":"c@example.com","event":"bounce","timestamp":1756100180,"sg_message_id":"sg-3","reason":"550 mailbox unavailable"},
		{"email":"d@example.com","event":"deferred","timestamp":1756100240,"sg_message_id":"sg-4"},
		{"email":"e@example.com","event":"delivered","timestamp":1756100300,"sg_message_id":""}
	]`

	events := adapter.ParseWebhook([]byte(payload), nil)
	if len(events) != 4 {
		t.Fatalf("len(events) = %d, want 4 (deferred and blank ids skipped)", len(events))
	}

	wantStatuses := []domain.DeliveryStatus{
		domain.DeliveryStatusSent,
		domain.DeliveryStatusDelivered,
		domain.DeliveryStatusOpened,
		domain.DeliveryStatusBounced,
	}
	for i, want := range wantStatuses {
		if events[i].Status != want {
			t.Fatalf("events[%d].Status = %s, want %s", i, events[i].Status, want)
		}
		if events[i].Kind != EventKindStatus {
			t.Fatalf("events[%d].Kind = %s, want %s", i, events[i].Kind, EventKindStatus)
		}
	}

	// SMTP routing suffix stripped from the id returned at send time.
	if events[0].ProviderMessageID != "sg-1" {
		t.Fatalf("ProviderMessageID = %q, want sg-1", events[0].ProviderMessageID)
	}
	if events[3].Reason != "550 mailbox unavailable" {
		t.Fatalf("Reason = %q, want bounce reason", events[3].Reason)
	}

	wantAt := time.Unix(1756100000, 0).UTC()
	if events[0].OccurredAt == nil || !events[0].OccurredAt.Equal(wantAt) {
		t.Fatalf("OccurredAt = %v, want %v", events[0].OccurredAt, wantAt)
	}

	if events := adapter.ParseWebhook([]byte(`not json`), nil); events != nil {
		t.Fatalf("events = %v, want nil for malformed payload", events)
	}
	if events := adapter.ParseWebhook([]byte(`[]`), nil); events != nil {
		t.Fatalf("events = %v, want nil for empty payload", events)
	}
}

func sendgridSign(timestamp, body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestSendgridAdapterValidateWebhookSignature(t *testing.T) {
	t.Parallel()

	adapter := NewSendgridAdapter(SendgridConfig{
		APIKey:        "sg-key-1",
		FromEmail:     "care@clinic.example.com",
		WebhookSecret: "whsec-1",
	})

	body := `[{"event":"delivered","sg_message_id":"sg-1"}]`
	timestamp := "1756100000"
	header := fmt.Sprintf("t=%s,v1=%s", timestamp, sendgridSign(timestamp, body, "whsec-1"))

	if !adapter.ValidateWebhookSignature([]byte(body), header) {
		t.Fatal("valid signature rejected")
	}

	if adapter.ValidateWebhookSignature([]byte(`[{"event":"bounce","sg_message_id":"sg-1"}]`), header) {
		t.Fatal("tampered body accepted")
	}
	if adapter.ValidateWebhookSignature([]byte(body), "t=1756100000") {
		t.Fatal("header without mac accepted")
	}
	if adapter.ValidateWebhookSignature([]byte(body), "v1=abc") {
		t.Fatal("header without timestamp accepted")
	}
	if adapter.ValidateWebhookSignature([]byte(body), "") {
		t.Fatal("empty header accepted")
	}

	// Signing with the wrong timestamp must fail even for the same body.
	stale := fmt.Sprintf("t=%s,v1=%s", "1756100999", sendgridSign(timestamp, body, "whsec-1"))
	if adapter.ValidateWebhookSignature([]byte(body), stale) {
		t.Fatal("mismatched timestamp accepted")
	}
}

func TestSendgridAdapterValidateWebhookSignatureWithoutSecret(t *testing.T) {
	t.Parallel()

	strict := NewSendgridAdapter(SendgridConfig{APIKey: "sg-key-1", FromEmail: "care@clinic.example.com"})
	if strict.ValidateWebhookSignature([]byte(`[]`), "anything") {
		t.Fatal("unverified webhook accepted without AllowUnverified")
	}

	relaxed := NewSendgridAdapter(SendgridConfig{
		APIKey:          "sg-key-1",
		FromEmail:       "care@clinic.example.com",
		AllowUnverified: true,
	})
	if !relaxed.ValidateWebhookSignature([]byte(`[]`), "") {
		t.Fatal("AllowUnverified adapter rejected webhook")
	}
}

func TestSendgridAdapterStatus(t *testing.T) {
	t.Parallel()

	configured := NewSendgridAdapter(SendgridConfig{APIKey: "sg-key-1", FromEmail: "care@clinic.example.com"})
	report := configured.Status(context.Background())
	if !report.Configured || !report.Healthy {
		t.Fatalf("Status() = %+v, want configured and healthy", report)
	}
	if report.Provider != "sendgrid" {
		t.Fatalf("Provider = %q, want sendgrid", report.Provider)
	}

	missing := NewSendgridAdapter(SendgridConfig{FromEmail: "care@clinic.example.com"})
	if report := missing.Status(context.Background()); report.Configured {
		t.Fatalf("Status() = %+v, want unconfigured", report)
	}
}
