package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"testing"

	"github.com/carebridge/comms-engine/internal/domain"
)

func TestTwilioAdapterSendSuccess(t *testing.T) {
	t.Parallel()

	var gotForm url.Values

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/2010-04-01/Accounts/AC123/Messages.json" {
			t.Errorf("path = %s, want /2010-04-01/Accounts/AC123/Messages.json", r.URL.Path)
		}

		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "token-1" {
			t.Errorf("basic auth = %q/%q, want AC123/token-1", user, pass)
		}

		if err := r.ParseForm(); err != nil {
			t.Fatalf("failed to parse form: %v", err)
		}
		gotForm = r.PostForm

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM123","status":"queued"}`))
	}))
	defer server.Close()

	adapter := NewTwilioAdapter(TwilioConfig{
		AccountSID: "AC123",
		AuthToken:  "token-1",
		FromNumber: "+15550001111",
		WebhookURL: "https://clinic.example.com/webhooks/sms",
		BaseURL:    server.URL,
	})

	result, err := adapter.Send(context.Background(), SendRequest{
		To:   "+15552223333",
		Body: "Your appointment is tomorrow at 2:00 PM",
	})
	if err != nil {
		t.Fatalf("Send() unexpected error: %v", err)
	}

	if result.ProviderMessageID != "SM123" {
		t.Fatalf("ProviderMessageID = %q, want %q", result.ProviderMessageID, "SM123")
	}
	if result.StatusCode != http.StatusCreated {
		t.Fatalf("StatusCode = %d, want %d", result.StatusCode, http.StatusCreated)
	}

	if got := gotForm.Get("To"); got != "+15552223333" {
		t.Fatalf("form To = %q, want %q", got, "+15552223333")
	}
	if got := gotForm.Get("From"); got != "+15550001111" {
		t.Fatalf("form From = %q, want %q", got, "+15550001111")
	}
	if got := gotForm.Get("Body"); got != "Your appointment is tomorrow at 2:00 PM" {
		t.Fatalf("form Body = %q", got)
	}
	if got := gotForm.Get("StatusCallback"); got != "https://clinic.example.com/webhooks/sms" {
		t.Fatalf("form StatusCallback = %q", got)
	}
}

func TestTwilioAdapterSendRejectsMalformedNumber(t *testing.T) {
	t.Parallel()

	adapter := NewTwilioAdapter(TwilioConfig{
		AccountSID: "AC123",
		AuthToken:  "token-1",
		FromNumber: "+15550001111",
		BaseURL:    "http://127.0.0.1:1", // must never be reached
	})

	_, err := adapter.Send(context.Background(), SendRequest{To: "not-a-number", Body: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}

	var adapterErr *AdapterError
	if !errors.As(err, &adapterErr) {
		t.Fatalf("expected AdapterError, got %T", err)
	}
	if adapterErr.Code != domain.ErrCodeInvalidPhoneNumber {
		t.Fatalf("Code = %s, want %s", adapterErr.Code, domain.ErrCodeInvalidPhoneNumber)
	}
	if IsRetryable(err) {
		t.Fatal("IsRetryable() = true, want false")
	}
}

func TestTwilioAdapterSendFailureClassification(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		statusCode    int
		body          string
		wantCode      domain.ErrorCode
		wantRetryable bool
	}{
		{
			name:          "invalid number code is permanent",
			statusCode:    http.StatusBadRequest,
			body:          `{"code":21211,"message":"The 'To' number is not a valid phone number."}`,
			wantCode:      domain.ErrCodeInvalidPhoneNumber,
			wantRetryable: false,
		},
		{
			name:          "unsubscribed recipient is permanent",
			statusCode:    http.StatusBadRequest,
			body:          `{"code":21610,"message":"Attempt to send to unsubscribed recipient"}`,
			wantCode:      domain.ErrCodeInvalidPhoneNumber,
			wantRetryable: false,
		},
		{
			name:          "rate limit code is retryable",
			statusCode:    http.StatusTooManyRequests,
			body:          `{"code":20429,"message":"Too many requests"}`,
			wantCode:      domain.ErrCodeSendError,
			wantRetryable: true,
		},
		{
			name:          "server error is retryable",
			statusCode:    http.StatusInternalServerError,
			body:          `{"code":20500,"message":"Internal server error"}`,
			wantCode:      domain.ErrCodeSendError,
			wantRetryable: true,
		},
		{
			name:          "other bad request is permanent",
			statusCode:    http.StatusBadRequest,
			body:          `{"code":21602,"message":"Message body is required"}`,
			wantCode:      domain.ErrCodeSendError,
			wantRetryable: false,
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

			adapter := NewTwilioAdapter(TwilioConfig{
				AccountSID: "AC123",
				AuthToken:  "token-1",
				FromNumber: "+15550001111",
				BaseURL:    server.URL,
			})

			_, err := adapter.Send(context.Background(), SendRequest{To: "+15552223333", Body: "hi"})
			if err == nil {
				t.Fatal("expected error")
			}

			var adapterErr *AdapterError
			if !errors.As(err, &adapterErr) {
				t.Fatalf("expected AdapterError, got %T", err)
			}
			if adapterErr.Code != tc.wantCode {
				t.Fatalf("Code = %s, want %s", adapterErr.Code, tc.wantCode)
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

func TestTwilioAdapterParseWebhook(t *testing.T) {
	t.Parallel()

	adapter := NewTwilioAdapter(TwilioConfig{AccountSID: "AC123", AuthToken: "token-1", FromNumber: "+15550001111"})

	t.Run("delivery status update", func(t *testing.T) {
		t.Parallel()

		body := url.Values{
			"MessageSid":    {"SM123"},
			"MessageStatus": {"delivered"},
			"To":            {"+15552223333"},
		}.Encode()

		events := adapter.ParseWebhook([]byte(body), nil)
		if len(events) != 1 {
			t.Fatalf("len(events) = %d, want 1", len(events))
		}
		if events[0].Kind != EventKindStatus {
			t.Fatalf("Kind = %s, want %s", events[0].Kind, EventKindStatus)
		}
		if events[0].ProviderMessageID != "SM123" {
			t.Fatalf("ProviderMessageID = %q, want SM123", events[0].ProviderMessageID)
		}
		if events[0].Status != domain.DeliveryStatusDelivered {
			t.Fatalf("Status = %s, want %s", events[0].Status, domain.DeliveryStatusDelivered)
		}
	})

	t.Run("undelivered maps to bounced with reason", func(t *testing.T) {
		t.Parallel()

		body := url.Values{
			"SmsSid":        {"SM999"},
			"MessageStatus": {"undelivered"},
			"ErrorCode":     {"30003"},
		}.Encode()

		events := adapter.ParseWebhook([]byte(body), nil)
		if len(events) != 1 {
			t.Fatalf("len(events) = %d, want 1", len(events))
		}
		if events[0].ProviderMessageID != "SM999" {
			t.Fatalf("ProviderMessageID = %q, want SM999", events[0].ProviderMessageID)
		}
		if events[0].Status != domain.DeliveryStatusBounced {
			t.Fatalf("Status = %s, want %s", events[0].Status, domain.DeliveryStatusBounced)
		}
		if events[0].Reason != "twilio error 30003" {
			t.Fatalf("Reason = %q, want %q", events[0].Reason, "twilio error 30003")
		}
	})

	t.Run("inbound reply", func(t *testing.T) {
		t.Parallel()

		body := url.Values{
			"MessageSid": {"SM456"},
			"From":       {"+15552223333"},
			"To":         {"+15550001111"},
			"Body":       {"YES"},
		}.Encode()

		events := adapter.ParseWebhook([]byte(body), nil)
		if len(events) != 1 {
			t.Fatalf("len(events) = %d, want 1", len(events))
		}
		if events[0].Kind != EventKindInbound {
			t.Fatalf("Kind = %s, want %s", events[0].Kind, EventKindInbound)
		}
		if events[0].From != "+15552223333" {
			t.Fatalf("From = %q, want +15552223333", events[0].From)
		}
		if events[0].Body != "YES" {
			t.Fatalf("Body = %q, want YES", events[0].Body)
		}
	})

	t.Run("unknown status is skipped", func(t *testing.T) {
		t.Parallel()

		body := url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"scheduled"}}.Encode()
		if events := adapter.ParseWebhook([]byte(body), nil); events != nil {
			t.Fatalf("events = %v, want nil", events)
		}
	})

	t.Run("status without sid is skipped", func(t *testing.T) {
		t.Parallel()

		body := url.Values{"MessageStatus": {"delivered"}}.Encode()
		if events := adapter.ParseWebhook([]byte(body), nil); events != nil {
			t.Fatalf("events = %v, want nil", events)
		}
	})

	t.Run("inbound without sender is skipped", func(t *testing.T) {
		t.Parallel()

		body := url.Values{"MessageSid": {"SM1"}, "Body": {"YES"}}.Encode()
		if events := adapter.ParseWebhook([]byte(body), nil); events != nil {
			t.Fatalf("events = %v, want nil", events)
		}
	})
}

// twilioSign reproduces the signature a Twilio callback carries: HMAC-SHA1
// over the callback URL plus the sorted form parameters.
func twilioSign(t *testing.T, webhookURL, body, token string) string {
	t.Helper()

	values, err := url.ParseQuery(body)
	if err != nil {
		t.Fatalf("failed to parse body: %v", err)
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	base := webhookURL
	for _, key := range keys {
		base = fmt.Sprintf("%s%s%s", base, key, values.Get(key))
	}

	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestTwilioAdapterValidateWebhookSignature(t *testing.T) {
	t.Parallel()

	const webhookURL = "https://clinic.example.com/webhooks/sms"
	const token = "token-1"

	adapter := NewTwilioAdapter(TwilioConfig{
		AccountSID: "AC123",
		AuthToken:  token,
		FromNumber: "+15550001111",
		WebhookURL: webhookURL,
	})

	body := url.Values{
		"MessageSid":    {"SM123"},
		"MessageStatus": {"delivered"},
		"To":            {"+15552223333"},
	}.Encode()

	signature := twilioSign(t, webhookURL, body, token)

	if !adapter.ValidateWebhookSignature([]byte(body), signature) {
		t.Fatal("valid signature rejected")
	}

	tampered := url.Values{
		"MessageSid":    {"SM123"},
		"MessageStatus": {"failed"},
		"To":            {"+15552223333"},
	}.Encode()
	if adapter.ValidateWebhookSignature([]byte(tampered), signature) {
		t.Fatal("tampered body accepted")
	}

	if adapter.ValidateWebhookSignature([]byte(body), "bogus") {
		t.Fatal("bogus signature accepted")
	}
	if adapter.ValidateWebhookSignature([]byte(body), "") {
		t.Fatal("empty signature accepted")
	}
}

func TestTwilioAdapterValidateWebhookSignatureWithoutToken(t *testing.T) {
	t.Parallel()

	strict := NewTwilioAdapter(TwilioConfig{AccountSID: "AC123", FromNumber: "+15550001111"})
	if strict.ValidateWebhookSignature([]byte("Body=YES"), "anything") {
		t.Fatal("unverified webhook accepted without AllowUnverified")
	}

	relaxed := NewTwilioAdapter(TwilioConfig{AccountSID: "AC123", FromNumber: "+15550001111", AllowUnverified: true})
	if !relaxed.ValidateWebhookSignature([]byte("Body=YES"), "") {
		t.Fatal("AllowUnverified adapter rejected webhook")
	}
}

func TestTwilioAdapterStatus(t *testing.T) {
	t.Parallel()

	configured := NewTwilioAdapter(TwilioConfig{AccountSID: "AC123", AuthToken: "token-1", FromNumber: "+15550001111"})
	report := configured.Status(context.Background())
	if !report.Configured || !report.Healthy {
		t.Fatalf("Status() = %+v, want configured and healthy", report)
	}
	if report.Provider != "twilio" {
		t.Fatalf("Provider = %q, want twilio", report.Provider)
	}

	missing := NewTwilioAdapter(TwilioConfig{AccountSID: "AC123"})
	if report := missing.Status(context.Background()); report.Configured {
		t.Fatalf("Status() = %+v, want unconfigured", report)
	}
}
