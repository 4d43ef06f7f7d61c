package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/carebridge/comms-engine/internal/domain"
	"github.com/carebridge/comms-engine/internal/service"
	"github.com/carebridge/comms-engine/internal/transport"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func TestAppointmentIntegration_ScheduleReminders(t *testing.T) {
	t.Parallel()

	t.Run("empty body schedules default sequence", func(t *testing.T) {
		t.Parallel()

		var capturedID string
		var capturedSequence []domain.ReminderSpec
		svc := &stubReminderService{
			scheduleFn: func(ctx context.Context, appointmentID string, sequence []domain.ReminderSpec) ([]service.ReminderScheduleResult, error) {
				capturedID = appointmentID
				capturedSequence = sequence
				id := "rem-1"
				return []service.ReminderScheduleResult{
					{Type: domain.ReminderTypeStandard, Channel: domain.ChannelEmail, ScheduledFor: time.Now(), Success: true, ReminderID: &id},
				}, nil
			},
		}
		app := newAppointmentTestApp(t, svc)

		resp, body := performRequest(t, app, http.MethodPost, "/v1/appointments/appt-1/reminders", "")

		if resp.StatusCode != fiber.StatusCreated {
			t.Fatalf("status = %d, want 201, body=%s", resp.StatusCode, string(body))
		}
		if capturedID != "appt-1" {
			t.Fatalf("captured appointmentId = %q, want appt-1", capturedID)
		}
		if capturedSequence != nil {
			t.Fatalf("captured sequence = %+v, want nil for default", capturedSequence)
		}

		var parsed struct {
			AppointmentID string `json:"appointmentId"`
			Results       []struct {
				Type       string  `json:"type"`
				Channel    string  `json:"channel"`
				Success    bool    `json:"success"`
				ReminderID *string `json:"reminderId"`
			} `json:"results"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if parsed.AppointmentID != "appt-1" {
			t.Fatalf("appointmentId = %q, want appt-1", parsed.AppointmentID)
		}
		if len(parsed.Results) != 1 || !parsed.Results[0].Success {
			t.Fatalf("results = %+v, want one success", parsed.Results)
		}
		if parsed.Results[0].ReminderID == nil || *parsed.Results[0].ReminderID != "rem-1" {
			t.Fatalf("reminderId = %v, want rem-1", parsed.Results[0].ReminderID)
		}
	})

	t.Run("custom sequence parsed and forwarded", func(t *testing.T) {
		t.Parallel()

		var capturedSequence []domain.ReminderSpec
		svc := &stubReminderService{
			scheduleFn: func(ctx context.Context, appointmentID string, sequence []domain.ReminderSpec) ([]service.ReminderScheduleResult, error) {
				capturedSequence = sequence
				return nil, nil
			},
		}
		app := newAppointmentTestApp(t, svc)

		resp, body := performRequest(t, app, http.MethodPost, "/v1/appointments/appt-1/reminders",
			`{"sequence":[{"hoursBefore":4,"channel":"SMS","type":"FOLLOW_UP"}]}`)

		if resp.StatusCode != fiber.StatusCreated {
			t.Fatalf("status = %d, want 201, body=%s", resp.StatusCode, string(body))
		}
		if len(capturedSequence) != 1 {
			t.Fatalf("len(sequence) = %d, want 1", len(capturedSequence))
		}
		spec := capturedSequence[0]
		if spec.HoursBefore != 4 || spec.Channel != domain.ChannelSMS || spec.Type != domain.ReminderTypeFollowUp {
			t.Fatalf("sequence[0] = %+v, want 4h SMS FOLLOW_UP", spec)
		}
	})

	t.Run("failed slots reported per entry", func(t *testing.T) {
		t.Parallel()

		svc := &stubReminderService{
			scheduleFn: func(ctx context.Context, appointmentID string, sequence []domain.ReminderSpec) ([]service.ReminderScheduleResult, error) {
				id := "rem-2"
				return []service.ReminderScheduleResult{
					{
						Type:    domain.ReminderTypeStandard,
						Channel: domain.ChannelEmail,
						Success: false,
						Error:   domain.NewSendError(domain.ErrCodeTimePassed, "reminder slot is in the past", false),
					},
					{Type: domain.ReminderTypeFinal, Channel: domain.ChannelSMS, Success: true, ReminderID: &id},
				}, nil
			},
		}
		app := newAppointmentTestApp(t, svc)

		resp, body := performRequest(t, app, http.MethodPost, "/v1/appointments/appt-1/reminders", "")

		if resp.StatusCode != fiber.StatusCreated {
			t.Fatalf("status = %d, want 201, body=%s", resp.StatusCode, string(body))
		}

		var parsed struct {
			Results []struct {
				Success bool `json:"success"`
				Error   *struct {
					Code string `json:"code"`
				} `json:"error"`
			} `json:"results"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if len(parsed.Results) != 2 {
			t.Fatalf("len(results) = %d, want 2", len(parsed.Results))
		}
		if parsed.Results[0].Error == nil || parsed.Results[0].Error.Code != domain.ErrCodeTimePassed.String() {
			t.Fatalf("results[0].error = %+v, want TIME_PASSED", parsed.Results[0].Error)
		}
		if !parsed.Results[1].Success {
			t.Fatal("results[1].success = false, want true")
		}
	})

	t.Run("unknown appointment returns 404", func(t *testing.T) {
		t.Parallel()

		svc := &stubReminderService{
			scheduleFn: func(ctx context.Context, appointmentID string, sequence []domain.ReminderSpec) ([]service.ReminderScheduleResult, error) {
				return nil, fmt.Errorf("appointment %s: %w", appointmentID, domain.ErrNotFound)
			},
		}
		app := newAppointmentTestApp(t, svc)

		resp, body := performRequest(t, app, http.MethodPost, "/v1/appointments/missing/reminders", "")

		if resp.StatusCode != fiber.StatusNotFound {
			t.Fatalf("status = %d, want 404, body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("invalid sequence entry rejected", func(t *testing.T) {
		t.Parallel()

		app := newAppointmentTestApp(t, &stubReminderService{})

		resp, body := performRequest(t, app, http.MethodPost, "/v1/appointments/appt-1/reminders",
			`{"sequence":[{"hoursBefore":4,"channel":"SMS","type":"SHOUTING"}]}`)

		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("status = %d, want 400, body=%s", resp.StatusCode, string(body))
		}
	})
}

func TestAppointmentIntegration_CancelReminders(t *testing.T) {
	t.Parallel()

	svc := &stubReminderService{
		cancelFn: func(ctx context.Context, appointmentID string) (int64, error) {
			return 2, nil
		},
	}
	app := newAppointmentTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodPost, "/v1/appointments/appt-1/reminders/cancel", "")

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}

	var parsed struct {
		AppointmentID string `json:"appointmentId"`
		Cancelled     int64  `json:"cancelled"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if parsed.AppointmentID != "appt-1" || parsed.Cancelled != 2 {
		t.Fatalf("response = %+v, want appt-1 with 2 cancelled", parsed)
	}
}

func TestAppointmentIntegration_RescheduleReminders(t *testing.T) {
	t.Parallel()

	var rescheduled bool
	svc := &stubReminderService{
		rescheduleFn: func(ctx context.Context, appointmentID string, sequence []domain.ReminderSpec) ([]service.ReminderScheduleResult, error) {
			rescheduled = true
			return nil, nil
		},
	}
	app := newAppointmentTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodPost, "/v1/appointments/appt-1/reminders/reschedule", "")

	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", resp.StatusCode, string(body))
	}
	if !rescheduled {
		t.Fatal("reschedule was not invoked")
	}
}

func TestAppointmentIntegration_RecordConfirmation(t *testing.T) {
	t.Parallel()

	t.Run("confirmation recorded", func(t *testing.T) {
		t.Parallel()

		var capturedResponse domain.ConfirmationResponse
		var capturedRaw string
		svc := &stubReminderService{
			confirmFn: func(ctx context.Context, appointmentID string, response domain.ConfirmationResponse, rawText string) error {
				capturedResponse = response
				capturedRaw = rawText
				return nil
			},
		}
		app := newAppointmentTestApp(t, svc)

		resp, body := performRequest(t, app, http.MethodPost, "/v1/appointments/appt-1/confirmation",
			`{"response":"CONFIRMED","rawText":"YES"}`)

		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
		if capturedResponse != domain.ConfirmationConfirmed {
			t.Fatalf("captured response = %s, want CONFIRMED", capturedResponse)
		}
		if capturedRaw != "YES" {
			t.Fatalf("captured rawText = %q, want YES", capturedRaw)
		}

		var parsed struct {
			AppointmentID string `json:"appointmentId"`
			Response      string `json:"response"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if parsed.Response != "CONFIRMED" {
			t.Fatalf("response = %q, want CONFIRMED", parsed.Response)
		}
	})

	t.Run("invalid response value rejected", func(t *testing.T) {
		t.Parallel()

		app := newAppointmentTestApp(t, &stubReminderService{})

		resp, body := performRequest(t, app, http.MethodPost, "/v1/appointments/appt-1/confirmation",
			`{"response":"MAYBE"}`)

		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("status = %d, want 400, body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("cancelled appointment conflict surfaces 409", func(t *testing.T) {
		t.Parallel()

		svc := &stubReminderService{
			confirmFn: func(ctx context.Context, appointmentID string, response domain.ConfirmationResponse, rawText string) error {
				return fmt.Errorf("appointment already cancelled: %w", domain.ErrConflict)
			},
		}
		app := newAppointmentTestApp(t, svc)

		resp, body := performRequest(t, app, http.MethodPost, "/v1/appointments/appt-1/confirmation",
			`{"response":"DECLINED"}`)

		if resp.StatusCode != fiber.StatusConflict {
			t.Fatalf("status = %d, want 409, body=%s", resp.StatusCode, string(body))
		}
	})
}

type stubReminderService struct {
	scheduleFn   func(ctx context.Context, appointmentID string, sequence []domain.ReminderSpec) ([]service.ReminderScheduleResult, error)
	cancelFn     func(ctx context.Context, appointmentID string) (int64, error)
	rescheduleFn func(ctx context.Context, appointmentID string, sequence []domain.ReminderSpec) ([]service.ReminderScheduleResult, error)
	confirmFn    func(ctx context.Context, appointmentID string, response domain.ConfirmationResponse, rawText string) error
}

func (s *stubReminderService) ScheduleRemindersForAppointment(ctx context.Context, appointmentID string, sequence []domain.ReminderSpec) ([]service.ReminderScheduleResult, error) {
	if s.scheduleFn != nil {
		return s.scheduleFn(ctx, appointmentID, sequence)
	}
	return nil, errors.New("not implemented")
}

func (s *stubReminderService) CancelRemindersForAppointment(ctx context.Context, appointmentID string) (int64, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, appointmentID)
	}
	return 0, nil
}

func (s *stubReminderService) RescheduleRemindersForAppointment(ctx context.Context, appointmentID string, sequence []domain.ReminderSpec) ([]service.ReminderScheduleResult, error) {
	if s.rescheduleFn != nil {
		return s.rescheduleFn(ctx, appointmentID, sequence)
	}
	return nil, errors.New("not implemented")
}

func (s *stubReminderService) ProcessConfirmationResponse(ctx context.Context, appointmentID string, response domain.ConfirmationResponse, rawText string) error {
	if s.confirmFn != nil {
		return s.confirmFn(ctx, appointmentID, response, rawText)
	}
	return nil
}

func newAppointmentTestApp(t *testing.T, svc ReminderService) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(zap.NewNop()),
	})

	if err := RegisterAppointmentRoutes(app, svc); err != nil {
		t.Fatalf("RegisterAppointmentRoutes() error = %v", err)
	}

	return app
}
