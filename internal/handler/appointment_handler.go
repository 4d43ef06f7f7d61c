package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/carebridge/comms-engine/internal/domain"
	"github.com/carebridge/comms-engine/internal/service"
	"github.com/gofiber/fiber/v2"
)

type ReminderService interface {
	ScheduleRemindersForAppointment(ctx context.Context, appointmentID string, sequence []domain.ReminderSpec) ([]service.ReminderScheduleResult, error)
	CancelRemindersForAppointment(ctx context.Context, appointmentID string) (int64, error)
	RescheduleRemindersForAppointment(ctx context.Context, appointmentID string, sequence []domain.ReminderSpec) ([]service.ReminderScheduleResult, error)
	ProcessConfirmationResponse(ctx context.Context, appointmentID string, response domain.ConfirmationResponse, rawText string) error
}

type AppointmentHandler struct {
	service ReminderService
}

func NewAppointmentHandler(service ReminderService) (*AppointmentHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("reminder service is required")
	}
	return &AppointmentHandler{service: service}, nil
}

func RegisterAppointmentRoutes(router fiber.Router, service ReminderService) error {
	h, err := NewAppointmentHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/appointments/:id/reminders", h.ScheduleReminders)
	v1.Post("/appointments/:id/reminders/cancel", h.CancelReminders)
	v1.Post("/appointments/:id/reminders/reschedule", h.RescheduleReminders)
	v1.Post("/appointments/:id/confirmation", h.RecordConfirmation)

	return nil
}

type reminderSpecRequest struct {
	HoursBefore int    `json:"hoursBefore"`
	Channel     string `json:"channel"`
	Type        string `json:"type"`
}

type scheduleRemindersRequest struct {
	Sequence []reminderSpecRequest `json:"sequence"`
}

type reminderResultResponse struct {
	Type         string             `json:"type"`
	Channel      string             `json:"channel"`
	ScheduledFor time.Time          `json:"scheduledFor"`
	Success      bool               `json:"success"`
	ReminderID   *string            `json:"reminderId,omitempty"`
	Error        *sendErrorResponse `json:"error,omitempty"`
}

type scheduleRemindersResponse struct {
	AppointmentID string                   `json:"appointmentId"`
	Results       []reminderResultResponse `json:"results"`
}

type cancelRemindersResponse struct {
	AppointmentID string `json:"appointmentId"`
	Cancelled     int64  `json:"cancelled"`
}

type confirmationRequest struct {
	Response string `json:"response"`
	RawText  string `json:"rawText"`
}

type confirmationResponse struct {
	AppointmentID string `json:"appointmentId"`
	Response      string `json:"response"`
}

func (h *AppointmentHandler) ScheduleReminders(c *fiber.Ctx) error {
	appointmentID := strings.TrimSpace(c.Params("id"))

	var req scheduleRemindersRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}

	sequence, err := toReminderSequence(req.Sequence)
	if err != nil {
		return toHTTPError(err)
	}

	results, err := h.service.ScheduleRemindersForAppointment(c.Context(), appointmentID, sequence)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(scheduleRemindersResponse{
		AppointmentID: appointmentID,
		Results:       toReminderResultResponses(results),
	})
}

func (h *AppointmentHandler) CancelReminders(c *fiber.Ctx) error {
	appointmentID := strings.TrimSpace(c.Params("id"))

	cancelled, err := h.service.CancelRemindersForAppointment(c.Context(), appointmentID)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(cancelRemindersResponse{
		AppointmentID: appointmentID,
		Cancelled:     cancelled,
	})
}

func (h *AppointmentHandler) RescheduleReminders(c *fiber.Ctx) error {
	appointmentID := strings.TrimSpace(c.Params("id"))

	var req scheduleRemindersRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}

	sequence, err := toReminderSequence(req.Sequence)
	if err != nil {
		return toHTTPError(err)
	}

	results, err := h.service.RescheduleRemindersForAppointment(c.Context(), appointmentID, sequence)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(scheduleRemindersResponse{
		AppointmentID: appointmentID,
		Results:       toReminderResultResponses(results),
	})
}

func (h *AppointmentHandler) RecordConfirmation(c *fiber.Ctx) error {
	appointmentID := strings.TrimSpace(c.Params("id"))

	var req confirmationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	response, err := domain.ParseConfirmationResponseFromString(req.Response)
	if err != nil {
		return toHTTPError(err)
	}

	if err := h.service.ProcessConfirmationResponse(c.Context(), appointmentID, response, req.RawText); err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(confirmationResponse{
		AppointmentID: appointmentID,
		Response:      response.String(),
	})
}

func toReminderSequence(specs []reminderSpecRequest) ([]domain.ReminderSpec, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	sequence := make([]domain.ReminderSpec, 0, len(specs))
	for _, spec := range specs {
		channel, err := domain.ParseChannelFromString(spec.Channel)
		if err != nil {
			return nil, err
		}
		remType, err := domain.ParseReminderTypeFromString(spec.Type)
		if err != nil {
			return nil, err
		}
		sequence = append(sequence, domain.ReminderSpec{
			HoursBefore: spec.HoursBefore,
			Channel:     channel,
			Type:        remType,
		})
	}
	return sequence, nil
}

func toReminderResultResponses(results []service.ReminderScheduleResult) []reminderResultResponse {
	responses := make([]reminderResultResponse, 0, len(results))
	for _, r := range results {
		responses = append(responses, reminderResultResponse{
			Type:         r.Type.String(),
			Channel:      r.Channel.String(),
			ScheduledFor: r.ScheduledFor,
			Success:      r.Success,
			ReminderID:   r.ReminderID,
			Error:        toSendErrorResponse(r.Error),
		})
	}
	return responses
}
