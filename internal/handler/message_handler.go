package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carebridge/comms-engine/internal/domain"
	"github.com/carebridge/comms-engine/internal/observability"
	"github.com/carebridge/comms-engine/internal/repository"
	"github.com/carebridge/comms-engine/internal/service"
	"github.com/gofiber/fiber/v2"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type MessageService interface {
	SendMessage(ctx context.Context, input service.SendMessageInput) (*service.SendOutcome, error)
	SendBulkMessages(ctx context.Context, input service.BulkMessageInput) (*service.BulkSendOutcome, error)
	GetMessage(ctx context.Context, id string) (*domain.Message, []domain.MessageDelivery, error)
	ListMessages(ctx context.Context, params repository.MessageListParams) ([]domain.Message, int64, error)
}

type MessageHandler struct {
	service MessageService
}

func NewMessageHandler(service MessageService) (*MessageHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("message service is required")
	}
	return &MessageHandler{service: service}, nil
}

func RegisterMessageRoutes(router fiber.Router, service MessageService) error {
	h, err := NewMessageHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/messages", h.SendMessage)
	v1.Post("/messages/bulk", h.SendBulkMessages)
	v1.Get("/messages/:id", h.GetMessage)
	v1.Get("/messages", h.ListMessages)

	return nil
}

type sendMessageRequest struct {
	ClinicID      string            `json:"clinicId"`
	PatientID     string            `json:"patientId"`
	Channel       string            `json:"channel"`
	ToAddress     string            `json:"toAddress"`
	Subject       string            `json:"subject"`
	Body          string            `json:"body"`
	HTMLBody      string            `json:"htmlBody"`
	Variables     map[string]string `json:"variables"`
	ScheduledAt   *time.Time        `json:"scheduledAt"`
	CampaignID    *string           `json:"campaignId"`
	CorrelationID string            `json:"correlationId"`
}

type bulkRecipientRequest struct {
	PatientID string            `json:"patientId"`
	ToAddress string            `json:"toAddress"`
	Variables map[string]string `json:"variables"`
}

type sendBulkRequest struct {
	ClinicID        string                 `json:"clinicId"`
	Channel         string                 `json:"channel"`
	TemplateID      string                 `json:"templateId"`
	CampaignID      *string                `json:"campaignId"`
	SharedVariables map[string]string      `json:"sharedVariables"`
	Recipients      []bulkRecipientRequest `json:"recipients"`
}

type sendErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type sendMessageResponse struct {
	Success           bool               `json:"success"`
	Message           *messageResponse   `json:"message,omitempty"`
	ProviderMessageID *string            `json:"providerMessageId,omitempty"`
	Error             *sendErrorResponse `json:"error,omitempty"`
}

type bulkItemResponse struct {
	PatientID string             `json:"patientId"`
	Success   bool               `json:"success"`
	MessageID *string            `json:"messageId,omitempty"`
	Error     *sendErrorResponse `json:"error,omitempty"`
}

type sendBulkResponse struct {
	Success bool               `json:"success"`
	Results []bulkItemResponse `json:"results"`
}

type messageResponse struct {
	ID             string     `json:"id"`
	ClinicID       string     `json:"clinicId"`
	PatientID      string     `json:"patientId"`
	CampaignID     *string    `json:"campaignId,omitempty"`
	ConversationID *string    `json:"conversationId,omitempty"`
	CorrelationID  string     `json:"correlationId"`
	Channel        string     `json:"channel"`
	Direction      string     `json:"direction"`
	ToAddress      string     `json:"toAddress"`
	Subject        *string    `json:"subject,omitempty"`
	Body           string     `json:"body"`
	Status         string     `json:"status"`
	RetryCount     int        `json:"retryCount"`
	ErrorMessage   *string    `json:"errorMessage,omitempty"`
	ScheduledAt    *time.Time `json:"scheduledAt,omitempty"`
	SentAt         *time.Time `json:"sentAt,omitempty"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

type deliveryResponse struct {
	ID                string     `json:"id"`
	Provider          string     `json:"provider"`
	ProviderMessageID *string    `json:"providerMessageId,omitempty"`
	Status            string     `json:"status"`
	StatusDetails     *string    `json:"statusDetails,omitempty"`
	SentAt            *time.Time `json:"sentAt,omitempty"`
	DeliveredAt       *time.Time `json:"deliveredAt,omitempty"`
	OpenedAt          *time.Time `json:"openedAt,omitempty"`
	ClickedAt         *time.Time `json:"clickedAt,omitempty"`
	FailedAt          *time.Time `json:"failedAt,omitempty"`
	BouncedAt         *time.Time `json:"bouncedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

type getMessageResponse struct {
	Message    messageResponse    `json:"message"`
	Deliveries []deliveryResponse `json:"deliveries"`
}

type listMessagesResponse struct {
	Data []messageResponse `json:"data"`
	Meta listMeta          `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *MessageHandler) SendMessage(c *fiber.Ctx) error {
	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	channel, err := domain.ParseChannelFromString(req.Channel)
	if err != nil {
		return toHTTPError(err)
	}

	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		correlationID = requestCorrelationID(c)
	}
	ctx := observability.WithCorrelationID(c.Context(), correlationID)

	outcome, err := h.service.SendMessage(ctx, service.SendMessageInput{
		ClinicID:      req.ClinicID,
		PatientID:     req.PatientID,
		Channel:       channel,
		ToAddress:     req.ToAddress,
		Subject:       req.Subject,
		Body:          req.Body,
		HTMLBody:      req.HTMLBody,
		Variables:     req.Variables,
		ScheduledAt:   req.ScheduledAt,
		CampaignID:    req.CampaignID,
		CorrelationID: correlationID,
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toSendMessageResponse(outcome))
}

func (h *MessageHandler) SendBulkMessages(c *fiber.Ctx) error {
	var req sendBulkRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	channel, err := domain.ParseChannelFromString(req.Channel)
	if err != nil {
		return toHTTPError(err)
	}

	recipients := make([]service.BulkRecipient, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		recipients = append(recipients, service.BulkRecipient{
			PatientID: r.PatientID,
			ToAddress: r.ToAddress,
			Variables: r.Variables,
		})
	}

	ctx := observability.WithCorrelationID(c.Context(), requestCorrelationID(c))

	outcome, err := h.service.SendBulkMessages(ctx, service.BulkMessageInput{
		ClinicID:        req.ClinicID,
		Channel:         channel,
		TemplateID:      req.TemplateID,
		CampaignID:      req.CampaignID,
		SharedVariables: req.SharedVariables,
		Recipients:      recipients,
	})
	if err != nil {
		return toHTTPError(err)
	}

	results := make([]bulkItemResponse, 0, len(outcome.Results))
	for _, item := range outcome.Results {
		results = append(results, bulkItemResponse{
			PatientID: item.PatientID,
			Success:   item.Success,
			MessageID: item.MessageID,
			Error:     toSendErrorResponse(item.Error),
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(sendBulkResponse{
		Success: outcome.Success,
		Results: results,
	})
}

func (h *MessageHandler) GetMessage(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	msg, deliveries, err := h.service.GetMessage(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	items := make([]deliveryResponse, 0, len(deliveries))
	for i := range deliveries {
		items = append(items, toDeliveryResponse(&deliveries[i]))
	}

	return c.Status(fiber.StatusOK).JSON(getMessageResponse{
		Message:    toMessageResponse(msg),
		Deliveries: items,
	})
}

func (h *MessageHandler) ListMessages(c *fiber.Ctx) error {
	params, err := parseMessageListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	messages, total, err := h.service.ListMessages(c.Context(), params)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]messageResponse, 0, len(messages))
	for i := range messages {
		data = append(data, toMessageResponse(&messages[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listMessagesResponse{
		Data: data,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func parseMessageListParams(c *fiber.Ctx) (repository.MessageListParams, error) {
	params := repository.MessageListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.MessageListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.MessageListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status, err := domain.ParseMessageStatusFromString(raw)
		if err != nil {
			return repository.MessageListParams{}, err
		}
		params.Status = &status
	}
	if raw := strings.TrimSpace(c.Query("channel")); raw != "" {
		channel, err := domain.ParseChannelFromString(raw)
		if err != nil {
			return repository.MessageListParams{}, err
		}
		params.Channel = &channel
	}
	if raw := strings.TrimSpace(c.Query("direction")); raw != "" {
		direction := domain.Direction(strings.ToUpper(raw))
		if !direction.IsValid() {
			return repository.MessageListParams{}, fmt.Errorf("%w: invalid direction %q", domain.ErrValidation, raw)
		}
		params.Direction = &direction
	}
	if raw := strings.TrimSpace(c.Query("clinicId")); raw != "" {
		params.ClinicID = &raw
	}
	if raw := strings.TrimSpace(c.Query("patientId")); raw != "" {
		params.PatientID = &raw
	}
	if raw := strings.TrimSpace(c.Query("conversationId")); raw != "" {
		params.ConversationID = &raw
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return repository.MessageListParams{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return repository.MessageListParams{}, err
	}
	params.From = from
	params.To = to

	return params, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toSendMessageResponse(outcome *service.SendOutcome) sendMessageResponse {
	resp := sendMessageResponse{
		Success:           outcome.Success,
		ProviderMessageID: outcome.ProviderMessageID,
		Error:             toSendErrorResponse(outcome.Error),
	}
	if outcome.Message != nil {
		msg := toMessageResponse(outcome.Message)
		resp.Message = &msg
	}
	return resp
}

func toSendErrorResponse(sendErr *domain.SendError) *sendErrorResponse {
	if sendErr == nil {
		return nil
	}
	return &sendErrorResponse{
		Code:      string(sendErr.Code),
		Message:   sendErr.Message,
		Retryable: sendErr.Retryable,
	}
}

func toMessageResponse(m *domain.Message) messageResponse {
	if m == nil {
		return messageResponse{}
	}

	return messageResponse{
		ID:             m.ID,
		ClinicID:       m.ClinicID,
		PatientID:      m.PatientID,
		CampaignID:     m.CampaignID,
		ConversationID: m.ConversationID,
		CorrelationID:  m.CorrelationID,
		Channel:        m.Channel.String(),
		Direction:      m.Direction.String(),
		ToAddress:      m.ToAddress,
		Subject:        m.Subject,
		Body:           m.Body,
		Status:         m.Status.String(),
		RetryCount:     m.RetryCount,
		ErrorMessage:   m.ErrorMessage,
		ScheduledAt:    m.ScheduledAt,
		SentAt:         m.SentAt,
		DeliveredAt:    m.DeliveredAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func toDeliveryResponse(d *domain.MessageDelivery) deliveryResponse {
	if d == nil {
		return deliveryResponse{}
	}

	return deliveryResponse{
		ID:                d.ID,
		Provider:          d.Provider,
		ProviderMessageID: d.ProviderMessageID,
		Status:            d.Status.String(),
		StatusDetails:     d.StatusDetails,
		SentAt:            d.SentAt,
		DeliveredAt:       d.DeliveredAt,
		OpenedAt:          d.OpenedAt,
		ClickedAt:         d.ClickedAt,
		FailedAt:          d.FailedAt,
		BouncedAt:         d.BouncedAt,
		CreatedAt:         d.CreatedAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
