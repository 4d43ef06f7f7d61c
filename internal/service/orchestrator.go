package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carebridge/comms-engine/internal/domain"
	"github.com/carebridge/comms-engine/internal/observability"
	"github.com/carebridge/comms-engine/internal/provider"
	"github.com/carebridge/comms-engine/internal/ratelimit"
	"github.com/carebridge/comms-engine/internal/repository"
	"github.com/carebridge/comms-engine/internal/template"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	scheduledBatchSize  = 100
	retryBatchSize      = 50
	bulkSendConcurrency = 10

	conversationWindow = 7 * 24 * time.Hour

	retryBackoffBase   = 60 * time.Second
	retryBackoffFactor = 4

	breakerFailureThreshold = 5
	breakerCooldown         = 30 * time.Second
	breakerCountInterval    = 60 * time.Second
)

// ConfirmationSink receives confirmation replies detected in inbound SMS
// traffic. It is wired after construction to avoid a dependency cycle with
// the reminder scheduler.
type ConfirmationSink interface {
	HandleInboundReply(ctx context.Context, patientID string, response domain.ConfirmationResponse, rawText string) error
}

// MessageOrchestrator drives every message through its lifecycle: sending,
// scheduling, webhook reconciliation, inbound matching, and bounded retry.
type MessageOrchestrator struct {
	messages      repository.MessageRepository
	deliveries    repository.DeliveryRepository
	patients      repository.PatientRepository
	templates     repository.TemplateRepository
	reminders     repository.ReminderRepository
	registry      *provider.Registry
	limiter       ratelimit.RateLimiter
	breakers      map[domain.Channel]*gobreaker.CircuitBreaker
	confirmations ConfirmationSink
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

func NewMessageOrchestrator(
	messages repository.MessageRepository,
	deliveries repository.DeliveryRepository,
	patients repository.PatientRepository,
	templates repository.TemplateRepository,
	reminders repository.ReminderRepository,
	registry *provider.Registry,
	limiter ratelimit.RateLimiter,
	logger *zap.Logger,
) (*MessageOrchestrator, error) {
	if messages == nil {
		return nil, fmt.Errorf("message repository is required")
	}
	if deliveries == nil {
		return nil, fmt.Errorf("delivery repository is required")
	}
	if patients == nil {
		return nil, fmt.Errorf("patient repository is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &MessageOrchestrator{
		messages:   messages,
		deliveries: deliveries,
		patients:   patients,
		templates:  templates,
		reminders:  reminders,
		registry:   registry,
		limiter:    limiter,
		logger:     logger,
		now:        time.Now,
	}
	o.breakers = newChannelBreakers(o.onBreakerStateChange)

	return o, nil
}

func (s *MessageOrchestrator) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *MessageOrchestrator) SetConfirmationSink(sink ConfirmationSink) {
	if s == nil {
		return
	}
	s.confirmations = sink
}

type SendMessageInput struct {
	ClinicID      string
	PatientID     string
	Channel       domain.Channel
	ToAddress     string
	Subject       string
	Body          string
	HTMLBody      string
	Variables     map[string]string
	ScheduledAt   *time.Time
	CampaignID    *string
	CorrelationID string
}

// SendOutcome is the structured result of one send request. Recipient and
// provider failures are carried in Error rather than returned as Go errors;
// only infrastructure problems surface as errors from the operation itself.
type SendOutcome struct {
	Success           bool
	Message           *domain.Message
	ProviderMessageID *string
	Error             *domain.SendError
}

// SendMessage resolves the recipient, renders template variables, persists
// the message, and either schedules it for later or sends it now.
func (s *MessageOrchestrator) SendMessage(ctx context.Context, input SendMessageInput) (*SendOutcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	msg, sendErr, err := s.buildMessage(ctx, input)
	if err != nil {
		return nil, err
	}
	if sendErr != nil {
		if s.metrics != nil {
			s.metrics.IncMessageFailed(channelLabel(input.Channel), string(sendErr.Code))
		}
		return &SendOutcome{Success: false, Error: sendErr}, nil
	}

	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}

	if msg.Status == domain.MessageStatusScheduled {
		observability.WithContextLogger(s.logger, ctx).Info("message scheduled",
			zap.String("messageId", msg.ID),
			zap.String("channel", channelLabel(msg.Channel)),
			zap.Timep("scheduledAt", msg.ScheduledAt),
		)
		return &SendOutcome{Success: true, Message: msg}, nil
	}

	return s.attemptSend(ctx, msg, 0)
}

type BulkRecipient struct {
	PatientID string
	ToAddress string
	Variables map[string]string
}

type BulkMessageInput struct {
	ClinicID        string
	Channel         domain.Channel
	TemplateID      string
	CampaignID      *string
	SharedVariables map[string]string
	Recipients      []BulkRecipient
}

type BulkItemResult struct {
	PatientID string
	Success   bool
	MessageID *string
	Error     *domain.SendError
}

type BulkSendOutcome struct {
	Success bool
	Results []BulkItemResult
}

// SendBulkMessages fans one template out to many recipients concurrently.
// Individual failures are captured per recipient; the overall outcome is a
// success if at least one recipient was reached.
func (s *MessageOrchestrator) SendBulkMessages(ctx context.Context, input BulkMessageInput) (*BulkSendOutcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if len(input.Recipients) == 0 {
		return nil, fmt.Errorf("%w: bulk request must include at least one recipient", domain.ErrValidation)
	}
	if !input.Channel.IsValid() {
		return nil, fmt.Errorf("%w: invalid channel %q", domain.ErrValidation, input.Channel)
	}

	templateID := strings.TrimSpace(input.TemplateID)
	if templateID == "" {
		return nil, fmt.Errorf("%w: template id is required", domain.ErrValidation)
	}
	tpl, err := s.templates.GetByID(ctx, templateID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: template %s not found", domain.ErrNotFound, templateID)
	}
	if err != nil {
		return nil, err
	}

	subject, body, htmlBody, err := tpl.ContentFor(input.Channel)
	if err != nil {
		return nil, err
	}

	results := make([]BulkItemResult, len(input.Recipients))

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(bulkSendConcurrency)
	for i := range input.Recipients {
		i := i
		g.Go(func() error {
			recipient := input.Recipients[i]
			vars := template.Merge(input.SharedVariables, recipient.Variables)

			outcome, sendErr := s.SendMessage(groupCtx, SendMessageInput{
				ClinicID:   input.ClinicID,
				PatientID:  recipient.PatientID,
				Channel:    input.Channel,
				ToAddress:  recipient.ToAddress,
				Subject:    subject,
				Body:       body,
				HTMLBody:   htmlBody,
				Variables:  vars,
				CampaignID: input.CampaignID,
			})

			result := BulkItemResult{PatientID: recipient.PatientID}
			switch {
			case sendErr != nil:
				result.Error = domain.NewSendError(domain.ErrCodeSendError, sendErr.Error(), false)
			case outcome.Success:
				result.Success = true
				if outcome.Message != nil {
					result.MessageID = &outcome.Message.ID
				}
			default:
				result.Error = outcome.Error
				if outcome.Message != nil {
					result.MessageID = &outcome.Message.ID
				}
			}
			results[i] = result
			return nil
		})
	}
	_ = g.Wait()

	outcome := &BulkSendOutcome{Results: results}
	for i := range results {
		if results[i].Success {
			outcome.Success = true
			break
		}
	}

	return outcome, nil
}

// GetMessage returns one message with its full delivery history.
func (s *MessageOrchestrator) GetMessage(ctx context.Context, id string) (*domain.Message, []domain.MessageDelivery, error) {
	if strings.TrimSpace(id) == "" {
		return nil, nil, fmt.Errorf("%w: message id is required", domain.ErrValidation)
	}

	msg, err := s.messages.GetByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, nil, err
	}

	deliveries, err := s.deliveries.ListByMessageID(ctx, msg.ID)
	if err != nil {
		return nil, nil, err
	}

	return msg, deliveries, nil
}

func (s *MessageOrchestrator) ListMessages(ctx context.Context, params repository.MessageListParams) ([]domain.Message, int64, error) {
	return s.messages.List(ctx, params)
}

// ProcessWebhook reconciles one provider status callback against the stored
// delivery. It reports whether the event was applied; unknown references and
// stale events are acknowledged without effect so providers stop retrying.
func (s *MessageOrchestrator) ProcessWebhook(ctx context.Context, providerName string, event provider.WebhookEvent) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if event.Kind != provider.EventKindStatus {
		return false, nil
	}
	if strings.TrimSpace(event.ProviderMessageID) == "" || !event.Status.IsValid() {
		s.logger.Warn("ignoring malformed webhook event",
			zap.String("provider", providerName),
			zap.String("status", event.Status.String()),
		)
		return false, nil
	}

	delivery, err := s.deliveries.GetByProviderMessageID(ctx, providerName, event.ProviderMessageID)
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.Warn("webhook references unknown delivery",
			zap.String("provider", providerName),
			zap.String("providerMessageId", event.ProviderMessageID),
		)
		if s.metrics != nil {
			s.metrics.IncWebhookEvent(providerName, "unmatched")
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if !delivery.Status.CanAdvanceTo(event.Status) {
		s.logger.Debug("stale webhook ignored",
			zap.String("deliveryId", delivery.ID),
			zap.String("current", delivery.Status.String()),
			zap.String("incoming", event.Status.String()),
		)
		return false, nil
	}

	at := s.now().UTC()
	if event.OccurredAt != nil {
		at = event.OccurredAt.UTC()
	}

	var details *string
	if reason := strings.TrimSpace(event.Reason); reason != "" {
		details = &reason
	}

	err = s.deliveries.ApplyWebhookStatus(ctx, delivery.ID, event.Status, details, at, event.Raw)
	if errors.Is(err, domain.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if s.metrics != nil {
		s.metrics.IncWebhookEvent(providerName, strings.ToLower(event.Status.String()))
	}

	msgStatus, promotes := event.Status.MessageStatus()
	if !promotes {
		return true, nil
	}

	err = s.messages.AdvanceStatus(ctx, delivery.MessageID, msgStatus, at, details)
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return false, err
	}

	if msgStatus == domain.MessageStatusDelivered && s.reminders != nil {
		if err := s.reminders.MarkDeliveredByMessage(ctx, delivery.MessageID, at); err != nil {
			s.logger.Error("failed to propagate delivery to reminder",
				zap.String("messageId", delivery.MessageID),
				zap.Error(err),
			)
		}
	}

	return true, nil
}

type InboundMessageInput struct {
	Provider          string
	From              string
	To                string
	Body              string
	ProviderMessageID string
}

type InboundOutcome struct {
	Matched        bool
	Message        *domain.Message
	PatientID      string
	ConversationID string
}

// ProcessInboundMessage matches an inbound SMS to a patient by trailing phone
// digits and threads it into a recent conversation. Messages from unknown
// senders are counted and dropped without persisting.
func (s *MessageOrchestrator) ProcessInboundMessage(ctx context.Context, input InboundMessageInput) (*InboundOutcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	body := strings.TrimSpace(input.Body)
	if body == "" {
		return nil, fmt.Errorf("%w: inbound message body is required", domain.ErrValidation)
	}

	suffix := phoneSuffix(input.From)
	if suffix == "" {
		if s.metrics != nil {
			s.metrics.IncInboundUnmatched()
		}
		return &InboundOutcome{}, nil
	}

	matches, err := s.patients.FindByPhoneSuffix(ctx, suffix)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		s.logger.Warn("inbound message from unknown sender",
			zap.String("from", observability.MaskContact(input.From)),
		)
		if s.metrics != nil {
			s.metrics.IncInboundUnmatched()
		}
		return &InboundOutcome{}, nil
	}
	if len(matches) > 1 {
		s.logger.Warn("ambiguous inbound sender, using most recently updated patient",
			zap.String("from", observability.MaskContact(input.From)),
			zap.Int("matches", len(matches)),
		)
	}
	patient := matches[0]

	now := s.now().UTC()

	conversationID := uuid.NewString()
	prior, err := s.messages.FindRecentConversation(ctx, patient.ID, domain.ChannelSMS, now.Add(-conversationWindow))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if err == nil && prior.ConversationID != nil {
		conversationID = *prior.ConversationID
	}

	msg := &domain.Message{
		ID:             uuid.NewString(),
		ClinicID:       patient.ClinicID,
		PatientID:      patient.ID,
		ConversationID: &conversationID,
		CorrelationID:  uuid.NewString(),
		Channel:        domain.ChannelSMS,
		Direction:      domain.DirectionInbound,
		ToAddress:      strings.TrimSpace(input.To),
		Body:           body,
		Status:         domain.MessageStatusDelivered,
		DeliveredAt:    &now,
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to persist inbound message: %w", err)
	}

	s.logger.Info("inbound message matched",
		zap.String("messageId", msg.ID),
		zap.String("patientId", patient.ID),
		zap.String("conversationId", conversationID),
	)

	if response, ok := parseConfirmationReply(body); ok && s.confirmations != nil {
		if err := s.confirmations.HandleInboundReply(ctx, patient.ID, response, body); err != nil {
			s.logger.Error("failed to process confirmation reply",
				zap.String("patientId", patient.ID),
				zap.Error(err),
			)
		}
	}

	return &InboundOutcome{
		Matched:        true,
		Message:        msg,
		PatientID:      patient.ID,
		ConversationID: conversationID,
	}, nil
}

// SweepStats summarizes one batch sweep invocation.
type SweepStats struct {
	Scanned int
	Sent    int
	Failed  int
	Skipped int
}

// ProcessScheduledMessages sends messages whose scheduled time has arrived.
// Each row is claimed with a conditional update first, so overlapping sweeps
// never double-send.
func (s *MessageOrchestrator) ProcessScheduledMessages(ctx context.Context) (SweepStats, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	logger := observability.WithContextLogger(s.logger, ctx)

	var stats SweepStats
	due, err := s.messages.ListDueScheduled(ctx, s.now().UTC(), scheduledBatchSize)
	if err != nil {
		return stats, fmt.Errorf("failed to fetch due scheduled messages: %w", err)
	}
	stats.Scanned = len(due)

	for i := range due {
		msg := due[i]

		claimed, err := s.messages.ClaimScheduled(ctx, msg.ID)
		if err != nil {
			logger.Error("failed to claim scheduled message",
				zap.String("messageId", msg.ID),
				zap.Error(err),
			)
			stats.Skipped++
			continue
		}
		if !claimed {
			stats.Skipped++
			continue
		}

		msg.Status = domain.MessageStatusPending
		outcome, err := s.attemptSend(ctx, &msg, msg.RetryCount)
		if err != nil {
			logger.Error("scheduled send failed",
				zap.String("messageId", msg.ID),
				zap.Error(err),
			)
			stats.Failed++
			continue
		}
		if outcome.Success {
			stats.Sent++
		} else {
			stats.Failed++
		}
	}

	return stats, nil
}

// RetryFailedMessages re-attempts FAILED sends whose backoff window has
// elapsed. The window grows as 60s * 4^retryCount from the last failure.
func (s *MessageOrchestrator) RetryFailedMessages(ctx context.Context) (SweepStats, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	logger := observability.WithContextLogger(s.logger, ctx)

	var stats SweepStats
	candidates, err := s.messages.ListRetryable(ctx, retryBatchSize)
	if err != nil {
		return stats, fmt.Errorf("failed to fetch retryable messages: %w", err)
	}
	stats.Scanned = len(candidates)

	now := s.now().UTC()
	for i := range candidates {
		msg := candidates[i]

		anchor, err := s.lastFailureTime(ctx, &msg)
		if err != nil {
			logger.Error("failed to resolve last failure time",
				zap.String("messageId", msg.ID),
				zap.Error(err),
			)
			stats.Skipped++
			continue
		}
		if now.Before(anchor.Add(retryBackoff(msg.RetryCount))) {
			stats.Skipped++
			continue
		}

		claimed, err := s.messages.ClaimForRetry(ctx, msg.ID, msg.RetryCount)
		if err != nil {
			logger.Error("failed to claim message for retry",
				zap.String("messageId", msg.ID),
				zap.Error(err),
			)
			stats.Skipped++
			continue
		}
		if !claimed {
			stats.Skipped++
			continue
		}

		msg.Status = domain.MessageStatusPending
		msg.RetryCount++
		outcome, err := s.attemptSend(ctx, &msg, msg.RetryCount)
		if err != nil {
			logger.Error("retry send failed",
				zap.String("messageId", msg.ID),
				zap.Error(err),
			)
			stats.Failed++
			continue
		}
		if outcome.Success {
			stats.Sent++
		} else {
			stats.Failed++
		}
	}

	return stats, nil
}

func (s *MessageOrchestrator) buildMessage(ctx context.Context, input SendMessageInput) (*domain.Message, *domain.SendError, error) {
	if strings.TrimSpace(input.ClinicID) == "" {
		return nil, nil, fmt.Errorf("%w: clinic id is required", domain.ErrValidation)
	}
	if strings.TrimSpace(input.PatientID) == "" {
		return nil, nil, fmt.Errorf("%w: patient id is required", domain.ErrValidation)
	}
	if !input.Channel.IsValid() {
		return nil, nil, fmt.Errorf("%w: invalid channel %q", domain.ErrValidation, input.Channel)
	}

	toAddress := strings.TrimSpace(input.ToAddress)
	if toAddress == "" {
		patient, err := s.patients.GetByID(ctx, strings.TrimSpace(input.PatientID))
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NewSendError(domain.ErrCodePatientNotFound, "patient not found", false), nil
		}
		if err != nil {
			return nil, nil, err
		}

		resolved, ok := patient.ContactFor(input.Channel)
		if !ok {
			code := recipientErrorCode(input.Channel)
			return nil, domain.NewSendError(code, fmt.Sprintf("patient has no %s contact", channelLabel(input.Channel)), false), nil
		}
		toAddress = resolved
	}

	subject := strings.TrimSpace(input.Subject)
	body := input.Body
	htmlBody := strings.TrimSpace(input.HTMLBody)
	if len(input.Variables) > 0 {
		subject = template.Render(subject, input.Variables)
		body = template.Render(body, input.Variables)
		htmlBody = template.Render(htmlBody, input.Variables)
	}

	now := s.now().UTC()
	status := domain.MessageStatusPending
	var scheduledAt *time.Time
	if input.ScheduledAt != nil && input.ScheduledAt.After(now) {
		status = domain.MessageStatusScheduled
		t := input.ScheduledAt.UTC()
		scheduledAt = &t
	}

	correlationID := strings.TrimSpace(input.CorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	msg := &domain.Message{
		ID:            uuid.NewString(),
		ClinicID:      strings.TrimSpace(input.ClinicID),
		PatientID:     strings.TrimSpace(input.PatientID),
		CampaignID:    normalizeOptionalString(input.CampaignID),
		CorrelationID: correlationID,
		Channel:       input.Channel,
		Direction:     domain.DirectionOutbound,
		ToAddress:     toAddress,
		Body:          body,
		Status:        status,
		ScheduledAt:   scheduledAt,
	}
	if subject != "" {
		msg.Subject = &subject
	}
	if htmlBody != "" {
		msg.HTMLBody = &htmlBody
	}

	if err := msg.Validate(); err != nil {
		return nil, nil, err
	}

	return msg, nil, nil
}

// attemptSend performs one delivery attempt for a PENDING message, recording
// exactly one delivery row and advancing the message based on the result.
func (s *MessageOrchestrator) attemptSend(ctx context.Context, msg *domain.Message, retryCount int) (*SendOutcome, error) {
	if msg.Channel == domain.ChannelInApp {
		return s.deliverInApp(ctx, msg)
	}

	adapter, ok := s.registry.Get(msg.Channel)
	if !ok {
		sendErr := domain.NewSendError(domain.ErrCodeProviderNotConfigured,
			fmt.Sprintf("no provider configured for channel %s", msg.Channel), false)
		if err := s.recordFailure(ctx, msg, nil, sendErr, retryCount); err != nil {
			return nil, err
		}
		return &SendOutcome{Success: false, Message: msg, Error: sendErr}, nil
	}

	delivery := &domain.MessageDelivery{
		ID:        uuid.NewString(),
		MessageID: msg.ID,
		Provider:  adapter.Name(),
		Status:    domain.DeliveryStatusPending,
	}
	if err := s.deliveries.Create(ctx, delivery); err != nil {
		return nil, fmt.Errorf("failed to persist delivery: %w", err)
	}

	label := channelLabel(msg.Channel)
	if err := s.limiter.Wait(ctx, label); err != nil {
		sendErr := domain.NewSendError(domain.ErrCodeSendError, fmt.Sprintf("rate limit wait: %v", err), true)
		if recordErr := s.recordFailure(ctx, msg, delivery, sendErr, retryCount); recordErr != nil {
			return nil, recordErr
		}
		return &SendOutcome{Success: false, Message: msg, Error: sendErr}, nil
	}

	req := provider.SendRequest{
		To:       msg.ToAddress,
		Subject:  derefString(msg.Subject),
		Body:     msg.Body,
		HTMLBody: derefString(msg.HTMLBody),
	}
	if msg.Channel == domain.ChannelPush {
		req.Data = map[string]string{"messageId": msg.ID, "clinicId": msg.ClinicID}
	}

	start := s.now()
	result, sendErr := s.executeSend(ctx, adapter, msg.Channel, req)
	if s.metrics != nil {
		s.metrics.ObserveSendDuration(label, s.now().Sub(start))
	}

	if sendErr != nil {
		failure := domain.NewSendError(provider.ErrorCodeOf(sendErr), sendErr.Error(), provider.IsRetryable(sendErr))
		if err := s.recordFailure(ctx, msg, delivery, failure, retryCount); err != nil {
			return nil, err
		}
		return &SendOutcome{Success: false, Message: msg, Error: failure}, nil
	}

	now := s.now().UTC()
	providerMessageID := ""
	if result != nil {
		providerMessageID = strings.TrimSpace(result.ProviderMessageID)
	}

	if err := s.deliveries.MarkSent(ctx, delivery.ID, providerMessageID, now); err != nil {
		return nil, fmt.Errorf("failed to mark delivery sent: %w", err)
	}
	if err := s.messages.MarkSent(ctx, msg.ID, now); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("failed to mark message sent: %w", err)
		}
		s.logger.Warn("message advanced before send result was recorded", zap.String("messageId", msg.ID))
	} else {
		msg.Status = domain.MessageStatusSent
		msg.SentAt = &now
	}
	msg.RetryCount = retryCount

	if s.metrics != nil {
		s.metrics.IncMessageSent(label)
	}
	s.logger.Info("message sent",
		zap.String("messageId", msg.ID),
		zap.String("channel", label),
		zap.String("provider", adapter.Name()),
		zap.String("correlationId", msg.CorrelationID),
	)

	var pmid *string
	if providerMessageID != "" {
		pmid = &providerMessageID
	}
	return &SendOutcome{Success: true, Message: msg, ProviderMessageID: pmid}, nil
}

// deliverInApp short-circuits the provider path: in-app messages land in the
// patient's inbox the moment they are stored.
func (s *MessageOrchestrator) deliverInApp(ctx context.Context, msg *domain.Message) (*SendOutcome, error) {
	now := s.now().UTC()

	providerMessageID := uuid.NewString()
	delivery := &domain.MessageDelivery{
		ID:                uuid.NewString(),
		MessageID:         msg.ID,
		Provider:          domain.InternalProvider,
		ProviderMessageID: &providerMessageID,
		Status:            domain.DeliveryStatusDelivered,
		DeliveredAt:       &now,
	}
	if err := s.deliveries.Create(ctx, delivery); err != nil {
		return nil, fmt.Errorf("failed to persist delivery: %w", err)
	}

	if err := s.messages.AdvanceStatus(ctx, msg.ID, domain.MessageStatusDelivered, now, nil); err != nil && !errors.Is(err, domain.ErrConflict) {
		return nil, fmt.Errorf("failed to mark message delivered: %w", err)
	}
	msg.Status = domain.MessageStatusDelivered
	msg.DeliveredAt = &now

	if s.metrics != nil {
		s.metrics.IncMessageSent(channelLabel(msg.Channel))
	}

	return &SendOutcome{Success: true, Message: msg}, nil
}

func (s *MessageOrchestrator) executeSend(ctx context.Context, adapter provider.Adapter, channel domain.Channel, req provider.SendRequest) (*provider.SendResult, error) {
	breaker := s.breakers[channel]
	if breaker == nil {
		return adapter.Send(ctx, req)
	}

	out, err := breaker.Execute(func() (any, error) {
		return adapter.Send(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &provider.AdapterError{
			Code:      domain.ErrCodeProviderNotAvailable,
			Message:   fmt.Sprintf("%s provider temporarily unavailable", channelLabel(channel)),
			Retryable: true,
			Cause:     err,
		}
	}

	result, _ := out.(*provider.SendResult)
	return result, err
}

// recordFailure marks both rows failed and pins the retry count when the
// failure can never succeed on a later attempt.
func (s *MessageOrchestrator) recordFailure(ctx context.Context, msg *domain.Message, delivery *domain.MessageDelivery, sendErr *domain.SendError, retryCount int) error {
	now := s.now().UTC()

	if delivery != nil {
		if err := s.deliveries.MarkFailed(ctx, delivery.ID, sendErr.Error(), now); err != nil && !errors.Is(err, domain.ErrConflict) {
			return fmt.Errorf("failed to mark delivery failed: %w", err)
		}
	}

	finalCount := retryCount
	if !sendErr.Retryable {
		finalCount = domain.MaxSendRetries
	}

	if err := s.messages.MarkFailed(ctx, msg.ID, sendErr.Error(), finalCount); err != nil && !errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("failed to mark message failed: %w", err)
	}
	msg.Status = domain.MessageStatusFailed
	msg.RetryCount = finalCount
	errMsg := sendErr.Error()
	msg.ErrorMessage = &errMsg

	if s.metrics != nil {
		s.metrics.IncMessageFailed(channelLabel(msg.Channel), string(sendErr.Code))
	}
	s.logger.Warn("message send failed",
		zap.String("messageId", msg.ID),
		zap.String("channel", channelLabel(msg.Channel)),
		zap.String("code", string(sendErr.Code)),
		zap.Bool("retryable", sendErr.Retryable),
	)

	return nil
}

func (s *MessageOrchestrator) lastFailureTime(ctx context.Context, msg *domain.Message) (time.Time, error) {
	latest, err := s.deliveries.LatestByMessageID(ctx, msg.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return msg.UpdatedAt, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	if latest.FailedAt != nil {
		return *latest.FailedAt, nil
	}
	return latest.CreatedAt, nil
}

func (s *MessageOrchestrator) onBreakerStateChange(name string, from, to gobreaker.State) {
	s.logger.Warn("provider circuit state changed",
		zap.String("channel", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	if s.metrics != nil {
		s.metrics.SetBreakerOpen(name, to == gobreaker.StateOpen)
	}
}

func newChannelBreakers(onChange func(name string, from, to gobreaker.State)) map[domain.Channel]*gobreaker.CircuitBreaker {
	channels := []domain.Channel{domain.ChannelSMS, domain.ChannelEmail, domain.ChannelPush}

	breakers := make(map[domain.Channel]*gobreaker.CircuitBreaker, len(channels))
	for _, channel := range channels {
		breakers[channel] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        channelLabel(channel),
			MaxRequests: 1,
			Interval:    breakerCountInterval,
			Timeout:     breakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerFailureThreshold
			},
			// Permanent failures are recipient problems, not provider health.
			IsSuccessful: func(err error) bool {
				return err == nil || !provider.IsRetryable(err)
			},
			OnStateChange: onChange,
		})
	}

	return breakers
}

// retryBackoff returns the wait required after the given number of failed
// attempts: 60s, then 240s, then 960s.
func retryBackoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	backoff := retryBackoffBase
	for i := 0; i < retryCount; i++ {
		backoff *= retryBackoffFactor
	}
	return backoff
}

// phoneSuffix reduces a phone number to its trailing digits so differently
// formatted numbers still match the stored patient record.
func phoneSuffix(phone string) string {
	var digits []rune
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) == 0 {
		return ""
	}
	if len(digits) > 10 {
		digits = digits[len(digits)-10:]
	}
	return string(digits)
}

func parseConfirmationReply(body string) (domain.ConfirmationResponse, bool) {
	normalized := strings.ToUpper(strings.TrimSpace(body))
	normalized = strings.TrimRight(normalized, ".!?")

	switch normalized {
	case "YES", "Y", "CONFIRM", "C", "1":
		return domain.ConfirmationConfirmed, true
	case "NO", "N", "CANCEL", "DECLINE", "2":
		return domain.ConfirmationDeclined, true
	}
	return "", false
}

func recipientErrorCode(channel domain.Channel) domain.ErrorCode {
	switch channel {
	case domain.ChannelSMS:
		return domain.ErrCodeNoPhone
	case domain.ChannelEmail:
		return domain.ErrCodeNoEmail
	}
	return domain.ErrCodeNoRecipient
}

func channelLabel(channel domain.Channel) string {
	return strings.ToLower(channel.String())
}

func normalizeOptionalString(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
