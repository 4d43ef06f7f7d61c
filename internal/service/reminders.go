package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carebridge/comms-engine/internal/domain"
	"github.com/carebridge/comms-engine/internal/observability"
	"github.com/carebridge/comms-engine/internal/repository"
	"github.com/carebridge/comms-engine/internal/template"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const reminderBatchSize = 100

// MessageSender is the slice of the orchestrator the reminder scheduler
// needs. Reminders never talk to providers directly.
type MessageSender interface {
	SendMessage(ctx context.Context, input SendMessageInput) (*SendOutcome, error)
}

// ReminderScheduler plans appointment reminders, sends the due ones through
// the orchestrator, and records patient confirmation responses.
type ReminderScheduler struct {
	reminders    repository.ReminderRepository
	appointments repository.AppointmentRepository
	patients     repository.PatientRepository
	sender       MessageSender
	logger       *zap.Logger
	metrics      *observability.Metrics
	now          func() time.Time
}

func NewReminderScheduler(
	reminders repository.ReminderRepository,
	appointments repository.AppointmentRepository,
	patients repository.PatientRepository,
	sender MessageSender,
	logger *zap.Logger,
) (*ReminderScheduler, error) {
	if reminders == nil {
		return nil, fmt.Errorf("reminder repository is required")
	}
	if appointments == nil {
		return nil, fmt.Errorf("appointment repository is required")
	}
	if patients == nil {
		return nil, fmt.Errorf("patient repository is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("message sender is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ReminderScheduler{
		reminders:    reminders,
		appointments: appointments,
		patients:     patients,
		sender:       sender,
		logger:       logger,
		now:          time.Now,
	}, nil
}

func (s *ReminderScheduler) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// ReminderScheduleResult reports the fate of one sequence entry. Skips and
// duplicates are per-item outcomes, never a failure of the whole call.
type ReminderScheduleResult struct {
	Type         domain.ReminderType
	Channel      domain.Channel
	ScheduledFor time.Time
	Success      bool
	ReminderID   *string
	Error        *domain.SendError
}

// ScheduleRemindersForAppointment creates one reminder row per sequence
// entry, computing each due time as startTime minus the entry's offset.
// Entries whose slot already passed, whose channel the patient cannot
// receive, or that duplicate an active reminder are reported per item.
func (s *ReminderScheduler) ScheduleRemindersForAppointment(ctx context.Context, appointmentID string, sequence []domain.ReminderSpec) ([]ReminderScheduleResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(appointmentID) == "" {
		return nil, fmt.Errorf("%w: appointment id is required", domain.ErrValidation)
	}

	if len(sequence) == 0 {
		sequence = domain.DefaultReminderSequence()
	}
	for i := range sequence {
		if err := sequence[i].Validate(); err != nil {
			return nil, err
		}
	}

	appt, err := s.appointments.GetByID(ctx, strings.TrimSpace(appointmentID))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: appointment %s not found", domain.ErrNotFound, appointmentID)
	}
	if err != nil {
		return nil, err
	}

	results := make([]ReminderScheduleResult, 0, len(sequence))

	if !appt.Status.IsRemindable() {
		for _, spec := range sequence {
			results = append(results, ReminderScheduleResult{
				Type:         spec.Type,
				Channel:      spec.Channel,
				ScheduledFor: appt.StartTime.Add(-time.Duration(spec.HoursBefore) * time.Hour),
				Error: domain.NewSendError(domain.ErrCodeInvalidStatus,
					fmt.Sprintf("appointment is %s", appt.Status), false),
			})
		}
		return results, nil
	}

	patient, err := s.patients.GetByID(ctx, appt.PatientID)
	if errors.Is(err, domain.ErrNotFound) {
		for _, spec := range sequence {
			results = append(results, ReminderScheduleResult{
				Type:         spec.Type,
				Channel:      spec.Channel,
				ScheduledFor: appt.StartTime.Add(-time.Duration(spec.HoursBefore) * time.Hour),
				Error:        domain.NewSendError(domain.ErrCodePatientNotFound, "patient not found", false),
			})
		}
		return results, nil
	}
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	scheduled := 0
	for _, spec := range sequence {
		result := ReminderScheduleResult{
			Type:         spec.Type,
			Channel:      spec.Channel,
			ScheduledFor: appt.StartTime.Add(-time.Duration(spec.HoursBefore) * time.Hour),
		}

		switch {
		case !result.ScheduledFor.After(now):
			result.Error = domain.NewSendError(domain.ErrCodeTimePassed,
				"reminder slot has already passed", false)
		default:
			if _, ok := patient.ContactFor(spec.Channel); !ok {
				result.Error = domain.NewSendError(recipientErrorCode(spec.Channel),
					fmt.Sprintf("patient has no %s contact", channelLabel(spec.Channel)), false)
				break
			}

			rem := &domain.AppointmentReminder{
				ID:            uuid.NewString(),
				ClinicID:      appt.ClinicID,
				AppointmentID: appt.ID,
				PatientID:     appt.PatientID,
				Channel:       spec.Channel,
				Type:          spec.Type,
				Status:        domain.ReminderStatusScheduled,
				ScheduledFor:  result.ScheduledFor,
			}
			err := s.reminders.Create(ctx, rem)
			switch {
			case errors.Is(err, domain.ErrConflict):
				result.Error = domain.NewSendError(domain.ErrCodeDuplicateReminder,
					"an active reminder already exists for this slot", false)
			case err != nil:
				return nil, err
			default:
				result.Success = true
				result.ReminderID = &rem.ID
				scheduled++
			}
		}

		results = append(results, result)
	}

	s.logger.Info("reminders scheduled",
		zap.String("appointmentId", appt.ID),
		zap.Int("scheduled", scheduled),
		zap.Int("skipped", len(results)-scheduled),
	)

	return results, nil
}

// CancelRemindersForAppointment cancels every reminder that has not yet
// reached a terminal state. Returns the number of reminders cancelled.
func (s *ReminderScheduler) CancelRemindersForAppointment(ctx context.Context, appointmentID string) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(appointmentID) == "" {
		return 0, fmt.Errorf("%w: appointment id is required", domain.ErrValidation)
	}

	cancelled, err := s.reminders.CancelActiveByAppointment(ctx, strings.TrimSpace(appointmentID))
	if err != nil {
		return 0, err
	}

	if cancelled > 0 {
		s.logger.Info("reminders cancelled",
			zap.String("appointmentId", appointmentID),
			zap.Int64("cancelled", cancelled),
		)
	}

	return cancelled, nil
}

// RescheduleRemindersForAppointment cancels the active reminders and plans a
// fresh sequence against the appointment's current start time.
func (s *ReminderScheduler) RescheduleRemindersForAppointment(ctx context.Context, appointmentID string, sequence []domain.ReminderSpec) ([]ReminderScheduleResult, error) {
	if _, err := s.CancelRemindersForAppointment(ctx, appointmentID); err != nil {
		return nil, err
	}
	return s.ScheduleRemindersForAppointment(ctx, appointmentID, sequence)
}

// ProcessDueReminders claims due reminders and sends them through the
// orchestrator. Reminders whose appointment has since become irrelevant are
// skipped terminally rather than failed.
func (s *ReminderScheduler) ProcessDueReminders(ctx context.Context) (SweepStats, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var stats SweepStats
	due, err := s.reminders.ListDue(ctx, s.now().UTC(), reminderBatchSize)
	if err != nil {
		return stats, fmt.Errorf("failed to fetch due reminders: %w", err)
	}
	stats.Scanned = len(due)

	for i := range due {
		rem := due[i]

		claimed, err := s.reminders.MarkSending(ctx, rem.ID)
		if err != nil {
			s.logger.Error("failed to claim reminder",
				zap.String("reminderId", rem.ID),
				zap.Error(err),
			)
			stats.Skipped++
			continue
		}
		if !claimed {
			stats.Skipped++
			continue
		}
		rem.Status = domain.ReminderStatusSending

		result, err := s.processClaimedReminder(ctx, &rem)
		if err != nil {
			s.logger.Error("reminder processing failed",
				zap.String("reminderId", rem.ID),
				zap.Error(err),
			)
			stats.Failed++
			continue
		}
		s.countReminderResult(&stats, result)
	}

	return stats, nil
}

// RetryFailedReminders re-claims FAILED reminders whose backoff window has
// elapsed and runs them through the same send path as the due sweep.
func (s *ReminderScheduler) RetryFailedReminders(ctx context.Context) (SweepStats, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var stats SweepStats
	candidates, err := s.reminders.ListRetryable(ctx, retryBatchSize)
	if err != nil {
		return stats, fmt.Errorf("failed to fetch retryable reminders: %w", err)
	}
	stats.Scanned = len(candidates)

	now := s.now().UTC()
	for i := range candidates {
		rem := candidates[i]

		if now.Before(rem.UpdatedAt.Add(retryBackoff(rem.RetryCount))) {
			stats.Skipped++
			continue
		}

		claimed, err := s.reminders.ClaimForRetry(ctx, rem.ID, rem.RetryCount)
		if err != nil {
			s.logger.Error("failed to claim reminder for retry",
				zap.String("reminderId", rem.ID),
				zap.Error(err),
			)
			stats.Skipped++
			continue
		}
		if !claimed {
			stats.Skipped++
			continue
		}
		rem.Status = domain.ReminderStatusSending
		rem.RetryCount++

		result, err := s.processClaimedReminder(ctx, &rem)
		if err != nil {
			s.logger.Error("reminder retry failed",
				zap.String("reminderId", rem.ID),
				zap.Error(err),
			)
			stats.Failed++
			continue
		}
		s.countReminderResult(&stats, result)
	}

	return stats, nil
}

// ProcessConfirmationResponse applies a patient's reply to the appointment:
// CONFIRMED marks it confirmed, DECLINED cancels it and cascades the
// cancellation to the remaining reminders. The response is annotated on the
// newest confirmation reminder either way.
func (s *ReminderScheduler) ProcessConfirmationResponse(ctx context.Context, appointmentID string, response domain.ConfirmationResponse, rawText string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(appointmentID) == "" {
		return fmt.Errorf("%w: appointment id is required", domain.ErrValidation)
	}
	if !response.IsValid() {
		return fmt.Errorf("%w: invalid confirmation response %q", domain.ErrValidation, response)
	}

	appointmentID = strings.TrimSpace(appointmentID)
	now := s.now().UTC()

	var statusErr error
	switch response {
	case domain.ConfirmationConfirmed:
		statusErr = s.appointments.MarkConfirmed(ctx, appointmentID, now)
	case domain.ConfirmationDeclined:
		statusErr = s.appointments.Cancel(ctx, appointmentID)
		if statusErr == nil {
			if _, err := s.reminders.CancelActiveByAppointment(ctx, appointmentID); err != nil {
				return err
			}
		}
	}
	if statusErr != nil && !errors.Is(statusErr, domain.ErrConflict) {
		return statusErr
	}

	rem, err := s.reminders.FindLatestConfirmation(ctx, appointmentID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.logger.Debug("no confirmation reminder to annotate",
			zap.String("appointmentId", appointmentID),
		)
	case err != nil:
		return err
	default:
		if err := s.reminders.SetResponse(ctx, rem.ID, response, now); err != nil {
			return err
		}
	}

	s.logger.Info("confirmation response processed",
		zap.String("appointmentId", appointmentID),
		zap.String("response", response.String()),
		zap.String("rawText", rawText),
	)

	return statusErr
}

// HandleInboundReply resolves which appointment a patient's SMS reply refers
// to: the confirmation reminder most recently sent to them that still awaits
// a response. Replies with nothing pending are ignored.
func (s *ReminderScheduler) HandleInboundReply(ctx context.Context, patientID string, response domain.ConfirmationResponse, rawText string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	rem, err := s.reminders.FindAwaitingResponse(ctx, patientID, s.now().UTC().Add(-conversationWindow))
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.Debug("inbound reply with no confirmation pending",
			zap.String("patientId", patientID),
		)
		return nil
	}
	if err != nil {
		return err
	}

	return s.ProcessConfirmationResponse(ctx, rem.AppointmentID, response, rawText)
}

// processClaimedReminder runs the skip checks and the send for one reminder
// already claimed as SENDING, and returns the terminal result label.
func (s *ReminderScheduler) processClaimedReminder(ctx context.Context, rem *domain.AppointmentReminder) (string, error) {
	appt, err := s.appointments.GetByID(ctx, rem.AppointmentID)
	if errors.Is(err, domain.ErrNotFound) {
		return s.skipReminder(ctx, rem, "appointment no longer exists")
	}
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	switch {
	case !appt.Status.IsRemindable():
		return s.skipReminder(ctx, rem, fmt.Sprintf("appointment is %s", appt.Status))
	case appt.StartTime.Before(now):
		return s.skipReminder(ctx, rem, "appointment time has passed")
	case rem.Type == domain.ReminderTypeFinal && appt.Status == domain.AppointmentStatusConfirmed:
		return s.skipReminder(ctx, rem, "appointment already confirmed")
	}

	patient, err := s.patients.GetByID(ctx, rem.PatientID)
	if errors.Is(err, domain.ErrNotFound) {
		return s.failReminder(ctx, rem, domain.NewSendError(domain.ErrCodePatientNotFound, "patient not found", false))
	}
	if err != nil {
		return "", err
	}

	content := reminderTemplateFor(rem.Type, rem.Channel)
	vars := reminderVariables(appt, patient)
	subject := template.Render(content.Subject, vars)
	body := template.Render(content.Body, vars)

	outcome, err := s.sender.SendMessage(ctx, SendMessageInput{
		ClinicID:      rem.ClinicID,
		PatientID:     rem.PatientID,
		Channel:       rem.Channel,
		Subject:       subject,
		Body:          body,
		CorrelationID: rem.ID,
	})
	if err != nil {
		if markErr := s.reminders.MarkFailed(ctx, rem.ID, err.Error(), rem.RetryCount); markErr != nil {
			return "", markErr
		}
		if s.metrics != nil {
			s.metrics.IncReminderProcessed("failed")
		}
		return "failed", nil
	}
	if !outcome.Success {
		return s.failReminder(ctx, rem, outcome.Error)
	}

	if err := s.reminders.MarkSent(ctx, rem.ID, outcome.Message.ID, body, s.now().UTC()); err != nil {
		return "", err
	}
	if s.metrics != nil {
		s.metrics.IncReminderProcessed("sent")
	}
	s.logger.Info("reminder sent",
		zap.String("reminderId", rem.ID),
		zap.String("messageId", outcome.Message.ID),
		zap.String("type", rem.Type.String()),
		zap.String("channel", channelLabel(rem.Channel)),
	)

	return "sent", nil
}

func (s *ReminderScheduler) skipReminder(ctx context.Context, rem *domain.AppointmentReminder, reason string) (string, error) {
	if err := s.reminders.MarkSkipped(ctx, rem.ID, reason); err != nil {
		return "", err
	}
	if s.metrics != nil {
		s.metrics.IncReminderProcessed("skipped")
	}
	s.logger.Info("reminder skipped",
		zap.String("reminderId", rem.ID),
		zap.String("reason", reason),
	)
	return "skipped", nil
}

func (s *ReminderScheduler) failReminder(ctx context.Context, rem *domain.AppointmentReminder, sendErr *domain.SendError) (string, error) {
	count := rem.RetryCount
	if sendErr != nil && !sendErr.Retryable {
		count = domain.MaxSendRetries
	}

	message := "send failed"
	if sendErr != nil {
		message = sendErr.Error()
	}

	if err := s.reminders.MarkFailed(ctx, rem.ID, message, count); err != nil {
		return "", err
	}
	if s.metrics != nil {
		s.metrics.IncReminderProcessed("failed")
	}
	s.logger.Warn("reminder send failed",
		zap.String("reminderId", rem.ID),
		zap.String("error", message),
		zap.Int("retryCount", count),
	)
	return "failed", nil
}

func (s *ReminderScheduler) countReminderResult(stats *SweepStats, result string) {
	switch result {
	case "sent":
		stats.Sent++
	case "failed":
		stats.Failed++
	default:
		stats.Skipped++
	}
}

type reminderContent struct {
	Subject string
	Body    string
}

// reminderTemplateFor returns the built-in content for a reminder type and
// channel. Email gets a subject and a longer body; SMS and push share the
// short single-line form.
func reminderTemplateFor(remType domain.ReminderType, channel domain.Channel) reminderContent {
	if channel == domain.ChannelEmail {
		switch remType {
		case domain.ReminderTypeConfirmation:
			return reminderContent{
				Subject: "Please confirm your appointment on {{appointment_date}}",
				Body: "Hi {{patient_first_name}},\n\n" +
					"You have an appointment with {{clinician_name}} on {{appointment_date}} at {{appointment_time}} at {{location_name}}.\n\n" +
					"Please reply YES to confirm or NO to cancel.\n\n" +
					"Thank you",
			}
		case domain.ReminderTypeFinal:
			return reminderContent{
				Subject: "Your appointment today at {{appointment_time}}",
				Body: "Hi {{patient_first_name}},\n\n" +
					"This is a final reminder of your appointment with {{clinician_name}} today at {{appointment_time}} at {{location_name}}.\n\n" +
					"See you soon",
			}
		case domain.ReminderTypeFirstVisit:
			return reminderContent{
				Subject: "Welcome! Your first visit on {{appointment_date}}",
				Body: "Hi {{patient_first_name}},\n\n" +
					"We look forward to welcoming you on {{appointment_date}} at {{appointment_time}} at {{location_name}}.\n\n" +
					"Please arrive 15 minutes early to complete registration, and bring a photo ID and your insurance card.\n\n" +
					"Thank you",
			}
		case domain.ReminderTypePreVisit:
			return reminderContent{
				Subject: "Preparing for your visit on {{appointment_date}}",
				Body: "Hi {{patient_first_name}},\n\n" +
					"Your visit with {{clinician_name}} is coming up on {{appointment_date}} at {{appointment_time}}.\n\n" +
					"Please arrive 10 minutes early and bring your insurance card.\n\n" +
					"Thank you",
			}
		case domain.ReminderTypeFollowUp:
			return reminderContent{
				Subject: "Follow-up visit on {{appointment_date}}",
				Body: "Hi {{patient_first_name}},\n\n" +
					"This is a reminder of your follow-up visit with {{clinician_name}} on {{appointment_date}} at {{appointment_time}} at {{location_name}}.\n\n" +
					"Thank you",
			}
		}
		return reminderContent{
			Subject: "Appointment reminder: {{appointment_date}} at {{appointment_time}}",
			Body: "Hi {{patient_first_name}},\n\n" +
				"This is a reminder of your appointment with {{clinician_name}} on {{appointment_date}} at {{appointment_time}} at {{location_name}}.\n\n" +
				"Thank you",
		}
	}

	switch remType {
	case domain.ReminderTypeConfirmation:
		return reminderContent{
			Body: "Hi {{patient_first_name}}, you have an appointment with {{clinician_name}} on {{appointment_date}} at {{appointment_time}}. Reply YES to confirm or NO to cancel.",
		}
	case domain.ReminderTypeFinal:
		return reminderContent{
			Body: "Hi {{patient_first_name}}, see you today at {{appointment_time}} with {{clinician_name}} at {{location_name}}.",
		}
	case domain.ReminderTypeFirstVisit:
		return reminderContent{
			Body: "Hi {{patient_first_name}}, welcome! Your first visit is on {{appointment_date}} at {{appointment_time}} at {{location_name}}. Please arrive 15 minutes early to register.",
		}
	case domain.ReminderTypePreVisit:
		return reminderContent{
			Body: "Hi {{patient_first_name}}, your visit with {{clinician_name}} is on {{appointment_date}} at {{appointment_time}}. Please arrive 10 minutes early.",
		}
	case domain.ReminderTypeFollowUp:
		return reminderContent{
			Body: "Hi {{patient_first_name}}, reminder of your follow-up with {{clinician_name}} on {{appointment_date}} at {{appointment_time}}.",
		}
	}
	return reminderContent{
		Body: "Hi {{patient_first_name}}, reminder of your appointment with {{clinician_name}} on {{appointment_date}} at {{appointment_time}} at {{location_name}}.",
	}
}

func reminderVariables(appt *domain.Appointment, patient *domain.Patient) map[string]string {
	return map[string]string{
		"patient_first_name": patient.FirstName,
		"patient_name":       patient.FullName(),
		"clinician_name":     appt.ClinicianName,
		"location_name":      appt.LocationName,
		"appointment_date":   appt.StartTime.Format("Monday, January 2"),
		"appointment_time":   appt.StartTime.Format("3:04 PM"),
	}
}
