package domain

import (
	"fmt"
	"strings"
	"time"
)

// ReminderType distinguishes the purpose of an appointment reminder.
type ReminderType string

const (
	ReminderTypeStandard     ReminderType = "STANDARD"
	ReminderTypeConfirmation ReminderType = "CONFIRMATION"
	ReminderTypeFinal        ReminderType = "FINAL"
	ReminderTypePreVisit     ReminderType = "PRE_VISIT"
	ReminderTypeFirstVisit   ReminderType = "FIRST_VISIT"
	ReminderTypeFollowUp     ReminderType = "FOLLOW_UP"
)

func (t ReminderType) String() string { return string(t) }

func (t ReminderType) IsValid() bool {
	switch t {
	case ReminderTypeStandard, ReminderTypeConfirmation, ReminderTypeFinal,
		ReminderTypePreVisit, ReminderTypeFirstVisit, ReminderTypeFollowUp:
		return true
	}
	return false
}

func ParseReminderTypeFromString(s string) (ReminderType, error) {
	rt := ReminderType(strings.ToUpper(strings.TrimSpace(s)))
	if !rt.IsValid() {
		return "", fmt.Errorf("%w: invalid reminder type %q", ErrValidation, s)
	}
	return rt, nil
}

// ReminderStatus represents the lifecycle state of a reminder. SENDING marks
// a reminder claimed by a sweep so overlapping runs cannot process it twice.
type ReminderStatus string

const (
	ReminderStatusScheduled ReminderStatus = "SCHEDULED"
	ReminderStatusSending   ReminderStatus = "SENDING"
	ReminderStatusSent      ReminderStatus = "SENT"
	ReminderStatusDelivered ReminderStatus = "DELIVERED"
	ReminderStatusFailed    ReminderStatus = "FAILED"
	ReminderStatusCancelled ReminderStatus = "CANCELLED"
	ReminderStatusSkipped   ReminderStatus = "SKIPPED"
)

func (s ReminderStatus) String() string { return string(s) }

func (s ReminderStatus) IsValid() bool {
	switch s {
	case ReminderStatusScheduled, ReminderStatusSending, ReminderStatusSent,
		ReminderStatusDelivered, ReminderStatusFailed, ReminderStatusCancelled,
		ReminderStatusSkipped:
		return true
	}
	return false
}

func (s ReminderStatus) IsTerminal() bool {
	switch s {
	case ReminderStatusSent, ReminderStatusDelivered, ReminderStatusCancelled, ReminderStatusSkipped:
		return true
	}
	return false
}

// ActiveReminderStatuses are the states a reminder can still fire from.
// They bound both duplicate detection and cancellation; FAILED reminders are
// picked up separately by the retry sweep.
func ActiveReminderStatuses() []ReminderStatus {
	return []ReminderStatus{ReminderStatusScheduled, ReminderStatusSending}
}

// ConfirmationResponse is a patient's reply to a confirmation reminder.
type ConfirmationResponse string

const (
	ConfirmationConfirmed ConfirmationResponse = "CONFIRMED"
	ConfirmationDeclined  ConfirmationResponse = "DECLINED"
)

func (r ConfirmationResponse) String() string { return string(r) }

func (r ConfirmationResponse) IsValid() bool {
	return r == ConfirmationConfirmed || r == ConfirmationDeclined
}

func ParseConfirmationResponseFromString(s string) (ConfirmationResponse, error) {
	cr := ConfirmationResponse(strings.ToUpper(strings.TrimSpace(s)))
	if !cr.IsValid() {
		return "", fmt.Errorf("%w: invalid confirmation response %q", ErrValidation, s)
	}
	return cr, nil
}

// AppointmentReminder is one planned reminder send for an appointment.
type AppointmentReminder struct {
	ID            string
	ClinicID      string
	AppointmentID string
	PatientID     string
	Channel       Channel
	Type          ReminderType
	Status        ReminderStatus
	ScheduledFor  time.Time
	SentContent   *string
	MessageID     *string
	SentAt        *time.Time
	DeliveredAt   *time.Time
	ResponseType  *ConfirmationResponse
	ResponseAt    *time.Time
	RetryCount    int
	ErrorMessage  *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ReminderSpec describes one entry of a reminder sequence relative to the
// appointment start time.
type ReminderSpec struct {
	HoursBefore int
	Channel     Channel
	Type        ReminderType
}

func (s ReminderSpec) Validate() error {
	if s.HoursBefore <= 0 {
		return fmt.Errorf("%w: hoursBefore must be positive", ErrValidation)
	}
	if !s.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, s.Channel)
	}
	if !s.Type.IsValid() {
		return fmt.Errorf("%w: invalid reminder type %q", ErrValidation, s.Type)
	}
	return nil
}

// DefaultReminderSequence is the standard cadence applied when an appointment
// is scheduled without an explicit sequence: an email two days out, an SMS
// confirmation request the day before, and a final SMS two hours ahead.
// FINAL reminders are skipped at send time once the patient has confirmed.
func DefaultReminderSequence() []ReminderSpec {
	return []ReminderSpec{
		{HoursBefore: 48, Channel: ChannelEmail, Type: ReminderTypeStandard},
		{HoursBefore: 24, Channel: ChannelSMS, Type: ReminderTypeConfirmation},
		{HoursBefore: 2, Channel: ChannelSMS, Type: ReminderTypeFinal},
	}
}
