package domain

import (
	"fmt"
	"strings"
	"time"
)

// AppointmentStatus represents the scheduling state of an appointment.
type AppointmentStatus string

const (
	AppointmentStatusScheduled AppointmentStatus = "SCHEDULED"
	AppointmentStatusConfirmed AppointmentStatus = "CONFIRMED"
	AppointmentStatusCancelled AppointmentStatus = "CANCELLED"
	AppointmentStatusCompleted AppointmentStatus = "COMPLETED"
	AppointmentStatusNoShow    AppointmentStatus = "NO_SHOW"
)

func (s AppointmentStatus) String() string { return string(s) }

func (s AppointmentStatus) IsValid() bool {
	switch s {
	case AppointmentStatusScheduled, AppointmentStatusConfirmed,
		AppointmentStatusCancelled, AppointmentStatusCompleted, AppointmentStatusNoShow:
		return true
	}
	return false
}

// IsRemindable reports whether reminders may be scheduled or sent for an
// appointment in this state.
func (s AppointmentStatus) IsRemindable() bool {
	return s == AppointmentStatusScheduled || s == AppointmentStatusConfirmed
}

func ParseAppointmentStatusFromString(s string) (AppointmentStatus, error) {
	st := AppointmentStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid appointment status %q", ErrValidation, s)
	}
	return st, nil
}

// Appointment is the scheduling context reminders are derived from.
// Clinician and location names are denormalized onto the row so reminder
// content can be rendered without reaching into upstream systems.
type Appointment struct {
	ID            string
	ClinicID      string
	PatientID     string
	ClinicianName string
	LocationName  string
	StartTime     time.Time
	EndTime       time.Time
	Status        AppointmentStatus
	ConfirmedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Patient holds the contact points messages are addressed to.
type Patient struct {
	ID          string
	ClinicID    string
	FirstName   string
	LastName    string
	Phone       string
	Email       string
	DeviceToken string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (p *Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// ContactFor returns the patient's address for a channel. In-app messages are
// addressed by patient id since they never leave the system.
func (p *Patient) ContactFor(channel Channel) (string, bool) {
	switch channel {
	case ChannelSMS:
		return p.Phone, p.Phone != ""
	case ChannelEmail:
		return p.Email, p.Email != ""
	case ChannelPush:
		return p.DeviceToken, p.DeviceToken != ""
	case ChannelInApp:
		return p.ID, p.ID != ""
	}
	return "", false
}
