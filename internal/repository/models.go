package repository

import (
	"time"

	"github.com/carebridge/comms-engine/internal/domain"
)

// MessageModel is the persistence model for the messages table.
type MessageModel struct {
	ID             string         `gorm:"type:uuid;primaryKey"`
	ClinicID       string         `gorm:"type:uuid;not null"`
	PatientID      string         `gorm:"type:uuid;not null"`
	CampaignID     *string        `gorm:"type:uuid"`
	ConversationID *string        `gorm:"type:varchar(64)"`
	CorrelationID  string               `gorm:"type:varchar(36);not null"`
	Channel        domain.Channel       `gorm:"type:varchar(10);not null"`
	Direction      domain.Direction     `gorm:"type:varchar(10);not null"`
	ToAddress      string               `gorm:"type:varchar(255)"`
	Subject        *string              `gorm:"type:varchar(255)"`
	Body           string               `gorm:"type:text;not null"`
	HTMLBody       *string              `gorm:"type:text"`
	Status         domain.MessageStatus `gorm:"type:varchar(12);not null"`
	RetryCount     int                  `gorm:"not null;default:0"`
	ErrorMessage   *string `gorm:"type:text"`
	ScheduledAt    *time.Time
	SentAt         *time.Time
	DeliveredAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (MessageModel) TableName() string {
	return "messages"
}

// MessageDeliveryModel is the persistence model for message_deliveries.
// One row per provider attempt; webhook updates land on the attempt they
// reference.
type MessageDeliveryModel struct {
	ID                string                `gorm:"type:uuid;primaryKey"`
	MessageID         string                `gorm:"type:uuid;not null"`
	Provider          string                `gorm:"type:varchar(20);not null"`
	ProviderMessageID *string               `gorm:"type:varchar(255)"`
	Status            domain.DeliveryStatus `gorm:"type:varchar(15);not null"`
	StatusDetails     *string               `gorm:"type:text"`
	RawPayload        *string `gorm:"type:text"`
	SentAt            *time.Time
	DeliveredAt       *time.Time
	OpenedAt          *time.Time
	ClickedAt         *time.Time
	BouncedAt         *time.Time
	FailedAt          *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (MessageDeliveryModel) TableName() string {
	return "message_deliveries"
}

// AppointmentReminderModel is the persistence model for appointment_reminders.
type AppointmentReminderModel struct {
	ID            string         `gorm:"type:uuid;primaryKey"`
	ClinicID      string         `gorm:"type:uuid;not null"`
	AppointmentID string         `gorm:"type:uuid;not null"`
	PatientID     string         `gorm:"type:uuid;not null"`
	Channel       domain.Channel               `gorm:"type:varchar(10);not null"`
	Type          domain.ReminderType          `gorm:"type:varchar(15);not null"`
	Status        domain.ReminderStatus        `gorm:"type:varchar(12);not null"`
	ScheduledFor  time.Time                    `gorm:"not null"`
	SentContent   *string                      `gorm:"type:text"`
	MessageID     *string                      `gorm:"type:uuid"`
	SentAt        *time.Time
	DeliveredAt   *time.Time
	ResponseType  *domain.ConfirmationResponse `gorm:"type:varchar(10)"`
	ResponseAt    *time.Time
	RetryCount    int     `gorm:"not null;default:0"`
	ErrorMessage  *string `gorm:"type:text"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (AppointmentReminderModel) TableName() string {
	return "appointment_reminders"
}

// AppointmentModel is the persistence model for appointments. Clinician and
// location names are denormalized so reminder content never needs a join.
type AppointmentModel struct {
	ID            string `gorm:"type:uuid;primaryKey"`
	ClinicID      string `gorm:"type:uuid;not null"`
	PatientID     string `gorm:"type:uuid;not null"`
	ClinicianName string    `gorm:"type:varchar(120)"`
	LocationName  string    `gorm:"type:varchar(160)"`
	StartTime     time.Time `gorm:"not null"`
	EndTime       time.Time
	Status        domain.AppointmentStatus `gorm:"type:varchar(12);not null"`
	ConfirmedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (AppointmentModel) TableName() string {
	return "appointments"
}

// PatientModel is the persistence model for patients.
type PatientModel struct {
	ID          string `gorm:"type:uuid;primaryKey"`
	ClinicID    string `gorm:"type:uuid;not null"`
	FirstName   string `gorm:"type:varchar(80)"`
	LastName    string `gorm:"type:varchar(80)"`
	Phone       string `gorm:"type:varchar(20)"`
	Email       string `gorm:"type:varchar(255)"`
	DeviceToken string `gorm:"type:varchar(255)"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (PatientModel) TableName() string {
	return "patients"
}

// MessageTemplateModel is the persistence model for message_templates.
type MessageTemplateModel struct {
	ID           string `gorm:"type:uuid;primaryKey"`
	ClinicID     string `gorm:"type:uuid;not null"`
	Name         string `gorm:"type:varchar(120);not null"`
	SMSBody      string `gorm:"type:text"`
	EmailSubject string `gorm:"type:varchar(255)"`
	EmailBody    string `gorm:"type:text"`
	EmailHTML    string `gorm:"type:text"`
	PushTitle    string `gorm:"type:varchar(140)"`
	PushBody     string `gorm:"type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (MessageTemplateModel) TableName() string {
	return "message_templates"
}

func messageModelFromDomain(m *domain.Message) *MessageModel {
	if m == nil {
		return nil
	}

	return &MessageModel{
		ID:             m.ID,
		ClinicID:       m.ClinicID,
		PatientID:      m.PatientID,
		CampaignID:     m.CampaignID,
		ConversationID: m.ConversationID,
		CorrelationID:  m.CorrelationID,
		Channel:        m.Channel,
		Direction:      m.Direction,
		ToAddress:      m.ToAddress,
		Subject:        m.Subject,
		Body:           m.Body,
		HTMLBody:       m.HTMLBody,
		Status:         m.Status,
		RetryCount:     m.RetryCount,
		ErrorMessage:   m.ErrorMessage,
		ScheduledAt:    m.ScheduledAt,
		SentAt:         m.SentAt,
		DeliveredAt:    m.DeliveredAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func messageModelToDomain(m *MessageModel) *domain.Message {
	if m == nil {
		return nil
	}

	return &domain.Message{
		ID:             m.ID,
		ClinicID:       m.ClinicID,
		PatientID:      m.PatientID,
		CampaignID:     m.CampaignID,
		ConversationID: m.ConversationID,
		CorrelationID:  m.CorrelationID,
		Channel:        m.Channel,
		Direction:      m.Direction,
		ToAddress:      m.ToAddress,
		Subject:        m.Subject,
		Body:           m.Body,
		HTMLBody:       m.HTMLBody,
		Status:         m.Status,
		RetryCount:     m.RetryCount,
		ErrorMessage:   m.ErrorMessage,
		ScheduledAt:    m.ScheduledAt,
		SentAt:         m.SentAt,
		DeliveredAt:    m.DeliveredAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func deliveryModelFromDomain(d *domain.MessageDelivery) *MessageDeliveryModel {
	if d == nil {
		return nil
	}

	return &MessageDeliveryModel{
		ID:                d.ID,
		MessageID:         d.MessageID,
		Provider:          d.Provider,
		ProviderMessageID: d.ProviderMessageID,
		Status:            d.Status,
		StatusDetails:     d.StatusDetails,
		RawPayload:        d.RawPayload,
		SentAt:            d.SentAt,
		DeliveredAt:       d.DeliveredAt,
		OpenedAt:          d.OpenedAt,
		ClickedAt:         d.ClickedAt,
		BouncedAt:         d.BouncedAt,
		FailedAt:          d.FailedAt,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}

func deliveryModelToDomain(m *MessageDeliveryModel) *domain.MessageDelivery {
	if m == nil {
		return nil
	}

	return &domain.MessageDelivery{
		ID:                m.ID,
		MessageID:         m.MessageID,
		Provider:          m.Provider,
		ProviderMessageID: m.ProviderMessageID,
		Status:            m.Status,
		StatusDetails:     m.StatusDetails,
		RawPayload:        m.RawPayload,
		SentAt:            m.SentAt,
		DeliveredAt:       m.DeliveredAt,
		OpenedAt:          m.OpenedAt,
		ClickedAt:         m.ClickedAt,
		BouncedAt:         m.BouncedAt,
		FailedAt:          m.FailedAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func reminderModelFromDomain(r *domain.AppointmentReminder) *AppointmentReminderModel {
	if r == nil {
		return nil
	}

	return &AppointmentReminderModel{
		ID:            r.ID,
		ClinicID:      r.ClinicID,
		AppointmentID: r.AppointmentID,
		PatientID:     r.PatientID,
		Channel:       r.Channel,
		Type:          r.Type,
		Status:        r.Status,
		ScheduledFor:  r.ScheduledFor,
		SentContent:   r.SentContent,
		MessageID:     r.MessageID,
		SentAt:        r.SentAt,
		DeliveredAt:   r.DeliveredAt,
		ResponseType:  r.ResponseType,
		ResponseAt:    r.ResponseAt,
		RetryCount:    r.RetryCount,
		ErrorMessage:  r.ErrorMessage,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func reminderModelToDomain(m *AppointmentReminderModel) *domain.AppointmentReminder {
	if m == nil {
		return nil
	}

	return &domain.AppointmentReminder{
		ID:            m.ID,
		ClinicID:      m.ClinicID,
		AppointmentID: m.AppointmentID,
		PatientID:     m.PatientID,
		Channel:       m.Channel,
		Type:          m.Type,
		Status:        m.Status,
		ScheduledFor:  m.ScheduledFor,
		SentContent:   m.SentContent,
		MessageID:     m.MessageID,
		SentAt:        m.SentAt,
		DeliveredAt:   m.DeliveredAt,
		ResponseType:  m.ResponseType,
		ResponseAt:    m.ResponseAt,
		RetryCount:    m.RetryCount,
		ErrorMessage:  m.ErrorMessage,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func appointmentModelFromDomain(a *domain.Appointment) *AppointmentModel {
	if a == nil {
		return nil
	}

	return &AppointmentModel{
		ID:            a.ID,
		ClinicID:      a.ClinicID,
		PatientID:     a.PatientID,
		ClinicianName: a.ClinicianName,
		LocationName:  a.LocationName,
		StartTime:     a.StartTime,
		EndTime:       a.EndTime,
		Status:        a.Status,
		ConfirmedAt:   a.ConfirmedAt,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func appointmentModelToDomain(m *AppointmentModel) *domain.Appointment {
	if m == nil {
		return nil
	}

	return &domain.Appointment{
		ID:            m.ID,
		ClinicID:      m.ClinicID,
		PatientID:     m.PatientID,
		ClinicianName: m.ClinicianName,
		LocationName:  m.LocationName,
		StartTime:     m.StartTime,
		EndTime:       m.EndTime,
		Status:        m.Status,
		ConfirmedAt:   m.ConfirmedAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func patientModelFromDomain(p *domain.Patient) *PatientModel {
	if p == nil {
		return nil
	}

	return &PatientModel{
		ID:          p.ID,
		ClinicID:    p.ClinicID,
		FirstName:   p.FirstName,
		LastName:    p.LastName,
		Phone:       p.Phone,
		Email:       p.Email,
		DeviceToken: p.DeviceToken,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func patientModelToDomain(m *PatientModel) *domain.Patient {
	if m == nil {
		return nil
	}

	return &domain.Patient{
		ID:          m.ID,
		ClinicID:    m.ClinicID,
		FirstName:   m.FirstName,
		LastName:    m.LastName,
		Phone:       m.Phone,
		Email:       m.Email,
		DeviceToken: m.DeviceToken,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func templateModelFromDomain(tpl *domain.MessageTemplate) *MessageTemplateModel {
	if tpl == nil {
		return nil
	}

	return &MessageTemplateModel{
		ID:           tpl.ID,
		ClinicID:     tpl.ClinicID,
		Name:         tpl.Name,
		SMSBody:      tpl.SMSBody,
		EmailSubject: tpl.EmailSubject,
		EmailBody:    tpl.EmailBody,
		EmailHTML:    tpl.EmailHTML,
		PushTitle:    tpl.PushTitle,
		PushBody:     tpl.PushBody,
		CreatedAt:    tpl.CreatedAt,
		UpdatedAt:    tpl.UpdatedAt,
	}
}

func templateModelToDomain(m *MessageTemplateModel) *domain.MessageTemplate {
	if m == nil {
		return nil
	}

	return &domain.MessageTemplate{
		ID:           m.ID,
		ClinicID:     m.ClinicID,
		Name:         m.Name,
		SMSBody:      m.SMSBody,
		EmailSubject: m.EmailSubject,
		EmailBody:    m.EmailBody,
		EmailHTML:    m.EmailHTML,
		PushTitle:    m.PushTitle,
		PushBody:     m.PushBody,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}
