package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carebridge/comms-engine/internal/domain"
	"gorm.io/gorm"
)

type ReminderRepository interface {
	Create(ctx context.Context, rem *domain.AppointmentReminder) error
	GetByID(ctx context.Context, id string) (*domain.AppointmentReminder, error)
	ListByAppointment(ctx context.Context, appointmentID string) ([]domain.AppointmentReminder, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.AppointmentReminder, error)
	MarkSending(ctx context.Context, id string) (bool, error)
	MarkSent(ctx context.Context, id, messageID, content string, at time.Time) error
	MarkDeliveredByMessage(ctx context.Context, messageID string, at time.Time) error
	MarkFailed(ctx context.Context, id, errorMessage string, retryCount int) error
	MarkSkipped(ctx context.Context, id, reason string) error
	CancelActiveByAppointment(ctx context.Context, appointmentID string) (int64, error)
	ListRetryable(ctx context.Context, limit int) ([]domain.AppointmentReminder, error)
	ClaimForRetry(ctx context.Context, id string, expectedRetryCount int) (bool, error)
	SetResponse(ctx context.Context, id string, response domain.ConfirmationResponse, at time.Time) error
	FindAwaitingResponse(ctx context.Context, patientID string, since time.Time) (*domain.AppointmentReminder, error)
	FindLatestConfirmation(ctx context.Context, appointmentID string) (*domain.AppointmentReminder, error)
}

type GormReminderRepo struct {
	db *gorm.DB
}

func NewGormReminderRepo(db *gorm.DB) *GormReminderRepo {
	return &GormReminderRepo{db: db}
}

// Create inserts a reminder. The partial unique index on
// (appointment_id, channel, scheduled_for) over active rows turns a
// duplicate schedule request into ErrConflict.
func (r *GormReminderRepo) Create(ctx context.Context, rem *domain.AppointmentReminder) error {
	model := reminderModelFromDomain(rem)
	err := r.db.WithContext(ctx).Create(model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: reminder already scheduled for this slot", domain.ErrConflict)
	}
	if err != nil {
		return err
	}
	if rem != nil {
		*rem = *reminderModelToDomain(model)
	}
	return nil
}

func (r *GormReminderRepo) GetByID(ctx context.Context, id string) (*domain.AppointmentReminder, error) {
	var model AppointmentReminderModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return reminderModelToDomain(&model), nil
}

func (r *GormReminderRepo) ListByAppointment(ctx context.Context, appointmentID string) ([]domain.AppointmentReminder, error) {
	var models []AppointmentReminderModel
	err := r.db.WithContext(ctx).
		Where("appointment_id = ?", appointmentID).
		Order("scheduled_for ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return remindersToDomain(models), nil
}

func (r *GormReminderRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.AppointmentReminder, error) {
	var models []AppointmentReminderModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_for <= ?", domain.ReminderStatusScheduled, now).
		Order("scheduled_for ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return remindersToDomain(models), nil
}

// MarkSending claims one due reminder for processing. Overlapping sweeps
// race on this update; only the winner proceeds.
func (r *GormReminderRepo) MarkSending(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&AppointmentReminderModel{}).
		Where("id = ? AND status = ?", id, domain.ReminderStatusScheduled).
		Update("status", domain.ReminderStatusSending)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *GormReminderRepo) MarkSent(ctx context.Context, id, messageID, content string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&AppointmentReminderModel{}).
		Where("id = ? AND status = ?", id, domain.ReminderStatusSending).
		Updates(map[string]any{
			"status":        domain.ReminderStatusSent,
			"message_id":    messageID,
			"sent_content":  content,
			"sent_at":       at,
			"error_message": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

// MarkDeliveredByMessage promotes the reminder tied to a delivered message.
// Most messages have no owning reminder, so zero affected rows is normal.
func (r *GormReminderRepo) MarkDeliveredByMessage(ctx context.Context, messageID string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&AppointmentReminderModel{}).
		Where("message_id = ? AND status = ?", messageID, domain.ReminderStatusSent).
		Updates(map[string]any{
			"status":       domain.ReminderStatusDelivered,
			"delivered_at": at,
		}).Error
}

func (r *GormReminderRepo) MarkFailed(ctx context.Context, id, errorMessage string, retryCount int) error {
	result := r.db.WithContext(ctx).
		Model(&AppointmentReminderModel{}).
		Where("id = ? AND status = ?", id, domain.ReminderStatusSending).
		Updates(map[string]any{
			"status":        domain.ReminderStatusFailed,
			"error_message": errorMessage,
			"retry_count":   retryCount,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormReminderRepo) MarkSkipped(ctx context.Context, id, reason string) error {
	result := r.db.WithContext(ctx).
		Model(&AppointmentReminderModel{}).
		Where("id = ? AND status = ?", id, domain.ReminderStatusSending).
		Updates(map[string]any{
			"status":        domain.ReminderStatusSkipped,
			"error_message": reason,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormReminderRepo) CancelActiveByAppointment(ctx context.Context, appointmentID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&AppointmentReminderModel{}).
		Where("appointment_id = ? AND status IN ?", appointmentID, domain.ActiveReminderStatuses()).
		Update("status", domain.ReminderStatusCancelled)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *GormReminderRepo) ListRetryable(ctx context.Context, limit int) ([]domain.AppointmentReminder, error) {
	var models []AppointmentReminderModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND retry_count < ?", domain.ReminderStatusFailed, domain.MaxSendRetries).
		Order("updated_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return remindersToDomain(models), nil
}

func (r *GormReminderRepo) ClaimForRetry(ctx context.Context, id string, expectedRetryCount int) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&AppointmentReminderModel{}).
		Where("id = ? AND status = ? AND retry_count = ?", id, domain.ReminderStatusFailed, expectedRetryCount).
		Updates(map[string]any{
			"status":        domain.ReminderStatusSending,
			"retry_count":   expectedRetryCount + 1,
			"error_message": nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *GormReminderRepo) SetResponse(ctx context.Context, id string, response domain.ConfirmationResponse, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&AppointmentReminderModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"response_type": response,
			"response_at":   at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// FindAwaitingResponse locates the confirmation reminder a patient's inbound
// reply most plausibly answers: the most recently touched one without a
// recorded response inside the conversation window.
func (r *GormReminderRepo) FindAwaitingResponse(ctx context.Context, patientID string, since time.Time) (*domain.AppointmentReminder, error) {
	var model AppointmentReminderModel
	err := r.db.WithContext(ctx).
		Where("patient_id = ? AND type = ? AND status IN ? AND response_type IS NULL AND updated_at >= ?",
			patientID, domain.ReminderTypeConfirmation,
			[]domain.ReminderStatus{domain.ReminderStatusSent, domain.ReminderStatusDelivered},
			since).
		Order("updated_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return reminderModelToDomain(&model), nil
}

// FindLatestConfirmation returns the newest confirmation reminder for an
// appointment regardless of status, so a patient response can be recorded on
// it even after delivery.
func (r *GormReminderRepo) FindLatestConfirmation(ctx context.Context, appointmentID string) (*domain.AppointmentReminder, error) {
	var model AppointmentReminderModel
	err := r.db.WithContext(ctx).
		Where("appointment_id = ? AND type = ?", appointmentID, domain.ReminderTypeConfirmation).
		Order("created_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return reminderModelToDomain(&model), nil
}

func remindersToDomain(models []AppointmentReminderModel) []domain.AppointmentReminder {
	reminders := make([]domain.AppointmentReminder, 0, len(models))
	for i := range models {
		reminders = append(reminders, *reminderModelToDomain(&models[i]))
	}
	return reminders
}
