package repository

import (
	"context"
	"errors"
	"time"

	"github.com/carebridge/comms-engine/internal/domain"
	"gorm.io/gorm"
)

type AppointmentRepository interface {
	Create(ctx context.Context, a *domain.Appointment) error
	GetByID(ctx context.Context, id string) (*domain.Appointment, error)
	MarkConfirmed(ctx context.Context, id string, at time.Time) error
	Cancel(ctx context.Context, id string) error
}

type GormAppointmentRepo struct {
	db *gorm.DB
}

func NewGormAppointmentRepo(db *gorm.DB) *GormAppointmentRepo {
	return &GormAppointmentRepo{db: db}
}

func (r *GormAppointmentRepo) Create(ctx context.Context, a *domain.Appointment) error {
	model := appointmentModelFromDomain(a)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if a != nil {
		*a = *appointmentModelToDomain(model)
	}
	return nil
}

func (r *GormAppointmentRepo) GetByID(ctx context.Context, id string) (*domain.Appointment, error) {
	var model AppointmentModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return appointmentModelToDomain(&model), nil
}

// MarkConfirmed records a patient confirmation. Re-confirming is a no-op that
// keeps the original confirmation time; an appointment that has since been
// cancelled or completed reports ErrConflict.
func (r *GormAppointmentRepo) MarkConfirmed(ctx context.Context, id string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&AppointmentModel{}).
		Where("id = ? AND status IN ?", id,
			[]domain.AppointmentStatus{domain.AppointmentStatusScheduled, domain.AppointmentStatusConfirmed}).
		Updates(map[string]any{
			"status":       domain.AppointmentStatusConfirmed,
			"confirmed_at": gorm.Expr("COALESCE(confirmed_at, ?)", at),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormAppointmentRepo) Cancel(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&AppointmentModel{}).
		Where("id = ? AND status IN ?", id,
			[]domain.AppointmentStatus{domain.AppointmentStatusScheduled, domain.AppointmentStatusConfirmed}).
		Update("status", domain.AppointmentStatusCancelled)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}
