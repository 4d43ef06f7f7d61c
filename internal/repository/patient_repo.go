package repository

import (
	"context"
	"errors"

	"github.com/carebridge/comms-engine/internal/domain"
	"gorm.io/gorm"
)

type PatientRepository interface {
	Create(ctx context.Context, p *domain.Patient) error
	GetByID(ctx context.Context, id string) (*domain.Patient, error)
	FindByPhoneSuffix(ctx context.Context, suffix string) ([]domain.Patient, error)
}

type GormPatientRepo struct {
	db *gorm.DB
}

func NewGormPatientRepo(db *gorm.DB) *GormPatientRepo {
	return &GormPatientRepo{db: db}
}

func (r *GormPatientRepo) Create(ctx context.Context, p *domain.Patient) error {
	model := patientModelFromDomain(p)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if p != nil {
		*p = *patientModelToDomain(model)
	}
	return nil
}

func (r *GormPatientRepo) GetByID(ctx context.Context, id string) (*domain.Patient, error) {
	var model PatientModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return patientModelToDomain(&model), nil
}

// FindByPhoneSuffix matches patients whose stored phone number ends with the
// given digits. Stored numbers vary in formatting (country codes, leading
// zeros), so inbound senders are matched on the trailing digits only. All
// matches are returned; the caller decides how to treat ambiguity.
func (r *GormPatientRepo) FindByPhoneSuffix(ctx context.Context, suffix string) ([]domain.Patient, error) {
	var models []PatientModel
	err := r.db.WithContext(ctx).
		Where("phone LIKE ?", "%"+suffix).
		Order("updated_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	patients := make([]domain.Patient, 0, len(models))
	for i := range models {
		patients = append(patients, *patientModelToDomain(&models[i]))
	}

	return patients, nil
}
