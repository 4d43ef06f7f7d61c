package repository

import (
	"context"
	"errors"
	"time"

	"github.com/carebridge/comms-engine/internal/domain"
	"gorm.io/gorm"
)

type DeliveryRepository interface {
	Create(ctx context.Context, d *domain.MessageDelivery) error
	GetByProviderMessageID(ctx context.Context, provider, providerMessageID string) (*domain.MessageDelivery, error)
	LatestByMessageID(ctx context.Context, messageID string) (*domain.MessageDelivery, error)
	ListByMessageID(ctx context.Context, messageID string) ([]domain.MessageDelivery, error)
	MarkSent(ctx context.Context, id, providerMessageID string, at time.Time) error
	MarkFailed(ctx context.Context, id, details string, at time.Time) error
	ApplyWebhookStatus(ctx context.Context, id string, status domain.DeliveryStatus, details *string, at time.Time, rawPayload string) error
}

type GormDeliveryRepo struct {
	db *gorm.DB
}

func NewGormDeliveryRepo(db *gorm.DB) *GormDeliveryRepo {
	return &GormDeliveryRepo{db: db}
}

func (r *GormDeliveryRepo) Create(ctx context.Context, d *domain.MessageDelivery) error {
	model := deliveryModelFromDomain(d)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if d != nil {
		*d = *deliveryModelToDomain(model)
	}
	return nil
}

func (r *GormDeliveryRepo) GetByProviderMessageID(ctx context.Context, provider, providerMessageID string) (*domain.MessageDelivery, error) {
	var model MessageDeliveryModel
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_message_id = ?", provider, providerMessageID).
		Order("created_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return deliveryModelToDomain(&model), nil
}

func (r *GormDeliveryRepo) LatestByMessageID(ctx context.Context, messageID string) (*domain.MessageDelivery, error) {
	var model MessageDeliveryModel
	err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("created_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return deliveryModelToDomain(&model), nil
}

func (r *GormDeliveryRepo) ListByMessageID(ctx context.Context, messageID string) ([]domain.MessageDelivery, error) {
	var models []MessageDeliveryModel
	err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	deliveries := make([]domain.MessageDelivery, 0, len(models))
	for i := range models {
		deliveries = append(deliveries, *deliveryModelToDomain(&models[i]))
	}

	return deliveries, nil
}

func (r *GormDeliveryRepo) MarkSent(ctx context.Context, id, providerMessageID string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&MessageDeliveryModel{}).
		Where("id = ? AND status = ?", id, domain.DeliveryStatusPending).
		Updates(map[string]any{
			"status":              domain.DeliveryStatusSent,
			"provider_message_id": providerMessageID,
			"sent_at":             at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormDeliveryRepo) MarkFailed(ctx context.Context, id, details string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&MessageDeliveryModel{}).
		Where("id = ? AND status = ?", id, domain.DeliveryStatusPending).
		Updates(map[string]any{
			"status":         domain.DeliveryStatusFailed,
			"status_details": details,
			"failed_at":      at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

// deliveryTimestampColumn maps a delivery status to the column stamped when a
// callback first reports it.
func deliveryTimestampColumn(status domain.DeliveryStatus) (string, bool) {
	switch status {
	case domain.DeliveryStatusSent:
		return "sent_at", true
	case domain.DeliveryStatusDelivered:
		return "delivered_at", true
	case domain.DeliveryStatusOpened:
		return "opened_at", true
	case domain.DeliveryStatusClicked:
		return "clicked_at", true
	case domain.DeliveryStatusBounced:
		return "bounced_at", true
	case domain.DeliveryStatusFailed:
		return "failed_at", true
	}
	return "", false
}

// ApplyWebhookStatus records a provider callback on the delivery. The guard
// on the current status keeps late or replayed callbacks from rewinding the
// record; timestamp columns are stamped once and kept on replay.
func (r *GormDeliveryRepo) ApplyWebhookStatus(ctx context.Context, id string, status domain.DeliveryStatus, details *string, at time.Time, rawPayload string) error {
	sources := status.AdvanceSources()
	if len(sources) == 0 {
		return domain.ErrValidation
	}

	updates := map[string]any{
		"status":      status,
		"raw_payload": rawPayload,
	}
	if details != nil {
		updates["status_details"] = *details
	}
	if column, ok := deliveryTimestampColumn(status); ok {
		updates[column] = gorm.Expr("COALESCE("+column+", ?)", at)
	}

	result := r.db.WithContext(ctx).
		Model(&MessageDeliveryModel{}).
		Where("id = ? AND status IN ?", id, sources).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}
