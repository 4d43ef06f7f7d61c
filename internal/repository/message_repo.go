package repository

import (
	"context"
	"errors"
	"time"

	"github.com/carebridge/comms-engine/internal/domain"
	"gorm.io/gorm"
)

type MessageListParams struct {
	Status         *domain.MessageStatus
	Channel        *domain.Channel
	Direction      *domain.Direction
	ClinicID       *string
	PatientID      *string
	ConversationID *string
	From           *time.Time
	To             *time.Time
	Page           int
	PageSize       int
}

type MessageRepository interface {
	Create(ctx context.Context, m *domain.Message) error
	GetByID(ctx context.Context, id string) (*domain.Message, error)
	List(ctx context.Context, params MessageListParams) ([]domain.Message, int64, error)
	AdvanceStatus(ctx context.Context, id string, target domain.MessageStatus, at time.Time, reason *string) error
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, errorMessage string, retryCount int) error
	ClaimScheduled(ctx context.Context, id string) (bool, error)
	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Message, error)
	ListRetryable(ctx context.Context, limit int) ([]domain.Message, error)
	ClaimForRetry(ctx context.Context, id string, expectedRetryCount int) (bool, error)
	FindRecentConversation(ctx context.Context, patientID string, channel domain.Channel, since time.Time) (*domain.Message, error)
}

type GormMessageRepo struct {
	db *gorm.DB
}

func NewGormMessageRepo(db *gorm.DB) *GormMessageRepo {
	return &GormMessageRepo{db: db}
}

func (r *GormMessageRepo) Create(ctx context.Context, m *domain.Message) error {
	model := messageModelFromDomain(m)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if m != nil {
		*m = *messageModelToDomain(model)
	}
	return nil
}

func (r *GormMessageRepo) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	var model MessageModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return messageModelToDomain(&model), nil
}

func (r *GormMessageRepo) List(ctx context.Context, params MessageListParams) ([]domain.Message, int64, error) {
	query := r.db.WithContext(ctx).Model(&MessageModel{})

	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Channel != nil {
		query = query.Where("channel = ?", *params.Channel)
	}
	if params.Direction != nil {
		query = query.Where("direction = ?", *params.Direction)
	}
	if params.ClinicID != nil {
		query = query.Where("clinic_id = ?", *params.ClinicID)
	}
	if params.PatientID != nil {
		query = query.Where("patient_id = ?", *params.PatientID)
	}
	if params.ConversationID != nil {
		query = query.Where("conversation_id = ?", *params.ConversationID)
	}
	if params.From != nil {
		query = query.Where("created_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("created_at <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []MessageModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	messages := make([]domain.Message, 0, len(models))
	for i := range models {
		messages = append(messages, *messageModelToDomain(&models[i]))
	}

	return messages, total, nil
}

// AdvanceStatus moves a message forward in its lifecycle. The guard on the
// current status makes the update a no-op for replayed or out-of-order
// events; those surface as ErrConflict.
func (r *GormMessageRepo) AdvanceStatus(ctx context.Context, id string, target domain.MessageStatus, at time.Time, reason *string) error {
	prior := target.PriorStatuses()
	if len(prior) == 0 {
		return domain.ErrConflict
	}

	updates := map[string]any{"status": target}
	switch target {
	case domain.MessageStatusSent:
		updates["sent_at"] = at
	case domain.MessageStatusDelivered:
		updates["delivered_at"] = at
	}
	if reason != nil {
		updates["error_message"] = *reason
	}

	result := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id = ? AND status IN ?", id, prior).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormMessageRepo) MarkSent(ctx context.Context, id string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id = ? AND status = ?", id, domain.MessageStatusPending).
		Updates(map[string]any{
			"status":        domain.MessageStatusSent,
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

func (r *GormMessageRepo) MarkFailed(ctx context.Context, id string, errorMessage string, retryCount int) error {
	result := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id = ? AND status = ?", id, domain.MessageStatusPending).
		Updates(map[string]any{
			"status":        domain.MessageStatusFailed,
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

// ClaimScheduled flips one due message from SCHEDULED to PENDING. The
// conditional update is what keeps overlapping sweeps from sending the same
// message twice.
func (r *GormMessageRepo) ClaimScheduled(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id = ? AND status = ?", id, domain.MessageStatusScheduled).
		Update("status", domain.MessageStatusPending)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *GormMessageRepo) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Message, error) {
	var models []MessageModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", domain.MessageStatusScheduled, now).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	messages := make([]domain.Message, 0, len(models))
	for i := range models {
		messages = append(messages, *messageModelToDomain(&models[i]))
	}

	return messages, nil
}

// ListRetryable returns FAILED outbound messages still under the retry cap.
// Only SMS and email are swept: push tokens that fail are near-always
// permanently invalid, and in-app needs no provider at all.
func (r *GormMessageRepo) ListRetryable(ctx context.Context, limit int) ([]domain.Message, error) {
	var models []MessageModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND direction = ? AND channel IN ? AND retry_count < ?",
			domain.MessageStatusFailed, domain.DirectionOutbound,
			[]domain.Channel{domain.ChannelSMS, domain.ChannelEmail}, domain.MaxSendRetries).
		Order("updated_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	messages := make([]domain.Message, 0, len(models))
	for i := range models {
		messages = append(messages, *messageModelToDomain(&models[i]))
	}

	return messages, nil
}

// ClaimForRetry reopens one FAILED message for another attempt. The retry
// count acts as a compare-and-swap token so two sweeps racing on the same
// message produce a single attempt.
func (r *GormMessageRepo) ClaimForRetry(ctx context.Context, id string, expectedRetryCount int) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id = ? AND status = ? AND retry_count = ?", id, domain.MessageStatusFailed, expectedRetryCount).
		Updates(map[string]any{
			"status":        domain.MessageStatusPending,
			"retry_count":   expectedRetryCount + 1,
			"error_message": nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *GormMessageRepo) FindRecentConversation(ctx context.Context, patientID string, channel domain.Channel, since time.Time) (*domain.Message, error) {
	var model MessageModel
	err := r.db.WithContext(ctx).
		Where("patient_id = ? AND channel = ? AND conversation_id IS NOT NULL AND created_at >= ?",
			patientID, channel, since).
		Order("created_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return messageModelToDomain(&model), nil
}
