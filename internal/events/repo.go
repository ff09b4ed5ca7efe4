package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/vaultpay/wallet-backend/pkg/db"
	"github.com/vaultpay/wallet-backend/pkg/db/models"
	"gorm.io/gorm"
)

// Repository persists webhook events. The processed/attempt columns on the
// event row are the durable retry queue; nothing about scheduling lives in
// memory.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	// InsertIfAbsent stores the event unless its external id was already
	// seen, reporting whether a row was created.
	InsertIfAbsent(ctx context.Context, event *models.WebhookEvent) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error)
	GetByExternalEventID(ctx context.Context, externalEventID string) (*models.WebhookEvent, error)

	// ListDue returns unprocessed, non-dead-lettered events whose next
	// attempt time has passed (or was never set), oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.WebhookEvent, error)

	// MarkProcessed flips the processed flag only when the event is still
	// unprocessed, reporting whether this caller won the flip.
	MarkProcessed(ctx context.Context, id uuid.UUID) (bool, error)
	ScheduleRetry(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, lastError string) error
	MarkDeadLettered(ctx context.Context, id uuid.UUID, lastError string) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns an event repository bound to the provided database.
func NewRepository(gdb *gorm.DB) Repository {
	return &repository{db: gdb}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) InsertIfAbsent(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		if db.IsUniqueViolation(err, "") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := r.db.WithContext(ctx).First(&event, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *repository) GetByExternalEventID(ctx context.Context, externalEventID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := r.db.WithContext(ctx).First(&event, "external_event_id = ?", externalEventID).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *repository) ListDue(ctx context.Context, now time.Time, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	query := r.db.WithContext(ctx).
		Where("processed = ?", false).
		Where("dead_lettered = ?", false).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
		Order("received_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repository) MarkProcessed(ctx context.Context, id uuid.UUID) (bool, error) {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("id = ? AND processed = ? AND dead_lettered = ?", id, false, false).
		Updates(map[string]any{
			"processed":    true,
			"processed_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repository) ScheduleRetry(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, lastError string) error {
	return r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempt_count":   gorm.Expr("attempt_count + 1"),
			"next_attempt_at": nextAttemptAt,
			"last_error":      lastError,
		}).Error
}

func (r *repository) MarkDeadLettered(ctx context.Context, id uuid.UUID, lastError string) error {
	return r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"dead_lettered": true,
			"last_error":    lastError,
		}).Error
}
