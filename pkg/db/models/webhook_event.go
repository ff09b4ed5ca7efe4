package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/vaultpay/wallet-backend/pkg/enums"
)

// WebhookEvent stores every verified provider notification. The unique index
// on external_event_id is the dedup boundary, and the processed/attempt
// columns make the table double as the durable retry queue.
type WebhookEvent struct {
	ID              uuid.UUID              `gorm:"column:id;type:uuid;primaryKey"`
	ExternalEventID string                 `gorm:"column:external_event_id;not null;uniqueIndex:ux_webhook_events_external_event_id"`
	EventType       enums.WebhookEventType `gorm:"column:event_type;not null"`
	ExternalRef     string                 `gorm:"column:external_ref;not null;index"`
	Payload         json.RawMessage        `gorm:"column:payload;type:jsonb;not null"`
	Signature       string                 `gorm:"column:signature;not null;default:''"`
	Processed       bool                   `gorm:"column:processed;not null;default:false"`
	ProcessedAt     *time.Time             `gorm:"column:processed_at"`
	DeadLettered    bool                   `gorm:"column:dead_lettered;not null;default:false"`
	AttemptCount    int                    `gorm:"column:attempt_count;not null;default:0"`
	NextAttemptAt   *time.Time             `gorm:"column:next_attempt_at;index"`
	LastError       *string                `gorm:"column:last_error"`
	ReceivedAt      time.Time              `gorm:"column:received_at;autoCreateTime"`
	UpdatedAt       time.Time              `gorm:"column:updated_at;autoUpdateTime"`
}
