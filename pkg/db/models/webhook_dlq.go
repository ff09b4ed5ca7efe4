package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/vaultpay/wallet-backend/pkg/enums"
)

// WebhookDLQ captures events that exhausted their retries or failed
// permanently, for auditing and manual remediation.
type WebhookDLQ struct {
	ID              uuid.UUID              `gorm:"column:id;type:uuid;primaryKey"`
	EventID         uuid.UUID              `gorm:"column:event_id;type:uuid;not null"`
	ExternalEventID string                 `gorm:"column:external_event_id;not null"`
	EventType       enums.WebhookEventType `gorm:"column:event_type;not null"`
	Payload         json.RawMessage        `gorm:"column:payload_json;type:jsonb;not null"`
	ErrorReason     enums.WebhookDLQReason `gorm:"column:error_reason;not null"`
	ErrorMessage    *string                `gorm:"column:error_message"`
	AttemptCount    int                    `gorm:"column:attempt_count;not null;default:0"`
	FailedAt        time.Time              `gorm:"column:failed_at;autoCreateTime"`
	CreatedAt       time.Time              `gorm:"column:created_at;autoCreateTime"`
}
