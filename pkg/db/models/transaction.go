package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/vaultpay/wallet-backend/pkg/enums"
)

// Transaction records a deposit or withdrawal through its lifecycle.
type Transaction struct {
	ID            uuid.UUID               `gorm:"column:id;type:uuid;primaryKey"`
	AccountID     uuid.UUID               `gorm:"column:account_id;type:uuid;not null;index"`
	Kind          enums.TransactionKind   `gorm:"column:kind;type:transaction_kind;not null"`
	Status        enums.TransactionStatus `gorm:"column:status;type:transaction_status;not null;default:'pending'"`
	AmountCents   int64                   `gorm:"column:amount_cents;not null"`
	Currency      string                  `gorm:"column:currency;not null;default:'usd'"`
	ExternalRef   *string                 `gorm:"column:external_ref;index"`
	FailureReason *string                 `gorm:"column:failure_reason"`
	CreatedAt     time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}
