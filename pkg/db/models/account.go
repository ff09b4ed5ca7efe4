package models

import (
	"time"

	"github.com/google/uuid"
)

// Account holds a wallet balance in integer cents. The balance only moves
// through guarded updates; it can never go below zero.
type Account struct {
	ID           uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	OwnerName    string    `gorm:"column:owner_name;not null"`
	BalanceCents int64     `gorm:"column:balance_cents;not null;default:0"`
	Currency     string    `gorm:"column:currency;not null;default:'usd'"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
