package provider

import (
	"context"

	"github.com/google/uuid"
)

// Status is the provider-side view of a payment or payout.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Client connects the wallet to the external payment provider. Calls are
// plain network requests with no transactional guarantees; the ledger treats
// every response as advisory until a verified webhook or reconciliation poll
// confirms it.
type Client interface {
	CreateDeposit(ctx context.Context, input DepositRequest) (*Result, error)
	CreateWithdrawal(ctx context.Context, input WithdrawalRequest) (*Result, error)
	GetStatus(ctx context.Context, externalRef string) (Status, error)
}

// DepositRequest asks the provider to collect funds from the user's
// payment method.
type DepositRequest struct {
	TransactionID string
	AmountCents   int64
	Currency      string
}

// WithdrawalRequest asks the provider to push reserved funds out to the
// user's payout destination.
type WithdrawalRequest struct {
	TransactionID string
	AmountCents   int64
	Currency      string
	Destination   string
}

// Result carries the provider's reference for a newly created operation.
type Result struct {
	ExternalRef string
	Status      Status
}

// Static simulates a provider that accepts everything. It backs local
// development and the orchestration tests.
type Static struct {
	statuses map[string]Status
}

// NewStatic returns a Static provider with an empty status registry.
func NewStatic() *Static {
	return &Static{statuses: map[string]Status{}}
}

func (s *Static) CreateDeposit(_ context.Context, _ DepositRequest) (*Result, error) {
	ref := uuid.NewString()
	s.statuses[ref] = StatusPending
	return &Result{ExternalRef: ref, Status: StatusPending}, nil
}

func (s *Static) CreateWithdrawal(_ context.Context, _ WithdrawalRequest) (*Result, error) {
	ref := uuid.NewString()
	s.statuses[ref] = StatusPending
	return &Result{ExternalRef: ref, Status: StatusPending}, nil
}

func (s *Static) GetStatus(_ context.Context, externalRef string) (Status, error) {
	if status, ok := s.statuses[externalRef]; ok {
		return status, nil
	}
	return StatusPending, nil
}

// SetStatus overrides the reported status for a reference.
func (s *Static) SetStatus(externalRef string, status Status) {
	s.statuses[externalRef] = status
}
