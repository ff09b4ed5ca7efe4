package ledger

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vaultpay/wallet-backend/pkg/db/models"
	"github.com/vaultpay/wallet-backend/pkg/enums"
	pkgerrors "github.com/vaultpay/wallet-backend/pkg/errors"
	"github.com/vaultpay/wallet-backend/pkg/pagination"
	"gorm.io/gorm"
)

// Service exposes the balance-moving operations. Every mutation runs inside a
// single database transaction so a transaction row and its account balance can
// never disagree. All mutations are idempotent per transaction id: a terminal
// transaction absorbs repeated applications as no-ops.
type Service interface {
	// WithTx returns a Service whose operations join the caller's open
	// transaction instead of opening their own.
	WithTx(tx *gorm.DB) Service

	CreateAccount(ctx context.Context, input CreateAccountInput) (*models.Account, error)
	GetBalance(ctx context.Context, accountID uuid.UUID) (*models.Account, error)

	CreatePendingTransaction(ctx context.Context, input CreateTransactionInput) (*models.Transaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	GetTransactionByExternalRef(ctx context.Context, ref string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, input ListTransactionsInput) (*TransactionPage, error)
	SetExternalRef(ctx context.Context, id uuid.UUID, ref string) error
	ListStuckProcessing(ctx context.Context, input ListStuckInput) ([]models.Transaction, error)

	// BeginProcessing records the provider's reference and, for transactions
	// still pending, moves them to processing in the same atomic unit.
	BeginProcessing(ctx context.Context, txnID uuid.UUID, externalRef string) error
	// ReserveAndDebit holds a withdrawal's funds: the amount leaves the
	// balance and the transaction moves pending -> processing.
	ReserveAndDebit(ctx context.Context, txnID uuid.UUID) error
	// Credit applies a completed deposit: balance grows by the amount and the
	// transaction moves to completed.
	Credit(ctx context.Context, txnID uuid.UUID) error
	// Settle finishes a withdrawal whose funds were already reserved: the
	// transaction moves processing -> completed with no balance change.
	Settle(ctx context.Context, txnID uuid.UUID) error
	// Refund reverses a failed withdrawal's reservation: the amount returns
	// to the balance and the transaction moves to failed.
	Refund(ctx context.Context, txnID uuid.UUID, reason string) error
	// Fail marks a transaction failed with no balance change, covering failed
	// deposits and withdrawals rejected before any funds moved.
	Fail(ctx context.Context, txnID uuid.UUID, reason string) error
}

// TxRunner runs a function inside a database transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type service struct {
	repo Repository
	txr  TxRunner
}

// CreateAccountInput seeds a new wallet account.
type CreateAccountInput struct {
	OwnerName           string
	Currency            string
	InitialBalanceCents int64
}

// CreateTransactionInput opens a pending deposit or withdrawal.
type CreateTransactionInput struct {
	AccountID   uuid.UUID
	Kind        enums.TransactionKind
	AmountCents int64
	Currency    string
}

// ListStuckInput bounds the stuck-transaction scan used by reconciliation.
type ListStuckInput struct {
	OlderThan time.Time
	Limit     int
}

// ListTransactionsInput pages through an account's history, newest first.
type ListTransactionsInput struct {
	AccountID uuid.UUID
	Limit     int
	Cursor    string
}

// TransactionPage is one page of history plus the cursor for the next one.
type TransactionPage struct {
	Transactions []models.Transaction
	NextCursor   string
}

// NewService wires a ledger service with the provided repository and
// transaction runner.
func NewService(repo Repository, txr TxRunner) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if txr == nil {
		return nil, fmt.Errorf("ledger tx runner required")
	}
	return &service{repo: repo, txr: txr}, nil
}

func (s *service) WithTx(tx *gorm.DB) Service {
	if tx == nil {
		return s
	}
	return &service{repo: s.repo.WithTx(tx)}
}

// atomically runs fn inside a transaction, or directly when this service
// already joined one via WithTx.
func (s *service) atomically(ctx context.Context, fn func(repo Repository) error) error {
	if s.txr == nil {
		return fn(s.repo)
	}
	return s.txr.WithTx(ctx, func(tx *gorm.DB) error {
		return fn(s.repo.WithTx(tx))
	})
}

func (s *service) CreateAccount(ctx context.Context, input CreateAccountInput) (*models.Account, error) {
	if input.OwnerName == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "owner name is required")
	}
	if input.InitialBalanceCents < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "initial balance cannot be negative")
	}
	currency := string(enums.DefaultCurrency)
	if input.Currency != "" {
		parsed, err := enums.ParseCurrency(input.Currency)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unsupported currency")
		}
		currency = string(parsed)
	}

	account := &models.Account{
		ID:           uuid.New(),
		OwnerName:    input.OwnerName,
		BalanceCents: input.InitialBalanceCents,
		Currency:     currency,
	}
	if err := s.repo.CreateAccount(ctx, account); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "creating account")
	}
	return account, nil
}

func (s *service) GetBalance(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	if accountID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "account id is required")
	}
	account, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, asLookupError(err, "account not found")
	}
	return account, nil
}

func (s *service) CreatePendingTransaction(ctx context.Context, input CreateTransactionInput) (*models.Transaction, error) {
	if input.AccountID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "account id is required")
	}
	if !input.Kind.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid transaction kind %q", input.Kind))
	}
	if input.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}

	account, err := s.repo.GetAccount(ctx, input.AccountID)
	if err != nil {
		return nil, asLookupError(err, "account not found")
	}

	currency := input.Currency
	if currency == "" {
		currency = account.Currency
	} else if !enums.Currency(currency).IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unsupported currency %q", currency))
	}

	txn := &models.Transaction{
		ID:          uuid.New(),
		AccountID:   account.ID,
		Kind:        input.Kind,
		Status:      enums.TransactionStatusPending,
		AmountCents: input.AmountCents,
		Currency:    currency,
	}
	if err := s.repo.CreateTransaction(ctx, txn); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "creating transaction")
	}
	return txn, nil
}

func (s *service) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "transaction id is required")
	}
	txn, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, asLookupError(err, "transaction not found")
	}
	return txn, nil
}

func (s *service) GetTransactionByExternalRef(ctx context.Context, ref string) (*models.Transaction, error) {
	if ref == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "external ref is required")
	}
	txn, err := s.repo.GetTransactionByExternalRef(ctx, ref)
	if err != nil {
		return nil, asLookupError(err, "transaction not found")
	}
	return txn, nil
}

func (s *service) ListTransactions(ctx context.Context, input ListTransactionsInput) (*TransactionPage, error) {
	if input.AccountID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "account id is required")
	}
	if _, err := s.repo.GetAccount(ctx, input.AccountID); err != nil {
		return nil, asLookupError(err, "account not found")
	}
	cursor, err := pagination.ParseCursor(input.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}

	limit := pagination.NormalizeLimit(input.Limit)
	rows, err := s.repo.ListTransactions(ctx, input.AccountID, cursor, pagination.LimitWithBuffer(input.Limit))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "listing transactions")
	}

	page := &TransactionPage{Transactions: rows}
	if len(rows) > limit {
		last := rows[limit-1]
		page.Transactions = rows[:limit]
		page.NextCursor = pagination.EncodeCursor(pagination.Cursor{
			CreatedAt: last.CreatedAt,
			ID:        last.ID,
		})
	}
	return page, nil
}

func (s *service) SetExternalRef(ctx context.Context, id uuid.UUID, ref string) error {
	if id == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "transaction id is required")
	}
	if ref == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "external ref is required")
	}
	if err := s.repo.SetExternalRef(ctx, id, ref); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "storing external ref")
	}
	return nil
}

func (s *service) ListStuckProcessing(ctx context.Context, input ListStuckInput) ([]models.Transaction, error) {
	txns, err := s.repo.ListStuckProcessing(ctx, input.OlderThan, input.Limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "listing stuck transactions")
	}
	return txns, nil
}

func (s *service) BeginProcessing(ctx context.Context, txnID uuid.UUID, externalRef string) error {
	if externalRef == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "external ref is required")
	}
	return s.atomically(ctx, func(repo Repository) error {
		txn, err := repo.GetTransaction(ctx, txnID)
		if err != nil {
			return asLookupError(err, "transaction not found")
		}
		if txn.Status.IsTerminal() {
			return pkgerrors.New(pkgerrors.CodeStateConflict,
				fmt.Sprintf("transaction already %s", txn.Status))
		}
		if txn.Status == enums.TransactionStatusPending {
			swapped, err := repo.CASStatus(ctx, txn.ID,
				enums.TransactionStatusPending.String(),
				enums.TransactionStatusProcessing.String(), nil)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "updating transaction status")
			}
			if !swapped {
				return pkgerrors.New(pkgerrors.CodeLockTimeout, "transaction changed concurrently")
			}
		}
		if err := repo.SetExternalRef(ctx, txn.ID, externalRef); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "storing external ref")
		}
		return nil
	})
}

func (s *service) ReserveAndDebit(ctx context.Context, txnID uuid.UUID) error {
	return s.atomically(ctx, func(repo Repository) error {
		txn, err := repo.GetTransaction(ctx, txnID)
		if err != nil {
			return asLookupError(err, "transaction not found")
		}
		if txn.Kind != enums.TransactionKindWithdrawal {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "only withdrawals reserve funds")
		}
		if txn.Status == enums.TransactionStatusProcessing {
			// Reservation already holds.
			return nil
		}
		if txn.Status.IsTerminal() {
			return pkgerrors.New(pkgerrors.CodeStateConflict,
				fmt.Sprintf("transaction already %s", txn.Status))
		}

		debited, err := repo.DebitIfSufficient(ctx, txn.AccountID, txn.AmountCents)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "debiting balance")
		}
		if !debited {
			return pkgerrors.New(pkgerrors.CodeInsufficientFunds, "balance below withdrawal amount").
				WithDetails(map[string]any{
					"account_id":   txn.AccountID.String(),
					"amount_cents": txn.AmountCents,
				})
		}

		swapped, err := repo.CASStatus(ctx, txn.ID,
			enums.TransactionStatusPending.String(),
			enums.TransactionStatusProcessing.String(), nil)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "updating transaction status")
		}
		if !swapped {
			// Lost the race to another writer; the rollback undoes the debit.
			return pkgerrors.New(pkgerrors.CodeLockTimeout, "transaction changed concurrently")
		}
		return nil
	})
}

func (s *service) Credit(ctx context.Context, txnID uuid.UUID) error {
	return s.atomically(ctx, func(repo Repository) error {
		txn, err := repo.GetTransaction(ctx, txnID)
		if err != nil {
			return asLookupError(err, "transaction not found")
		}
		if txn.Kind != enums.TransactionKindDeposit {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "only deposits credit on completion")
		}
		if txn.Status.IsTerminal() {
			return nil
		}

		if err := repo.CreditBalance(ctx, txn.AccountID, txn.AmountCents); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "crediting balance")
		}
		return s.swapOrRetry(ctx, repo, txn.ID, txn.Status, enums.TransactionStatusCompleted, nil)
	})
}

func (s *service) Settle(ctx context.Context, txnID uuid.UUID) error {
	return s.atomically(ctx, func(repo Repository) error {
		txn, err := repo.GetTransaction(ctx, txnID)
		if err != nil {
			return asLookupError(err, "transaction not found")
		}
		if txn.Kind != enums.TransactionKindWithdrawal {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "only withdrawals settle")
		}
		if txn.Status.IsTerminal() {
			return nil
		}
		if txn.Status != enums.TransactionStatusProcessing {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "withdrawal completed before funds were reserved")
		}
		return s.swapOrRetry(ctx, repo, txn.ID, txn.Status, enums.TransactionStatusCompleted, nil)
	})
}

func (s *service) Refund(ctx context.Context, txnID uuid.UUID, reason string) error {
	return s.atomically(ctx, func(repo Repository) error {
		txn, err := repo.GetTransaction(ctx, txnID)
		if err != nil {
			return asLookupError(err, "transaction not found")
		}
		if txn.Kind != enums.TransactionKindWithdrawal {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "only withdrawals refund")
		}
		if txn.Status.IsTerminal() {
			return nil
		}
		if txn.Status != enums.TransactionStatusProcessing {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "no reservation to refund")
		}

		if err := repo.CreditBalance(ctx, txn.AccountID, txn.AmountCents); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "restoring balance")
		}
		return s.swapOrRetry(ctx, repo, txn.ID, txn.Status, enums.TransactionStatusFailed, &reason)
	})
}

func (s *service) Fail(ctx context.Context, txnID uuid.UUID, reason string) error {
	return s.atomically(ctx, func(repo Repository) error {
		txn, err := repo.GetTransaction(ctx, txnID)
		if err != nil {
			return asLookupError(err, "transaction not found")
		}
		if txn.Status.IsTerminal() {
			return nil
		}
		if txn.Kind == enums.TransactionKindWithdrawal && txn.Status == enums.TransactionStatusProcessing {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "reserved withdrawals must refund, not fail")
		}
		return s.swapOrRetry(ctx, repo, txn.ID, txn.Status, enums.TransactionStatusFailed, &reason)
	})
}

// swapOrRetry flips the status from its observed value. A miss means another
// writer got there first; surfacing a retryable error rolls the unit back so
// the caller can re-apply against the fresh state.
func (s *service) swapOrRetry(ctx context.Context, repo Repository, id uuid.UUID, from, to enums.TransactionStatus, reason *string) error {
	swapped, err := repo.CASStatus(ctx, id, from.String(), to.String(), reason)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "updating transaction status")
	}
	if !swapped {
		return pkgerrors.New(pkgerrors.CodeLockTimeout, "transaction changed concurrently")
	}
	return nil
}

func asLookupError(err error, msg string) error {
	if stdErrors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, msg)
	}
	return pkgerrors.Wrap(pkgerrors.CodeInternal, err, msg)
}
