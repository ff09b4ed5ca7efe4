package payments

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/vaultpay/wallet-backend/internal/ledger"
	"github.com/vaultpay/wallet-backend/internal/provider"
	"github.com/vaultpay/wallet-backend/pkg/db/models"
	"github.com/vaultpay/wallet-backend/pkg/enums"
	pkgerrors "github.com/vaultpay/wallet-backend/pkg/errors"
	"github.com/vaultpay/wallet-backend/pkg/logger"
)

type ledgerService interface {
	CreateAccount(ctx context.Context, input ledger.CreateAccountInput) (*models.Account, error)
	GetBalance(ctx context.Context, accountID uuid.UUID) (*models.Account, error)
	CreatePendingTransaction(ctx context.Context, input ledger.CreateTransactionInput) (*models.Transaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	ListTransactions(ctx context.Context, input ledger.ListTransactionsInput) (*ledger.TransactionPage, error)
	BeginProcessing(ctx context.Context, txnID uuid.UUID, externalRef string) error
	ReserveAndDebit(ctx context.Context, txnID uuid.UUID) error
	Refund(ctx context.Context, txnID uuid.UUID, reason string) error
	Fail(ctx context.Context, txnID uuid.UUID, reason string) error
}

// Service orchestrates deposits and withdrawals against the provider. The
// ledger is the source of truth; provider calls happen outside any database
// transaction so a slow provider can never hold a lock.
type Service interface {
	CreateAccount(ctx context.Context, input CreateAccountInput) (*models.Account, error)
	GetBalance(ctx context.Context, accountID uuid.UUID) (*models.Account, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	ListTransactions(ctx context.Context, input ledger.ListTransactionsInput) (*ledger.TransactionPage, error)
	CreateDeposit(ctx context.Context, input CreateDepositInput) (*models.Transaction, error)
	CreateWithdrawal(ctx context.Context, input CreateWithdrawalInput) (*models.Transaction, error)
}

type service struct {
	ledger   ledgerService
	provider provider.Client
	logg     *logger.Logger
}

// CreateAccountInput opens a wallet account.
type CreateAccountInput struct {
	OwnerName           string
	Currency            string
	InitialBalanceCents int64
}

// CreateDepositInput starts a deposit; funds arrive on the completion event.
type CreateDepositInput struct {
	AccountID   uuid.UUID
	AmountCents int64
	Currency    string
}

// CreateWithdrawalInput starts a withdrawal; funds are reserved before the
// provider is asked to pay out.
type CreateWithdrawalInput struct {
	AccountID   uuid.UUID
	AmountCents int64
	Currency    string
	Destination string
}

// NewService wires the payment orchestrator.
func NewService(ledgerSvc ledgerService, providerClient provider.Client, logg *logger.Logger) (Service, error) {
	if ledgerSvc == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	if providerClient == nil {
		return nil, fmt.Errorf("provider client required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{ledger: ledgerSvc, provider: providerClient, logg: logg}, nil
}

func (s *service) CreateAccount(ctx context.Context, input CreateAccountInput) (*models.Account, error) {
	return s.ledger.CreateAccount(ctx, ledger.CreateAccountInput{
		OwnerName:           input.OwnerName,
		Currency:            input.Currency,
		InitialBalanceCents: input.InitialBalanceCents,
	})
}

func (s *service) GetBalance(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	return s.ledger.GetBalance(ctx, accountID)
}

func (s *service) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return s.ledger.GetTransaction(ctx, id)
}

func (s *service) ListTransactions(ctx context.Context, input ledger.ListTransactionsInput) (*ledger.TransactionPage, error) {
	return s.ledger.ListTransactions(ctx, input)
}

func (s *service) CreateDeposit(ctx context.Context, input CreateDepositInput) (*models.Transaction, error) {
	txn, err := s.ledger.CreatePendingTransaction(ctx, ledger.CreateTransactionInput{
		AccountID:   input.AccountID,
		Kind:        enums.TransactionKindDeposit,
		AmountCents: input.AmountCents,
		Currency:    input.Currency,
	})
	if err != nil {
		return nil, err
	}
	ctx = s.logg.WithTransactionID(ctx, txn.ID.String())

	result, err := s.provider.CreateDeposit(ctx, provider.DepositRequest{
		TransactionID: txn.ID.String(),
		AmountCents:   txn.AmountCents,
		Currency:      txn.Currency,
	})
	if err != nil {
		if failErr := s.ledger.Fail(ctx, txn.ID, "provider deposit creation failed"); failErr != nil {
			s.logg.Error(ctx, "payments.deposit.fail_mark", failErr)
		}
		return nil, providerCallError(err, "creating provider deposit")
	}

	if err := s.ledger.BeginProcessing(ctx, txn.ID, result.ExternalRef); err != nil {
		return nil, err
	}

	s.logg.Info(ctx, "payments.deposit.created")
	return s.ledger.GetTransaction(ctx, txn.ID)
}

func (s *service) CreateWithdrawal(ctx context.Context, input CreateWithdrawalInput) (*models.Transaction, error) {
	if input.Destination == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payout destination is required")
	}

	txn, err := s.ledger.CreatePendingTransaction(ctx, ledger.CreateTransactionInput{
		AccountID:   input.AccountID,
		Kind:        enums.TransactionKindWithdrawal,
		AmountCents: input.AmountCents,
		Currency:    input.Currency,
	})
	if err != nil {
		return nil, err
	}
	ctx = s.logg.WithTransactionID(ctx, txn.ID.String())

	if err := s.ledger.ReserveAndDebit(ctx, txn.ID); err != nil {
		if typed := pkgerrors.As(err); typed != nil && typed.Code() == pkgerrors.CodeInsufficientFunds {
			if failErr := s.ledger.Fail(ctx, txn.ID, "insufficient funds"); failErr != nil {
				s.logg.Error(ctx, "payments.withdrawal.fail_mark", failErr)
			}
		}
		return nil, err
	}

	// The reservation is committed; the provider call happens with no lock
	// held.
	result, err := s.provider.CreateWithdrawal(ctx, provider.WithdrawalRequest{
		TransactionID: txn.ID.String(),
		AmountCents:   txn.AmountCents,
		Currency:      txn.Currency,
		Destination:   input.Destination,
	})
	if err != nil {
		if refundErr := s.ledger.Refund(ctx, txn.ID, "provider payout creation failed"); refundErr != nil {
			// The reservation stays held; reconciliation cannot see this
			// transaction without an external ref, so it needs operator
			// attention.
			s.logg.Error(ctx, "payments.withdrawal.refund_failed", refundErr)
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, refundErr, "refunding failed withdrawal")
		}
		return nil, providerCallError(err, "creating provider payout")
	}

	if err := s.ledger.BeginProcessing(ctx, txn.ID, result.ExternalRef); err != nil {
		return nil, err
	}

	s.logg.Info(ctx, "payments.withdrawal.created")
	return s.ledger.GetTransaction(ctx, txn.ID)
}

// providerCallError keeps the provider client's classification intact: a
// rejection must stay terminal rather than resurface as a retryable outage.
func providerCallError(err error, msg string) error {
	if typed := pkgerrors.As(err); typed != nil {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeProviderUnavailable, err, msg)
}
