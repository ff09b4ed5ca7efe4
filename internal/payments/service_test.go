package payments

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/vaultpay/wallet-backend/internal/ledger"
	"github.com/vaultpay/wallet-backend/internal/provider"
	"github.com/vaultpay/wallet-backend/pkg/db/models"
	"github.com/vaultpay/wallet-backend/pkg/enums"
	pkgerrors "github.com/vaultpay/wallet-backend/pkg/errors"
	"github.com/vaultpay/wallet-backend/pkg/logger"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type gormTxRunner struct {
	db *gorm.DB
}

func (r *gormTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

type failingProvider struct {
	depositErr    error
	withdrawalErr error
}

func (f *failingProvider) CreateDeposit(context.Context, provider.DepositRequest) (*provider.Result, error) {
	if f.depositErr != nil {
		return nil, f.depositErr
	}
	return &provider.Result{ExternalRef: uuid.NewString(), Status: provider.StatusPending}, nil
}

func (f *failingProvider) CreateWithdrawal(context.Context, provider.WithdrawalRequest) (*provider.Result, error) {
	if f.withdrawalErr != nil {
		return nil, f.withdrawalErr
	}
	return &provider.Result{ExternalRef: uuid.NewString(), Status: provider.StatusPending}, nil
}

func (f *failingProvider) GetStatus(context.Context, string) (provider.Status, error) {
	return provider.StatusPending, nil
}

func newTestService(t *testing.T, client provider.Client) (Service, ledger.Service) {
	t.Helper()
	dsn := "file:payments_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Account{}, &models.Transaction{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ledgerSvc, err := ledger.NewService(ledger.NewRepository(db), &gormTxRunner{db: db})
	if err != nil {
		t.Fatalf("ledger service: %v", err)
	}
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	svc, err := NewService(ledgerSvc, client, logg)
	if err != nil {
		t.Fatalf("payments service: %v", err)
	}
	return svc, ledgerSvc
}

func seedAccount(t *testing.T, svc Service, balanceCents int64) *models.Account {
	t.Helper()
	account, err := svc.CreateAccount(context.Background(), CreateAccountInput{
		OwnerName:           "test owner",
		InitialBalanceCents: balanceCents,
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return account
}

func TestCreateDeposit(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, provider.NewStatic())
	ctx := context.Background()
	account := seedAccount(t, svc, 0)

	txn, err := svc.CreateDeposit(ctx, CreateDepositInput{AccountID: account.ID, AmountCents: 5000})
	if err != nil {
		t.Fatalf("create deposit: %v", err)
	}
	if txn.Status != enums.TransactionStatusProcessing {
		t.Fatalf("expected processing, got %s", txn.Status)
	}
	if txn.ExternalRef == nil || *txn.ExternalRef == "" {
		t.Fatal("expected external ref to be stored")
	}

	// Deposits only credit on the completion event.
	balance, err := svc.GetBalance(ctx, account.ID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.BalanceCents != 0 {
		t.Fatalf("deposit credited early, balance %d", balance.BalanceCents)
	}
}

func TestCreateDepositProviderDown(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, &failingProvider{depositErr: errors.New("connection refused")})
	ctx := context.Background()
	account := seedAccount(t, svc, 0)

	_, err := svc.CreateDeposit(ctx, CreateDepositInput{AccountID: account.ID, AmountCents: 5000})
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeProviderUnavailable {
		t.Fatalf("expected provider unavailable, got %v", err)
	}
}

func TestCreateWithdrawal(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, provider.NewStatic())
	ctx := context.Background()
	account := seedAccount(t, svc, 10000)

	txn, err := svc.CreateWithdrawal(ctx, CreateWithdrawalInput{
		AccountID:   account.ID,
		AmountCents: 6000,
		Destination: "acct_dest_123",
	})
	if err != nil {
		t.Fatalf("create withdrawal: %v", err)
	}
	if txn.Status != enums.TransactionStatusProcessing {
		t.Fatalf("expected processing, got %s", txn.Status)
	}
	if txn.ExternalRef == nil || *txn.ExternalRef == "" {
		t.Fatal("expected external ref to be stored")
	}

	balance, err := svc.GetBalance(ctx, account.ID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.BalanceCents != 4000 {
		t.Fatalf("expected reserved balance 4000, got %d", balance.BalanceCents)
	}
}

func TestCreateWithdrawalInsufficientFunds(t *testing.T) {
	t.Parallel()

	svc, ledgerSvc := newTestService(t, provider.NewStatic())
	ctx := context.Background()
	account := seedAccount(t, svc, 1000)

	_, err := svc.CreateWithdrawal(ctx, CreateWithdrawalInput{
		AccountID:   account.ID,
		AmountCents: 5000,
		Destination: "acct_dest_123",
	})
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeInsufficientFunds {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	balance, err := ledgerSvc.GetBalance(ctx, account.ID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.BalanceCents != 1000 {
		t.Fatalf("rejected withdrawal moved funds, balance %d", balance.BalanceCents)
	}
}

func TestCreateWithdrawalProviderDownRefunds(t *testing.T) {
	t.Parallel()

	svc, ledgerSvc := newTestService(t, &failingProvider{withdrawalErr: errors.New("timeout")})
	ctx := context.Background()
	account := seedAccount(t, svc, 10000)

	_, err := svc.CreateWithdrawal(ctx, CreateWithdrawalInput{
		AccountID:   account.ID,
		AmountCents: 6000,
		Destination: "acct_dest_123",
	})
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeProviderUnavailable {
		t.Fatalf("expected provider unavailable, got %v", err)
	}

	balance, err := ledgerSvc.GetBalance(ctx, account.ID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.BalanceCents != 10000 {
		t.Fatalf("reservation was not refunded, balance %d", balance.BalanceCents)
	}
}

func TestCreateDepositProviderRejected(t *testing.T) {
	t.Parallel()

	rejection := pkgerrors.New(pkgerrors.CodeProviderRejected, "provider rejected the request")
	svc, _ := newTestService(t, &failingProvider{depositErr: rejection})
	ctx := context.Background()
	account := seedAccount(t, svc, 0)

	_, err := svc.CreateDeposit(ctx, CreateDepositInput{AccountID: account.ID, AmountCents: 5000})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeProviderRejected {
		t.Fatalf("expected provider rejected, got %v", err)
	}
	if pkgerrors.MetadataFor(typed.Code()).Retryable {
		t.Fatal("a provider rejection must not be retryable")
	}
}

func TestCreateWithdrawalProviderRejectedRefunds(t *testing.T) {
	t.Parallel()

	rejection := pkgerrors.New(pkgerrors.CodeProviderRejected, "destination not payable")
	svc, ledgerSvc := newTestService(t, &failingProvider{withdrawalErr: rejection})
	ctx := context.Background()
	account := seedAccount(t, svc, 10000)

	_, err := svc.CreateWithdrawal(ctx, CreateWithdrawalInput{
		AccountID:   account.ID,
		AmountCents: 6000,
		Destination: "acct_dest_123",
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeProviderRejected {
		t.Fatalf("expected provider rejected, got %v", err)
	}
	if pkgerrors.MetadataFor(typed.Code()).Retryable {
		t.Fatal("a provider rejection must not be retryable")
	}

	balance, err := ledgerSvc.GetBalance(ctx, account.ID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.BalanceCents != 10000 {
		t.Fatalf("reservation was not refunded, balance %d", balance.BalanceCents)
	}
}

func TestCreateWithdrawalRequiresDestination(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, provider.NewStatic())
	account := seedAccount(t, svc, 10000)

	_, err := svc.CreateWithdrawal(context.Background(), CreateWithdrawalInput{
		AccountID:   account.ID,
		AmountCents: 100,
	})
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}
