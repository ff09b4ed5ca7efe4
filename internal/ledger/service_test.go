package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/vaultpay/wallet-backend/pkg/db/models"
	"github.com/vaultpay/wallet-backend/pkg/enums"
	pkgerrors "github.com/vaultpay/wallet-backend/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type gormTxRunner struct {
	db *gorm.DB
}

func (r *gormTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:ledger_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Account{}, &models.Transaction{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T) (Service, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	svc, err := NewService(NewRepository(db), &gormTxRunner{db: db})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, db
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

func openTransaction(t *testing.T, svc Service, accountID uuid.UUID, kind enums.TransactionKind, amountCents int64) *models.Transaction {
	t.Helper()
	txn, err := svc.CreatePendingTransaction(context.Background(), CreateTransactionInput{
		AccountID:   accountID,
		Kind:        kind,
		AmountCents: amountCents,
	})
	if err != nil {
		t.Fatalf("open transaction: %v", err)
	}
	return txn
}

func mustBalance(t *testing.T, svc Service, accountID uuid.UUID) int64 {
	t.Helper()
	account, err := svc.GetBalance(context.Background(), accountID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	return account.BalanceCents
}

func mustStatus(t *testing.T, svc Service, txnID uuid.UUID) enums.TransactionStatus {
	t.Helper()
	txn, err := svc.GetTransaction(context.Background(), txnID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	return txn.Status
}

func TestReserveAndDebit(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	account := seedAccount(t, svc, 10000)
	txn := openTransaction(t, svc, account.ID, enums.TransactionKindWithdrawal, 6000)

	if err := svc.ReserveAndDebit(ctx, txn.ID); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if got := mustBalance(t, svc, account.ID); got != 4000 {
		t.Fatalf("expected balance 4000, got %d", got)
	}
	if got := mustStatus(t, svc, txn.ID); got != enums.TransactionStatusProcessing {
		t.Fatalf("expected processing, got %s", got)
	}

	// Re-applying an existing reservation must not move funds again.
	if err := svc.ReserveAndDebit(ctx, txn.ID); err != nil {
		t.Fatalf("repeat reserve: %v", err)
	}
	if got := mustBalance(t, svc, account.ID); got != 4000 {
		t.Fatalf("repeat reserve moved funds, balance %d", got)
	}
}

func TestReserveAndDebitInsufficientFunds(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	account := seedAccount(t, svc, 10000)
	txn := openTransaction(t, svc, account.ID, enums.TransactionKindWithdrawal, 15000)

	err := svc.ReserveAndDebit(ctx, txn.ID)
	if err == nil {
		t.Fatal("expected insufficient funds error")
	}
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeInsufficientFunds {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := mustBalance(t, svc, account.ID); got != 10000 {
		t.Fatalf("rejected reservation moved funds, balance %d", got)
	}
	if got := mustStatus(t, svc, txn.ID); got != enums.TransactionStatusPending {
		t.Fatalf("expected pending, got %s", got)
	}
}

func TestReservationsNeverOverdraw(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	account := seedAccount(t, svc, 10000)

	succeeded := 0
	for i := 0; i < 5; i++ {
		txn := openTransaction(t, svc, account.ID, enums.TransactionKindWithdrawal, 3000)
		err := svc.ReserveAndDebit(ctx, txn.ID)
		switch {
		case err == nil:
			succeeded++
		case pkgerrors.As(err) != nil && pkgerrors.As(err).Code() == pkgerrors.CodeInsufficientFunds:
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if succeeded != 3 {
		t.Fatalf("expected exactly 3 reservations of 3000 against 10000, got %d", succeeded)
	}
	if got := mustBalance(t, svc, account.ID); got != 1000 {
		t.Fatalf("expected remaining balance 1000, got %d", got)
	}
}

func TestConcurrentReservationsNeverOverdraw(t *testing.T) {
	t.Parallel()

	svc, db := newTestService(t)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("raw db: %v", err)
	}
	// One connection keeps sqlite from returning busy errors while the
	// goroutines race above the pool.
	sqlDB.SetMaxOpenConns(1)

	ctx := context.Background()
	account := seedAccount(t, svc, 10000)

	txns := make([]*models.Transaction, 8)
	for i := range txns {
		txns[i] = openTransaction(t, svc, account.ID, enums.TransactionKindWithdrawal, 3000)
	}

	errs := make(chan error, len(txns))
	var wg sync.WaitGroup
	for _, txn := range txns {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			errs <- svc.ReserveAndDebit(ctx, id)
		}(txn.ID)
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		typed := pkgerrors.As(err)
		if typed == nil || (typed.Code() != pkgerrors.CodeInsufficientFunds && typed.Code() != pkgerrors.CodeLockTimeout) {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if succeeded != 3 {
		t.Fatalf("expected exactly 3 winning reservations of 3000 against 10000, got %d", succeeded)
	}
	if got := mustBalance(t, svc, account.ID); got != 1000 {
		t.Fatalf("expected remaining balance 1000, got %d", got)
	}
}

func TestCreditDeposit(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	account := seedAccount(t, svc, 2500)
	txn := openTransaction(t, svc, account.ID, enums.TransactionKindDeposit, 5000)

	if err := svc.Credit(ctx, txn.ID); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if got := mustBalance(t, svc, account.ID); got != 7500 {
		t.Fatalf("expected balance 7500, got %d", got)
	}
	if got := mustStatus(t, svc, txn.ID); got != enums.TransactionStatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}

	// A duplicate completion applies nothing.
	if err := svc.Credit(ctx, txn.ID); err != nil {
		t.Fatalf("repeat credit: %v", err)
	}
	if got := mustBalance(t, svc, account.ID); got != 7500 {
		t.Fatalf("duplicate credit moved funds, balance %d", got)
	}
}

func TestCreditRejectsWithdrawals(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	account := seedAccount(t, svc, 10000)
	txn := openTransaction(t, svc, account.ID, enums.TransactionKindWithdrawal, 1000)

	err := svc.Credit(context.Background(), txn.ID)
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestRefundRoundTrip(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	account := seedAccount(t, svc, 10000)
	txn := openTransaction(t, svc, account.ID, enums.TransactionKindWithdrawal, 6000)

	if err := svc.ReserveAndDebit(ctx, txn.ID); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := svc.Refund(ctx, txn.ID, "provider rejected payout"); err != nil {
		t.Fatalf("refund: %v", err)
	}

	if got := mustBalance(t, svc, account.ID); got != 10000 {
		t.Fatalf("refund did not restore balance, got %d", got)
	}
	if got := mustStatus(t, svc, txn.ID); got != enums.TransactionStatusFailed {
		t.Fatalf("expected failed, got %s", got)
	}

	// A redelivered failure must not refund twice.
	if err := svc.Refund(ctx, txn.ID, "provider rejected payout"); err != nil {
		t.Fatalf("repeat refund: %v", err)
	}
	if got := mustBalance(t, svc, account.ID); got != 10000 {
		t.Fatalf("double refund detected, balance %d", got)
	}
}

func TestSettleWithdrawal(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	account := seedAccount(t, svc, 10000)
	txn := openTransaction(t, svc, account.ID, enums.TransactionKindWithdrawal, 4000)

	if err := svc.ReserveAndDebit(ctx, txn.ID); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := svc.Settle(ctx, txn.ID); err != nil {
		t.Fatalf("settle: %v", err)
	}

	if got := mustBalance(t, svc, account.ID); got != 6000 {
		t.Fatalf("settle should not move funds, balance %d", got)
	}
	if got := mustStatus(t, svc, txn.ID); got != enums.TransactionStatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}

	if err := svc.Settle(ctx, txn.ID); err != nil {
		t.Fatalf("repeat settle: %v", err)
	}
	if got := mustBalance(t, svc, account.ID); got != 6000 {
		t.Fatalf("repeat settle moved funds, balance %d", got)
	}
}

func TestFail(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	account := seedAccount(t, svc, 5000)
	deposit := openTransaction(t, svc, account.ID, enums.TransactionKindDeposit, 2000)

	if err := svc.Fail(ctx, deposit.ID, "card declined"); err != nil {
		t.Fatalf("fail deposit: %v", err)
	}
	if got := mustBalance(t, svc, account.ID); got != 5000 {
		t.Fatalf("failed deposit moved funds, balance %d", got)
	}
	if got := mustStatus(t, svc, deposit.ID); got != enums.TransactionStatusFailed {
		t.Fatalf("expected failed, got %s", got)
	}

	// A reserved withdrawal holds funds; plain Fail would strand them.
	withdrawal := openTransaction(t, svc, account.ID, enums.TransactionKindWithdrawal, 1000)
	if err := svc.ReserveAndDebit(ctx, withdrawal.ID); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	err := svc.Fail(ctx, withdrawal.ID, "nope")
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestCreatePendingTransactionValidation(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	account := seedAccount(t, svc, 1000)

	_, err := svc.CreatePendingTransaction(ctx, CreateTransactionInput{
		AccountID:   account.ID,
		Kind:        enums.TransactionKindDeposit,
		AmountCents: 0,
	})
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}

	_, err = svc.CreatePendingTransaction(ctx, CreateTransactionInput{
		AccountID:   uuid.New(),
		Kind:        enums.TransactionKindDeposit,
		AmountCents: 100,
	})
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeNotFound {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestWithTxJoinsCallerTransaction(t *testing.T) {
	t.Parallel()

	svc, db := newTestService(t)
	ctx := context.Background()
	account := seedAccount(t, svc, 10000)
	txn := openTransaction(t, svc, account.ID, enums.TransactionKindDeposit, 500)

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := svc.WithTx(tx).Credit(ctx, txn.ID); err != nil {
			return err
		}
		return gorm.ErrInvalidData
	})
	if err == nil {
		t.Fatal("expected rollback error")
	}

	if got := mustStatus(t, svc, txn.ID); got != enums.TransactionStatusPending {
		t.Fatalf("rolled-back credit leaked, status %s", got)
	}
	if got := mustBalance(t, svc, account.ID); got != 10000 {
		t.Fatalf("rolled-back credit leaked, balance %d", got)
	}
}

func TestListTransactionsPagesNewestFirst(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	account := seedAccount(t, svc, 10000)

	for i := 0; i < 5; i++ {
		openTransaction(t, svc, account.ID, enums.TransactionKindDeposit, int64(100*(i+1)))
	}

	seen := map[uuid.UUID]bool{}
	cursor := ""
	pages := 0
	for {
		page, err := svc.ListTransactions(ctx, ListTransactionsInput{
			AccountID: account.ID,
			Limit:     2,
			Cursor:    cursor,
		})
		if err != nil {
			t.Fatalf("list transactions: %v", err)
		}
		pages++
		for _, txn := range page.Transactions {
			if seen[txn.ID] {
				t.Fatalf("transaction %s returned twice", txn.ID)
			}
			seen[txn.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	if len(seen) != 5 {
		t.Fatalf("expected 5 transactions across pages, got %d", len(seen))
	}
	if pages != 3 {
		t.Fatalf("expected 3 pages, got %d", pages)
	}
}

func TestListTransactionsRejectsBadCursor(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	account := seedAccount(t, svc, 1000)

	_, err := svc.ListTransactions(context.Background(), ListTransactionsInput{
		AccountID: account.ID,
		Cursor:    "not-base64!!",
	})
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestListTransactionsUnknownAccount(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)

	_, err := svc.ListTransactions(context.Background(), ListTransactionsInput{AccountID: uuid.New()})
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeNotFound {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestCreateAccountCurrencyHandling(t *testing.T) {
	svc, _ := newTestService(t)

	account, err := svc.CreateAccount(context.Background(), CreateAccountInput{OwnerName: "eu owner", Currency: "eur"})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if account.Currency != string(enums.CurrencyEUR) {
		t.Fatalf("expected eur currency, got %q", account.Currency)
	}

	_, err = svc.CreateAccount(context.Background(), CreateAccountInput{OwnerName: "bad owner", Currency: "doge"})
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error for unknown currency, got %v", err)
	}
}
