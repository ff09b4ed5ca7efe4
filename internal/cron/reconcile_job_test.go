package cron

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/vaultpay/wallet-backend/internal/events"
	"github.com/vaultpay/wallet-backend/internal/ledger"
	"github.com/vaultpay/wallet-backend/internal/provider"
	"github.com/vaultpay/wallet-backend/pkg/db/models"
	"github.com/vaultpay/wallet-backend/pkg/enums"
	"github.com/vaultpay/wallet-backend/pkg/logger"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type cronTxRunner struct {
	db *gorm.DB
}

func (r *cronTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

type reconcileEnv struct {
	db       *gorm.DB
	ledger   ledger.Service
	events   events.Repository
	provider *provider.Static
	job      *reconcileJob
}

func newReconcileEnv(t *testing.T) *reconcileEnv {
	t.Helper()
	dsn := "file:recon_" + uuid.NewString() + "?mode=memory&cache=shared"
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := gdb.AutoMigrate(&models.Account{}, &models.Transaction{}, &models.WebhookEvent{}, &models.WebhookDLQ{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	txr := &cronTxRunner{db: gdb}
	ledgerSvc, err := ledger.NewService(ledger.NewRepository(gdb), txr)
	if err != nil {
		t.Fatalf("ledger service: %v", err)
	}
	eventsRepo := events.NewRepository(gdb)
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	proc, err := events.NewProcessor(events.ProcessorParams{
		Repo:   eventsRepo,
		Ledger: ledgerSvc,
		TxR:    txr,
		Logger: logg,
	})
	if err != nil {
		t.Fatalf("processor: %v", err)
	}

	static := provider.NewStatic()
	job := &reconcileJob{
		logg:      logg,
		ledger:    ledgerSvc,
		provider:  static,
		events:    eventsRepo,
		processor: proc,
		threshold: 30 * time.Minute,
		batchSize: 100,
		// Rows created during the test carry wall-clock timestamps; advancing
		// the job clock makes them all look stale.
		now: func() time.Time { return time.Now().Add(2 * time.Hour) },
	}

	return &reconcileEnv{db: gdb, ledger: ledgerSvc, events: eventsRepo, provider: static, job: job}
}

func (e *reconcileEnv) seedStuck(t *testing.T, kind enums.TransactionKind, balanceCents, amountCents int64, ref string) (*models.Account, *models.Transaction) {
	t.Helper()
	ctx := context.Background()
	account, err := e.ledger.CreateAccount(ctx, ledger.CreateAccountInput{
		OwnerName:           "test owner",
		InitialBalanceCents: balanceCents,
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	txn, err := e.ledger.CreatePendingTransaction(ctx, ledger.CreateTransactionInput{
		AccountID:   account.ID,
		Kind:        kind,
		AmountCents: amountCents,
	})
	if err != nil {
		t.Fatalf("open transaction: %v", err)
	}
	if kind == enums.TransactionKindWithdrawal {
		if err := e.ledger.ReserveAndDebit(ctx, txn.ID); err != nil {
			t.Fatalf("reserve: %v", err)
		}
	}
	if err := e.ledger.BeginProcessing(ctx, txn.ID, ref); err != nil {
		t.Fatalf("begin processing: %v", err)
	}
	return account, txn
}

func (e *reconcileEnv) balance(t *testing.T, accountID uuid.UUID) int64 {
	t.Helper()
	account, err := e.ledger.GetBalance(context.Background(), accountID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	return account.BalanceCents
}

func (e *reconcileEnv) status(t *testing.T, txnID uuid.UUID) enums.TransactionStatus {
	t.Helper()
	txn, err := e.ledger.GetTransaction(context.Background(), txnID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	return txn.Status
}

func TestReconcileCompletesStuckDeposit(t *testing.T) {
	t.Parallel()

	env := newReconcileEnv(t)
	account, txn := env.seedStuck(t, enums.TransactionKindDeposit, 0, 5000, "dep-ref-1")
	env.provider.SetStatus("dep-ref-1", provider.StatusCompleted)

	if err := env.job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := env.balance(t, account.ID); got != 5000 {
		t.Fatalf("expected credited balance 5000, got %d", got)
	}
	if got := env.status(t, txn.ID); got != enums.TransactionStatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}

	stored, err := env.events.GetByExternalEventID(context.Background(), "recon-"+txn.ID.String()+"-completed")
	if err != nil {
		t.Fatalf("load synthesized event: %v", err)
	}
	if !stored.Processed {
		t.Fatal("synthesized event should be processed")
	}
}

func TestReconcileRefundsFailedWithdrawal(t *testing.T) {
	t.Parallel()

	env := newReconcileEnv(t)
	account, txn := env.seedStuck(t, enums.TransactionKindWithdrawal, 10000, 6000, "pay-ref-1")
	if got := env.balance(t, account.ID); got != 4000 {
		t.Fatalf("reservation missing, balance %d", got)
	}
	env.provider.SetStatus("pay-ref-1", provider.StatusFailed)

	if err := env.job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := env.balance(t, account.ID); got != 10000 {
		t.Fatalf("refund not applied, balance %d", got)
	}
	if got := env.status(t, txn.ID); got != enums.TransactionStatusFailed {
		t.Fatalf("expected failed, got %s", got)
	}
}

func TestReconcileLeavesPendingAlone(t *testing.T) {
	t.Parallel()

	env := newReconcileEnv(t)
	account, txn := env.seedStuck(t, enums.TransactionKindDeposit, 0, 5000, "dep-ref-1")
	// Static provider reports pending for unknown refs.

	if err := env.job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := env.balance(t, account.ID); got != 0 {
		t.Fatalf("pending reconcile must not move funds, balance %d", got)
	}
	if got := env.status(t, txn.ID); got != enums.TransactionStatusProcessing {
		t.Fatalf("expected still processing, got %s", got)
	}
}

func TestReconcileSweepIsIdempotent(t *testing.T) {
	t.Parallel()

	env := newReconcileEnv(t)
	account, _ := env.seedStuck(t, enums.TransactionKindDeposit, 0, 5000, "dep-ref-1")
	env.provider.SetStatus("dep-ref-1", provider.StatusCompleted)

	if err := env.job.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	// A second sweep finds no stuck rows, and even a racing sweep would dedup
	// on the deterministic event id.
	if err := env.job.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if got := env.balance(t, account.ID); got != 5000 {
		t.Fatalf("double credit detected, balance %d", got)
	}
}
