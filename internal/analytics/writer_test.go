package analytics

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/vaultpay/wallet-backend/pkg/db/models"
	"github.com/vaultpay/wallet-backend/pkg/enums"
	"github.com/vaultpay/wallet-backend/pkg/logger"
	"google.golang.org/api/googleapi"
)

type fakeInserter struct {
	calls  int
	errs   []error
	tables []string
	rows   [][]any
}

func (f *fakeInserter) InsertRows(_ context.Context, table string, rows []any) error {
	f.calls++
	f.tables = append(f.tables, table)
	f.rows = append(f.rows, rows)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func newTestWriter(t *testing.T, inserter tableInserter) *Writer {
	t.Helper()
	w, err := NewWriter(inserter, Config{
		TransactionsTable: "transaction_facts",
		RetryPolicy: RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaximumBackoff: 2 * time.Millisecond,
		},
	}, logger.New(logger.Options{ServiceName: "test", Output: io.Discard}))
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	return w
}

func failedTransaction() *models.Transaction {
	reason := "provider says no"
	return &models.Transaction{
		ID:            uuid.New(),
		AccountID:     uuid.New(),
		Kind:          enums.TransactionKindWithdrawal,
		Status:        enums.TransactionStatusFailed,
		AmountCents:   4000,
		Currency:      "USD",
		FailureReason: &reason,
	}
}

func TestOnTransactionTerminalInsertsFactRow(t *testing.T) {
	t.Parallel()

	inserter := &fakeInserter{}
	w := newTestWriter(t, inserter)
	txn := failedTransaction()

	w.OnTransactionTerminal(context.Background(), &models.WebhookEvent{ExternalEventID: "evt-1"}, txn)

	if inserter.calls != 1 {
		t.Fatalf("expected 1 insert, got %d", inserter.calls)
	}
	if inserter.tables[0] != "transaction_facts" {
		t.Fatalf("unexpected table %s", inserter.tables[0])
	}
	row, ok := inserter.rows[0][0].(*TransactionFactRow)
	if !ok {
		t.Fatalf("unexpected row type %T", inserter.rows[0][0])
	}
	if row.TransactionID != txn.ID.String() || row.Status != "failed" || row.FailureReason != "provider says no" {
		t.Fatalf("unexpected row %+v", row)
	}
	if row.EventID != "evt-1" {
		t.Fatalf("unexpected event id %s", row.EventID)
	}
}

func TestInsertRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	inserter := &fakeInserter{errs: []error{
		&googleapi.Error{Code: http.StatusServiceUnavailable},
		&googleapi.Error{Code: http.StatusServiceUnavailable},
	}}
	w := newTestWriter(t, inserter)

	w.OnTransactionTerminal(context.Background(), nil, failedTransaction())

	if inserter.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inserter.calls)
	}
}

func TestInsertGivesUpOnPermanentErrors(t *testing.T) {
	t.Parallel()

	inserter := &fakeInserter{errs: []error{
		&googleapi.Error{Code: http.StatusBadRequest},
	}}
	w := newTestWriter(t, inserter)

	w.OnTransactionTerminal(context.Background(), nil, failedTransaction())

	if inserter.calls != 1 {
		t.Fatalf("permanent error must not retry, got %d attempts", inserter.calls)
	}
}
