package analytics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	cbigquery "cloud.google.com/go/bigquery"
	"github.com/vaultpay/wallet-backend/pkg/db/models"
	"github.com/vaultpay/wallet-backend/pkg/logger"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaximumBackoff = 2 * time.Second
)

// TransactionFactRow is the BigQuery schema for one settled transaction.
type TransactionFactRow struct {
	TransactionID string    `bigquery:"transaction_id"`
	AccountID     string    `bigquery:"account_id"`
	Kind          string    `bigquery:"kind"`
	Status        string    `bigquery:"status"`
	AmountCents   int64     `bigquery:"amount_cents"`
	Currency      string    `bigquery:"currency"`
	FailureReason string    `bigquery:"failure_reason"`
	EventID       string    `bigquery:"event_id"`
	OccurredAt    time.Time `bigquery:"occurred_at"`
}

// RetryPolicy controls how many times BigQuery inserts are retried.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaximumBackoff time.Duration
}

type tableInserter interface {
	InsertRows(ctx context.Context, table string, rows []any) error
}

// Writer records terminal transactions in BigQuery. Inserts are best-effort
// after the ledger commit; failures are retried briefly and then logged.
type Writer struct {
	client tableInserter
	table  string
	retry  RetryPolicy
	logg   *logger.Logger
	now    func() time.Time
}

// Config controls the analytics writer behavior.
type Config struct {
	TransactionsTable string
	RetryPolicy       RetryPolicy
}

// NewWriter creates a Writer backed by a shared BigQuery client.
func NewWriter(client tableInserter, cfg Config, logg *logger.Logger) (*Writer, error) {
	if client == nil {
		return nil, errors.New("bigquery client required")
	}
	if logg == nil {
		return nil, errors.New("logger required")
	}
	table := strings.TrimSpace(cfg.TransactionsTable)
	if table == "" {
		return nil, errors.New("transactions table is required")
	}

	retry := cfg.RetryPolicy
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = defaultMaxAttempts
	}
	if retry.InitialBackoff <= 0 {
		retry.InitialBackoff = defaultInitialBackoff
	}
	if retry.MaximumBackoff <= 0 {
		retry.MaximumBackoff = defaultMaximumBackoff
	}
	if retry.MaximumBackoff < retry.InitialBackoff {
		retry.MaximumBackoff = retry.InitialBackoff
	}

	return &Writer{
		client: client,
		table:  table,
		retry:  retry,
		logg:   logg,
		now:    time.Now,
	}, nil
}

// OnTransactionTerminal inserts one fact row for the transaction's final state.
func (w *Writer) OnTransactionTerminal(ctx context.Context, event *models.WebhookEvent, txn *models.Transaction) {
	if w == nil || txn == nil {
		return
	}

	row := &TransactionFactRow{
		TransactionID: txn.ID.String(),
		AccountID:     txn.AccountID.String(),
		Kind:          string(txn.Kind),
		Status:        string(txn.Status),
		AmountCents:   txn.AmountCents,
		Currency:      txn.Currency,
		OccurredAt:    w.now().UTC(),
	}
	if txn.FailureReason != nil {
		row.FailureReason = *txn.FailureReason
	}
	if event != nil {
		row.EventID = event.ExternalEventID
	}

	if err := w.insertWithRetry(ctx, []any{row}); err != nil {
		w.logg.Error(ctx, "analytics.insert", err)
	}
}

func (w *Writer) insertWithRetry(ctx context.Context, rows []any) error {
	if len(rows) == 0 {
		return nil
	}

	attempts := 0
	backoff := w.retry.InitialBackoff

	for {
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		err := w.client.InsertRows(ctx, w.table, rows)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.retry.MaxAttempts || !isRetryableBigQueryError(err) {
			return fmt.Errorf("insert %s rows: %w", w.table, err)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		timer.Stop()

		backoff = minDuration(backoff*2, w.retry.MaximumBackoff)
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func isRetryableBigQueryError(err error) bool {
	if err == nil {
		return false
	}

	var multi *cbigquery.MultiError
	if errors.As(err, &multi) {
		if multi == nil || len(*multi) == 0 {
			return false
		}
		for _, inner := range *multi {
			if !isRetryableBigQueryError(inner) {
				return false
			}
		}
		return true
	}

	var pme *cbigquery.PutMultiError
	if errors.As(err, &pme) {
		if pme == nil || len(*pme) == 0 {
			return false
		}
		for _, rowErr := range *pme {
			if !isRetryableBigQueryError(rowErr.Errors) {
				return false
			}
		}
		return true
	}

	var rowErr *cbigquery.RowInsertionError
	if errors.As(err, &rowErr) {
		if rowErr == nil || len(rowErr.Errors) == 0 {
			return false
		}
		for _, inner := range rowErr.Errors {
			if !isRetryableBigQueryError(inner) {
				return false
			}
		}
		return true
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return isRetryableHTTPCode(apiErr.Code)
	}

	var statusErr interface{ GRPCStatus() *status.Status }
	if errors.As(err, &statusErr) {
		if st := statusErr.GRPCStatus(); st != nil {
			return isRetryableGRPCCode(st.Code())
		}
	}

	return false
}

func isRetryableHTTPCode(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func isRetryableGRPCCode(code codes.Code) bool {
	switch code {
	case codes.Aborted,
		codes.DeadlineExceeded,
		codes.Internal,
		codes.ResourceExhausted,
		codes.Unavailable:
		return true
	default:
		return false
	}
}
