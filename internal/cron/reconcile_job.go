package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/vaultpay/wallet-backend/internal/ledger"
	"github.com/vaultpay/wallet-backend/internal/provider"
	"github.com/vaultpay/wallet-backend/pkg/db/models"
	"github.com/vaultpay/wallet-backend/pkg/enums"
	"github.com/vaultpay/wallet-backend/pkg/logger"
	"go.uber.org/multierr"
)

const (
	defaultStuckThreshold  = 30 * time.Minute
	defaultReconcileBatch  = 100
	statusPollBaseBackoff  = 200 * time.Millisecond
	statusPollMaxRetries   = 2
	reconcileEventIDFormat = "recon-%s-%s"
)

type stuckLister interface {
	ListStuckProcessing(ctx context.Context, input ledger.ListStuckInput) ([]models.Transaction, error)
}

type statusGetter interface {
	GetStatus(ctx context.Context, externalRef string) (provider.Status, error)
}

type eventSink interface {
	InsertIfAbsent(ctx context.Context, event *models.WebhookEvent) (bool, error)
	GetByExternalEventID(ctx context.Context, externalEventID string) (*models.WebhookEvent, error)
}

type eventProcessor interface {
	Process(ctx context.Context, event *models.WebhookEvent) error
}

// ReconcileJobParams configure the stuck-transaction sweep.
type ReconcileJobParams struct {
	Logger         *logger.Logger
	Ledger         stuckLister
	Provider       statusGetter
	Events         eventSink
	Processor      eventProcessor
	StuckThreshold time.Duration
	BatchSize      int
}

// NewReconcileJob builds the job that resolves transactions stuck in
// processing. It polls the provider and feeds any terminal answer through the
// same event pipeline real webhooks use, so a lost webhook and a delivered
// one are indistinguishable downstream.
func NewReconcileJob(params ReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger reader required")
	}
	if params.Provider == nil {
		return nil, fmt.Errorf("provider client required")
	}
	if params.Events == nil {
		return nil, fmt.Errorf("events repository required")
	}
	if params.Processor == nil {
		return nil, fmt.Errorf("event processor required")
	}
	threshold := params.StuckThreshold
	if threshold <= 0 {
		threshold = defaultStuckThreshold
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultReconcileBatch
	}
	return &reconcileJob{
		logg:      params.Logger,
		ledger:    params.Ledger,
		provider:  params.Provider,
		events:    params.Events,
		processor: params.Processor,
		threshold: threshold,
		batchSize: batch,
		now:       time.Now,
	}, nil
}

type reconcileJob struct {
	logg      *logger.Logger
	ledger    stuckLister
	provider  statusGetter
	events    eventSink
	processor eventProcessor
	threshold time.Duration
	batchSize int
	now       func() time.Time
}

func (j *reconcileJob) Name() string { return "reconcile-stuck-transactions" }

func (j *reconcileJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.threshold)
	stuck, err := j.ledger.ListStuckProcessing(ctx, ledger.ListStuckInput{
		OlderThan: cutoff,
		Limit:     j.batchSize,
	})
	if err != nil {
		return fmt.Errorf("list stuck transactions: %w", err)
	}

	var errs []error
	resolved := 0
	for i := range stuck {
		ok, err := j.reconcileOne(ctx, &stuck[i])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			resolved++
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"scanned":  len(stuck),
		"resolved": resolved,
	})
	j.logg.Info(logCtx, "reconcile sweep complete")
	return multierr.Combine(errs...)
}

// reconcileOne polls one transaction and reports whether it reached a
// terminal state.
func (j *reconcileJob) reconcileOne(ctx context.Context, txn *models.Transaction) (bool, error) {
	if txn.ExternalRef == nil || *txn.ExternalRef == "" {
		return false, nil
	}
	ref := *txn.ExternalRef
	ctx = j.logg.WithTransactionID(ctx, txn.ID.String())

	status, err := j.pollStatus(ctx, ref)
	if err != nil {
		return false, fmt.Errorf("poll status for %s: %w", txn.ID, err)
	}
	if status == provider.StatusPending {
		return false, nil
	}

	eventType, ok := reconcileEventType(txn.Kind, status)
	if !ok {
		return false, fmt.Errorf("no event type for kind %s status %s", txn.Kind, status)
	}

	// Deterministic id: a concurrent webhook delivery or a second sweep for
	// the same outcome dedups on the external event id.
	eventID := fmt.Sprintf(reconcileEventIDFormat, txn.ID, status)
	payload, err := reconcilePayload(eventID, eventType, ref, status)
	if err != nil {
		return false, fmt.Errorf("build payload for %s: %w", txn.ID, err)
	}

	event := &models.WebhookEvent{
		ExternalEventID: eventID,
		EventType:       eventType,
		ExternalRef:     ref,
		Payload:         payload,
	}
	if _, err := j.events.InsertIfAbsent(ctx, event); err != nil {
		return false, fmt.Errorf("store reconcile event %s: %w", eventID, err)
	}

	stored, err := j.events.GetByExternalEventID(ctx, eventID)
	if err != nil {
		return false, fmt.Errorf("load reconcile event %s: %w", eventID, err)
	}
	if err := j.processor.Process(ctx, stored); err != nil {
		return false, fmt.Errorf("process reconcile event %s: %w", eventID, err)
	}

	j.logg.Info(j.logg.WithField(ctx, "status", string(status)), "stuck transaction reconciled")
	return true, nil
}

func (j *reconcileJob) pollStatus(ctx context.Context, ref string) (provider.Status, error) {
	var status provider.Status
	backoff := retry.WithMaxRetries(statusPollMaxRetries, retry.NewExponential(statusPollBaseBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		current, err := j.provider.GetStatus(ctx, ref)
		if err != nil {
			return retry.RetryableError(err)
		}
		status = current
		return nil
	})
	return status, err
}

func reconcileEventType(kind enums.TransactionKind, status provider.Status) (enums.WebhookEventType, bool) {
	switch {
	case kind == enums.TransactionKindDeposit && status == provider.StatusCompleted:
		return enums.WebhookEventDepositCompleted, true
	case kind == enums.TransactionKindDeposit && status == provider.StatusFailed:
		return enums.WebhookEventDepositFailed, true
	case kind == enums.TransactionKindWithdrawal && status == provider.StatusCompleted:
		return enums.WebhookEventPayoutCompleted, true
	case kind == enums.TransactionKindWithdrawal && status == provider.StatusFailed:
		return enums.WebhookEventPayoutFailed, true
	default:
		return "", false
	}
}

func reconcilePayload(eventID string, eventType enums.WebhookEventType, ref string, status provider.Status) (json.RawMessage, error) {
	data := map[string]any{"reference": ref}
	if status == provider.StatusFailed {
		data["reason"] = "provider reported failure during reconciliation"
	}
	return json.Marshal(map[string]any{
		"id":   eventID,
		"type": string(eventType),
		"data": data,
	})
}
