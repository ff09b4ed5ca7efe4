package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vaultpay/wallet-backend/internal/ledger"
	"github.com/vaultpay/wallet-backend/pkg/db/models"
	"github.com/vaultpay/wallet-backend/pkg/enums"
	pkgerrors "github.com/vaultpay/wallet-backend/pkg/errors"
	"github.com/vaultpay/wallet-backend/pkg/logger"
	"github.com/vaultpay/wallet-backend/pkg/metrics"
	"gorm.io/gorm"
)

// TxRunner runs a function inside a database transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// TerminalHook fires after an event commits a transaction into a terminal
// state. Hooks run outside the atomic unit and must tolerate being skipped on
// crash; nothing correctness-critical belongs here.
type TerminalHook interface {
	OnTransactionTerminal(ctx context.Context, event *models.WebhookEvent, txn *models.Transaction)
}

// Processor applies one verified webhook event to the ledger. The processed
// flag and the ledger mutation commit in a single database transaction, so an
// event can observe its effect exactly once no matter how often it is
// redelivered or retried.
type Processor interface {
	Process(ctx context.Context, event *models.WebhookEvent) error
}

type handlerFn func(ctx context.Context, svc ledger.Service, txnID uuid.UUID, reason string) error

type processor struct {
	repo     Repository
	ledger   ledger.Service
	txr      TxRunner
	logg     *logger.Logger
	metrics  *metrics.WebhookEventMetrics
	hooks    []TerminalHook
	handlers map[enums.WebhookEventType]handlerFn
}

// ProcessorParams wires the processor's dependencies. Metrics and hooks are
// optional.
type ProcessorParams struct {
	Repo    Repository
	Ledger  ledger.Service
	TxR     TxRunner
	Logger  *logger.Logger
	Metrics *metrics.WebhookEventMetrics
	Hooks   []TerminalHook
}

// NewProcessor builds the processor with its closed handler table. Event
// types without a handler are rejected as permanent failures rather than
// silently dropped.
func NewProcessor(params ProcessorParams) (Processor, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("events repository required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	if params.TxR == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}

	handlers := map[enums.WebhookEventType]handlerFn{
		enums.WebhookEventDepositCompleted: func(ctx context.Context, svc ledger.Service, txnID uuid.UUID, _ string) error {
			return svc.Credit(ctx, txnID)
		},
		enums.WebhookEventDepositFailed: func(ctx context.Context, svc ledger.Service, txnID uuid.UUID, reason string) error {
			return svc.Fail(ctx, txnID, reason)
		},
		enums.WebhookEventPayoutCompleted: func(ctx context.Context, svc ledger.Service, txnID uuid.UUID, _ string) error {
			return svc.Settle(ctx, txnID)
		},
		enums.WebhookEventPayoutFailed: func(ctx context.Context, svc ledger.Service, txnID uuid.UUID, reason string) error {
			return svc.Refund(ctx, txnID, reason)
		},
	}

	return &processor{
		repo:     params.Repo,
		ledger:   params.Ledger,
		txr:      params.TxR,
		logg:     params.Logger,
		metrics:  params.Metrics,
		hooks:    params.Hooks,
		handlers: handlers,
	}, nil
}

func (p *processor) Process(ctx context.Context, event *models.WebhookEvent) error {
	if event == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "event is required")
	}
	ctx = p.logg.WithEventID(ctx, event.ExternalEventID)

	if event.Processed || event.DeadLettered {
		return nil
	}

	handle, ok := p.handlers[event.EventType]
	if !ok {
		return pkgerrors.New(pkgerrors.CodePermanent, "no handler for event type").
			WithDetails(map[string]any{"event_type": string(event.EventType)})
	}

	txn, err := p.ledger.GetTransactionByExternalRef(ctx, event.ExternalRef)
	if err != nil {
		if typed := pkgerrors.As(err); typed != nil && typed.Code() == pkgerrors.CodeNotFound {
			return pkgerrors.New(pkgerrors.CodePermanent, "event references unknown transaction").
				WithDetails(map[string]any{"external_ref": event.ExternalRef})
		}
		return err
	}
	ctx = p.logg.WithTransactionID(ctx, txn.ID.String())

	reason := failureReason(event)
	start := time.Now()

	err = p.txr.WithTx(ctx, func(tx *gorm.DB) error {
		won, err := p.repo.WithTx(tx).MarkProcessed(ctx, event.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marking event processed")
		}
		if !won {
			// Another worker already applied this event.
			return nil
		}
		return handle(ctx, p.ledger.WithTx(tx), txn.ID, reason)
	})
	if err != nil {
		return err
	}

	p.metrics.IncProcessed(string(event.EventType))
	p.metrics.ObserveDuration(string(event.EventType), time.Since(start))
	p.logg.Info(ctx, "events.processed")

	p.fireHooks(ctx, event, txn.ID)
	return nil
}

func (p *processor) fireHooks(ctx context.Context, event *models.WebhookEvent, txnID uuid.UUID) {
	if len(p.hooks) == 0 {
		return
	}
	txn, err := p.ledger.GetTransaction(ctx, txnID)
	if err != nil {
		p.logg.Error(ctx, "events.hooks.reload", err)
		return
	}
	if !txn.Status.IsTerminal() {
		return
	}
	for _, hook := range p.hooks {
		hook.OnTransactionTerminal(ctx, event, txn)
	}
}

// failureReason pulls the provider's stated reason out of the payload,
// falling back to the event type.
func failureReason(event *models.WebhookEvent) string {
	var payload struct {
		Data struct {
			Reason string `json:"reason"`
		} `json:"data"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err == nil && payload.Data.Reason != "" {
		return payload.Data.Reason
	}
	return fmt.Sprintf("provider reported %s", event.EventType)
}
