package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/vaultpay/wallet-backend/pkg/db/models"
	"github.com/vaultpay/wallet-backend/pkg/logger"
)

const publishTimeout = 15 * time.Second

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

type publishResult interface {
	Get(context.Context) (string, error)
}

// TransactionEvent is the message body published when a transaction reaches a
// terminal state.
type TransactionEvent struct {
	TransactionID string    `json:"transaction_id"`
	AccountID     string    `json:"account_id"`
	Kind          string    `json:"kind"`
	Status        string    `json:"status"`
	AmountCents   int64     `json:"amount_cents"`
	Currency      string    `json:"currency"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Dispatcher publishes terminal transaction transitions to Pub/Sub. Delivery
// is best-effort: the ledger mutation has already committed, so a publish
// failure is logged and dropped rather than retried.
type Dispatcher struct {
	pub  publisher
	logg *logger.Logger
	now  func() time.Time
}

// NewDispatcher wires the dispatcher around the transaction topic publisher.
func NewDispatcher(pub *gcppubsub.Publisher, logg *logger.Logger) (*Dispatcher, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Dispatcher{pub: newGCPPublisher(pub), logg: logg, now: time.Now}, nil
}

// OnTransactionTerminal publishes the transaction's final state.
func (d *Dispatcher) OnTransactionTerminal(ctx context.Context, event *models.WebhookEvent, txn *models.Transaction) {
	if d == nil || txn == nil {
		return
	}

	body := TransactionEvent{
		TransactionID: txn.ID.String(),
		AccountID:     txn.AccountID.String(),
		Kind:          string(txn.Kind),
		Status:        string(txn.Status),
		AmountCents:   txn.AmountCents,
		Currency:      txn.Currency,
		OccurredAt:    d.now().UTC(),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		d.logg.Error(ctx, "notifications.marshal", err)
		return
	}

	msg := &gcppubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"transaction_id": txn.ID.String(),
			"status":         string(txn.Status),
		},
	}
	if event != nil {
		msg.Attributes["event_id"] = event.ExternalEventID
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	result := d.pub.Publish(publishCtx, msg)
	if result == nil {
		d.logg.Error(ctx, "notifications.publish", errors.New("publisher returned nil result"))
		return
	}
	if _, err := result.Get(publishCtx); err != nil {
		d.logg.Error(ctx, "notifications.publish", err)
	}
}

func newGCPPublisher(p *gcppubsub.Publisher) publisher {
	if p == nil {
		return nil
	}
	return &gcpPublisher{Publisher: p}
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	if p == nil || p.Publisher == nil {
		return nil
	}
	return &gcpPublishResult{PublishResult: p.Publisher.Publish(ctx, msg)}
}

type gcpPublishResult struct {
	*gcppubsub.PublishResult
}

func (r *gcpPublishResult) Get(ctx context.Context) (string, error) {
	if r == nil || r.PublishResult == nil {
		return "", errors.New("publish result is nil")
	}
	return r.PublishResult.Get(ctx)
}
