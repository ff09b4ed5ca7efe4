package webhooks

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/vaultpay/wallet-backend/pkg/db/models"
	"github.com/vaultpay/wallet-backend/pkg/enums"
	pkgerrors "github.com/vaultpay/wallet-backend/pkg/errors"
	"github.com/vaultpay/wallet-backend/pkg/logger"
)

type eventStore interface {
	InsertIfAbsent(ctx context.Context, event *models.WebhookEvent) (bool, error)
}

// Outcome classifies an accepted webhook.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
)

// Receipt reports what happened to an incoming webhook.
type Receipt struct {
	Outcome Outcome
	Event   *models.WebhookEvent
}

// IncomingWebhook carries the raw request pieces the provider signs.
type IncomingWebhook struct {
	Body      []byte
	Signature string
	Timestamp string
	EventID   string
}

// Service verifies and persists provider webhooks. Verification failures are
// final (the provider must not retry them); persistence failures are not (a
// retried delivery will dedup cleanly on the external event id).
type Service interface {
	HandleIncoming(ctx context.Context, input IncomingWebhook) (*Receipt, error)
}

type service struct {
	store     eventStore
	publicKey ed25519.PublicKey
	tolerance time.Duration
	logg      *logger.Logger
	now       func() time.Time
}

// NewService wires the webhook verifier.
func NewService(store eventStore, publicKey ed25519.PublicKey, tolerance time.Duration, logg *logger.Logger) (Service, error) {
	if store == nil {
		return nil, fmt.Errorf("event store required")
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid webhook public key")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &service{
		store:     store,
		publicKey: publicKey,
		tolerance: tolerance,
		logg:      logg,
		now:       time.Now,
	}, nil
}

// ParsePublicKey decodes a hex-encoded ed25519 public key.
func ParsePublicKey(hexKey string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding webhook public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("webhook public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// CanonicalMessage is the exact byte sequence the provider signs.
func CanonicalMessage(timestamp, eventID string, body []byte) []byte {
	return []byte(timestamp + "." + eventID + "." + string(body))
}

func (s *service) HandleIncoming(ctx context.Context, input IncomingWebhook) (*Receipt, error) {
	if input.EventID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event id header is required")
	}
	ctx = s.logg.WithEventID(ctx, input.EventID)

	if input.Signature == "" || input.Timestamp == "" {
		return nil, pkgerrors.New(pkgerrors.CodeSignatureInvalid, "signature headers missing")
	}

	// Authenticity first: the timestamp only means anything once the
	// signature over it has checked out.
	sig, err := hex.DecodeString(input.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return nil, pkgerrors.New(pkgerrors.CodeSignatureInvalid, "malformed signature header")
	}
	if !ed25519.Verify(s.publicKey, CanonicalMessage(input.Timestamp, input.EventID, input.Body), sig) {
		return nil, pkgerrors.New(pkgerrors.CodeSignatureInvalid, "signature verification failed")
	}

	ts, err := strconv.ParseInt(input.Timestamp, 10, 64)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeSignatureInvalid, "malformed timestamp header")
	}
	skew := s.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.tolerance {
		return nil, pkgerrors.New(pkgerrors.CodeSignatureInvalid, "timestamp outside tolerance")
	}

	var payload struct {
		Type string `json:"type"`
		Data struct {
			Reference string `json:"reference"`
		} `json:"data"`
	}
	if err := json.Unmarshal(input.Body, &payload); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "malformed webhook payload")
	}
	if payload.Type == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "webhook payload missing type")
	}
	if payload.Data.Reference == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "webhook payload missing reference")
	}

	event := &models.WebhookEvent{
		ExternalEventID: input.EventID,
		EventType:       enums.WebhookEventType(payload.Type),
		ExternalRef:     payload.Data.Reference,
		Payload:         json.RawMessage(input.Body),
		Signature:       input.Signature,
	}

	created, err := s.store.InsertIfAbsent(ctx, event)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "storing webhook event")
	}
	if !created {
		s.logg.Info(ctx, "webhooks.duplicate")
		return &Receipt{Outcome: OutcomeDuplicate}, nil
	}

	s.logg.Info(ctx, "webhooks.accepted")
	return &Receipt{Outcome: OutcomeAccepted, Event: event}, nil
}
