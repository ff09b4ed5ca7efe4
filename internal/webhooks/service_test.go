package webhooks

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/vaultpay/wallet-backend/pkg/db/models"
	pkgerrors "github.com/vaultpay/wallet-backend/pkg/errors"
	"github.com/vaultpay/wallet-backend/pkg/logger"
)

type fakeStore struct {
	created  bool
	err      error
	inserted []*models.WebhookEvent
}

func (f *fakeStore) InsertIfAbsent(_ context.Context, event *models.WebhookEvent) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.inserted = append(f.inserted, event)
	return f.created, nil
}

func newTestVerifier(t *testing.T, store eventStore) (Service, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	svc, err := NewService(store, pub, 5*time.Minute, logger.New(logger.Options{ServiceName: "test", Output: io.Discard}))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, priv
}

func signedInput(priv ed25519.PrivateKey, eventID string, body []byte, ts time.Time) IncomingWebhook {
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	sig := ed25519.Sign(priv, CanonicalMessage(timestamp, eventID, body))
	return IncomingWebhook{
		Body:      body,
		Signature: hex.EncodeToString(sig),
		Timestamp: timestamp,
		EventID:   eventID,
	}
}

func validBody(ref string) []byte {
	return []byte(fmt.Sprintf(`{"id":"evt-1","type":"deposit.completed","data":{"reference":%q}}`, ref))
}

func TestHandleIncomingAccepts(t *testing.T) {
	t.Parallel()

	store := &fakeStore{created: true}
	svc, priv := newTestVerifier(t, store)

	input := signedInput(priv, "evt-1", validBody("dep-ref-1"), time.Now())
	receipt, err := svc.HandleIncoming(context.Background(), input)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if receipt.Outcome != OutcomeAccepted {
		t.Fatalf("expected accepted, got %s", receipt.Outcome)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("expected 1 stored event, got %d", len(store.inserted))
	}
	stored := store.inserted[0]
	if stored.ExternalEventID != "evt-1" || stored.ExternalRef != "dep-ref-1" {
		t.Fatalf("unexpected stored event: %+v", stored)
	}
	if stored.Signature != input.Signature {
		t.Fatalf("expected signature to be kept for audit, got %q", stored.Signature)
	}
}

func TestHandleIncomingDuplicate(t *testing.T) {
	t.Parallel()

	store := &fakeStore{created: false}
	svc, priv := newTestVerifier(t, store)

	receipt, err := svc.HandleIncoming(context.Background(),
		signedInput(priv, "evt-1", validBody("dep-ref-1"), time.Now()))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if receipt.Outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", receipt.Outcome)
	}
}

func TestHandleIncomingRejectsTamperedBody(t *testing.T) {
	t.Parallel()

	store := &fakeStore{created: true}
	svc, priv := newTestVerifier(t, store)

	input := signedInput(priv, "evt-1", validBody("dep-ref-1"), time.Now())
	input.Body = validBody("dep-ref-2")

	_, err := svc.HandleIncoming(context.Background(), input)
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeSignatureInvalid {
		t.Fatalf("expected signature invalid, got %v", err)
	}
	if len(store.inserted) != 0 {
		t.Fatal("tampered webhook must not be stored")
	}
}

func TestHandleIncomingRejectsWrongKey(t *testing.T) {
	t.Parallel()

	svc, _ := newTestVerifier(t, &fakeStore{created: true})
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	_, err = svc.HandleIncoming(context.Background(),
		signedInput(otherPriv, "evt-1", validBody("dep-ref-1"), time.Now()))
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeSignatureInvalid {
		t.Fatalf("expected signature invalid, got %v", err)
	}
}

func TestHandleIncomingRejectsStaleTimestamp(t *testing.T) {
	t.Parallel()

	svc, priv := newTestVerifier(t, &fakeStore{created: true})

	_, err := svc.HandleIncoming(context.Background(),
		signedInput(priv, "evt-1", validBody("dep-ref-1"), time.Now().Add(-time.Hour)))
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeSignatureInvalid {
		t.Fatalf("expected signature invalid, got %v", err)
	}
}

func TestHandleIncomingChecksSignatureBeforeFreshness(t *testing.T) {
	t.Parallel()

	svc, priv := newTestVerifier(t, &fakeStore{created: true})

	// Stale and tampered at once: the rejection must name the signature,
	// never leak freshness info about an unauthenticated payload.
	input := signedInput(priv, "evt-1", validBody("dep-ref-1"), time.Now().Add(-time.Hour))
	input.Body = validBody("dep-ref-2")

	_, err := svc.HandleIncoming(context.Background(), input)
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeSignatureInvalid {
		t.Fatalf("expected signature invalid, got %v", err)
	}
	if !strings.Contains(err.Error(), "signature verification failed") {
		t.Fatalf("expected signature failure to win over staleness, got %v", err)
	}
}

func TestHandleIncomingRejectsMalformedPayload(t *testing.T) {
	t.Parallel()

	svc, priv := newTestVerifier(t, &fakeStore{created: true})

	_, err := svc.HandleIncoming(context.Background(),
		signedInput(priv, "evt-1", []byte(`{"type":"deposit.completed","data":{}}`), time.Now()))
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestHandleIncomingStoreFailureIsRetryable(t *testing.T) {
	t.Parallel()

	svc, priv := newTestVerifier(t, &fakeStore{err: fmt.Errorf("connection reset")})

	_, err := svc.HandleIncoming(context.Background(),
		signedInput(priv, "evt-1", validBody("dep-ref-1"), time.Now()))
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeDependency {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if !pkgerrors.Retryable(err) {
		t.Fatal("store failures must be retryable so the provider redelivers")
	}
}

func TestParsePublicKey(t *testing.T) {
	t.Parallel()

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	parsed, err := ParsePublicKey(hex.EncodeToString(pub))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Equal(pub) {
		t.Fatal("round-tripped key differs")
	}

	if _, err := ParsePublicKey("zz"); err == nil {
		t.Fatal("expected error for non-hex input")
	}
	if _, err := ParsePublicKey("abcd"); err == nil {
		t.Fatal("expected error for short key")
	}
}
