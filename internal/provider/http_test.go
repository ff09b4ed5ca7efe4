package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vaultpay/wallet-backend/pkg/config"
	pkgerrors "github.com/vaultpay/wallet-backend/pkg/errors"
	"github.com/vaultpay/wallet-backend/pkg/logger"
)

func newHTTPTestClient(t *testing.T, handler http.Handler) (*HTTPClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewHTTPClient(config.ProviderConfig{
		BaseURL:        server.URL,
		APIKey:         "test-key",
		RequestTimeout: 2 * time.Second,
	}, logger.New(logger.Options{ServiceName: "test", Output: io.Discard}))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, server
}

func TestCreateDeposit(t *testing.T) {
	t.Parallel()

	var gotAuth string
	var gotBody createRequest
	client, _ := newHTTPTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/deposits" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(operationResponse{Reference: "dep-ref-1", Status: "pending"})
	}))

	result, err := client.CreateDeposit(context.Background(), DepositRequest{
		TransactionID: "txn-1",
		AmountCents:   5000,
		Currency:      "USD",
	})
	if err != nil {
		t.Fatalf("create deposit: %v", err)
	}
	if result.ExternalRef != "dep-ref-1" || result.Status != StatusPending {
		t.Fatalf("unexpected result %+v", result)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotBody.AmountCents != 5000 || gotBody.TransactionID != "txn-1" {
		t.Fatalf("unexpected request body %+v", gotBody)
	}
}

func TestGetStatus(t *testing.T) {
	t.Parallel()

	client, _ := newHTTPTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/transactions/pay-ref-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(operationResponse{Reference: "pay-ref-1", Status: "completed"})
	}))

	status, err := client.GetStatus(context.Background(), "pay-ref-1")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status != StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}
}

func TestServerErrorsAreRetryable(t *testing.T) {
	t.Parallel()

	client, _ := newHTTPTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := client.CreateWithdrawal(context.Background(), WithdrawalRequest{TransactionID: "txn-1"})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeProviderUnavailable {
		t.Fatalf("expected provider unavailable, got %v", err)
	}
	if !pkgerrors.Retryable(err) {
		t.Fatal("5xx responses must be retryable")
	}
}

func TestRejectionIsPermanent(t *testing.T) {
	t.Parallel()

	client, _ := newHTTPTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(operationResponse{Message: "destination not allowed"})
	}))

	_, err := client.CreateWithdrawal(context.Background(), WithdrawalRequest{TransactionID: "txn-1"})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeProviderRejected {
		t.Fatalf("expected provider rejected, got %v", err)
	}
	if pkgerrors.Retryable(err) {
		t.Fatal("rejections must not be retried")
	}
	if typed.Error() == "" || typed.Message() != "destination not allowed" {
		t.Fatalf("expected provider message to surface, got %q", typed.Message())
	}
}

func TestUnknownRefIsNotFound(t *testing.T) {
	t.Parallel()

	client, _ := newHTTPTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := client.GetStatus(context.Background(), "no-such-ref")
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}
