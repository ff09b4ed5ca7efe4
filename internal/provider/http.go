package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vaultpay/wallet-backend/pkg/config"
	pkgerrors "github.com/vaultpay/wallet-backend/pkg/errors"
	"github.com/vaultpay/wallet-backend/pkg/logger"
)

const defaultRequestTimeout = 10 * time.Second

var (
	errBaseURLRequired = errors.New("provider base url is required")
	errAPIKeyRequired  = errors.New("provider api key is required")
	errLoggerRequired  = errors.New("provider logger is required")
)

// HTTPClient talks to the payment provider's REST API with centralized auth,
// logging, and error mapping.
type HTTPClient struct {
	http    *http.Client
	baseURL string
	apiKey  string
	logg    *logger.Logger
}

// NewHTTPClient initializes the provider wrapper and validates the credentials.
func NewHTTPClient(cfg config.ProviderConfig, logg *logger.Logger) (*HTTPClient, error) {
	if logg == nil {
		return nil, errLoggerRequired
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errBaseURLRequired
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &HTTPClient{
		http:    &http.Client{Timeout: timeout},
		baseURL: baseURL,
		apiKey:  apiKey,
		logg:    logg,
	}, nil
}

type createRequest struct {
	TransactionID string `json:"transaction_id"`
	AmountCents   int64  `json:"amount_cents"`
	Currency      string `json:"currency"`
	Destination   string `json:"destination,omitempty"`
}

type operationResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

func (c *HTTPClient) CreateDeposit(ctx context.Context, input DepositRequest) (*Result, error) {
	body := createRequest{
		TransactionID: input.TransactionID,
		AmountCents:   input.AmountCents,
		Currency:      input.Currency,
	}
	resp, err := c.post(ctx, "/v1/deposits", "create_deposit", body)
	if err != nil {
		return nil, err
	}
	return &Result{ExternalRef: resp.Reference, Status: Status(resp.Status)}, nil
}

func (c *HTTPClient) CreateWithdrawal(ctx context.Context, input WithdrawalRequest) (*Result, error) {
	body := createRequest{
		TransactionID: input.TransactionID,
		AmountCents:   input.AmountCents,
		Currency:      input.Currency,
		Destination:   input.Destination,
	}
	resp, err := c.post(ctx, "/v1/payouts", "create_withdrawal", body)
	if err != nil {
		return nil, err
	}
	return &Result{ExternalRef: resp.Reference, Status: Status(resp.Status)}, nil
}

func (c *HTTPClient) GetStatus(ctx context.Context, externalRef string) (Status, error) {
	if strings.TrimSpace(externalRef) == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "external ref is required")
	}
	path := "/v1/transactions/" + url.PathEscape(externalRef)
	resp, err := c.do(ctx, http.MethodGet, path, "get_status", nil)
	if err != nil {
		return "", err
	}
	return Status(resp.Status), nil
}

func (c *HTTPClient) post(ctx context.Context, path, op string, body createRequest) (*operationResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encoding provider request")
	}
	return c.do(ctx, http.MethodPost, path, op, payload)
}

func (c *HTTPClient) do(ctx context.Context, method, path, op string, payload []byte) (*operationResponse, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "building provider request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.log(ctx, "request", op, nil)
	resp, err := c.http.Do(req)
	if err != nil {
		c.log(ctx, "error", op, map[string]any{"error": err.Error()})
		return nil, pkgerrors.Wrap(pkgerrors.CodeProviderUnavailable, err, fmt.Sprintf("provider %s failed", op))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeProviderUnavailable, err, "reading provider response")
	}

	var parsed operationResponse
	if len(raw) > 0 {
		// A malformed body on a non-2xx response is fine; the status code
		// alone determines the error code.
		_ = json.Unmarshal(raw, &parsed)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.log(ctx, "response", op, map[string]any{"status": parsed.Status})
		return &parsed, nil
	}

	c.log(ctx, "error", op, map[string]any{
		"error":       fmt.Sprintf("provider returned %d", resp.StatusCode),
		"http_status": resp.StatusCode,
	})
	return nil, c.mapStatusError(resp.StatusCode, op, parsed.Message)
}

func (c *HTTPClient) mapStatusError(status int, op, message string) error {
	if message == "" {
		message = fmt.Sprintf("provider %s returned status %d", op, status)
	}
	switch {
	case status == http.StatusNotFound:
		return pkgerrors.New(pkgerrors.CodeNotFound, message)
	case status == http.StatusUnprocessableEntity:
		return pkgerrors.New(pkgerrors.CodeProviderRejected, message)
	case status >= 400 && status < 500:
		return pkgerrors.New(pkgerrors.CodeValidation, message)
	default:
		return pkgerrors.New(pkgerrors.CodeProviderUnavailable, message)
	}
}

func (c *HTTPClient) log(ctx context.Context, phase, op string, fields map[string]any) {
	if c == nil || c.logg == nil {
		return
	}
	logFields := map[string]any{
		"operation": op,
		"phase":     phase,
	}
	for k, v := range fields {
		logFields[k] = v
	}
	ctx = c.logg.WithFields(ctx, logFields)
	switch phase {
	case "error":
		c.logg.Error(ctx, fmt.Sprintf("provider %s", op), errors.New(fmt.Sprint(fields["error"])))
	default:
		c.logg.Info(ctx, fmt.Sprintf("provider %s", phase))
	}
}
