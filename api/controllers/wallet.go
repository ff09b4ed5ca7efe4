package controllers

import (
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vaultpay/wallet-backend/api/responses"
	"github.com/vaultpay/wallet-backend/api/validators"
	"github.com/vaultpay/wallet-backend/internal/ledger"
	"github.com/vaultpay/wallet-backend/internal/payments"
	"github.com/vaultpay/wallet-backend/pkg/db/models"
	pkgerrors "github.com/vaultpay/wallet-backend/pkg/errors"
	"github.com/vaultpay/wallet-backend/pkg/logger"
	"github.com/vaultpay/wallet-backend/pkg/pagination"
)

const maxOwnerNameLen = 120

// maxAmountCents bounds parsed amounts to what the ledger's integer-cents
// columns can hold. IntPart wraps silently past this, so the check must come
// before conversion.
var maxAmountCents = decimal.NewFromInt(math.MaxInt64)

type accountCreateRequest struct {
	OwnerName      string `json:"owner_name" validate:"required,min=1"`
	Currency       string `json:"currency,omitempty" validate:"omitempty,len=3"`
	InitialBalance string `json:"initial_balance,omitempty"`
}

type depositRequest struct {
	Amount   string `json:"amount" validate:"required"`
	Currency string `json:"currency,omitempty" validate:"omitempty,len=3"`
}

type withdrawalRequest struct {
	Amount      string `json:"amount" validate:"required"`
	Currency    string `json:"currency,omitempty" validate:"omitempty,len=3"`
	Destination string `json:"destination" validate:"required,min=1"`
}

type accountResponse struct {
	ID        uuid.UUID `json:"id"`
	OwnerName string    `json:"owner_name"`
	Balance   string    `json:"balance"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"created_at"`
}

type transactionResponse struct {
	ID            uuid.UUID `json:"id"`
	AccountID     uuid.UUID `json:"account_id"`
	Kind          string    `json:"kind"`
	Status        string    `json:"status"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	ExternalRef   *string   `json:"external_ref,omitempty"`
	FailureReason *string   `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type transactionListResponse struct {
	Transactions []transactionResponse `json:"transactions"`
	NextCursor   string                `json:"next_cursor,omitempty"`
}

func newAccountResponse(account *models.Account) accountResponse {
	return accountResponse{
		ID:        account.ID,
		OwnerName: account.OwnerName,
		Balance:   formatCents(account.BalanceCents),
		Currency:  account.Currency,
		CreatedAt: account.CreatedAt,
	}
}

func newTransactionResponse(txn *models.Transaction) transactionResponse {
	return transactionResponse{
		ID:            txn.ID,
		AccountID:     txn.AccountID,
		Kind:          string(txn.Kind),
		Status:        string(txn.Status),
		Amount:        formatCents(txn.AmountCents),
		Currency:      txn.Currency,
		ExternalRef:   txn.ExternalRef,
		FailureReason: txn.FailureReason,
		CreatedAt:     txn.CreatedAt,
	}
}

// AccountCreate opens a wallet account, optionally seeded with a balance.
func AccountCreate(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}

		var payload accountCreateRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var initialCents int64
		if payload.InitialBalance != "" {
			cents, err := parseAmountCents(payload.InitialBalance, true)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
			initialCents = cents
		}

		account, err := svc.CreateAccount(r.Context(), payments.CreateAccountInput{
			OwnerName:           validators.SanitizeString(payload.OwnerName, maxOwnerNameLen),
			Currency:            strings.ToLower(payload.Currency),
			InitialBalanceCents: initialCents,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, newAccountResponse(account))
	}
}

// AccountBalance reads the current balance for one account.
func AccountBalance(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}

		accountID, err := parseUUIDParam(r, "accountId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		account, err := svc.GetBalance(r.Context(), accountID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newAccountResponse(account))
	}
}

// AccountDeposit starts a deposit; the balance moves when the provider's
// completion webhook lands.
func AccountDeposit(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}

		accountID, err := parseUUIDParam(r, "accountId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload depositRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		cents, err := parseAmountCents(payload.Amount, false)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		txn, err := svc.CreateDeposit(r.Context(), payments.CreateDepositInput{
			AccountID:   accountID,
			AmountCents: cents,
			Currency:    strings.ToLower(payload.Currency),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, newTransactionResponse(txn))
	}
}

// AccountWithdraw reserves funds and asks the provider for a payout.
func AccountWithdraw(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}

		accountID, err := parseUUIDParam(r, "accountId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload withdrawalRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		cents, err := parseAmountCents(payload.Amount, false)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		txn, err := svc.CreateWithdrawal(r.Context(), payments.CreateWithdrawalInput{
			AccountID:   accountID,
			AmountCents: cents,
			Currency:    strings.ToLower(payload.Currency),
			Destination: strings.TrimSpace(payload.Destination),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, newTransactionResponse(txn))
	}
}

// AccountTransactions pages through an account's history, newest first.
func AccountTransactions(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}

		accountID, err := parseUUIDParam(r, "accountId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		page, err := svc.ListTransactions(r.Context(), ledger.ListTransactionsInput{
			AccountID: accountID,
			Limit:     limit,
			Cursor:    r.URL.Query().Get("cursor"),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		items := make([]transactionResponse, 0, len(page.Transactions))
		for i := range page.Transactions {
			items = append(items, newTransactionResponse(&page.Transactions[i]))
		}
		responses.WriteSuccess(w, transactionListResponse{
			Transactions: items,
			NextCursor:   page.NextCursor,
		})
	}
}

// TransactionDetail looks up one transaction by id.
func TransactionDetail(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}

		txnID, err := parseUUIDParam(r, "transactionId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		txn, err := svc.GetTransaction(r.Context(), txnID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newTransactionResponse(txn))
	}
}

func parseUUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid "+name).
			WithDetails(map[string]any{"field": name})
	}
	return id, nil
}

// parseAmountCents converts a decimal money string to integer cents. Amounts
// with sub-cent precision are rejected rather than rounded.
func parseAmountCents(value string, allowZero bool) (int64, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "amount must be a decimal number").
			WithDetails(map[string]any{"field": "amount"})
	}
	cents := amount.Shift(2)
	if !cents.IsInteger() {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "amount supports at most two decimal places").
			WithDetails(map[string]any{"field": "amount"})
	}
	if cents.IsNegative() || (cents.IsZero() && !allowZero) {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive").
			WithDetails(map[string]any{"field": "amount"})
	}
	if cents.GreaterThan(maxAmountCents) {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "amount exceeds the supported maximum").
			WithDetails(map[string]any{"field": "amount"})
	}
	return cents.IntPart(), nil
}

func formatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
