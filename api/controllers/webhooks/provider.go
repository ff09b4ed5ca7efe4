package webhooks

import (
	"io"
	"net/http"

	"github.com/vaultpay/wallet-backend/api/responses"
	"github.com/vaultpay/wallet-backend/internal/webhooks"
	pkgerrors "github.com/vaultpay/wallet-backend/pkg/errors"
	"github.com/vaultpay/wallet-backend/pkg/logger"
)

const (
	signatureHeader = "X-Webhook-Signature"
	timestampHeader = "X-Webhook-Timestamp"
	eventIDHeader   = "X-Webhook-Event-Id"

	maxWebhookBody = 1 << 20
)

// ProviderWebhook ingests signed provider notifications. Verification
// failures return 4xx so the provider stops retrying; store failures return
// 5xx so it retries and the duplicate check absorbs the replay.
func ProviderWebhook(svc webhooks.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		receipt, err := svc.HandleIncoming(ctx, webhooks.IncomingWebhook{
			Body:      body,
			Signature: r.Header.Get(signatureHeader),
			Timestamp: r.Header.Get(timestampHeader),
			EventID:   r.Header.Get(eventIDHeader),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		switch receipt.Outcome {
		case webhooks.OutcomeDuplicate:
			responses.WriteSuccess(w, map[string]string{"status": "already_received"})
		default:
			responses.WriteSuccessStatus(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		}
	}
}
