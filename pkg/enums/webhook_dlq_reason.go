package enums

type WebhookDLQReason string

const (
	WebhookDLQReasonMaxAttempts  WebhookDLQReason = "max_attempts"
	WebhookDLQReasonNonRetryable WebhookDLQReason = "non_retryable"
)

var validWebhookDLQReasons = []WebhookDLQReason{
	WebhookDLQReasonMaxAttempts,
	WebhookDLQReasonNonRetryable,
}

func (r WebhookDLQReason) IsValid() bool {
	for _, candidate := range validWebhookDLQReasons {
		if candidate == r {
			return true
		}
	}
	return false
}
