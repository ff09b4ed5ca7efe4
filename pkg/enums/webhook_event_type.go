package enums

import "fmt"

// WebhookEventType enumerates the provider notifications the wallet consumes.
type WebhookEventType string

const (
	WebhookEventDepositCompleted WebhookEventType = "deposit.completed"
	WebhookEventDepositFailed    WebhookEventType = "deposit.failed"
	WebhookEventPayoutCompleted  WebhookEventType = "payout.completed"
	WebhookEventPayoutFailed     WebhookEventType = "payout.failed"
)

var validWebhookEventTypes = []WebhookEventType{
	WebhookEventDepositCompleted,
	WebhookEventDepositFailed,
	WebhookEventPayoutCompleted,
	WebhookEventPayoutFailed,
}

// String implements fmt.Stringer.
func (t WebhookEventType) String() string {
	return string(t)
}

// IsValid reports whether the value is a known WebhookEventType.
func (t WebhookEventType) IsValid() bool {
	for _, candidate := range validWebhookEventTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseWebhookEventType converts raw input into a WebhookEventType.
func ParseWebhookEventType(value string) (WebhookEventType, error) {
	for _, candidate := range validWebhookEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid webhook event type %q", value)
}
