package subscription

import (
	"time"
)

// EventKind is the provider-neutral classification of a billing notification.
// Apple, Google Play and Stripe payloads are mapped onto this single variant
// so validation and upsert logic stays provider-agnostic.
type EventKind string

const (
	KindPurchase        EventKind = "purchase"
	KindOfferRedemption EventKind = "offer_redemption"
	KindResubscribe     EventKind = "resubscribe"
	KindRenewal         EventKind = "renewal"
	KindBillingRecovery EventKind = "billing_recovery"
	KindBillingIssue    EventKind = "billing_issue"
	KindBillingRetry    EventKind = "billing_retry"
	KindGraceExpired    EventKind = "grace_expired"
	KindExpiration      EventKind = "expiration"
	KindRevoke          EventKind = "revoke"
	KindRenewalPref     EventKind = "renewal_pref"
	KindUnrecognized    EventKind = "unrecognized"
)

// WebhookEnvelope is the already-verified, decoded notification handed over
// by the HTTP listener. Signature checking and payload decoding happen
// upstream; the envelope's NotificationID is the system's idempotency key.
type WebhookEnvelope struct {
	NotificationID        string         `json:"notification_id" validate:"required,max=191"`
	Platform              string         `json:"platform" validate:"required,oneof=apple google stripe"`
	NotificationType      string         `json:"notification_type" validate:"required,max=100"`
	Subtype               string         `json:"subtype" validate:"max=100"`
	OriginalTransactionID string         `json:"original_transaction_id" validate:"required,max=191"`
	RawPayload            string         `json:"raw_payload"`
	Payload               DecodedPayload `json:"payload"`
	SignedAt              *time.Time     `json:"signed_at,omitempty"`
}

// DecodedPayload carries the subscription fields extracted from the signed
// provider payload.
type DecodedPayload struct {
	ProductID           string     `json:"product_id"`
	BundleID            string     `json:"bundle_id"`
	PurchasedAt         *time.Time `json:"purchased_at,omitempty"`
	OriginalPurchasedAt *time.Time `json:"original_purchased_at,omitempty"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	AutoRenewEnabled    bool       `json:"auto_renew_enabled"`
	AutoRenewProductID  string     `json:"auto_renew_product_id"`
	Environment         string     `json:"environment"`
	AppAccountToken     string     `json:"app_account_token"`
}

// Result reports the outcome of processing one envelope. The webhook path
// always acknowledges receipt; Parked signals that state application was
// deferred to the retry scheduler.
type Result struct {
	EventID   uint   `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
	Applied   bool   `json:"applied"`
	Parked    bool   `json:"parked"`
	Error     string `json:"error,omitempty"`
}

// DrainStats summarizes one retry scheduler pass over the dead-letter queue.
type DrainStats struct {
	Claimed     int `json:"claimed"`
	Applied     int `json:"applied"`
	Rescheduled int `json:"rescheduled"`
	ExpiredOut  int `json:"expired"`
}

// DLQStats is the operational view of the dead-letter queue used for
// queue-depth/age alerting.
type DLQStats struct {
	Depth        int64      `json:"depth"`
	ExpiredCount int64      `json:"expired_count"`
	OldestEntry  *time.Time `json:"oldest_entry,omitempty"`
}
