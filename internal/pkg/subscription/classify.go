package subscription

import (
	"strings"

	"github.com/mealbridge/MealBridge/app/models"
)

// Apple App Store server notification types and subtypes (v2 vocabulary).
const (
	AppleSubscribed         = "SUBSCRIBED"
	AppleDidRenew           = "DID_RENEW"
	AppleDidFailToRenew     = "DID_FAIL_TO_RENEW"
	AppleGracePeriodExpired = "GRACE_PERIOD_EXPIRED"
	AppleExpired            = "EXPIRED"
	AppleRefund             = "REFUND"
	AppleRevoke             = "REVOKE"
	AppleOfferRedeemed      = "OFFER_REDEEMED"
	AppleRenewalStatus      = "DID_CHANGE_RENEWAL_STATUS"
	AppleRenewalPref        = "DID_CHANGE_RENEWAL_PREF"

	AppleSubtypeInitialBuy      = "INITIAL_BUY"
	AppleSubtypeResubscribe     = "RESUBSCRIBE"
	AppleSubtypeBillingRecovery = "BILLING_RECOVERY"
	AppleSubtypeGracePeriod     = "GRACE_PERIOD"
	AppleSubtypeBillingRetry    = "BILLING_RETRY"
	AppleSubtypeVoluntary       = "VOLUNTARY"
)

// Google Play real-time developer notification types.
const (
	GooglePurchased   = "SUBSCRIPTION_PURCHASED"
	GoogleRenewed     = "SUBSCRIPTION_RENEWED"
	GoogleRecovered   = "SUBSCRIPTION_RECOVERED"
	GoogleGracePeriod = "SUBSCRIPTION_IN_GRACE_PERIOD"
	GoogleOnHold      = "SUBSCRIPTION_ON_HOLD"
	GoogleCanceled    = "SUBSCRIPTION_CANCELED"
	GoogleExpired     = "SUBSCRIPTION_EXPIRED"
	GoogleRevoked     = "SUBSCRIPTION_REVOKED"
	GoogleRestarted   = "SUBSCRIPTION_RESTARTED"
)

// Stripe webhook event types consumed by the lifecycle manager.
const (
	StripeSubCreated    = "customer.subscription.created"
	StripeSubUpdated    = "customer.subscription.updated"
	StripeSubDeleted    = "customer.subscription.deleted"
	StripeInvoicePaid   = "invoice.paid"
	StripeInvoiceFailed = "invoice.payment_failed"
	StripeChargeRefund  = "charge.refunded"
)

// Classification is the normalized meaning of a platform-specific
// (type, subtype) pair: its event kind plus the status it proposes.
type Classification struct {
	Kind     EventKind
	Proposed string
}

// Classify maps a platform-tagged notification onto the shared event
// vocabulary. Unrecognized combinations return ok=false and are parked for
// review rather than guessed at.
func Classify(platform, notificationType, subtype string) (Classification, bool) {
	t := strings.TrimSpace(notificationType)
	sub := strings.TrimSpace(subtype)

	switch strings.ToLower(strings.TrimSpace(platform)) {
	case models.PlatformApple:
		return classifyApple(t, sub)
	case models.PlatformGoogle:
		return classifyGoogle(t)
	case models.PlatformStripe:
		return classifyStripe(t, sub)
	}
	return Classification{Kind: KindUnrecognized}, false
}

func classifyApple(t, sub string) (Classification, bool) {
	switch t {
	case AppleSubscribed:
		if sub == AppleSubtypeResubscribe {
			return Classification{KindResubscribe, models.SubscriptionStatusActive}, true
		}
		return Classification{KindPurchase, models.SubscriptionStatusActive}, true
	case AppleOfferRedeemed:
		return Classification{KindOfferRedemption, models.SubscriptionStatusActive}, true
	case AppleDidRenew:
		if sub == AppleSubtypeBillingRecovery {
			return Classification{KindBillingRecovery, models.SubscriptionStatusActive}, true
		}
		return Classification{KindRenewal, models.SubscriptionStatusActive}, true
	case AppleDidFailToRenew:
		if sub == AppleSubtypeGracePeriod {
			return Classification{KindBillingIssue, models.SubscriptionStatusInGracePeriod}, true
		}
		return Classification{KindBillingRetry, models.SubscriptionStatusInBillingRetry}, true
	case AppleGracePeriodExpired:
		return Classification{KindGraceExpired, models.SubscriptionStatusInBillingRetry}, true
	case AppleExpired:
		return Classification{KindExpiration, models.SubscriptionStatusExpired}, true
	case AppleRefund, AppleRevoke:
		return Classification{KindRevoke, models.SubscriptionStatusRevoked}, true
	case AppleRenewalStatus, AppleRenewalPref:
		// Auto-renew toggles do not move the lifecycle status.
		return Classification{KindRenewalPref, ""}, true
	}
	return Classification{Kind: KindUnrecognized}, false
}

func classifyGoogle(t string) (Classification, bool) {
	switch t {
	case GooglePurchased:
		return Classification{KindPurchase, models.SubscriptionStatusActive}, true
	case GoogleRestarted:
		return Classification{KindResubscribe, models.SubscriptionStatusActive}, true
	case GoogleRenewed:
		return Classification{KindRenewal, models.SubscriptionStatusActive}, true
	case GoogleRecovered:
		return Classification{KindBillingRecovery, models.SubscriptionStatusActive}, true
	case GoogleGracePeriod:
		return Classification{KindBillingIssue, models.SubscriptionStatusInGracePeriod}, true
	case GoogleOnHold:
		return Classification{KindBillingRetry, models.SubscriptionStatusInBillingRetry}, true
	case GoogleCanceled:
		// Cancellation keeps entitlement until period end; auto-renew off.
		return Classification{KindRenewalPref, ""}, true
	case GoogleExpired:
		return Classification{KindExpiration, models.SubscriptionStatusExpired}, true
	case GoogleRevoked:
		return Classification{KindRevoke, models.SubscriptionStatusRevoked}, true
	}
	return Classification{Kind: KindUnrecognized}, false
}

func classifyStripe(t, sub string) (Classification, bool) {
	switch t {
	case StripeSubCreated:
		return Classification{KindPurchase, models.SubscriptionStatusActive}, true
	case StripeInvoicePaid:
		if sub == "billing_reason:subscription_cycle" {
			return Classification{KindRenewal, models.SubscriptionStatusActive}, true
		}
		return Classification{KindBillingRecovery, models.SubscriptionStatusActive}, true
	case StripeInvoiceFailed:
		return Classification{KindBillingIssue, models.SubscriptionStatusInGracePeriod}, true
	case StripeSubUpdated:
		return Classification{KindRenewalPref, ""}, true
	case StripeSubDeleted:
		return Classification{KindExpiration, models.SubscriptionStatusExpired}, true
	case StripeChargeRefund:
		return Classification{KindRevoke, models.SubscriptionStatusRevoked}, true
	}
	return Classification{Kind: KindUnrecognized}, false
}
