package subscription

import "github.com/mealbridge/MealBridge/app/models"

// StatusRank orders lifecycle statuses for regression checks. Delivery is
// at-least-once and unordered, so a "less advanced" event must never move a
// subscription backward. Revoked absorbs everything.
func StatusRank(status string) int {
	switch status {
	case models.SubscriptionStatusUnknown:
		return 0
	case models.SubscriptionStatusExpired:
		return 1
	case models.SubscriptionStatusActive,
		models.SubscriptionStatusInGracePeriod,
		models.SubscriptionStatusInBillingRetry:
		return 2
	case models.SubscriptionStatusRevoked:
		return 3
	}
	return -1
}

// ValidateTransition reports whether moving from current to proposed is legal
// for the given event kind. The graph is enumerated explicitly and fails
// closed: anything not listed is rejected and routed to the dead-letter queue
// for retry or manual review.
func ValidateTransition(current, proposed string, kind EventKind) bool {
	if StatusRank(current) < 0 || StatusRank(proposed) < 0 {
		return false
	}

	// Revoked is terminal for the transaction id; only a duplicate revoke is
	// tolerated as a no-op.
	if current == models.SubscriptionStatusRevoked {
		return proposed == models.SubscriptionStatusRevoked && kind == KindRevoke
	}

	// Refunds and administrative revokes apply to any materialized status.
	if proposed == models.SubscriptionStatusRevoked {
		return kind == KindRevoke && current != models.SubscriptionStatusUnknown
	}

	// Auto-renew preference changes keep the lifecycle status in place.
	if kind == KindRenewalPref {
		return proposed == current && current != models.SubscriptionStatusUnknown
	}

	switch current {
	case models.SubscriptionStatusUnknown:
		// First materialization must come from a purchase-class event.
		if proposed != models.SubscriptionStatusActive {
			return false
		}
		return kind == KindPurchase || kind == KindOfferRedemption || kind == KindResubscribe

	case models.SubscriptionStatusActive:
		switch proposed {
		case models.SubscriptionStatusActive:
			// Ordinary renewals extend the period without changing status.
			return kind == KindRenewal || kind == KindBillingRecovery ||
				kind == KindPurchase || kind == KindOfferRedemption || kind == KindResubscribe
		case models.SubscriptionStatusInGracePeriod:
			return kind == KindBillingIssue
		case models.SubscriptionStatusInBillingRetry:
			return kind == KindBillingRetry
		case models.SubscriptionStatusExpired:
			return kind == KindExpiration
		}
		return false

	case models.SubscriptionStatusInGracePeriod:
		switch proposed {
		case models.SubscriptionStatusActive:
			return kind == KindBillingRecovery || kind == KindRenewal
		case models.SubscriptionStatusInBillingRetry:
			return kind == KindBillingRetry || kind == KindGraceExpired
		case models.SubscriptionStatusExpired:
			return kind == KindExpiration
		case models.SubscriptionStatusInGracePeriod:
			return kind == KindBillingIssue
		}
		return false

	case models.SubscriptionStatusInBillingRetry:
		switch proposed {
		case models.SubscriptionStatusActive:
			return kind == KindBillingRecovery || kind == KindRenewal
		case models.SubscriptionStatusExpired:
			return kind == KindExpiration
		case models.SubscriptionStatusInBillingRetry:
			return kind == KindBillingRetry || kind == KindGraceExpired
		}
		return false

	case models.SubscriptionStatusExpired:
		// Resubscription is treated as a fresh purchase event.
		if proposed != models.SubscriptionStatusActive {
			return proposed == models.SubscriptionStatusExpired && kind == KindExpiration
		}
		return kind == KindResubscribe || kind == KindPurchase || kind == KindOfferRedemption
	}

	return false
}
