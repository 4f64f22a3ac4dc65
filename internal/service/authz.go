package service

import (
	"fmt"

	"marketplace-service/internal/models"
)

// NegotiationFacts are the ownership facts authorization decisions on a
// negotiation are made from
type NegotiationFacts struct {
	IsBuyer    bool
	IsProducer bool
}

// CanAppendMessage allows only the two participants to post
func CanAppendMessage(f NegotiationFacts) bool {
	return f.IsBuyer || f.IsProducer
}

// CanCancelNegotiation allows either participant to cancel
func CanCancelNegotiation(f NegotiationFacts) bool {
	return f.IsBuyer || f.IsProducer
}

// CanConfirmNegotiation allows only the producer of record to confirm
func CanConfirmNegotiation(f NegotiationFacts) bool {
	return f.IsProducer
}

// statusTargetsByRole is the single source of truth for which order
// statuses each role may set. The current status is never consulted.
var statusTargetsByRole = map[string]map[string]bool{
	models.RoleAdmin: {
		models.OrderStatusPending:   true,
		models.OrderStatusPaid:      true,
		models.OrderStatusShipped:   true,
		models.OrderStatusDelivered: true,
		models.OrderStatusCancelled: true,
		models.OrderStatusRefunded:  true,
	},
	models.RoleProducer: {
		models.OrderStatusPending: true,
		models.OrderStatusPaid:    true,
	},
}

// AuthorizeStatusChange decides whether a caller may set an order to
// the target status. Producers must own at least one of the order's
// items. Admins get InvalidInput on an unknown status; producers get
// Forbidden on statuses outside their set; consumers are never allowed.
func AuthorizeStatusChange(role string, ownsItems bool, target string) error {
	targets, ok := statusTargetsByRole[role]
	if !ok {
		return &ForbiddenError{Reason: "role may not change order status"}
	}

	if role == models.RoleProducer && !ownsItems {
		return &ForbiddenError{Reason: "producer owns no item in this order"}
	}

	if !targets[target] {
		if !models.OrderStatuses[target] {
			return &InvalidInputError{Reason: fmt.Sprintf("invalid order status: %s", target)}
		}
		return &ForbiddenError{Reason: fmt.Sprintf("role may not set status %s", target)}
	}

	return nil
}

// CanViewOrder decides read access to an order graph
func CanViewOrder(role string, callerID int64, detail *models.OrderDetail) bool {
	if role == models.RoleAdmin {
		return true
	}
	if detail.BuyerID == callerID {
		return true
	}
	if role == models.RoleProducer {
		for _, item := range detail.Items {
			if item.ProducerID == callerID {
				return true
			}
		}
	}
	return false
}
