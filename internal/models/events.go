package models

import "time"

// Event types
const (
	EventTypeNegotiationOpened    = "NEGOTIATION_OPENED"
	EventTypeNegotiationAgreed    = "NEGOTIATION_AGREED"
	EventTypeNegotiationCancelled = "NEGOTIATION_CANCELLED"
	EventTypeOrderCreated         = "ORDER_CREATED"
	EventTypeOrderStatusChanged   = "ORDER_STATUS_CHANGED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NegotiationOpenedEvent published when a buyer opens a thread
type NegotiationOpenedEvent struct {
	BaseEvent
	NegotiationID int64 `json:"negotiation_id"`
	ProductID     int64 `json:"product_id"`
	BuyerID       int64 `json:"buyer_id"`
	ProducerID    int64 `json:"producer_id"`
}

// NegotiationAgreedEvent published after a confirm commits; OrderID is
// the order created in the same transaction
type NegotiationAgreedEvent struct {
	BaseEvent
	NegotiationID  int64 `json:"negotiation_id"`
	OrderID        int64 `json:"order_id"`
	AgreedPrice    int64 `json:"agreed_price"`
	AgreedQuantity int   `json:"agreed_quantity"`
}

// NegotiationCancelledEvent published when a participant cancels
type NegotiationCancelledEvent struct {
	BaseEvent
	NegotiationID int64 `json:"negotiation_id"`
	CancelledBy   int64 `json:"cancelled_by"`
}

// OrderCreatedEvent published after an order commits
type OrderCreatedEvent struct {
	BaseEvent
	OrderID int64           `json:"order_id"`
	BuyerID int64           `json:"buyer_id"`
	Total   int64           `json:"total"`
	Items   []OrderItemData `json:"items"`
}

// OrderStatusChangedEvent published on lifecycle transitions
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID   int64  `json:"order_id"`
	Status    string `json:"status"`
	ChangedBy int64  `json:"changed_by"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
}
