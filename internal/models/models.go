package models

import "time"

// User roles
const (
	RoleConsumer = "consumer"
	RoleProducer = "producer"
	RoleAdmin    = "admin"
)

// User represents a marketplace account
type User struct {
	ID        int64     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Email     string    `db:"email" json:"email"`
	Role      string    `db:"role" json:"role"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// UserSummary is the buyer view embedded in order responses
type UserSummary struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// Product represents a producer's listing. Prices are minor currency
// units; stock is decremented only by order assembly.
type Product struct {
	ID         int64     `db:"id" json:"id"`
	ProducerID int64     `db:"producer_id" json:"producer_id"`
	Name       string    `db:"name" json:"name"`
	Category   string    `db:"category" json:"category"`
	Price      int64     `db:"price" json:"price"`
	Stock      int       `db:"stock" json:"stock"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Negotiation statuses
const (
	NegotiationStatusOngoing   = "ongoing"
	NegotiationStatusAgreed    = "agreed"
	NegotiationStatusCancelled = "cancelled"
)

// Negotiation is a buyer/producer message thread over one product.
// ProducerID is copied from the product at open time so access checks
// never need a catalog join; the product stays the source of truth.
type Negotiation struct {
	ID             int64     `db:"id" json:"id"`
	ProductID      int64     `db:"product_id" json:"product_id"`
	BuyerID        int64     `db:"buyer_id" json:"buyer_id"`
	ProducerID     int64     `db:"producer_id" json:"producer_id"`
	Status         string    `db:"status" json:"status"`
	AgreedPrice    *int64    `db:"agreed_price" json:"agreed_price,omitempty"`
	AgreedQuantity *int      `db:"agreed_quantity" json:"agreed_quantity,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Message is one entry in a negotiation thread
type Message struct {
	ID            int64     `db:"id" json:"id"`
	NegotiationID int64     `db:"negotiation_id" json:"negotiation_id"`
	SenderID      int64     `db:"sender_id" json:"sender_id"`
	Body          string    `db:"body" json:"body"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// NegotiationDetail is a negotiation with its message thread
type NegotiationDetail struct {
	Negotiation
	Messages []Message `json:"messages"`
}

// Order statuses. This is the canonical enum; which targets each role
// may set lives in the service capability table.
const (
	OrderStatusPending   = "pending"
	OrderStatusPaid      = "paid"
	OrderStatusShipped   = "shipped"
	OrderStatusDelivered = "delivered"
	OrderStatusCancelled = "cancelled"
	OrderStatusRefunded  = "refunded"
)

// Payment method labels (no gateway integration)
const (
	PaymentMethodStripe      = "stripe"
	PaymentMethodPaypal      = "paypal"
	PaymentMethodDelivery    = "delivery"
	PaymentMethodTransfer    = "transfer"
	PaymentMethodMobileMoney = "mobile_money"
)

// PaymentMethods lists the accepted payment method labels
var PaymentMethods = map[string]bool{
	PaymentMethodStripe:      true,
	PaymentMethodPaypal:      true,
	PaymentMethodDelivery:    true,
	PaymentMethodTransfer:    true,
	PaymentMethodMobileMoney: true,
}

// OrderStatuses lists the canonical order statuses
var OrderStatuses = map[string]bool{
	OrderStatusPending:   true,
	OrderStatusPaid:      true,
	OrderStatusShipped:   true,
	OrderStatusDelivered: true,
	OrderStatusCancelled: true,
	OrderStatusRefunded:  true,
}

// Order represents a buyer's order against a single producer
type Order struct {
	ID             int64     `db:"id" json:"id"`
	BuyerID        int64     `db:"buyer_id" json:"buyer_id"`
	Total          int64     `db:"total" json:"total"`
	Status         string    `db:"status" json:"status"`
	PaymentMethod  string    `db:"payment_method" json:"payment_method"`
	IdempotencyKey string    `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// OrderItem is one line of an order. UnitPrice is snapshotted at order
// time; Total = Quantity * UnitPrice. Immutable once created.
type OrderItem struct {
	ID        int64 `db:"id" json:"id"`
	OrderID   int64 `db:"order_id" json:"order_id"`
	ProductID int64 `db:"product_id" json:"product_id"`
	Quantity  int   `db:"quantity" json:"quantity"`
	UnitPrice int64 `db:"unit_price" json:"unit_price"`
	Total     int64 `db:"total" json:"total"`
}

// OrderItemDetail is an order item joined with its product summary
type OrderItemDetail struct {
	OrderItem
	ProductName  string `db:"product_name" json:"product_name"`
	ProductPrice int64  `db:"product_price" json:"product_price"`
	ProducerID   int64  `db:"producer_id" json:"producer_id"`
}

// OrderDetail is the eager-loaded order graph returned by the API
type OrderDetail struct {
	Order
	Buyer UserSummary       `json:"buyer"`
	Items []OrderItemDetail `json:"items"`
}

// ProcessedEvent for consumer-side idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
