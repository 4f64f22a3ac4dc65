package service

import (
	"context"

	"marketplace-service/internal/models"
	"marketplace-service/internal/store"
)

// Store is the persistence surface the services depend on. *store.Store
// satisfies it; tests substitute an in-memory implementation. CommitOrder
// is the one write that spans records: it takes the whole unit of work
// and commits or rolls back as a unit.
type Store interface {
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)

	CreateNegotiation(ctx context.Context, n *models.Negotiation) error
	GetNegotiationByID(ctx context.Context, id int64) (*models.Negotiation, error)
	FindOngoingNegotiation(ctx context.Context, productID, buyerID int64) (*models.Negotiation, error)
	ListNegotiationsByBuyer(ctx context.Context, buyerID int64) ([]models.Negotiation, error)
	ListNegotiationsByProducer(ctx context.Context, producerID int64) ([]models.Negotiation, error)
	ListNegotiations(ctx context.Context) ([]models.Negotiation, error)
	AppendNegotiationMessage(ctx context.Context, m *models.Message) error
	GetNegotiationMessages(ctx context.Context, negotiationID int64) ([]models.Message, error)
	GetMessagesForNegotiations(ctx context.Context, negotiationIDs []int64) (map[int64][]models.Message, error)
	CancelNegotiation(ctx context.Context, id int64) (bool, error)

	CommitOrder(ctx context.Context, c *store.OrderCommit) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, buyerID int64, key string) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) error
	GetOrderProducerIDs(ctx context.Context, orderID int64) ([]int64, error)
	GetOrderDetail(ctx context.Context, id int64) (*models.OrderDetail, error)
	ListOrderDetailsByBuyer(ctx context.Context, buyerID int64) ([]models.OrderDetail, error)
	ListOrderDetailsByProducer(ctx context.Context, producerID int64) ([]models.OrderDetail, error)
	ListOrderDetails(ctx context.Context) ([]models.OrderDetail, error)
}

// Cache is the read-side cache and the open-guard lock. Failures here
// are never fatal to a request.
type Cache interface {
	GetOrderDetail(ctx context.Context, orderID int64) (*models.OrderDetail, error)
	SetOrderDetail(ctx context.Context, detail *models.OrderDetail) error
	InvalidateOrder(ctx context.Context, orderID int64) error
	AcquireOpenGuard(ctx context.Context, productID, buyerID int64) (bool, error)
	ReleaseOpenGuard(ctx context.Context, productID, buyerID int64) error
}

// EventPublisher publishes domain events after commits. Publish
// failures are logged, never surfaced to the caller.
type EventPublisher interface {
	PublishNegotiationOpened(ctx context.Context, event *models.NegotiationOpenedEvent) error
	PublishNegotiationAgreed(ctx context.Context, event *models.NegotiationAgreedEvent) error
	PublishNegotiationCancelled(ctx context.Context, event *models.NegotiationCancelledEvent) error
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
}
