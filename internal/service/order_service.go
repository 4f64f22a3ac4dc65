package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace-service/internal/models"
	"marketplace-service/internal/store"
	"marketplace-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderService validates candidate line items and turns them into
// durable orders via the atomic commit in the store
type OrderService struct {
	store          Store
	cache          Cache
	eventPublisher EventPublisher
	defaultPayment string
	logger         *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(store Store, cache Cache, eventPublisher EventPublisher, defaultPayment string) *OrderService {
	if defaultPayment == "" {
		defaultPayment = models.PaymentMethodDelivery
	}
	return &OrderService{
		store:          store,
		cache:          cache,
		eventPublisher: eventPublisher,
		defaultPayment: defaultPayment,
		logger:         util.GetLogger(),
	}
}

// CreateOrderRequest represents a request to create an order from a cart
type CreateOrderRequest struct {
	Items          []OrderItemRequest `json:"items" binding:"required,min=1"`
	PaymentMethod  string             `json:"payment_method"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

// CreateOrder runs the cart validation pipeline and, if everything
// passes, commits the order, its items and the stock decrements as one
// transaction. Duplicate product IDs in the cart are coalesced into a
// single line item with summed quantity.
func (s *OrderService) CreateOrder(ctx context.Context, buyerID int64, req *CreateOrderRequest) (*models.OrderDetail, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if len(req.Items) == 0 {
		util.OrdersFailedTotal.WithLabelValues("empty_cart").Inc()
		return nil, &InvalidInputError{Reason: "order must contain at least one item"}
	}
	for _, item := range req.Items {
		if item.Quantity < 1 {
			util.OrdersFailedTotal.WithLabelValues("invalid_quantity").Inc()
			return nil, &InvalidInputError{Reason: fmt.Sprintf("quantity for product %d must be at least 1", item.ProductID)}
		}
	}

	if req.IdempotencyKey != "" {
		existing, err := s.store.GetOrderByIdempotencyKey(ctx, buyerID, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			s.logger.Info("Duplicate order request detected",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Int64("order_id", existing.ID))
			return s.loadDetail(ctx, existing.ID)
		}
	}
	idemKey := req.IdempotencyKey
	if idemKey == "" {
		idemKey = uuid.New().String()
	}

	lines := coalesceItems(req.Items)

	productIDs := make([]int64, len(lines))
	for i, line := range lines {
		productIDs[i] = line.ProductID
	}
	products, err := s.store.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}
	productsByID := make(map[int64]*models.Product, len(products))
	for i := range products {
		productsByID[products[i].ID] = &products[i]
	}

	var missing []int64
	for _, id := range productIDs {
		if _, ok := productsByID[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		util.OrdersFailedTotal.WithLabelValues("missing_products").Inc()
		return nil, &NotFoundError{Resource: "product", IDs: missing}
	}

	producers := make(map[int64]bool)
	for _, p := range productsByID {
		producers[p.ProducerID] = true
	}
	if len(producers) > 1 {
		util.OrdersFailedTotal.WithLabelValues("mixed_producers").Inc()
		return nil, &InvalidInputError{Reason: "order items must all belong to a single producer"}
	}

	var shortages []StockShortage
	for _, line := range lines {
		product := productsByID[line.ProductID]
		if product.Stock < line.Quantity {
			shortages = append(shortages, StockShortage{
				ProductID:   product.ID,
				ProductName: product.Name,
				Requested:   line.Quantity,
				Available:   product.Stock,
			})
		}
	}
	if len(shortages) > 0 {
		util.OrdersFailedTotal.WithLabelValues("insufficient_stock").Inc()
		return nil, &InsufficientStockError{Shortages: shortages}
	}

	payment := req.PaymentMethod
	if payment == "" {
		payment = s.defaultPayment
	}
	if !models.PaymentMethods[payment] {
		util.OrdersFailedTotal.WithLabelValues("invalid_payment_method").Inc()
		return nil, &InvalidInputError{Reason: fmt.Sprintf("unknown payment method: %s", payment)}
	}

	// Unit prices are snapshotted from the catalog, never taken from
	// caller input.
	items := make([]models.OrderItem, len(lines))
	for i, line := range lines {
		product := productsByID[line.ProductID]
		items[i] = models.OrderItem{
			ProductID: product.ID,
			Quantity:  line.Quantity,
			UnitPrice: product.Price,
			Total:     product.Price * int64(line.Quantity),
		}
	}

	return s.commitAssembly(ctx, buyerID, payment, idemKey, items, productsByID, nil)
}

// createNegotiatedOrder commits a single-item order at the negotiated
// price together with the negotiation's agreed transition
func (s *OrderService) createNegotiatedOrder(ctx context.Context, buyerID int64, product *models.Product,
	price int64, quantity int, agreement *store.NegotiationAgreement) (*models.OrderDetail, error) {

	item := models.OrderItem{
		ProductID: product.ID,
		Quantity:  quantity,
		UnitPrice: price,
		Total:     price * int64(quantity),
	}
	productsByID := map[int64]*models.Product{product.ID: product}

	return s.commitAssembly(ctx, buyerID, s.defaultPayment, uuid.New().String(),
		[]models.OrderItem{item}, productsByID, agreement)
}

// commitAssembly performs the shared commit step of both order paths
func (s *OrderService) commitAssembly(ctx context.Context, buyerID int64, payment, idemKey string,
	items []models.OrderItem, productsByID map[int64]*models.Product,
	agreement *store.NegotiationAgreement) (*models.OrderDetail, error) {

	var total int64
	for _, item := range items {
		total += item.Total
	}

	order := &models.Order{
		BuyerID:        buyerID,
		Total:          total,
		Status:         models.OrderStatusPending,
		PaymentMethod:  payment,
		IdempotencyKey: idemKey,
	}

	decrements := make([]store.StockDecrement, len(items))
	for i, item := range items {
		decrements[i] = store.StockDecrement{ProductID: item.ProductID, Quantity: item.Quantity}
	}

	commit := &store.OrderCommit{
		Order:      order,
		Items:      items,
		Decrements: decrements,
		Agreement:  agreement,
	}

	start := time.Now()
	err := s.store.CommitOrder(ctx, commit)
	util.OrderCommitLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		var conflict *store.StockConflictError
		if errors.As(err, &conflict) {
			util.OrdersFailedTotal.WithLabelValues("insufficient_stock").Inc()
			return nil, shortagesFromConflict(conflict, items, productsByID)
		}
		if errors.Is(err, store.ErrNegotiationNotOngoing) {
			util.OrdersFailedTotal.WithLabelValues("negotiation_raced").Inc()
			return nil, &ConflictError{Reason: "negotiation is no longer ongoing"}
		}
		if errors.Is(err, store.ErrDuplicateOrder) {
			// A concurrent submission with the same key won the unique
			// index; return its order.
			existing, lookupErr := s.store.GetOrderByIdempotencyKey(ctx, buyerID, idemKey)
			if lookupErr == nil && existing != nil {
				return s.loadDetail(ctx, existing.ID)
			}
			return nil, &ConflictError{Reason: "order with this idempotency key already exists"}
		}
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to commit order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("buyer_id", buyerID),
		zap.Int64("total", total))

	detail := s.buildDetail(ctx, order, commit.Items, productsByID)

	if err := s.cache.SetOrderDetail(ctx, detail); err != nil {
		s.logger.Warn("Failed to cache order detail", zap.Int64("order_id", order.ID), zap.Error(err))
	}

	event := &models.OrderCreatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderCreated,
			Timestamp: time.Now(),
		},
		OrderID: order.ID,
		BuyerID: buyerID,
		Total:   total,
	}
	for _, item := range commit.Items {
		event.Items = append(event.Items, models.OrderItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	if err := s.eventPublisher.PublishOrderCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}

	return detail, nil
}

// buildDetail assembles the eager response from data already in hand so
// the success path needs no follow-up read
func (s *OrderService) buildDetail(ctx context.Context, order *models.Order, items []models.OrderItem,
	productsByID map[int64]*models.Product) *models.OrderDetail {

	detail := &models.OrderDetail{
		Order: *order,
		Buyer: models.UserSummary{ID: order.BuyerID},
		Items: make([]models.OrderItemDetail, len(items)),
	}
	for i, item := range items {
		product := productsByID[item.ProductID]
		detail.Items[i] = models.OrderItemDetail{
			OrderItem:    item,
			ProductName:  product.Name,
			ProductPrice: product.Price,
			ProducerID:   product.ProducerID,
		}
	}

	buyer, err := s.store.GetUserByID(ctx, order.BuyerID)
	if err != nil {
		s.logger.Warn("Failed to load buyer summary", zap.Int64("buyer_id", order.BuyerID), zap.Error(err))
	} else if buyer != nil {
		detail.Buyer.Name = buyer.Name
	}

	return detail
}

// SetStatus applies a role-gated lifecycle transition to an order
func (s *OrderService) SetStatus(ctx context.Context, callerID int64, callerRole string,
	orderID int64, target string) (*models.OrderDetail, error) {

	ctx, span := util.StartSpan(ctx, "OrderService.SetStatus")
	defer span.End()

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	if order == nil {
		return nil, &NotFoundError{Resource: "order", IDs: []int64{orderID}}
	}

	ownsItems := false
	if callerRole == models.RoleProducer {
		producerIDs, err := s.store.GetOrderProducerIDs(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("failed to load order producers: %w", err)
		}
		for _, id := range producerIDs {
			if id == callerID {
				ownsItems = true
				break
			}
		}
	}

	if err := AuthorizeStatusChange(callerRole, ownsItems, target); err != nil {
		return nil, err
	}

	if err := s.store.UpdateOrderStatus(ctx, orderID, target); err != nil {
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}

	util.OrderStatusUpdatesTotal.WithLabelValues(target).Inc()
	s.logger.Info("Order status updated",
		zap.Int64("order_id", orderID),
		zap.String("status", target),
		zap.Int64("changed_by", callerID))

	if err := s.cache.InvalidateOrder(ctx, orderID); err != nil {
		s.logger.Warn("Failed to invalidate order cache", zap.Int64("order_id", orderID), zap.Error(err))
	}

	event := &models.OrderStatusChangedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderStatusChanged,
			Timestamp: time.Now(),
		},
		OrderID:   orderID,
		Status:    target,
		ChangedBy: callerID,
	}
	if err := s.eventPublisher.PublishOrderStatusChanged(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderStatusChanged event", zap.Error(err))
	}

	return s.loadDetail(ctx, orderID)
}

// GetOrder retrieves the eager order graph with read authorization
func (s *OrderService) GetOrder(ctx context.Context, callerID int64, callerRole string, orderID int64) (*models.OrderDetail, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	detail, err := s.cache.GetOrderDetail(ctx, orderID)
	if err != nil {
		s.logger.Warn("Order cache read failed", zap.Int64("order_id", orderID), zap.Error(err))
		detail = nil
	}

	if detail == nil {
		detail, err = s.store.GetOrderDetail(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("failed to load order: %w", err)
		}
		if detail == nil {
			return nil, &NotFoundError{Resource: "order", IDs: []int64{orderID}}
		}
		if err := s.cache.SetOrderDetail(ctx, detail); err != nil {
			s.logger.Warn("Failed to cache order detail", zap.Int64("order_id", orderID), zap.Error(err))
		}
	}

	if !CanViewOrder(callerRole, callerID, detail) {
		return nil, &ForbiddenError{Reason: "not a participant in this order"}
	}
	return detail, nil
}

// ListForCaller returns eager-loaded orders scoped by role: admins see
// all, producers see orders containing their items, everyone else sees
// their own purchases
func (s *OrderService) ListForCaller(ctx context.Context, callerID int64, callerRole string) ([]models.OrderDetail, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListForCaller")
	defer span.End()

	switch callerRole {
	case models.RoleAdmin:
		return s.store.ListOrderDetails(ctx)
	case models.RoleProducer:
		return s.store.ListOrderDetailsByProducer(ctx, callerID)
	default:
		return s.store.ListOrderDetailsByBuyer(ctx, callerID)
	}
}

// OrderSummary is the condensed per-buyer view
type OrderSummary struct {
	ID            int64              `json:"id"`
	Status        string             `json:"status"`
	PaymentMethod string             `json:"payment_method"`
	Total         int64              `json:"total"`
	CreatedAt     time.Time          `json:"created_at"`
	Items         []OrderSummaryItem `json:"items"`
}

// OrderSummaryItem is one condensed order line
type OrderSummaryItem struct {
	ProductName string `json:"product_name"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	Total       int64  `json:"total"`
}

// ListMyOrders returns the buyer's orders in the condensed form
func (s *OrderService) ListMyOrders(ctx context.Context, buyerID int64) ([]OrderSummary, error) {
	details, err := s.store.ListOrderDetailsByBuyer(ctx, buyerID)
	if err != nil {
		return nil, err
	}

	out := make([]OrderSummary, 0, len(details))
	for _, d := range details {
		summary := OrderSummary{
			ID:            d.ID,
			Status:        d.Status,
			PaymentMethod: d.PaymentMethod,
			Total:         d.Total,
			CreatedAt:     d.CreatedAt,
		}
		for _, item := range d.Items {
			summary.Items = append(summary.Items, OrderSummaryItem{
				ProductName: item.ProductName,
				Quantity:    item.Quantity,
				UnitPrice:   item.UnitPrice,
				Total:       item.Total,
			})
		}
		out = append(out, summary)
	}
	return out, nil
}

// loadDetail fetches the eager graph without a caller check, for paths
// that already authorized the write
func (s *OrderService) loadDetail(ctx context.Context, orderID int64) (*models.OrderDetail, error) {
	detail, err := s.store.GetOrderDetail(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	if detail == nil {
		return nil, &NotFoundError{Resource: "order", IDs: []int64{orderID}}
	}
	return detail, nil
}

// coalesceItems merges duplicate product IDs into one line item each,
// preserving first-seen order
func coalesceItems(items []OrderItemRequest) []OrderItemRequest {
	index := make(map[int64]int, len(items))
	out := make([]OrderItemRequest, 0, len(items))
	for _, item := range items {
		if i, ok := index[item.ProductID]; ok {
			out[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(out)
		out = append(out, item)
	}
	return out
}

// shortagesFromConflict maps a commit-time stock conflict back to the
// structured shortfall shape, using the requested quantities in hand
func shortagesFromConflict(conflict *store.StockConflictError, items []models.OrderItem,
	productsByID map[int64]*models.Product) error {

	requested := make(map[int64]int, len(items))
	for _, item := range items {
		requested[item.ProductID] += item.Quantity
	}

	shortages := make([]StockShortage, 0, len(conflict.Conflicts))
	for _, c := range conflict.Conflicts {
		name := ""
		if p, ok := productsByID[c.ProductID]; ok {
			name = p.Name
		}
		shortages = append(shortages, StockShortage{
			ProductID:   c.ProductID,
			ProductName: name,
			Requested:   requested[c.ProductID],
			Available:   c.Available,
		})
	}
	return &InsufficientStockError{Shortages: shortages}
}
