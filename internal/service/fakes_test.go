package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketplace-service/internal/models"
	"marketplace-service/internal/store"
)

// memStore is an in-memory Store used by the service tests. Its
// CommitOrder holds one lock for the whole write set, mirroring the
// all-or-nothing semantics of the real transaction.
type memStore struct {
	mu sync.Mutex

	products     map[int64]*models.Product
	users        map[int64]*models.User
	negotiations map[int64]*models.Negotiation
	messages     map[int64][]models.Message
	orders       map[int64]*models.Order
	orderItems   map[int64][]models.OrderItem

	nextNegotiationID int64
	nextMessageID     int64
	nextOrderID       int64
	nextItemID        int64

	commitErr            error // injected failure for the order insert step
	createNegotiationErr error // injected failure for the negotiation insert
	missIdempotencyOnce  bool  // skip one replay lookup to race two first submissions
}

func newMemStore() *memStore {
	return &memStore{
		products:     make(map[int64]*models.Product),
		users:        make(map[int64]*models.User),
		negotiations: make(map[int64]*models.Negotiation),
		messages:     make(map[int64][]models.Message),
		orders:       make(map[int64]*models.Order),
		orderItems:   make(map[int64][]models.OrderItem),
	}
}

func (m *memStore) addUser(id int64, name, role string) {
	m.users[id] = &models.User{ID: id, Name: name, Role: role, CreatedAt: time.Now()}
}

func (m *memStore) addProduct(id, producerID int64, name string, price int64, stock int) {
	m.products[id] = &models.Product{
		ID: id, ProducerID: producerID, Name: name, Price: price, Stock: stock, CreatedAt: time.Now(),
	}
}

func (m *memStore) stock(productID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[productID].Stock
}

func (m *memStore) GetProductByID(_ context.Context, id int64) (*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) GetProductsByIDs(_ context.Context, ids []int64) ([]models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Product
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memStore) GetUserByID(_ context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) CreateNegotiation(_ context.Context, n *models.Negotiation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createNegotiationErr != nil {
		return m.createNegotiationErr
	}
	m.nextNegotiationID++
	n.ID = m.nextNegotiationID
	n.CreatedAt = time.Now()
	n.UpdatedAt = n.CreatedAt
	cp := *n
	m.negotiations[n.ID] = &cp
	return nil
}

func (m *memStore) GetNegotiationByID(_ context.Context, id int64) (*models.Negotiation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.negotiations[id]
	if !ok {
		return nil, nil
	}
	cp := *n
	return &cp, nil
}

func (m *memStore) FindOngoingNegotiation(_ context.Context, productID, buyerID int64) (*models.Negotiation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.negotiations {
		if n.ProductID == productID && n.BuyerID == buyerID && n.Status == models.NegotiationStatusOngoing {
			cp := *n
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListNegotiationsByBuyer(_ context.Context, buyerID int64) ([]models.Negotiation, error) {
	return m.listNegotiations(func(n *models.Negotiation) bool { return n.BuyerID == buyerID })
}

func (m *memStore) ListNegotiationsByProducer(_ context.Context, producerID int64) ([]models.Negotiation, error) {
	return m.listNegotiations(func(n *models.Negotiation) bool { return n.ProducerID == producerID })
}

func (m *memStore) ListNegotiations(_ context.Context) ([]models.Negotiation, error) {
	return m.listNegotiations(func(*models.Negotiation) bool { return true })
}

func (m *memStore) listNegotiations(keep func(*models.Negotiation) bool) ([]models.Negotiation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Negotiation
	for _, n := range m.negotiations {
		if keep(n) {
			out = append(out, *n)
		}
	}
	return out, nil
}

func (m *memStore) AppendNegotiationMessage(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMessageID++
	msg.ID = m.nextMessageID
	msg.CreatedAt = time.Now()
	m.messages[msg.NegotiationID] = append(m.messages[msg.NegotiationID], *msg)
	if n, ok := m.negotiations[msg.NegotiationID]; ok {
		n.UpdatedAt = msg.CreatedAt
	}
	return nil
}

func (m *memStore) GetNegotiationMessages(_ context.Context, negotiationID int64) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Message(nil), m.messages[negotiationID]...), nil
}

func (m *memStore) GetMessagesForNegotiations(_ context.Context, ids []int64) (map[int64][]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64][]models.Message)
	for _, id := range ids {
		if msgs, ok := m.messages[id]; ok {
			out[id] = append([]models.Message(nil), msgs...)
		}
	}
	return out, nil
}

func (m *memStore) CancelNegotiation(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.negotiations[id]
	if !ok || n.Status != models.NegotiationStatusOngoing {
		return false, nil
	}
	n.Status = models.NegotiationStatusCancelled
	n.UpdatedAt = time.Now()
	return true, nil
}

func (m *memStore) CommitOrder(_ context.Context, c *store.OrderCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate everything before touching state so a failed commit
	// leaves no partial writes, like the real transaction.
	var conflicts []store.StockConflict
	for _, d := range c.Decrements {
		p, ok := m.products[d.ProductID]
		available := 0
		if ok {
			available = p.Stock
		}
		if !ok || available < d.Quantity {
			conflicts = append(conflicts, store.StockConflict{ProductID: d.ProductID, Available: available})
		}
	}
	if len(conflicts) > 0 {
		return &store.StockConflictError{Conflicts: conflicts}
	}

	if m.commitErr != nil {
		return m.commitErr
	}

	if c.Agreement != nil {
		n, ok := m.negotiations[c.Agreement.NegotiationID]
		if !ok || n.Status != models.NegotiationStatusOngoing {
			return store.ErrNegotiationNotOngoing
		}
	}

	// Unique index on (buyer_id, idempotency_key).
	for _, o := range m.orders {
		if o.BuyerID == c.Order.BuyerID && o.IdempotencyKey == c.Order.IdempotencyKey {
			return store.ErrDuplicateOrder
		}
	}

	for _, d := range c.Decrements {
		m.products[d.ProductID].Stock -= d.Quantity
	}

	m.nextOrderID++
	c.Order.ID = m.nextOrderID
	c.Order.CreatedAt = time.Now()
	c.Order.UpdatedAt = c.Order.CreatedAt
	cp := *c.Order
	m.orders[cp.ID] = &cp

	for i := range c.Items {
		m.nextItemID++
		c.Items[i].ID = m.nextItemID
		c.Items[i].OrderID = cp.ID
	}
	m.orderItems[cp.ID] = append([]models.OrderItem(nil), c.Items...)

	if c.Agreement != nil {
		n := m.negotiations[c.Agreement.NegotiationID]
		n.Status = models.NegotiationStatusAgreed
		price := c.Agreement.AgreedPrice
		quantity := c.Agreement.AgreedQuantity
		n.AgreedPrice = &price
		n.AgreedQuantity = &quantity
		n.UpdatedAt = time.Now()
	}

	return nil
}

func (m *memStore) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) GetOrderByIdempotencyKey(_ context.Context, buyerID int64, key string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.missIdempotencyOnce {
		m.missIdempotencyOnce = false
		return nil, nil
	}
	for _, o := range m.orders {
		if o.IdempotencyKey == key && o.BuyerID == buyerID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) UpdateOrderStatus(_ context.Context, orderID int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order not found: %d", orderID)
	}
	o.Status = status
	o.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) GetOrderProducerIDs(_ context.Context, orderID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[int64]bool)
	var out []int64
	for _, item := range m.orderItems[orderID] {
		if p, ok := m.products[item.ProductID]; ok && !seen[p.ProducerID] {
			seen[p.ProducerID] = true
			out = append(out, p.ProducerID)
		}
	}
	return out, nil
}

func (m *memStore) GetOrderDetail(_ context.Context, id int64) (*models.OrderDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, nil
	}
	detail := m.buildDetail(o)
	return &detail, nil
}

func (m *memStore) ListOrderDetailsByBuyer(_ context.Context, buyerID int64) ([]models.OrderDetail, error) {
	return m.listOrderDetails(func(o *models.Order) bool { return o.BuyerID == buyerID })
}

func (m *memStore) ListOrderDetailsByProducer(_ context.Context, producerID int64) ([]models.OrderDetail, error) {
	return m.listOrderDetails(func(o *models.Order) bool {
		for _, item := range m.orderItems[o.ID] {
			if p, ok := m.products[item.ProductID]; ok && p.ProducerID == producerID {
				return true
			}
		}
		return false
	})
}

func (m *memStore) ListOrderDetails(_ context.Context) ([]models.OrderDetail, error) {
	return m.listOrderDetails(func(*models.Order) bool { return true })
}

func (m *memStore) listOrderDetails(keep func(*models.Order) bool) ([]models.OrderDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.OrderDetail{}
	for _, o := range m.orders {
		if keep(o) {
			out = append(out, m.buildDetail(o))
		}
	}
	return out, nil
}

func (m *memStore) buildDetail(o *models.Order) models.OrderDetail {
	detail := models.OrderDetail{Order: *o, Buyer: models.UserSummary{ID: o.BuyerID}}
	if u, ok := m.users[o.BuyerID]; ok {
		detail.Buyer.Name = u.Name
	}
	for _, item := range m.orderItems[o.ID] {
		d := models.OrderItemDetail{OrderItem: item}
		if p, ok := m.products[item.ProductID]; ok {
			d.ProductName = p.Name
			d.ProductPrice = p.Price
			d.ProducerID = p.ProducerID
		}
		detail.Items = append(detail.Items, d)
	}
	return detail
}

// memCache implements Cache with an in-process guard map and no order
// caching
type memCache struct {
	mu     sync.Mutex
	guards map[string]bool
}

func newMemCache() *memCache {
	return &memCache{guards: make(map[string]bool)}
}

func (c *memCache) GetOrderDetail(context.Context, int64) (*models.OrderDetail, error) {
	return nil, nil
}

func (c *memCache) SetOrderDetail(context.Context, *models.OrderDetail) error { return nil }

func (c *memCache) InvalidateOrder(context.Context, int64) error { return nil }

func (c *memCache) AcquireOpenGuard(_ context.Context, productID, buyerID int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := fmt.Sprintf("%d:%d", productID, buyerID)
	if c.guards[key] {
		return false, nil
	}
	c.guards[key] = true
	return true, nil
}

func (c *memCache) ReleaseOpenGuard(_ context.Context, productID, buyerID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.guards, fmt.Sprintf("%d:%d", productID, buyerID))
	return nil
}

// memPublisher records published events
type memPublisher struct {
	mu     sync.Mutex
	events []interface{}
}

func (p *memPublisher) publish(event interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *memPublisher) PublishNegotiationOpened(_ context.Context, e *models.NegotiationOpenedEvent) error {
	return p.publish(e)
}

func (p *memPublisher) PublishNegotiationAgreed(_ context.Context, e *models.NegotiationAgreedEvent) error {
	return p.publish(e)
}

func (p *memPublisher) PublishNegotiationCancelled(_ context.Context, e *models.NegotiationCancelledEvent) error {
	return p.publish(e)
}

func (p *memPublisher) PublishOrderCreated(_ context.Context, e *models.OrderCreatedEvent) error {
	return p.publish(e)
}

func (p *memPublisher) PublishOrderStatusChanged(_ context.Context, e *models.OrderStatusChangedEvent) error {
	return p.publish(e)
}

// fixture wires both services over the in-memory fakes
type fixture struct {
	store        *memStore
	cache        *memCache
	publisher    *memPublisher
	orders       *OrderService
	negotiations *NegotiationService
}

func newFixture() *fixture {
	st := newMemStore()
	cache := newMemCache()
	publisher := &memPublisher{}
	orders := NewOrderService(st, cache, publisher, "")
	negotiations := NewNegotiationService(st, cache, publisher, orders)
	return &fixture{
		store:        st,
		cache:        cache,
		publisher:    publisher,
		orders:       orders,
		negotiations: negotiations,
	}
}
