package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"marketplace-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOrderEmptyCart(t *testing.T) {
	f := newFixture()

	_, err := f.orders.CreateOrder(context.Background(), 1, &CreateOrderRequest{})

	var invalid *InvalidInputError
	require.ErrorAs(t, err, &invalid)
}

func TestCreateOrderInvalidQuantity(t *testing.T) {
	f := newFixture()
	f.store.addUser(1, "Ana", models.RoleConsumer)
	f.store.addProduct(10, 2, "Honey", 500, 10)

	_, err := f.orders.CreateOrder(context.Background(), 1, &CreateOrderRequest{
		Items: []OrderItemRequest{{ProductID: 10, Quantity: 0}},
	})

	var invalid *InvalidInputError
	require.ErrorAs(t, err, &invalid)
}

func TestCreateOrderMissingProductsReportsAll(t *testing.T) {
	f := newFixture()
	f.store.addUser(1, "Ana", models.RoleConsumer)
	f.store.addProduct(10, 2, "Honey", 500, 10)

	_, err := f.orders.CreateOrder(context.Background(), 1, &CreateOrderRequest{
		Items: []OrderItemRequest{
			{ProductID: 10, Quantity: 1},
			{ProductID: 98, Quantity: 1},
			{ProductID: 99, Quantity: 1},
		},
	})

	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "product", notFound.Resource)
	assert.ElementsMatch(t, []int64{98, 99}, notFound.IDs)
}

func TestCreateOrderMixedProducersRejected(t *testing.T) {
	f := newFixture()
	f.store.addUser(1, "Ana", models.RoleConsumer)
	f.store.addProduct(10, 2, "Honey", 500, 10)
	f.store.addProduct(11, 3, "Cheese", 800, 10)

	_, err := f.orders.CreateOrder(context.Background(), 1, &CreateOrderRequest{
		Items: []OrderItemRequest{
			{ProductID: 10, Quantity: 1},
			{ProductID: 11, Quantity: 1},
		},
	})

	var invalid *InvalidInputError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, 10, f.store.stock(10))
	assert.Equal(t, 10, f.store.stock(11))
}

func TestCreateOrderInsufficientStockReportsAllShortages(t *testing.T) {
	f := newFixture()
	f.store.addUser(1, "Ana", models.RoleConsumer)
	f.store.addProduct(10, 2, "Honey", 500, 2)
	f.store.addProduct(11, 2, "Jam", 300, 1)
	f.store.addProduct(12, 2, "Bread", 200, 50)

	_, err := f.orders.CreateOrder(context.Background(), 1, &CreateOrderRequest{
		Items: []OrderItemRequest{
			{ProductID: 10, Quantity: 5},
			{ProductID: 11, Quantity: 3},
			{ProductID: 12, Quantity: 2},
		},
	})

	var stock *InsufficientStockError
	require.ErrorAs(t, err, &stock)
	require.Len(t, stock.Shortages, 2)
	byProduct := make(map[int64]StockShortage)
	for _, s := range stock.Shortages {
		byProduct[s.ProductID] = s
	}
	assert.Equal(t, StockShortage{ProductID: 10, ProductName: "Honey", Requested: 5, Available: 2}, byProduct[10])
	assert.Equal(t, StockShortage{ProductID: 11, ProductName: "Jam", Requested: 3, Available: 1}, byProduct[11])

	// Nothing was written.
	assert.Equal(t, 50, f.store.stock(12))
	assert.Empty(t, f.store.orders)
}

func TestCreateOrderSuccess(t *testing.T) {
	f := newFixture()
	f.store.addUser(1, "Ana", models.RoleConsumer)
	f.store.addProduct(10, 2, "Honey", 500, 10)
	f.store.addProduct(11, 2, "Jam", 300, 4)

	detail, err := f.orders.CreateOrder(context.Background(), 1, &CreateOrderRequest{
		Items: []OrderItemRequest{
			{ProductID: 10, Quantity: 2},
			{ProductID: 11, Quantity: 3},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, int64(1), detail.BuyerID)
	assert.Equal(t, "Ana", detail.Buyer.Name)
	assert.Equal(t, models.OrderStatusPending, detail.Status)
	assert.Equal(t, models.PaymentMethodDelivery, detail.PaymentMethod)
	assert.Equal(t, int64(2*500+3*300), detail.Total)
	require.Len(t, detail.Items, 2)
	assert.Equal(t, int64(500), detail.Items[0].UnitPrice)
	assert.Equal(t, "Honey", detail.Items[0].ProductName)

	assert.Equal(t, 8, f.store.stock(10))
	assert.Equal(t, 1, f.store.stock(11))

	require.Len(t, f.publisher.events, 1)
	event, ok := f.publisher.events[0].(*models.OrderCreatedEvent)
	require.True(t, ok)
	assert.Equal(t, detail.ID, event.OrderID)
	assert.Len(t, event.Items, 2)
}

func TestCreateOrderCoalescesDuplicateProducts(t *testing.T) {
	f := newFixture()
	f.store.addUser(1, "Ana", models.RoleConsumer)
	f.store.addProduct(10, 2, "Honey", 500, 10)

	detail, err := f.orders.CreateOrder(context.Background(), 1, &CreateOrderRequest{
		Items: []OrderItemRequest{
			{ProductID: 10, Quantity: 2},
			{ProductID: 10, Quantity: 3},
		},
	})

	require.NoError(t, err)
	require.Len(t, detail.Items, 1)
	assert.Equal(t, 5, detail.Items[0].Quantity)
	assert.Equal(t, int64(2500), detail.Total)
	assert.Equal(t, 5, f.store.stock(10))
}

func TestCreateOrderIdempotencyReturnsOriginal(t *testing.T) {
	f := newFixture()
	f.store.addUser(1, "Ana", models.RoleConsumer)
	f.store.addProduct(10, 2, "Honey", 500, 10)

	req := &CreateOrderRequest{
		Items:          []OrderItemRequest{{ProductID: 10, Quantity: 2}},
		IdempotencyKey: "req-abc",
	}

	first, err := f.orders.CreateOrder(context.Background(), 1, req)
	require.NoError(t, err)

	second, err := f.orders.CreateOrder(context.Background(), 1, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 8, f.store.stock(10))
	require.Len(t, f.store.orders, 1)
}

func TestCreateOrderIdempotencyKeyScopedToBuyer(t *testing.T) {
	f := newFixture()
	f.store.addUser(1, "Ana", models.RoleConsumer)
	f.store.addUser(5, "Eve", models.RoleConsumer)
	f.store.addProduct(10, 2, "Honey", 500, 10)
	f.store.addProduct(11, 2, "Jam", 300, 10)

	first, err := f.orders.CreateOrder(context.Background(), 1, &CreateOrderRequest{
		Items:          []OrderItemRequest{{ProductID: 10, Quantity: 2}},
		IdempotencyKey: "req-abc",
	})
	require.NoError(t, err)

	// Another buyer reusing the same key gets their own order, never a
	// replay of the first buyer's.
	second, err := f.orders.CreateOrder(context.Background(), 5, &CreateOrderRequest{
		Items:          []OrderItemRequest{{ProductID: 11, Quantity: 1}},
		IdempotencyKey: "req-abc",
	})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, int64(5), second.BuyerID)
	assert.Equal(t, "Eve", second.Buyer.Name)
	require.Len(t, second.Items, 1)
	assert.Equal(t, int64(11), second.Items[0].ProductID)
	assert.Equal(t, 9, f.store.stock(11))
	require.Len(t, f.store.orders, 2)
}

func TestCreateOrderDuplicateKeyRaceReturnsWinner(t *testing.T) {
	f := newFixture()
	f.store.addUser(1, "Ana", models.RoleConsumer)
	f.store.addProduct(10, 2, "Honey", 500, 10)

	req := &CreateOrderRequest{
		Items:          []OrderItemRequest{{ProductID: 10, Quantity: 2}},
		IdempotencyKey: "req-abc",
	}

	first, err := f.orders.CreateOrder(context.Background(), 1, req)
	require.NoError(t, err)

	// Simulate two first submissions racing past the replay lookup: the
	// unique index rejects the loser and the winner's order comes back.
	f.store.missIdempotencyOnce = true
	second, err := f.orders.CreateOrder(context.Background(), 1, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	require.Len(t, f.store.orders, 1)
	assert.Equal(t, 8, f.store.stock(10))
}

func TestCreateOrderInvalidPaymentMethod(t *testing.T) {
	f := newFixture()
	f.store.addUser(1, "Ana", models.RoleConsumer)
	f.store.addProduct(10, 2, "Honey", 500, 10)

	_, err := f.orders.CreateOrder(context.Background(), 1, &CreateOrderRequest{
		Items:         []OrderItemRequest{{ProductID: 10, Quantity: 1}},
		PaymentMethod: "wire_transfer",
	})

	var invalid *InvalidInputError
	require.ErrorAs(t, err, &invalid)
}

func TestCreateOrderConcurrentNeverOversells(t *testing.T) {
	f := newFixture()
	f.store.addProduct(10, 2, "Honey", 500, 5)
	for i := int64(1); i <= 10; i++ {
		f.store.addUser(i, "Buyer", models.RoleConsumer)
	}

	var wg sync.WaitGroup
	results := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.orders.CreateOrder(context.Background(), int64(i+1), &CreateOrderRequest{
				Items: []OrderItemRequest{{ProductID: 10, Quantity: 1}},
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		var stock *InsufficientStockError
		require.ErrorAs(t, err, &stock)
	}
	assert.Equal(t, 5, succeeded)
	assert.Equal(t, 0, f.store.stock(10))
}

func TestCreateOrderCommitFailure(t *testing.T) {
	f := newFixture()
	f.store.addUser(1, "Ana", models.RoleConsumer)
	f.store.addProduct(10, 2, "Honey", 500, 10)
	f.store.commitErr = errors.New("connection reset")

	_, err := f.orders.CreateOrder(context.Background(), 1, &CreateOrderRequest{
		Items: []OrderItemRequest{{ProductID: 10, Quantity: 1}},
	})

	require.Error(t, err)
	assert.Equal(t, 10, f.store.stock(10))
	assert.Empty(t, f.store.orders)
	assert.Empty(t, f.publisher.events)
}

func seedOrder(t *testing.T, f *fixture, buyerID, productID int64, quantity int) *models.OrderDetail {
	t.Helper()
	detail, err := f.orders.CreateOrder(context.Background(), buyerID, &CreateOrderRequest{
		Items: []OrderItemRequest{{ProductID: productID, Quantity: quantity}},
	})
	require.NoError(t, err)
	return detail
}

func TestSetStatus(t *testing.T) {
	newSeeded := func(t *testing.T) (*fixture, *models.OrderDetail) {
		f := newFixture()
		f.store.addUser(1, "Ana", models.RoleConsumer)
		f.store.addUser(2, "Bo", models.RoleProducer)
		f.store.addUser(3, "Cleo", models.RoleProducer)
		f.store.addUser(4, "Dee", models.RoleAdmin)
		f.store.addProduct(10, 2, "Honey", 500, 10)
		return f, seedOrder(t, f, 1, 10, 1)
	}

	tests := []struct {
		name     string
		callerID int64
		role     string
		target   string
		wantErr  interface{}
	}{
		{"owning producer marks paid", 2, models.RoleProducer, models.OrderStatusPaid, nil},
		{"owning producer marks pending", 2, models.RoleProducer, models.OrderStatusPending, nil},
		{"producer cannot ship", 2, models.RoleProducer, models.OrderStatusShipped, &ForbiddenError{}},
		{"non-owning producer forbidden", 3, models.RoleProducer, models.OrderStatusPaid, &ForbiddenError{}},
		{"consumer forbidden", 1, models.RoleConsumer, models.OrderStatusPaid, &ForbiddenError{}},
		{"admin ships", 4, models.RoleAdmin, models.OrderStatusShipped, nil},
		{"admin refunds", 4, models.RoleAdmin, models.OrderStatusRefunded, nil},
		{"admin unknown status", 4, models.RoleAdmin, "misplaced", &InvalidInputError{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, order := newSeeded(t)

			detail, err := f.orders.SetStatus(context.Background(), tt.callerID, tt.role, order.ID, tt.target)

			switch want := tt.wantErr.(type) {
			case nil:
				require.NoError(t, err)
				assert.Equal(t, tt.target, detail.Status)
			case *ForbiddenError:
				require.ErrorAs(t, err, &want)
			case *InvalidInputError:
				require.ErrorAs(t, err, &want)
			}
		})
	}
}

func TestSetStatusOrderNotFound(t *testing.T) {
	f := newFixture()
	f.store.addUser(4, "Dee", models.RoleAdmin)

	_, err := f.orders.SetStatus(context.Background(), 4, models.RoleAdmin, 777, models.OrderStatusPaid)

	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, []int64{777}, notFound.IDs)
}

func TestSetStatusPublishesEvent(t *testing.T) {
	f := newFixture()
	f.store.addUser(1, "Ana", models.RoleConsumer)
	f.store.addUser(4, "Dee", models.RoleAdmin)
	f.store.addProduct(10, 2, "Honey", 500, 10)
	order := seedOrder(t, f, 1, 10, 1)

	_, err := f.orders.SetStatus(context.Background(), 4, models.RoleAdmin, order.ID, models.OrderStatusShipped)
	require.NoError(t, err)

	var statusEvent *models.OrderStatusChangedEvent
	for _, e := range f.publisher.events {
		if ev, ok := e.(*models.OrderStatusChangedEvent); ok {
			statusEvent = ev
		}
	}
	require.NotNil(t, statusEvent)
	assert.Equal(t, order.ID, statusEvent.OrderID)
	assert.Equal(t, models.OrderStatusShipped, statusEvent.Status)
	assert.Equal(t, int64(4), statusEvent.ChangedBy)
}

func TestGetOrderAuthorization(t *testing.T) {
	f := newFixture()
	f.store.addUser(1, "Ana", models.RoleConsumer)
	f.store.addUser(5, "Eve", models.RoleConsumer)
	f.store.addProduct(10, 2, "Honey", 500, 10)
	order := seedOrder(t, f, 1, 10, 1)

	got, err := f.orders.GetOrder(context.Background(), 1, models.RoleConsumer, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)

	got, err = f.orders.GetOrder(context.Background(), 2, models.RoleProducer, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)

	_, err = f.orders.GetOrder(context.Background(), 5, models.RoleConsumer, order.ID)
	var forbidden *ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	_, err = f.orders.GetOrder(context.Background(), 1, models.RoleConsumer, 777)
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestListForCallerScoping(t *testing.T) {
	f := newFixture()
	f.store.addUser(1, "Ana", models.RoleConsumer)
	f.store.addUser(5, "Eve", models.RoleConsumer)
	f.store.addProduct(10, 2, "Honey", 500, 10)
	f.store.addProduct(11, 3, "Cheese", 800, 10)
	seedOrder(t, f, 1, 10, 1)
	seedOrder(t, f, 5, 11, 1)

	all, err := f.orders.ListForCaller(context.Background(), 4, models.RoleAdmin)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := f.orders.ListForCaller(context.Background(), 1, models.RoleConsumer)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, int64(1), mine[0].BuyerID)

	producerView, err := f.orders.ListForCaller(context.Background(), 3, models.RoleProducer)
	require.NoError(t, err)
	require.Len(t, producerView, 1)
	assert.Equal(t, int64(5), producerView[0].BuyerID)
}

func TestListMyOrdersSummaries(t *testing.T) {
	f := newFixture()
	f.store.addUser(1, "Ana", models.RoleConsumer)
	f.store.addProduct(10, 2, "Honey", 500, 10)
	seedOrder(t, f, 1, 10, 3)

	summaries, err := f.orders.ListMyOrders(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, int64(1500), summaries[0].Total)
	require.Len(t, summaries[0].Items, 1)
	assert.Equal(t, "Honey", summaries[0].Items[0].ProductName)
	assert.Equal(t, 3, summaries[0].Items[0].Quantity)
}

func TestCoalesceItemsPreservesFirstSeenOrder(t *testing.T) {
	out := coalesceItems([]OrderItemRequest{
		{ProductID: 3, Quantity: 1},
		{ProductID: 1, Quantity: 2},
		{ProductID: 3, Quantity: 4},
	})

	require.Len(t, out, 2)
	assert.Equal(t, OrderItemRequest{ProductID: 3, Quantity: 5}, out[0])
	assert.Equal(t, OrderItemRequest{ProductID: 1, Quantity: 2}, out[1])
}
