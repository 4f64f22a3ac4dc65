package store

import (
	"context"
	"database/sql"

	"marketplace-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// orderRow carries an order joined with its buyer summary
type orderRow struct {
	models.Order
	BuyerName string `db:"buyer_name"`
}

const orderSelect = `
	SELECT o.*, u.name AS buyer_name
	FROM orders o
	JOIN users u ON u.id = o.buyer_id`

const orderItemDetailSelect = `
	SELECT oi.*, p.name AS product_name, p.price AS product_price, p.producer_id
	FROM order_items oi
	JOIN products p ON p.id = oi.product_id`

// GetOrderByID retrieves an order by ID. Returns (nil, nil) when the
// order does not exist.
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves a buyer's order by idempotency
// key. Keys are client-chosen, so the lookup is scoped to the
// submitting buyer; one buyer's key never replays another's order.
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, buyerID int64, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT * FROM orders WHERE idempotency_key = $1 AND buyer_id = $2", key, buyerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrderStatus updates order status
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		status, orderID)
	return err
}

// GetOrderProducerIDs returns the distinct producer IDs owning the
// order's items, used by status-change authorization
func (s *Store) GetOrderProducerIDs(ctx context.Context, orderID int64) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		SELECT DISTINCT p.producer_id
		FROM order_items oi
		JOIN products p ON p.id = oi.product_id
		WHERE oi.order_id = $1`, orderID)
	return ids, err
}

// GetOrderDetail retrieves the eager-loaded order graph. Returns
// (nil, nil) when the order does not exist.
func (s *Store) GetOrderDetail(ctx context.Context, id int64) (*models.OrderDetail, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, orderSelect+" WHERE o.id = $1", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var items []models.OrderItemDetail
	err = s.db.SelectContext(ctx, &items,
		orderItemDetailSelect+" WHERE oi.order_id = $1 ORDER BY oi.id", id)
	if err != nil {
		return nil, err
	}

	detail := toOrderDetail(row)
	detail.Items = items
	return &detail, nil
}

// ListOrderDetailsByBuyer retrieves eager-loaded orders for a buyer
func (s *Store) ListOrderDetailsByBuyer(ctx context.Context, buyerID int64) ([]models.OrderDetail, error) {
	return s.listOrderDetails(ctx, orderSelect+" WHERE o.buyer_id = $1 ORDER BY o.created_at DESC", buyerID)
}

// ListOrderDetailsByProducer retrieves eager-loaded orders containing
// at least one of the producer's items
func (s *Store) ListOrderDetailsByProducer(ctx context.Context, producerID int64) ([]models.OrderDetail, error) {
	query := orderSelect + `
		WHERE o.id IN (
			SELECT oi.order_id FROM order_items oi
			JOIN products p ON p.id = oi.product_id
			WHERE p.producer_id = $1
		)
		ORDER BY o.created_at DESC`
	return s.listOrderDetails(ctx, query, producerID)
}

// ListOrderDetails retrieves all orders eager-loaded (admin view)
func (s *Store) ListOrderDetails(ctx context.Context) ([]models.OrderDetail, error) {
	return s.listOrderDetails(ctx, orderSelect+" ORDER BY o.created_at DESC")
}

// listOrderDetails runs an order query then attaches items for all
// returned orders in a single batched query
func (s *Store) listOrderDetails(ctx context.Context, query string, args ...interface{}) ([]models.OrderDetail, error) {
	var rows []orderRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []models.OrderDetail{}, nil
	}

	orderIDs := make([]int64, len(rows))
	for i, row := range rows {
		orderIDs[i] = row.ID
	}

	itemQuery, itemArgs, err := sqlx.In(orderItemDetailSelect+" WHERE oi.order_id IN (?) ORDER BY oi.id", orderIDs)
	if err != nil {
		return nil, err
	}
	itemQuery = s.db.Rebind(itemQuery)

	var items []models.OrderItemDetail
	if err := s.db.SelectContext(ctx, &items, itemQuery, itemArgs...); err != nil {
		return nil, err
	}

	itemsByOrder := make(map[int64][]models.OrderItemDetail)
	for _, item := range items {
		itemsByOrder[item.OrderID] = append(itemsByOrder[item.OrderID], item)
	}

	out := make([]models.OrderDetail, 0, len(rows))
	for _, row := range rows {
		detail := toOrderDetail(row)
		detail.Items = itemsByOrder[row.ID]
		out = append(out, detail)
	}
	return out, nil
}

func toOrderDetail(row orderRow) models.OrderDetail {
	return models.OrderDetail{
		Order: row.Order,
		Buyer: models.UserSummary{ID: row.BuyerID, Name: row.BuyerName},
	}
}
