package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"marketplace-service/internal/models"
)

// StockDecrement is one product's aggregate decrement within a commit
type StockDecrement struct {
	ProductID int64
	Quantity  int
}

// NegotiationAgreement marks a negotiation agreed within the same
// transaction as its resulting order
type NegotiationAgreement struct {
	NegotiationID  int64
	AgreedPrice    int64
	AgreedQuantity int
}

// OrderCommit is the all-or-nothing write set produced by order
// assembly: the order, its items, the per-product stock decrements and,
// on the negotiation path, the negotiation's agreed transition. Either
// everything in it commits or nothing does.
type OrderCommit struct {
	Order      *models.Order
	Items      []models.OrderItem
	Decrements []StockDecrement
	Agreement  *NegotiationAgreement
}

// StockConflict reports one product that failed its conditional
// decrement at commit time
type StockConflict struct {
	ProductID int64
	Available int
}

// StockConflictError aborts a commit when concurrent orders depleted
// stock between validation and commit
type StockConflictError struct {
	Conflicts []StockConflict
}

func (e *StockConflictError) Error() string {
	return fmt.Sprintf("insufficient stock for %d product(s) at commit", len(e.Conflicts))
}

// ErrNegotiationNotOngoing aborts a commit whose negotiation left the
// ongoing state since validation
var ErrNegotiationNotOngoing = fmt.Errorf("negotiation is no longer ongoing")

// ErrDuplicateOrder aborts a commit whose (buyer, idempotency key) pair
// already exists. The orders table carries a unique index on
// (buyer_id, idempotency_key) so two concurrent first submissions of
// the same key cannot both commit; the loser re-reads the winner.
var ErrDuplicateOrder = fmt.Errorf("order with this idempotency key already exists")

// CommitOrder atomically persists an order commit. Stock decrements are
// conditional (stock >= quantity at update time), so two concurrent
// commits can never jointly oversell; the losing commit rolls back with
// a StockConflictError and no partial state is observable.
func (s *Store) CommitOrder(ctx context.Context, c *OrderCommit) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Decrement in product-ID order so concurrent commits touching the
	// same products cannot deadlock.
	decrements := make([]StockDecrement, len(c.Decrements))
	copy(decrements, c.Decrements)
	sort.Slice(decrements, func(i, j int) bool { return decrements[i].ProductID < decrements[j].ProductID })

	var conflicts []StockConflict
	for _, d := range decrements {
		res, err := tx.ExecContext(ctx,
			"UPDATE products SET stock = stock - $1 WHERE id = $2 AND stock >= $1",
			d.Quantity, d.ProductID)
		if err != nil {
			return fmt.Errorf("failed to decrement stock: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			var available int
			err := tx.GetContext(ctx, &available, "SELECT stock FROM products WHERE id = $1", d.ProductID)
			if err != nil && err != sql.ErrNoRows {
				return err
			}
			conflicts = append(conflicts, StockConflict{ProductID: d.ProductID, Available: available})
		}
	}
	if len(conflicts) > 0 {
		return &StockConflictError{Conflicts: conflicts}
	}

	query := `
		INSERT INTO orders (buyer_id, total, status, payment_method, idempotency_key)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	err = tx.GetContext(ctx, c.Order, query,
		c.Order.BuyerID, c.Order.Total, c.Order.Status, c.Order.PaymentMethod, c.Order.IdempotencyKey)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("failed to create order: %w", err)
	}

	itemQuery := `
		INSERT INTO order_items (order_id, product_id, quantity, unit_price, total)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	for i := range c.Items {
		c.Items[i].OrderID = c.Order.ID
		err = tx.GetContext(ctx, &c.Items[i].ID, itemQuery,
			c.Items[i].OrderID, c.Items[i].ProductID, c.Items[i].Quantity,
			c.Items[i].UnitPrice, c.Items[i].Total)
		if err != nil {
			return fmt.Errorf("failed to create order item: %w", err)
		}
	}

	if c.Agreement != nil {
		res, err := tx.ExecContext(ctx, `
			UPDATE negotiations
			SET status = $1, agreed_price = $2, agreed_quantity = $3, updated_at = NOW()
			WHERE id = $4 AND status = $5`,
			models.NegotiationStatusAgreed, c.Agreement.AgreedPrice, c.Agreement.AgreedQuantity,
			c.Agreement.NegotiationID, models.NegotiationStatusOngoing)
		if err != nil {
			return fmt.Errorf("failed to mark negotiation agreed: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrNegotiationNotOngoing
		}
	}

	return tx.Commit()
}
