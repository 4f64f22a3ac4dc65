package store

import (
	"context"
	"database/sql"
	"fmt"

	"marketplace-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// ErrDuplicateNegotiation rejects an insert racing another ongoing
// thread for the same (product, buyer) pair
var ErrDuplicateNegotiation = fmt.Errorf("an ongoing negotiation already exists for this product and buyer")

// CreateNegotiation creates a new negotiation thread.
// The negotiations table carries a partial unique index on
// (product_id, buyer_id) WHERE status = 'ongoing' backing the
// single-ongoing invariant against races.
func (s *Store) CreateNegotiation(ctx context.Context, n *models.Negotiation) error {
	query := `
		INSERT INTO negotiations (product_id, buyer_id, producer_id, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`

	err := s.db.GetContext(ctx, n, query,
		n.ProductID, n.BuyerID, n.ProducerID, n.Status)
	if isUniqueViolation(err) {
		return ErrDuplicateNegotiation
	}
	return err
}

// GetNegotiationByID retrieves a negotiation by ID. Returns (nil, nil)
// when it does not exist.
func (s *Store) GetNegotiationByID(ctx context.Context, id int64) (*models.Negotiation, error) {
	var n models.Negotiation
	err := s.db.GetContext(ctx, &n, "SELECT * FROM negotiations WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// FindOngoingNegotiation looks up the ongoing thread for a
// (product, buyer) pair, if any
func (s *Store) FindOngoingNegotiation(ctx context.Context, productID, buyerID int64) (*models.Negotiation, error) {
	var n models.Negotiation
	err := s.db.GetContext(ctx, &n,
		"SELECT * FROM negotiations WHERE product_id = $1 AND buyer_id = $2 AND status = $3",
		productID, buyerID, models.NegotiationStatusOngoing)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// ListNegotiationsByBuyer retrieves negotiations where the user is the buyer
func (s *Store) ListNegotiationsByBuyer(ctx context.Context, buyerID int64) ([]models.Negotiation, error) {
	var out []models.Negotiation
	err := s.db.SelectContext(ctx, &out,
		"SELECT * FROM negotiations WHERE buyer_id = $1 ORDER BY updated_at DESC", buyerID)
	return out, err
}

// ListNegotiationsByProducer retrieves negotiations where the user is the producer
func (s *Store) ListNegotiationsByProducer(ctx context.Context, producerID int64) ([]models.Negotiation, error) {
	var out []models.Negotiation
	err := s.db.SelectContext(ctx, &out,
		"SELECT * FROM negotiations WHERE producer_id = $1 ORDER BY updated_at DESC", producerID)
	return out, err
}

// ListNegotiations retrieves all negotiations (admin view)
func (s *Store) ListNegotiations(ctx context.Context) ([]models.Negotiation, error) {
	var out []models.Negotiation
	err := s.db.SelectContext(ctx, &out,
		"SELECT * FROM negotiations ORDER BY updated_at DESC")
	return out, err
}

// AppendNegotiationMessage appends a message and bumps the thread's
// updated_at so recency ordering follows activity. Both writes happen
// in one transaction; a thread never shows a message without the bump.
func (s *Store) AppendNegotiationMessage(ctx context.Context, m *models.Message) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO negotiation_messages (negotiation_id, sender_id, body)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`

	if err := tx.GetContext(ctx, m, query, m.NegotiationID, m.SenderID, m.Body); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE negotiations SET updated_at = NOW() WHERE id = $1", m.NegotiationID); err != nil {
		return err
	}

	return tx.Commit()
}

// GetNegotiationMessages retrieves the full thread in append order
func (s *Store) GetNegotiationMessages(ctx context.Context, negotiationID int64) ([]models.Message, error) {
	var out []models.Message
	err := s.db.SelectContext(ctx, &out,
		"SELECT * FROM negotiation_messages WHERE negotiation_id = $1 ORDER BY created_at, id",
		negotiationID)
	return out, err
}

// GetMessagesForNegotiations retrieves threads for a set of negotiations
// in one query, keyed by negotiation ID
func (s *Store) GetMessagesForNegotiations(ctx context.Context, negotiationIDs []int64) (map[int64][]models.Message, error) {
	out := make(map[int64][]models.Message)
	if len(negotiationIDs) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In(
		"SELECT * FROM negotiation_messages WHERE negotiation_id IN (?) ORDER BY created_at, id",
		negotiationIDs)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var messages []models.Message
	if err := s.db.SelectContext(ctx, &messages, query, args...); err != nil {
		return nil, err
	}

	for _, m := range messages {
		out[m.NegotiationID] = append(out[m.NegotiationID], m)
	}
	return out, nil
}

// CancelNegotiation transitions an ongoing thread to cancelled.
// Returns false when the thread was no longer ongoing.
func (s *Store) CancelNegotiation(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE negotiations SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		models.NegotiationStatusCancelled, id, models.NegotiationStatusOngoing)
	if err != nil {
		return false, fmt.Errorf("failed to cancel negotiation: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}
