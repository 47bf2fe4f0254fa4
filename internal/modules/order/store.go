// README: Order store backed by PostgreSQL; one JSONB document per order.
package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"roadside/internal/types"
)

// Repository is the persistence contract for orders. ConditionalUpdate
// replaces the document only if the stored status and version still match.
type Repository interface {
	Insert(ctx context.Context, o *Order) error
	Get(ctx context.Context, id types.ID) (*Order, error)
	ConditionalUpdate(ctx context.Context, id types.ID, expected Status, version int, next *Order) (bool, error)
	CountActiveByRequester(ctx context.Context, requesterID types.ID) (int, error)
	CountCreatedSince(ctx context.Context, requesterID types.ID, since time.Time) (int, error)
	ListOverdue(ctx context.Context, before time.Time, limit int) ([]*Order, error)
}

var terminalStatuses = []string{
	string(StatusCompleted), string(StatusCancelled), string(StatusFailed), string(StatusExpired),
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Insert(ctx context.Context, o *Order) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO orders (
			id, number, requester_id, status, status_version, deadline, created_at, doc
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(o.ID),
		o.Number,
		string(o.RequesterID),
		string(o.Status),
		o.Version,
		o.Deadline,
		o.CreatedAt,
		doc,
	)
	return err
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Order, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, `SELECT doc FROM orders WHERE id = $1`, string(id)).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeOrder(doc)
}

func (s *Store) ConditionalUpdate(ctx context.Context, id types.ID, expected Status, version int, next *Order) (bool, error) {
	doc, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("encode order: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE orders
		SET status = $1,
			status_version = $2,
			deadline = $3,
			doc = $4,
			updated_at = NOW()
		WHERE id = $5 AND status = $6 AND status_version = $7`,
		string(next.Status),
		next.Version,
		next.Deadline,
		doc,
		string(id),
		string(expected),
		version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) CountActiveByRequester(ctx context.Context, requesterID types.ID) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE requester_id = $1 AND status <> ALL($2)`,
		string(requesterID), terminalStatuses,
	).Scan(&n)
	return n, err
}

func (s *Store) CountCreatedSince(ctx context.Context, requesterID types.ID, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE requester_id = $1 AND created_at >= $2`,
		string(requesterID), since,
	).Scan(&n)
	return n, err
}

func (s *Store) ListOverdue(ctx context.Context, before time.Time, limit int) ([]*Order, error) {
	rows, err := s.db.Query(ctx, `
		SELECT doc FROM orders
		WHERE deadline IS NOT NULL AND deadline < $1 AND status <> ALL($2)
		ORDER BY deadline
		LIMIT $3`,
		before, terminalStatuses, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		o, err := decodeOrder(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func decodeOrder(doc []byte) (*Order, error) {
	var o Order
	if err := json.Unmarshal(doc, &o); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return &o, nil
}
