// README: Pricing store backed by PostgreSQL.
package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"roadside/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) GetRate(ctx context.Context, serviceType string) (Rate, error) {
	r := Rate{ServiceType: serviceType}
	err := s.db.QueryRow(ctx,
		`SELECT base_fee, per_km, currency FROM service_rates WHERE service_type = $1`,
		serviceType,
	).Scan(&r.BaseFee, &r.PerKm, &r.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return Rate{}, ErrNoRate
	}
	if err != nil {
		return Rate{}, fmt.Errorf("load rate %s: %w", serviceType, err)
	}
	return r, nil
}

func (s *Store) GetTotal(ctx context.Context, orderID types.ID) (types.Money, error) {
	var m types.Money
	err := s.db.QueryRow(ctx,
		`SELECT amount, currency FROM order_totals WHERE order_id = $1`,
		string(orderID),
	).Scan(&m.Amount, &m.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Money{}, ErrNoTotal
	}
	if err != nil {
		return types.Money{}, fmt.Errorf("load total %s: %w", orderID, err)
	}
	return m, nil
}

func (s *Store) PutTotal(ctx context.Context, orderID types.ID, m types.Money) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO order_totals (order_id, amount, currency, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (order_id) DO UPDATE SET amount = EXCLUDED.amount, currency = EXCLUDED.currency, updated_at = now()`,
		string(orderID), m.Amount, m.Currency,
	)
	return err
}
