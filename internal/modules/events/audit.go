// README: Audit subscriber appending status changes to order_state_events.
package events

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type AuditWriter struct {
	db *pgxpool.Pool
}

func NewAuditWriter(db *pgxpool.Pool) *AuditWriter {
	return &AuditWriter{db: db}
}

func (w *AuditWriter) Name() string { return "audit" }

func (w *AuditWriter) Handle(ctx context.Context, e Event) error {
	if e.Kind != KindStatusChanged {
		return nil
	}
	var actorID *string
	if e.ActorID != "" {
		v := string(e.ActorID)
		actorID = &v
	}
	_, err := w.db.Exec(ctx, `
		INSERT INTO order_state_events (
			order_id, from_status, to_status, actor_type, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.OrderID),
		e.From,
		e.To,
		e.ActorRole,
		actorID,
		e.At,
	)
	return err
}
