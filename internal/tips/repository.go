package tips

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists the tip ledger.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a tips repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores a tip event. Returns false when the event id was already
// recorded, which is how webhook redelivery stays idempotent.
func (r *Repository) Insert(ctx context.Context, ev Event) (bool, error) {
	const q = `INSERT INTO tips (event_id, session_id, amount_cents, message, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING`
	tag, err := r.pool.Exec(ctx, q, ev.EventID, ev.SessionID, ev.AmountCents, ev.Message, ev.At)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListBySession returns a session's tips in arrival order.
func (r *Repository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]Event, error) {
	const q = `SELECT event_id, session_id, amount_cents, message, received_at
		FROM tips WHERE session_id = $1 ORDER BY received_at, event_id`
	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.EventID, &ev.SessionID, &ev.AmountCents, &ev.Message, &ev.At); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
