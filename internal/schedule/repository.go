package schedule

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deckline/backend/internal/models"
)

// Repository reads the broadcast schedule. The schedule itself is maintained
// by an external system; this service only consumes it.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a schedule repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetSlot returns a slot by id, or nil when unknown.
func (r *Repository) GetSlot(ctx context.Context, id uuid.UUID) (*models.Slot, error) {
	const q = `SELECT id, dj_name, show_name, start_time, end_time, venue_shared FROM slots WHERE id = $1`
	var s models.Slot
	err := r.pool.QueryRow(ctx, q, id).Scan(&s.ID, &s.DJName, &s.ShowName, &s.StartTime, &s.EndTime, &s.VenueShared)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// ListUpcoming returns slots that have not finished yet, soonest first.
func (r *Repository) ListUpcoming(ctx context.Context, limit int) ([]models.Slot, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	const q = `SELECT id, dj_name, show_name, start_time, end_time, venue_shared
		FROM slots WHERE end_time > NOW() ORDER BY start_time ASC LIMIT $1`
	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Slot
	for rows.Next() {
		var s models.Slot
		if err := rows.Scan(&s.ID, &s.DJName, &s.ShowName, &s.StartTime, &s.EndTime, &s.VenueShared); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
