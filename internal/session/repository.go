package session

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deckline/backend/internal/models"
)

// Repository handles durable broadcast records.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a broadcast record repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// UpsertStart writes the record at go-live.
func (r *Repository) UpsertStart(ctx context.Context, rec models.BroadcastRecord) error {
	const q = `INSERT INTO broadcasts (session_id, slot_id, dj_display_name, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE SET
			dj_display_name = EXCLUDED.dj_display_name,
			started_at = EXCLUDED.started_at,
			updated_at = NOW()`
	_, err := r.pool.Exec(ctx, q, rec.SessionID, rec.SlotID, rec.DJDisplayName, rec.StartedAt)
	return err
}

// UpsertEnd writes the record at end-broadcast with final metrics.
func (r *Repository) UpsertEnd(ctx context.Context, rec models.BroadcastRecord) error {
	const q = `INSERT INTO broadcasts (session_id, slot_id, dj_display_name, started_at, ended_at, peak_listeners, love_count, tip_total_cents, tip_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			peak_listeners = GREATEST(broadcasts.peak_listeners, EXCLUDED.peak_listeners),
			love_count = EXCLUDED.love_count,
			tip_total_cents = EXCLUDED.tip_total_cents,
			tip_count = EXCLUDED.tip_count,
			updated_at = NOW()`
	_, err := r.pool.Exec(ctx, q, rec.SessionID, rec.SlotID, rec.DJDisplayName, rec.StartedAt, rec.EndedAt,
		rec.PeakListeners, rec.LoveCount, rec.TipTotalCents, rec.TipCount)
	return err
}

// Finalize writes the final metric totals for an ended broadcast and makes
// sure ended_at is set even when the inline end write was lost. Returns
// false when no record exists for the session.
func (r *Repository) Finalize(ctx context.Context, sessionID uuid.UUID, peakListeners, loveCount int, tipTotalCents int64, tipCount int) (bool, error) {
	const q = `UPDATE broadcasts SET
			ended_at = COALESCE(ended_at, NOW()),
			peak_listeners = GREATEST(peak_listeners, $2),
			love_count = $3,
			tip_total_cents = $4,
			tip_count = $5,
			updated_at = NOW()
		WHERE session_id = $1`
	tag, err := r.pool.Exec(ctx, q, sessionID, peakListeners, loveCount, tipTotalCents, tipCount)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// GetBySession returns one record, or nil when unknown.
func (r *Repository) GetBySession(ctx context.Context, sessionID uuid.UUID) (*models.BroadcastRecord, error) {
	const q = `SELECT session_id, slot_id, dj_display_name, started_at, ended_at, peak_listeners, love_count, tip_total_cents, tip_count, created_at, updated_at
		FROM broadcasts WHERE session_id = $1`
	var b models.BroadcastRecord
	err := r.pool.QueryRow(ctx, q, sessionID).Scan(&b.SessionID, &b.SlotID, &b.DJDisplayName, &b.StartedAt, &b.EndedAt,
		&b.PeakListeners, &b.LoveCount, &b.TipTotalCents, &b.TipCount, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}

// List returns past broadcasts, newest first, optionally filtered by slot.
func (r *Repository) List(ctx context.Context, slotID *uuid.UUID, limit int) ([]models.BroadcastRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	const base = `SELECT session_id, slot_id, dj_display_name, started_at, ended_at, peak_listeners, love_count, tip_total_cents, tip_count, created_at, updated_at
		FROM broadcasts`
	var (
		rows pgx.Rows
		err  error
	)
	if slotID != nil {
		rows, err = r.pool.Query(ctx, base+` WHERE slot_id = $1 ORDER BY started_at DESC NULLS LAST LIMIT $2`, *slotID, limit)
	} else {
		rows, err = r.pool.Query(ctx, base+` ORDER BY started_at DESC NULLS LAST LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.BroadcastRecord
	for rows.Next() {
		var b models.BroadcastRecord
		if err := rows.Scan(&b.SessionID, &b.SlotID, &b.DJDisplayName, &b.StartedAt, &b.EndedAt,
			&b.PeakListeners, &b.LoveCount, &b.TipTotalCents, &b.TipCount, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
