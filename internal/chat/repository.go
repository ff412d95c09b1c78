package chat

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists chat messages for history and archival.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a chat repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores one message.
func (r *Repository) Insert(ctx context.Context, sessionID, slotID uuid.UUID, m Message) error {
	const q = `INSERT INTO chat_messages (id, session_id, slot_id, author_name, kind, body, hyperlink, artwork_url, heart_count, amount_cents, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`
	body := m.Body
	var hyperlink, artworkURL *string
	hearts := 0
	var amount int64
	switch m.Kind {
	case KindText:
	case KindPromo:
		body = m.Promo.Text
		if m.Promo.Hyperlink != "" {
			hyperlink = &m.Promo.Hyperlink
		}
		if m.Promo.ArtworkURL != "" {
			artworkURL = &m.Promo.ArtworkURL
		}
	case KindLove:
		hearts = m.Love.HeartCount
	case KindTip:
		body = m.Tip.Message
		amount = m.Tip.AmountCents
	}
	_, err := r.pool.Exec(ctx, q, m.ID, sessionID, slotID, m.AuthorName, string(m.Kind), body, hyperlink, artworkURL, hearts, amount, m.Timestamp)
	return err
}

// Tail returns the most recent n messages for a session, oldest first.
func (r *Repository) Tail(ctx context.Context, sessionID uuid.UUID, n int) ([]Message, error) {
	const q = `SELECT id, author_name, kind, body, COALESCE(hyperlink,''), COALESCE(artwork_url,''), heart_count, amount_cents, slot_id, sent_at
		FROM chat_messages WHERE session_id = $1 ORDER BY sent_at DESC, id DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, q, sessionID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m                     Message
			kind                  string
			body, link, artwork   string
			hearts                int
			amount                int64
			slotID                uuid.UUID
		)
		if err := rows.Scan(&m.ID, &m.AuthorName, &kind, &body, &link, &artwork, &hearts, &amount, &slotID, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Kind = Kind(kind)
		switch m.Kind {
		case KindText:
			m.Body = body
		case KindPromo:
			m.Promo = &PromoPayload{Text: body, Hyperlink: link, ArtworkURL: artwork, SlotID: slotID}
		case KindLove:
			m.Love = &LovePayload{HeartCount: hearts}
		case KindTip:
			m.Tip = &TipPayload{AmountCents: amount, Message: body}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// reverse into chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Archive marks a session's messages archived after the finalize job runs.
func (r *Repository) Archive(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	const q = `UPDATE chat_messages SET archived = TRUE WHERE session_id = $1 AND NOT archived`
	tag, err := r.pool.Exec(ctx, q, sessionID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// LatestPromoForSlot returns the newest promo message for a slot, or nil.
// Used to rehydrate the pin after a restart; promos from other slots are
// never considered.
func (r *Repository) LatestPromoForSlot(ctx context.Context, sessionID, slotID uuid.UUID) (*Message, error) {
	const q = `SELECT id, author_name, body, COALESCE(hyperlink,''), COALESCE(artwork_url,''), sent_at
		FROM chat_messages WHERE session_id = $1 AND slot_id = $2 AND kind = 'promo'
		ORDER BY sent_at DESC, id DESC LIMIT 1`
	var (
		m                   Message
		body, link, artwork string
	)
	err := r.pool.QueryRow(ctx, q, sessionID, slotID).Scan(&m.ID, &m.AuthorName, &body, &link, &artwork, &m.Timestamp)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	m.Kind = KindPromo
	m.Promo = &PromoPayload{Text: body, Hyperlink: link, ArtworkURL: artwork, SlotID: slotID}
	return &m, nil
}
