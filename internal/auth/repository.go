package auth

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deckline/backend/internal/models"
)

// Repository handles DJ account persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an auth repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new account.
func (r *Repository) Create(ctx context.Context, email, passwordHash, handle string) (*models.Account, error) {
	const q = `INSERT INTO accounts (email, password_hash, handle)
		VALUES ($1, $2, NULLIF($3, ''))
		RETURNING id, email, password_hash, COALESCE(handle,''), created_at, updated_at`
	var a models.Account
	err := r.pool.QueryRow(ctx, q, email, passwordHash, handle).Scan(&a.ID, &a.Email, &a.Password, &a.Handle, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetByID returns an account by id, or nil when unknown.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	const q = `SELECT id, email, password_hash, COALESCE(handle,''), created_at, updated_at FROM accounts WHERE id = $1`
	var a models.Account
	err := r.pool.QueryRow(ctx, q, id).Scan(&a.ID, &a.Email, &a.Password, &a.Handle, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// GetByEmail returns an account by email, or nil when unknown.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	const q = `SELECT id, email, password_hash, COALESCE(handle,''), created_at, updated_at FROM accounts WHERE email = $1`
	var a models.Account
	err := r.pool.QueryRow(ctx, q, email).Scan(&a.ID, &a.Email, &a.Password, &a.Handle, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}
