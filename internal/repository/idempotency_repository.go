package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-erp-approvals/internal/apperrors"
	"github.com/pesio-ai/be-erp-approvals/internal/database"
)

// IdempotencyRepository stores cached responses keyed by caller-supplied
// idempotency keys. Records live in the same relational store as the
// workflow so replays share its consistency boundary.
type IdempotencyRepository struct {
	db *database.DB
}

// NewIdempotencyRepository creates a new IdempotencyRepository.
func NewIdempotencyRepository(db *database.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// Get retrieves a record by key, or nil when the key is unused.
func (r *IdempotencyRepository) Get(ctx context.Context, key string) (*IdempotencyRecord, error) {
	query := `
		SELECT key, user_id, route, request_hash,
		       response_status, response_body, created_at, expires_at
		FROM idempotency_records
		WHERE key = $1
	`

	rec := &IdempotencyRecord{}
	err := r.db.QueryRow(ctx, query, key).Scan(
		&rec.Key,
		&rec.UserID,
		&rec.Route,
		&rec.RequestHash,
		&rec.ResponseStatus,
		&rec.ResponseBody,
		&rec.CreatedAt,
		&rec.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to get idempotency record")
	}
	return rec, nil
}

// Put stores (or overwrites an expired record for) a key. The upsert only
// replaces expired rows, so a live key can never be repointed.
func (r *IdempotencyRepository) Put(ctx context.Context, rec *IdempotencyRecord) error {
	query := `
		INSERT INTO idempotency_records
		    (key, user_id, route, request_hash,
		     response_status, response_body, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO UPDATE
		SET user_id         = EXCLUDED.user_id,
		    route           = EXCLUDED.route,
		    request_hash    = EXCLUDED.request_hash,
		    response_status = EXCLUDED.response_status,
		    response_body   = EXCLUDED.response_body,
		    created_at      = NOW(),
		    expires_at      = EXCLUDED.expires_at
		WHERE idempotency_records.expires_at <= NOW()
	`

	_, err := r.db.Exec(ctx, query,
		rec.Key,
		rec.UserID,
		rec.Route,
		rec.RequestHash,
		rec.ResponseStatus,
		rec.ResponseBody,
		rec.ExpiresAt,
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to store idempotency record")
	}
	return nil
}

// Delete removes a record, typically after it expired.
func (r *IdempotencyRepository) Delete(ctx context.Context, key string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM idempotency_records WHERE key = $1`, key)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to delete idempotency record")
	}
	return nil
}
