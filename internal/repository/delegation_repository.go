package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-erp-approvals/internal/apperrors"
	"github.com/pesio-ai/be-erp-approvals/internal/database"
)

// DelegationRepository handles time-boxed delegation grants. Delegations
// are soft-disabled, never hard-deleted.
type DelegationRepository struct {
	db *database.DB
}

// NewDelegationRepository creates a new DelegationRepository.
func NewDelegationRepository(db *database.DB) *DelegationRepository {
	return &DelegationRepository{db: db}
}

const delegationColumns = `
	id, from_user_id, to_user_id, starts_at, ends_at, is_active, reason, created_at`

// Create inserts a new delegation grant.
func (r *DelegationRepository) Create(ctx context.Context, d *Delegation) error {
	query := `
		INSERT INTO delegations
		    (from_user_id, to_user_id, starts_at, ends_at, is_active, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		d.FromUserID,
		d.ToUserID,
		d.StartsAt,
		d.EndsAt,
		d.IsActive,
		d.Reason,
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to create delegation")
	}
	return nil
}

// GetByID retrieves a delegation by primary key.
func (r *DelegationRepository) GetByID(ctx context.Context, id string) (*Delegation, error) {
	query := `SELECT` + delegationColumns + ` FROM delegations WHERE id = $1`

	d, err := scanDelegation(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("delegation", id)
	}
	return d, err
}

// ActiveFrom returns the delegation currently redirecting fromUserID's
// steps at the given instant, or nil when none is active.
func (r *DelegationRepository) ActiveFrom(ctx context.Context, fromUserID string, at time.Time) (*Delegation, error) {
	query := `
		SELECT` + delegationColumns + `
		FROM delegations
		WHERE from_user_id = $1
		  AND is_active = TRUE
		  AND starts_at <= $2
		  AND ends_at > $2
		ORDER BY starts_at ASC
		LIMIT 1
	`

	d, err := scanDelegation(r.db.QueryRow(ctx, query, fromUserID, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// ActiveForDelegate returns all delegations naming toUserID as delegate
// that are active at the given instant.
func (r *DelegationRepository) ActiveForDelegate(ctx context.Context, toUserID string, at time.Time) ([]*Delegation, error) {
	query := `
		SELECT` + delegationColumns + `
		FROM delegations
		WHERE to_user_id = $1
		  AND is_active = TRUE
		  AND starts_at <= $2
		  AND ends_at > $2
		ORDER BY starts_at ASC
	`

	rows, err := r.db.Query(ctx, query, toUserID, at)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to query delegations")
	}
	defer rows.Close()

	var ds []*Delegation
	for rows.Next() {
		d := &Delegation{}
		if err := scanDelegationRow(rows, d); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan delegation")
		}
		ds = append(ds, d)
	}
	return ds, rows.Err()
}

// HasOverlapping reports whether fromUserID already has an active
// delegation whose window overlaps [startsAt, endsAt).
func (r *DelegationRepository) HasOverlapping(ctx context.Context, fromUserID string, startsAt, endsAt time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM delegations
			WHERE from_user_id = $1
			  AND is_active = TRUE
			  AND starts_at < $3
			  AND ends_at > $2
		)
	`

	var exists bool
	if err := r.db.QueryRow(ctx, query, fromUserID, startsAt, endsAt).Scan(&exists); err != nil {
		return false, apperrors.Wrap(err, apperrors.CodeInternal, "failed to check delegation overlap")
	}
	return exists, nil
}

// HasActiveReverse reports whether toUserID already delegates to
// fromUserID within an overlapping window (a 2-cycle).
func (r *DelegationRepository) HasActiveReverse(ctx context.Context, fromUserID, toUserID string, startsAt, endsAt time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM delegations
			WHERE from_user_id = $2
			  AND to_user_id = $1
			  AND is_active = TRUE
			  AND starts_at < $4
			  AND ends_at > $3
		)
	`

	var exists bool
	if err := r.db.QueryRow(ctx, query, fromUserID, toUserID, startsAt, endsAt).Scan(&exists); err != nil {
		return false, apperrors.Wrap(err, apperrors.CodeInternal, "failed to check delegation cycle")
	}
	return exists, nil
}

// Disable soft-disables a delegation.
func (r *DelegationRepository) Disable(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `UPDATE delegations SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to disable delegation")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("delegation", id)
	}
	return nil
}

// ListByUser returns delegations granted by or to a user, newest first.
func (r *DelegationRepository) ListByUser(ctx context.Context, userID string) ([]*Delegation, error) {
	query := `
		SELECT` + delegationColumns + `
		FROM delegations
		WHERE from_user_id = $1 OR to_user_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list delegations")
	}
	defer rows.Close()

	var ds []*Delegation
	for rows.Next() {
		d := &Delegation{}
		if err := scanDelegationRow(rows, d); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan delegation")
		}
		ds = append(ds, d)
	}
	return ds, rows.Err()
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanDelegation(row rowScanner) (*Delegation, error) {
	d := &Delegation{}
	if err := scanDelegationRow(row, d); err != nil {
		return nil, err
	}
	return d, nil
}

func scanDelegationRow(row rowScanner, d *Delegation) error {
	return row.Scan(
		&d.ID,
		&d.FromUserID,
		&d.ToUserID,
		&d.StartsAt,
		&d.EndsAt,
		&d.IsActive,
		&d.Reason,
		&d.CreatedAt,
	)
}
