package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-erp-approvals/internal/apperrors"
	"github.com/pesio-ai/be-erp-approvals/internal/database"
)

// UserRepository is the engine's read-side view of identities and roles.
// User administration lives elsewhere; the workflow only reads.
type UserRepository struct {
	db *database.DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `
	u.id, u.name, u.email, u.role_code, u.manager_id, u.is_active,
	r.is_admin, r.can_self_approve, u.deleted_at`

const userJoin = ` FROM users u JOIN roles r ON r.code = u.role_code `

// GetByID retrieves a user with role capabilities.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*User, error) {
	query := `SELECT` + userColumns + userJoin + `WHERE u.id = $1`

	u, err := scanUser(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("user", id)
	}
	return u, err
}

// ListActiveByRole returns active, non-deleted holders of a role in a
// stable order.
func (r *UserRepository) ListActiveByRole(ctx context.Context, roleCode string) ([]*User, error) {
	query := `
		SELECT` + userColumns + userJoin + `
		WHERE u.role_code = $1
		  AND u.is_active = TRUE
		  AND u.deleted_at IS NULL
		ORDER BY u.created_at ASC, u.id ASC
	`

	rows, err := r.db.Query(ctx, query, roleCode)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list users by role")
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u := &User{}
		if err := scanUserRow(rows, u); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan user")
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// FirstActiveAdmin returns the first active user whose role carries the
// admin capability, or nil when none exists.
func (r *UserRepository) FirstActiveAdmin(ctx context.Context) (*User, error) {
	query := `
		SELECT` + userColumns + userJoin + `
		WHERE r.is_admin = TRUE
		  AND u.is_active = TRUE
		  AND u.deleted_at IS NULL
		ORDER BY u.created_at ASC, u.id ASC
		LIMIT 1
	`

	u, err := scanUser(r.db.QueryRow(ctx, query))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

// GetRole retrieves a role definition, or nil when the code is unknown.
func (r *UserRepository) GetRole(ctx context.Context, code string) (*Role, error) {
	query := `SELECT code, name, is_admin, can_self_approve FROM roles WHERE code = $1`

	role := &Role{}
	err := r.db.QueryRow(ctx, query, code).Scan(&role.Code, &role.Name, &role.IsAdmin, &role.CanSelfApprove)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to get role")
	}
	return role, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanUser(row rowScanner) (*User, error) {
	u := &User{}
	if err := scanUserRow(row, u); err != nil {
		return nil, err
	}
	return u, nil
}

func scanUserRow(row rowScanner, u *User) error {
	return row.Scan(
		&u.ID,
		&u.Name,
		&u.Email,
		&u.RoleCode,
		&u.ManagerID,
		&u.IsActive,
		&u.IsAdmin,
		&u.CanSelfApprove,
		&u.DeletedAt,
	)
}
