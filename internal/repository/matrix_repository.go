package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-erp-approvals/internal/apperrors"
	"github.com/pesio-ai/be-erp-approvals/internal/database"
)

// MatrixRepository handles approval_matrix_rules. Rules are immutable
// configuration rows; replacement is add-new plus deactivate.
type MatrixRepository struct {
	db *database.DB
}

// NewMatrixRepository creates a new MatrixRepository.
func NewMatrixRepository(db *database.DB) *MatrixRepository {
	return &MatrixRepository{db: db}
}

const matrixColumns = `
	id, doc_type, project_id, min_amount, max_amount, department,
	approver_role, step_order, sla_hours, is_active, created_at`

// Create inserts a new matrix rule.
func (r *MatrixRepository) Create(ctx context.Context, rule *MatrixRule) error {
	query := `
		INSERT INTO approval_matrix_rules
		    (doc_type, project_id, min_amount, max_amount, department,
		     approver_role, step_order, sla_hours, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		rule.DocType,
		rule.ProjectID,
		rule.MinAmount,
		rule.MaxAmount,
		rule.Department,
		rule.ApproverRole,
		rule.StepOrder,
		rule.SLAHours,
		rule.IsActive,
	).Scan(&rule.ID, &rule.CreatedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to create matrix rule")
	}
	return nil
}

// FindMatrices returns the active rules applying to a submission, ordered
// by step order. Project-scoped rules win; when the project query returns
// nothing the global (project IS NULL) rules are used under the same
// amount and department filters.
func (r *MatrixRepository) FindMatrices(
	ctx context.Context,
	docType string,
	projectID *string,
	amount int64,
	department *string,
) ([]*MatrixRule, error) {
	if projectID != nil {
		rules, err := r.findScoped(ctx, docType, projectID, amount, department)
		if err != nil {
			return nil, err
		}
		if len(rules) > 0 {
			return rules, nil
		}
	}
	return r.findScoped(ctx, docType, nil, amount, department)
}

func (r *MatrixRepository) findScoped(
	ctx context.Context,
	docType string,
	projectID *string,
	amount int64,
	department *string,
) ([]*MatrixRule, error) {
	query := `
		SELECT` + matrixColumns + `
		FROM approval_matrix_rules
		WHERE doc_type = $1
		  AND is_active = TRUE
		  AND (($2::text IS NULL AND project_id IS NULL) OR project_id = $2)
		  AND (min_amount IS NULL OR min_amount <= $3)
		  AND (max_amount IS NULL OR max_amount >= $3)
		  AND ($4::text IS NULL OR department IS NULL OR department = $4)
		ORDER BY step_order ASC, created_at ASC
	`

	rows, err := r.db.Query(ctx, query, docType, projectID, amount, department)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to query matrix rules")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListByDocType returns rules for a document type, optionally active only.
func (r *MatrixRepository) ListByDocType(ctx context.Context, docType string, activeOnly bool) ([]*MatrixRule, error) {
	query := `
		SELECT` + matrixColumns + `
		FROM approval_matrix_rules
		WHERE doc_type = $1
	`
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY step_order ASC, created_at ASC"

	rows, err := r.db.Query(ctx, query, docType)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list matrix rules")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// Deactivate soft-disables a rule.
func (r *MatrixRepository) Deactivate(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `UPDATE approval_matrix_rules SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to deactivate matrix rule")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("matrix_rule", id)
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *MatrixRepository) scanRows(rows pgx.Rows) ([]*MatrixRule, error) {
	var rules []*MatrixRule
	for rows.Next() {
		rule := &MatrixRule{}
		err := rows.Scan(
			&rule.ID,
			&rule.DocType,
			&rule.ProjectID,
			&rule.MinAmount,
			&rule.MaxAmount,
			&rule.Department,
			&rule.ApproverRole,
			&rule.StepOrder,
			&rule.SLAHours,
			&rule.IsActive,
			&rule.CreatedAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan matrix rule")
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}
