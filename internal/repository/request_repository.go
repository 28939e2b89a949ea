package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-erp-approvals/internal/apperrors"
	"github.com/pesio-ai/be-erp-approvals/internal/database"
)

// RequestRepository manages approval request instances. Request + step
// creation always happens together in a single transaction, as do the
// state-machine transitions driven by the orchestrator.
type RequestRepository struct {
	db *database.DB
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *database.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

const requestColumns = `
	id, doc_type, doc_id, project_id, requester_id, status,
	current_step, total_steps, amount, department,
	completed_at, created_at, updated_at`

// CreateWithSteps inserts a request and its steps in one transaction.
func (r *RequestRepository) CreateWithSteps(ctx context.Context, req *ApprovalRequest, steps []*ApprovalStep) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		reqQuery := `
			INSERT INTO approval_requests
			    (doc_type, doc_id, project_id, requester_id, status,
			     current_step, total_steps, amount, department)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id, created_at, updated_at
		`

		err := tx.QueryRow(ctx, reqQuery,
			req.DocType,
			req.DocID,
			req.ProjectID,
			req.RequesterID,
			req.Status,
			req.CurrentStep,
			req.TotalSteps,
			req.Amount,
			req.Department,
		).Scan(&req.ID, &req.CreatedAt, &req.UpdatedAt)
		if err != nil {
			// The partial unique index on (doc_type, doc_id) WHERE status =
			// 'in_progress' backs the one-active-request invariant under
			// concurrent submissions.
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return apperrors.Newf(apperrors.CodeConflict,
					"document %s/%s already has an active approval request", req.DocType, req.DocID)
			}
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to create approval request")
		}

		stepQuery := `
			INSERT INTO approval_steps
			    (request_id, rule_id, step_order, required_role,
			     approver_id, is_parallel, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, created_at, updated_at
		`

		for _, step := range steps {
			step.RequestID = req.ID
			err := tx.QueryRow(ctx, stepQuery,
				step.RequestID,
				step.RuleID,
				step.StepOrder,
				step.RequiredRole,
				step.ApproverID,
				step.IsParallel,
				step.Status,
			).Scan(&step.ID, &step.CreatedAt, &step.UpdatedAt)
			if err != nil {
				return apperrors.Wrap(err, apperrors.CodeInternal, "failed to create approval step")
			}
		}

		return nil
	})
}

// GetByID retrieves a request by primary key.
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `SELECT` + requestColumns + ` FROM approval_requests WHERE id = $1`

	req, err := scanRequest(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("approval_request", id)
	}
	return req, err
}

// GetByIDForUpdate loads a request inside a transaction with a row lock,
// serializing concurrent transitions on the same request.
func (r *RequestRepository) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id string) (*ApprovalRequest, error) {
	query := `SELECT` + requestColumns + ` FROM approval_requests WHERE id = $1 FOR UPDATE`

	req, err := scanRequest(tx.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("approval_request", id)
	}
	return req, err
}

// GetActiveByDocument returns the non-terminal request for a document, or
// nil when none exists.
func (r *RequestRepository) GetActiveByDocument(ctx context.Context, docType, docID string) (*ApprovalRequest, error) {
	query := `
		SELECT` + requestColumns + `
		FROM approval_requests
		WHERE doc_type = $1 AND doc_id = $2 AND status = 'in_progress'
		ORDER BY created_at DESC
		LIMIT 1
	`

	req, err := scanRequest(r.db.QueryRow(ctx, query, docType, docID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return req, err
}

// UpdateStatusTx sets the request status and optionally stamps completed_at.
func (r *RequestRepository) UpdateStatusTx(ctx context.Context, tx pgx.Tx, id, status string, completedAt *time.Time) error {
	query := `
		UPDATE approval_requests
		SET status       = $2,
		    completed_at = $3,
		    updated_at   = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := tx.QueryRow(ctx, query, id, status, completedAt).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NotFound("approval_request", id)
	}
	return err
}

// AdvanceTx moves current_step to the next actionable step order.
func (r *RequestRepository) AdvanceTx(ctx context.Context, tx pgx.Tx, id string, nextStep int) error {
	query := `
		UPDATE approval_requests
		SET current_step = $2,
		    updated_at   = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := tx.QueryRow(ctx, query, id, nextStep).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NotFound("approval_request", id)
	}
	return err
}

// ListByRequester returns requests submitted by a user, newest first.
// When activeOnly is set only in_progress requests are returned.
func (r *RequestRepository) ListByRequester(ctx context.Context, requesterID string, activeOnly bool) ([]*ApprovalRequest, error) {
	query := `SELECT` + requestColumns + ` FROM approval_requests WHERE requester_id = $1`
	if activeOnly {
		query += " AND status = 'in_progress'"
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.db.Query(ctx, query, requesterID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list requests")
	}
	defer rows.Close()

	var reqs []*ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan request")
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// ── scan helper ───────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	err := row.Scan(
		&req.ID,
		&req.DocType,
		&req.DocID,
		&req.ProjectID,
		&req.RequesterID,
		&req.Status,
		&req.CurrentStep,
		&req.TotalSteps,
		&req.Amount,
		&req.Department,
		&req.CompletedAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return req, nil
}
