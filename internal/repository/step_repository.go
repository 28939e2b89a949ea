package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-erp-approvals/internal/apperrors"
	"github.com/pesio-ai/be-erp-approvals/internal/database"
)

// StepRepository handles reads and updates on individual approval steps.
// Step creation is handled by RequestRepository.CreateWithSteps
// (transactionally).
type StepRepository struct {
	db *database.DB
}

// NewStepRepository creates a new StepRepository.
func NewStepRepository(db *database.DB) *StepRepository {
	return &StepRepository{db: db}
}

const stepColumns = `
	id, request_id, rule_id, step_order, required_role,
	approver_id, is_parallel, status, action, remarks, acted_at,
	escalated, escalated_to, created_at, updated_at`

// ListByRequest returns all steps of a request ordered by step order.
func (r *StepRepository) ListByRequest(ctx context.Context, requestID string) ([]*ApprovalStep, error) {
	query := `
		SELECT` + stepColumns + `
		FROM approval_steps
		WHERE request_id = $1
		ORDER BY step_order ASC, created_at ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list approval steps")
	}
	defer rows.Close()

	return scanSteps(rows)
}

// ListByRequestTx is ListByRequest inside a transaction, locking the step
// rows so concurrent transitions on the same request serialize.
func (r *StepRepository) ListByRequestTx(ctx context.Context, tx pgx.Tx, requestID string) ([]*ApprovalStep, error) {
	query := `
		SELECT` + stepColumns + `
		FROM approval_steps
		WHERE request_id = $1
		ORDER BY step_order ASC, created_at ASC
		FOR UPDATE
	`

	rows, err := tx.Query(ctx, query, requestID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list approval steps")
	}
	defer rows.Close()

	return scanSteps(rows)
}

// MarkActionTx records the outcome of an action on a step, re-resolving
// the literal approver identity to the acting user.
func (r *StepRepository) MarkActionTx(ctx context.Context, tx pgx.Tx, id, status, actorID string, remarks *string) error {
	query := `
		UPDATE approval_steps
		SET status      = $2,
		    action      = $2,
		    approver_id = $3,
		    remarks     = $4,
		    acted_at    = NOW(),
		    updated_at  = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := tx.QueryRow(ctx, query, id, status, actorID, remarks).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NotFound("approval_step", id)
	}
	return err
}

// SkipPendingTx marks every still-pending step of a request as skipped.
// Re-running it finds nothing left to skip.
func (r *StepRepository) SkipPendingTx(ctx context.Context, tx pgx.Tx, requestID string) error {
	query := `
		UPDATE approval_steps
		SET status     = 'skipped',
		    action     = 'skipped',
		    updated_at = NOW()
		WHERE request_id = $1
		  AND status = 'pending'
	`

	_, err := tx.Exec(ctx, query, requestID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to skip pending steps")
	}
	return nil
}

// InboxPending returns the steps a user can currently act on: steps at the
// request's current step order that are directly assigned, assigned to one
// of the user's delegators, or unassigned with a matching required role.
func (r *StepRepository) InboxPending(ctx context.Context, userID, roleCode string, delegatorIDs []string) ([]*InboxItem, error) {
	query := `
		SELECT s.id, s.request_id, q.doc_type, q.doc_id, q.project_id,
		       q.requester_id, s.step_order, s.required_role, s.status,
		       s.escalated, q.amount, q.department, s.approver_id, s.created_at
		FROM approval_steps s
		JOIN approval_requests q ON q.id = s.request_id
		WHERE s.status = 'pending'
		  AND q.status = 'in_progress'
		  AND s.step_order = q.current_step
		  AND (s.approver_id = $1
		       OR s.approver_id = ANY($3)
		       OR s.required_role = $2)
		ORDER BY s.created_at ASC
	`

	rows, err := r.db.Query(ctx, query, userID, roleCode, delegatorIDs)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to query inbox")
	}
	defer rows.Close()

	var items []*InboxItem
	for rows.Next() {
		item := &InboxItem{}
		var approverID *string
		err := rows.Scan(
			&item.StepID,
			&item.RequestID,
			&item.DocType,
			&item.DocID,
			&item.ProjectID,
			&item.RequesterID,
			&item.StepOrder,
			&item.RequiredRole,
			&item.Status,
			&item.Escalated,
			&item.Amount,
			&item.Department,
			&approverID,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan inbox item")
		}
		// The item is inherited when it matched through a delegator's
		// assignment rather than the caller's own.
		if approverID != nil && *approverID != userID {
			for _, delegator := range delegatorIDs {
				if delegator == *approverID {
					item.InheritedFrom = approverID
					break
				}
			}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListActedBy returns historical steps a user acted on with the given status.
func (r *StepRepository) ListActedBy(ctx context.Context, userID, status string) ([]*InboxItem, error) {
	query := `
		SELECT s.id, s.request_id, q.doc_type, q.doc_id, q.project_id,
		       q.requester_id, s.step_order, s.required_role, s.status,
		       s.escalated, q.amount, q.department, s.created_at
		FROM approval_steps s
		JOIN approval_requests q ON q.id = s.request_id
		WHERE s.approver_id = $1
		  AND s.status = $2
		ORDER BY s.acted_at DESC NULLS LAST, s.created_at DESC
	`

	rows, err := r.db.Query(ctx, query, userID, status)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to query acted steps")
	}
	defer rows.Close()

	var items []*InboxItem
	for rows.Next() {
		item := &InboxItem{}
		err := rows.Scan(
			&item.StepID,
			&item.RequestID,
			&item.DocType,
			&item.DocID,
			&item.ProjectID,
			&item.RequesterID,
			&item.StepOrder,
			&item.RequiredRole,
			&item.Status,
			&item.Escalated,
			&item.Amount,
			&item.Department,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan acted step")
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListEscalatable returns pending, non-escalated steps of in_progress
// requests joined with the owning request and the rule's SLA.
func (r *StepRepository) ListEscalatable(ctx context.Context) ([]*EscalatableStep, error) {
	query := `
		SELECT s.id, s.request_id, s.step_order, s.approver_id,
		       m.sla_hours, q.doc_type, q.doc_id, q.created_at
		FROM approval_steps s
		JOIN approval_requests q ON q.id = s.request_id
		JOIN approval_matrix_rules m ON m.id = s.rule_id
		WHERE s.status = 'pending'
		  AND s.escalated = FALSE
		  AND q.status = 'in_progress'
		ORDER BY q.created_at ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to query escalatable steps")
	}
	defer rows.Close()

	var steps []*EscalatableStep
	for rows.Next() {
		s := &EscalatableStep{}
		err := rows.Scan(
			&s.StepID,
			&s.RequestID,
			&s.StepOrder,
			&s.ApproverID,
			&s.SLAHours,
			&s.DocType,
			&s.DocID,
			&s.RequestCreatedAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan escalatable step")
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// MarkEscalated flips the one-way escalated flag. The WHERE escalated =
// FALSE guard makes concurrent scans harmless: the first update wins and
// later ones report false.
func (r *StepRepository) MarkEscalated(ctx context.Context, id, escalatedTo string) (bool, error) {
	query := `
		UPDATE approval_steps
		SET escalated    = TRUE,
		    escalated_to = $2,
		    updated_at   = NOW()
		WHERE id = $1
		  AND escalated = FALSE
		  AND status = 'pending'
	`

	tag, err := r.db.Exec(ctx, query, id, escalatedTo)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.CodeInternal, "failed to mark step escalated")
	}
	return tag.RowsAffected() > 0, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanSteps(rows pgx.Rows) ([]*ApprovalStep, error) {
	var steps []*ApprovalStep
	for rows.Next() {
		s := &ApprovalStep{}
		err := rows.Scan(
			&s.ID,
			&s.RequestID,
			&s.RuleID,
			&s.StepOrder,
			&s.RequiredRole,
			&s.ApproverID,
			&s.IsParallel,
			&s.Status,
			&s.Action,
			&s.Remarks,
			&s.ActedAt,
			&s.Escalated,
			&s.EscalatedTo,
			&s.CreatedAt,
			&s.UpdatedAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan approval step")
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}
