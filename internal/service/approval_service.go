package service

import (
	"context"
	"sort"
	"time"

	"github.com/pesio-ai/be-erp-approvals/internal/apperrors"
	"github.com/pesio-ai/be-erp-approvals/internal/identity"
	"github.com/pesio-ai/be-erp-approvals/internal/logger"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"

	"github.com/jackc/pgx/v5"
)

// ApprovalService is the orchestrator driving the per-document approval
// state machine: it creates requests with their steps and applies the
// approve / reject / cancel transitions. Every transition is one atomic
// database transaction; concurrent transitions on the same request
// serialize on the request row lock.
type ApprovalService struct {
	txr         TxRunner
	requests    RequestStore
	steps       StepStore
	matrices    MatrixStore
	users       UserStore
	delegations DelegationStore
	audit       AuditStore
	resolver    *ApproverResolver
	notifier    DocStatusNotifier
	log         *logger.Logger
	now         func() time.Time
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	txr TxRunner,
	requests RequestStore,
	steps StepStore,
	matrices MatrixStore,
	users UserStore,
	delegations DelegationStore,
	audit AuditStore,
	resolver *ApproverResolver,
	notifier DocStatusNotifier,
	log *logger.Logger,
) *ApprovalService {
	return &ApprovalService{
		txr:         txr,
		requests:    requests,
		steps:       steps,
		matrices:    matrices,
		users:       users,
		delegations: delegations,
		audit:       audit,
		resolver:    resolver,
		notifier:    notifier,
		log:         log,
		now:         time.Now,
	}
}

// ── DTOs ──────────────────────────────────────────────────────────────────────

// SubmitInput is an approval submission for a document.
type SubmitInput struct {
	DocType    string  `json:"doc_type"`
	DocID      string  `json:"doc_id"`
	ProjectID  *string `json:"project_id,omitempty"`
	Amount     int64   `json:"amount"`
	Department *string `json:"department,omitempty"`
}

// SubmitResult describes the created request.
type SubmitResult struct {
	RequestID   string `json:"request_id"`
	Status      string `json:"status"`
	TotalSteps  int    `json:"total_steps"`
	CurrentStep int    `json:"current_step"`
}

// ActionResult is the outcome of an approve / reject / cancel transition.
// CurrentStep is nil once the request is terminal.
type ActionResult struct {
	RequestID   string `json:"request_id"`
	Status      string `json:"status"`
	CurrentStep *int   `json:"current_step,omitempty"`
}

// RequestDetail is a request together with its steps.
type RequestDetail struct {
	Request *repository.ApprovalRequest `json:"request"`
	Steps   []*repository.ApprovalStep  `json:"steps"`
}

// ── Submit ────────────────────────────────────────────────────────────────────

// Submit creates an approval request for a document: resolves the matrix,
// assigns an approver candidate per rule and persists request + steps
// atomically. A document with an active request is rejected with a
// conflict; a submission matching no rule is a configuration error and
// creates nothing.
func (s *ApprovalService) Submit(ctx context.Context, actor identity.Identity, in SubmitInput) (*SubmitResult, error) {
	if !repository.ValidDocTypes[in.DocType] {
		return nil, apperrors.InvalidInput("doc_type", "unknown document type")
	}
	if in.DocID == "" {
		return nil, apperrors.InvalidInput("doc_id", "must not be empty")
	}
	if in.Amount < 0 {
		return nil, apperrors.InvalidInput("amount", "must not be negative")
	}

	active, err := s.requests.GetActiveByDocument(ctx, in.DocType, in.DocID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, apperrors.Newf(apperrors.CodeConflict,
			"document %s/%s already has an active approval request", in.DocType, in.DocID)
	}

	rules, err := s.matrices.FindMatrices(ctx, in.DocType, in.ProjectID, in.Amount, in.Department)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, apperrors.Newf(apperrors.CodeConfiguration,
			"no approval matrix rule matches %s submission", in.DocType)
	}

	// A role code the identity store does not know can never resolve an
	// approver, now or later; fail the submission instead of creating an
	// unactionable step.
	seenRoles := map[string]bool{}
	for _, rule := range rules {
		if seenRoles[rule.ApproverRole] {
			continue
		}
		seenRoles[rule.ApproverRole] = true
		role, err := s.users.GetRole(ctx, rule.ApproverRole)
		if err != nil {
			return nil, err
		}
		if role == nil {
			return nil, apperrors.Newf(apperrors.CodeConfiguration,
				"matrix rule references unknown role %q", rule.ApproverRole)
		}
	}

	orderCounts := map[int]int{}
	for _, rule := range rules {
		orderCounts[rule.StepOrder]++
	}
	orders := make([]int, 0, len(orderCounts))
	for order := range orderCounts {
		orders = append(orders, order)
	}
	sort.Ints(orders)

	steps := make([]*repository.ApprovalStep, 0, len(rules))
	for _, rule := range rules {
		step := &repository.ApprovalStep{
			RuleID:       rule.ID,
			StepOrder:    rule.StepOrder,
			RequiredRole: rule.ApproverRole,
			IsParallel:   orderCounts[rule.StepOrder] > 1,
			Status:       repository.StepStatusPending,
		}

		candidate, err := s.resolver.Resolve(ctx, rule.ApproverRole, actor.UserID)
		if err != nil {
			return nil, err
		}
		if candidate != nil {
			approverID := candidate.UserID
			step.ApproverID = &approverID
		}

		steps = append(steps, step)
	}

	req := &repository.ApprovalRequest{
		DocType:     in.DocType,
		DocID:       in.DocID,
		ProjectID:   in.ProjectID,
		RequesterID: actor.UserID,
		Status:      repository.RequestStatusInProgress,
		CurrentStep: orders[0],
		TotalSteps:  len(orders),
		Amount:      in.Amount,
		Department:  in.Department,
	}

	if err := s.requests.CreateWithSteps(ctx, req, steps); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("doc_type", req.DocType).
		Str("doc_id", req.DocID).
		Int("total_steps", req.TotalSteps).
		Msg("Approval request created")

	s.notify(ctx, req.DocType, req.DocID, DocStatusInApproval)
	s.appendAudit(ctx, &repository.AuditEntry{
		RequestID:   &req.ID,
		DocType:     req.DocType,
		DocID:       req.DocID,
		Action:      "submitted",
		PerformedBy: actor.UserID,
		Metadata:    map[string]interface{}{"amount": req.Amount, "total_steps": req.TotalSteps},
	})

	return &SubmitResult{
		RequestID:   req.ID,
		Status:      req.Status,
		TotalSteps:  req.TotalSteps,
		CurrentStep: req.CurrentStep,
	}, nil
}

// ── Approve ───────────────────────────────────────────────────────────────────

// Approve marks every step at the current order the actor may act on as
// approved, then advances the request: it stays put while a parallel
// sibling is still pending, moves to the next order with pending steps,
// or completes as approved when none remains. Re-approving a step the
// same actor already approved replays the existing outcome.
func (s *ApprovalService) Approve(ctx context.Context, actor identity.Identity, requestID string, remarks *string) (*ActionResult, error) {
	delegators, err := s.delegatorSet(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}

	var (
		result   ActionResult
		terminal bool
		docType  string
		docID    string
		stepIDs  []string
	)

	err = s.txr.InTransaction(ctx, func(tx pgx.Tx) error {
		req, err := s.requests.GetByIDForUpdate(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if req.Terminal() {
			return apperrors.Newf(apperrors.CodeConflict,
				"request is not in_progress (status: %s)", req.Status)
		}
		docType, docID = req.DocType, req.DocID

		if req.RequesterID == actor.UserID && !actor.CanSelfApprove && !actor.IsAdmin {
			return apperrors.New(apperrors.CodeForbidden,
				"requesters may not approve their own submission")
		}

		steps, err := s.steps.ListByRequestTx(ctx, tx, requestID)
		if err != nil {
			return err
		}

		group := stepsAtOrder(steps, req.CurrentStep)
		actable := make([]*repository.ApprovalStep, 0, len(group))
		for _, step := range group {
			if step.Status == repository.StepStatusPending && canAct(step, actor, delegators) {
				actable = append(actable, step)
			}
		}

		if len(actable) == 0 {
			// Re-approval by the same eligible actor is idempotent: return
			// the existing outcome instead of erroring.
			for _, step := range group {
				if step.Status == repository.StepStatusApproved &&
					step.ApproverID != nil && *step.ApproverID == actor.UserID {
					current := req.CurrentStep
					result = ActionResult{RequestID: req.ID, Status: req.Status, CurrentStep: &current}
					return nil
				}
			}
			return apperrors.New(apperrors.CodeForbidden,
				"caller is not eligible to act on the current step")
		}

		for _, step := range actable {
			if err := s.steps.MarkActionTx(ctx, tx, step.ID, repository.StepStatusApproved, actor.UserID, remarks); err != nil {
				return err
			}
			step.Status = repository.StepStatusApproved
			stepIDs = append(stepIDs, step.ID)
		}

		// Parallel wait: the order only completes when every sibling has
		// left pending.
		if hasPendingAtOrder(steps, req.CurrentStep) {
			current := req.CurrentStep
			result = ActionResult{RequestID: req.ID, Status: req.Status, CurrentStep: &current}
			return nil
		}

		next, ok := nextPendingOrder(steps, req.CurrentStep)
		if ok {
			if err := s.requests.AdvanceTx(ctx, tx, req.ID, next); err != nil {
				return err
			}
			result = ActionResult{RequestID: req.ID, Status: req.Status, CurrentStep: &next}
			return nil
		}

		completedAt := s.now()
		if err := s.requests.UpdateStatusTx(ctx, tx, req.ID, repository.RequestStatusApproved, &completedAt); err != nil {
			return err
		}
		terminal = true
		result = ActionResult{RequestID: req.ID, Status: repository.RequestStatusApproved}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if terminal {
		s.notify(ctx, docType, docID, DocStatusApproved)
	}
	for i := range stepIDs {
		s.appendAudit(ctx, &repository.AuditEntry{
			RequestID:   &requestID,
			StepID:      &stepIDs[i],
			DocType:     docType,
			DocID:       docID,
			Action:      "approved",
			PerformedBy: actor.UserID,
		})
	}

	return &result, nil
}

// ── Reject ────────────────────────────────────────────────────────────────────

// Reject marks the actor's step(s) at the current order rejected and
// cascades: the request becomes rejected and every other pending step at
// any order is skipped. Remarks are mandatory.
func (s *ApprovalService) Reject(ctx context.Context, actor identity.Identity, requestID, remarks string) (*ActionResult, error) {
	if remarks == "" {
		return nil, apperrors.InvalidInput("remarks", "rejection remarks are required")
	}

	delegators, err := s.delegatorSet(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}

	var (
		docType string
		docID   string
		stepIDs []string
	)

	err = s.txr.InTransaction(ctx, func(tx pgx.Tx) error {
		req, err := s.requests.GetByIDForUpdate(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if req.Terminal() {
			return apperrors.Newf(apperrors.CodeConflict,
				"request is not in_progress (status: %s)", req.Status)
		}
		docType, docID = req.DocType, req.DocID

		steps, err := s.steps.ListByRequestTx(ctx, tx, requestID)
		if err != nil {
			return err
		}

		var actable []*repository.ApprovalStep
		for _, step := range stepsAtOrder(steps, req.CurrentStep) {
			if step.Status == repository.StepStatusPending && canAct(step, actor, delegators) {
				actable = append(actable, step)
			}
		}
		if len(actable) == 0 {
			return apperrors.New(apperrors.CodeForbidden,
				"caller is not eligible to act on the current step")
		}

		notes := remarks
		for _, step := range actable {
			if err := s.steps.MarkActionTx(ctx, tx, step.ID, repository.StepStatusRejected, actor.UserID, &notes); err != nil {
				return err
			}
			stepIDs = append(stepIDs, step.ID)
		}

		if err := s.steps.SkipPendingTx(ctx, tx, req.ID); err != nil {
			return err
		}

		completedAt := s.now()
		return s.requests.UpdateStatusTx(ctx, tx, req.ID, repository.RequestStatusRejected, &completedAt)
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, docType, docID, DocStatusRejected)
	for i := range stepIDs {
		s.appendAudit(ctx, &repository.AuditEntry{
			RequestID:   &requestID,
			StepID:      &stepIDs[i],
			DocType:     docType,
			DocID:       docID,
			Action:      "rejected",
			PerformedBy: actor.UserID,
			Metadata:    map[string]interface{}{"remarks": remarks},
		})
	}

	return &ActionResult{RequestID: requestID, Status: repository.RequestStatusRejected}, nil
}

// ── Cancel ────────────────────────────────────────────────────────────────────

// Cancel withdraws an in-progress request. Only the original requester or
// an administrator may cancel; remaining pending steps are skipped.
func (s *ApprovalService) Cancel(ctx context.Context, actor identity.Identity, requestID string, remarks *string) (*ActionResult, error) {
	var (
		docType string
		docID   string
	)

	err := s.txr.InTransaction(ctx, func(tx pgx.Tx) error {
		req, err := s.requests.GetByIDForUpdate(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if req.Terminal() {
			return apperrors.Newf(apperrors.CodeConflict,
				"request is not in_progress (status: %s)", req.Status)
		}
		if req.RequesterID != actor.UserID && !actor.IsAdmin {
			return apperrors.New(apperrors.CodeForbidden,
				"only the requester or an administrator may cancel")
		}
		docType, docID = req.DocType, req.DocID

		if err := s.steps.SkipPendingTx(ctx, tx, req.ID); err != nil {
			return err
		}

		completedAt := s.now()
		return s.requests.UpdateStatusTx(ctx, tx, req.ID, repository.RequestStatusCancelled, &completedAt)
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, docType, docID, DocStatusCancelled)
	s.appendAudit(ctx, &repository.AuditEntry{
		RequestID:   &requestID,
		DocType:     docType,
		DocID:       docID,
		Action:      "cancelled",
		PerformedBy: actor.UserID,
	})

	return &ActionResult{RequestID: requestID, Status: repository.RequestStatusCancelled}, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// Inbox returns the caller's view of the workflow, filtered by status:
// pending (default) lists actionable steps, approved / rejected / skipped
// list acted history, sent and all_sent list the caller's own submissions.
func (s *ApprovalService) Inbox(ctx context.Context, actor identity.Identity, statusFilter string) ([]*repository.InboxItem, error) {
	switch statusFilter {
	case "", "pending":
		delegators, err := s.delegations.ActiveForDelegate(ctx, actor.UserID, s.now())
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(delegators))
		for _, d := range delegators {
			ids = append(ids, d.FromUserID)
		}
		return s.steps.InboxPending(ctx, actor.UserID, actor.RoleCode, ids)

	case repository.StepStatusApproved, repository.StepStatusRejected, repository.StepStatusSkipped:
		return s.steps.ListActedBy(ctx, actor.UserID, statusFilter)

	case "sent", "all_sent":
		reqs, err := s.requests.ListByRequester(ctx, actor.UserID, statusFilter == "sent")
		if err != nil {
			return nil, err
		}
		items := make([]*repository.InboxItem, 0, len(reqs))
		for _, req := range reqs {
			items = append(items, &repository.InboxItem{
				RequestID:   req.ID,
				DocType:     req.DocType,
				DocID:       req.DocID,
				ProjectID:   req.ProjectID,
				RequesterID: req.RequesterID,
				StepOrder:   req.CurrentStep,
				Status:      req.Status,
				Amount:      req.Amount,
				Department:  req.Department,
				CreatedAt:   req.CreatedAt,
			})
		}
		return items, nil

	default:
		return nil, apperrors.InvalidInput("status", "unknown inbox filter")
	}
}

// GetRequest returns a request with its steps.
func (s *ApprovalService) GetRequest(ctx context.Context, requestID string) (*RequestDetail, error) {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	steps, err := s.steps.ListByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &RequestDetail{Request: req, Steps: steps}, nil
}

// History returns the audit trail for a request.
func (s *ApprovalService) History(ctx context.Context, requestID string) ([]*repository.AuditEntry, error) {
	if _, err := s.requests.GetByID(ctx, requestID); err != nil {
		return nil, err
	}
	return s.audit.GetByRequestID(ctx, requestID)
}

// ── Eligibility ───────────────────────────────────────────────────────────────

// canAct is the single eligibility predicate shared by the inbox query,
// approve and reject: direct assignment, required-role match, an active
// delegation from the assigned approver, or administrator override.
func canAct(step *repository.ApprovalStep, actor identity.Identity, delegators map[string]bool) bool {
	if actor.IsAdmin {
		return true
	}
	if step.ApproverID != nil {
		if *step.ApproverID == actor.UserID {
			return true
		}
		if delegators[*step.ApproverID] {
			return true
		}
	}
	return step.RequiredRole == actor.RoleCode
}

func (s *ApprovalService) delegatorSet(ctx context.Context, userID string) (map[string]bool, error) {
	ds, err := s.delegations.ActiveForDelegate(ctx, userID, s.now())
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(ds))
	for _, d := range ds {
		set[d.FromUserID] = true
	}
	return set, nil
}

// ── Step helpers ──────────────────────────────────────────────────────────────

func stepsAtOrder(steps []*repository.ApprovalStep, order int) []*repository.ApprovalStep {
	var group []*repository.ApprovalStep
	for _, step := range steps {
		if step.StepOrder == order {
			group = append(group, step)
		}
	}
	return group
}

func hasPendingAtOrder(steps []*repository.ApprovalStep, order int) bool {
	for _, step := range steps {
		if step.StepOrder == order && step.Status == repository.StepStatusPending {
			return true
		}
	}
	return false
}

// nextPendingOrder returns the smallest step order greater than current
// that still has a pending step.
func nextPendingOrder(steps []*repository.ApprovalStep, current int) (int, bool) {
	next, found := 0, false
	for _, step := range steps {
		if step.StepOrder <= current || step.Status != repository.StepStatusPending {
			continue
		}
		if !found || step.StepOrder < next {
			next, found = step.StepOrder, true
		}
	}
	return next, found
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// notify reports a document status change; adapter failures never roll
// back the workflow transition that produced them.
func (s *ApprovalService) notify(ctx context.Context, docType, docID string, status DocStatus) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, docType, docID, status); err != nil {
		s.log.Warn().Err(err).
			Str("doc_type", docType).
			Str("doc_id", docID).
			Str("status", string(status)).
			Msg("Document status notification failed")
	}
}

// appendAudit writes an audit entry and logs a warning on failure.
func (s *ApprovalService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("doc_id", entry.DocID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}
