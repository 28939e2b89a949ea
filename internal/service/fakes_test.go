package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-erp-approvals/internal/apperrors"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

// memStore holds shared in-memory state so the state machine can be
// exercised without a database. Per-interface wrappers below expose it as
// the store interfaces; transactions degrade to plain function calls and
// the tx argument is ignored throughout.
type memStore struct {
	seq         int
	rules       []*repository.MatrixRule
	requests    map[string]*repository.ApprovalRequest
	steps       map[string][]*repository.ApprovalStep
	users       []*repository.User
	roles       map[string]*repository.Role
	delegations []*repository.Delegation
	audits      []*repository.AuditEntry

	failAudit      bool            // Append fails when set
	escalateDenied map[string]bool // step ids whose MarkEscalated reports a lost race
}

func newMemStore() *memStore {
	return &memStore{
		requests:       make(map[string]*repository.ApprovalRequest),
		steps:          make(map[string][]*repository.ApprovalStep),
		roles:          make(map[string]*repository.Role),
		escalateDenied: make(map[string]bool),
	}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *memStore) addRole(code string, isAdmin, canSelfApprove bool) {
	m.roles[code] = &repository.Role{Code: code, Name: code, IsAdmin: isAdmin, CanSelfApprove: canSelfApprove}
}

func (m *memStore) addUser(id, roleCode string, managerID *string) *repository.User {
	u := &repository.User{
		ID:        id,
		Name:      id,
		Email:     id + "@example.com",
		RoleCode:  roleCode,
		ManagerID: managerID,
		IsActive:  true,
	}
	if role := m.roles[roleCode]; role != nil {
		u.IsAdmin = role.IsAdmin
		u.CanSelfApprove = role.CanSelfApprove
	}
	m.users = append(m.users, u)
	return u
}

func (m *memStore) addRule(docType string, projectID *string, min, max *int64, role string, stepOrder int, slaHours *int) *repository.MatrixRule {
	rule := &repository.MatrixRule{
		ID:           m.nextID("rule"),
		DocType:      docType,
		ProjectID:    projectID,
		MinAmount:    min,
		MaxAmount:    max,
		ApproverRole: role,
		StepOrder:    stepOrder,
		SLAHours:     slaHours,
		IsActive:     true,
		CreatedAt:    time.Now(),
	}
	m.rules = append(m.rules, rule)
	return rule
}

func (m *memStore) stepByID(id string) *repository.ApprovalStep {
	for _, steps := range m.steps {
		for _, s := range steps {
			if s.ID == id {
				return s
			}
		}
	}
	return nil
}

func (m *memStore) auditActions() []string {
	actions := make([]string, 0, len(m.audits))
	for _, e := range m.audits {
		actions = append(actions, e.Action)
	}
	return actions
}

// InTransaction satisfies TxRunner.
func (m *memStore) InTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

// ── MatrixStore ───────────────────────────────────────────────────────────────

type fakeMatrices struct{ m *memStore }

func (f fakeMatrices) Create(ctx context.Context, rule *repository.MatrixRule) error {
	rule.ID = f.m.nextID("rule")
	rule.CreatedAt = time.Now()
	f.m.rules = append(f.m.rules, rule)
	return nil
}

func (f fakeMatrices) FindMatrices(ctx context.Context, docType string, projectID *string, amount int64, department *string) ([]*repository.MatrixRule, error) {
	match := func(projectScoped bool) []*repository.MatrixRule {
		var out []*repository.MatrixRule
		for _, r := range f.m.rules {
			if !r.IsActive || r.DocType != docType {
				continue
			}
			if projectScoped {
				if projectID == nil || r.ProjectID == nil || *r.ProjectID != *projectID {
					continue
				}
			} else if r.ProjectID != nil {
				continue
			}
			if r.MinAmount != nil && amount < *r.MinAmount {
				continue
			}
			if r.MaxAmount != nil && amount > *r.MaxAmount {
				continue
			}
			if r.Department != nil && (department == nil || *department != *r.Department) {
				continue
			}
			out = append(out, r)
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
		return out
	}

	if scoped := match(true); len(scoped) > 0 {
		return scoped, nil
	}
	return match(false), nil
}

func (f fakeMatrices) ListByDocType(ctx context.Context, docType string, activeOnly bool) ([]*repository.MatrixRule, error) {
	var out []*repository.MatrixRule
	for _, r := range f.m.rules {
		if r.DocType != docType {
			continue
		}
		if activeOnly && !r.IsActive {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f fakeMatrices) Deactivate(ctx context.Context, id string) error {
	for _, r := range f.m.rules {
		if r.ID == id {
			r.IsActive = false
			return nil
		}
	}
	return apperrors.NotFound("matrix rule", id)
}

// ── RequestStore ──────────────────────────────────────────────────────────────

type fakeRequests struct{ m *memStore }

func (f fakeRequests) CreateWithSteps(ctx context.Context, req *repository.ApprovalRequest, steps []*repository.ApprovalStep) error {
	// Mirrors the partial unique index on (doc_type, doc_id) for active rows.
	for _, existing := range f.m.requests {
		if existing.DocType == req.DocType && existing.DocID == req.DocID &&
			existing.Status == repository.RequestStatusInProgress {
			return apperrors.Newf(apperrors.CodeConflict,
				"document %s/%s already has an active approval request", req.DocType, req.DocID)
		}
	}

	req.ID = f.m.nextID("req")
	req.CreatedAt = time.Now()
	req.UpdatedAt = req.CreatedAt
	f.m.requests[req.ID] = req

	for _, s := range steps {
		s.ID = f.m.nextID("step")
		s.RequestID = req.ID
		s.CreatedAt = req.CreatedAt
		s.UpdatedAt = req.CreatedAt
	}
	f.m.steps[req.ID] = steps
	return nil
}

func (f fakeRequests) GetByID(ctx context.Context, id string) (*repository.ApprovalRequest, error) {
	if req, ok := f.m.requests[id]; ok {
		return req, nil
	}
	return nil, apperrors.NotFound("approval request", id)
}

func (f fakeRequests) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id string) (*repository.ApprovalRequest, error) {
	return f.GetByID(ctx, id)
}

func (f fakeRequests) GetActiveByDocument(ctx context.Context, docType, docID string) (*repository.ApprovalRequest, error) {
	for _, req := range f.m.requests {
		if req.DocType == docType && req.DocID == docID && req.Status == repository.RequestStatusInProgress {
			return req, nil
		}
	}
	return nil, nil
}

func (f fakeRequests) UpdateStatusTx(ctx context.Context, tx pgx.Tx, id, status string, completedAt *time.Time) error {
	req, ok := f.m.requests[id]
	if !ok {
		return apperrors.NotFound("approval request", id)
	}
	req.Status = status
	req.CompletedAt = completedAt
	req.UpdatedAt = time.Now()
	return nil
}

func (f fakeRequests) AdvanceTx(ctx context.Context, tx pgx.Tx, id string, nextStep int) error {
	req, ok := f.m.requests[id]
	if !ok {
		return apperrors.NotFound("approval request", id)
	}
	req.CurrentStep = nextStep
	req.UpdatedAt = time.Now()
	return nil
}

func (f fakeRequests) ListByRequester(ctx context.Context, requesterID string, activeOnly bool) ([]*repository.ApprovalRequest, error) {
	var out []*repository.ApprovalRequest
	for _, req := range f.m.requests {
		if req.RequesterID != requesterID {
			continue
		}
		if activeOnly && req.Status != repository.RequestStatusInProgress {
			continue
		}
		out = append(out, req)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── StepStore ─────────────────────────────────────────────────────────────────

type fakeSteps struct{ m *memStore }

func (f fakeSteps) ListByRequest(ctx context.Context, requestID string) ([]*repository.ApprovalStep, error) {
	steps := append([]*repository.ApprovalStep(nil), f.m.steps[requestID]...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })
	return steps, nil
}

func (f fakeSteps) ListByRequestTx(ctx context.Context, tx pgx.Tx, requestID string) ([]*repository.ApprovalStep, error) {
	return f.ListByRequest(ctx, requestID)
}

func (f fakeSteps) MarkActionTx(ctx context.Context, tx pgx.Tx, id, status, actorID string, remarks *string) error {
	step := f.m.stepByID(id)
	if step == nil {
		return apperrors.NotFound("approval step", id)
	}
	now := time.Now()
	action := status
	actor := actorID
	step.Status = status
	step.Action = &action
	step.ApproverID = &actor
	step.Remarks = remarks
	step.ActedAt = &now
	step.UpdatedAt = now
	return nil
}

func (f fakeSteps) SkipPendingTx(ctx context.Context, tx pgx.Tx, requestID string) error {
	for _, s := range f.m.steps[requestID] {
		if s.Status == repository.StepStatusPending {
			s.Status = repository.StepStatusSkipped
		}
	}
	return nil
}

func (f fakeSteps) InboxPending(ctx context.Context, userID, roleCode string, delegatorIDs []string) ([]*repository.InboxItem, error) {
	delegators := make(map[string]bool, len(delegatorIDs))
	for _, id := range delegatorIDs {
		delegators[id] = true
	}

	var items []*repository.InboxItem
	for _, req := range f.m.requests {
		if req.Status != repository.RequestStatusInProgress {
			continue
		}
		for _, s := range f.m.steps[req.ID] {
			if s.StepOrder != req.CurrentStep || s.Status != repository.StepStatusPending {
				continue
			}
			direct := s.ApproverID != nil && *s.ApproverID == userID
			inherited := s.ApproverID != nil && delegators[*s.ApproverID]
			roleMatch := s.RequiredRole == roleCode
			if !direct && !inherited && !roleMatch {
				continue
			}
			item := &repository.InboxItem{
				StepID:       s.ID,
				RequestID:    req.ID,
				DocType:      req.DocType,
				DocID:        req.DocID,
				ProjectID:    req.ProjectID,
				RequesterID:  req.RequesterID,
				StepOrder:    s.StepOrder,
				RequiredRole: s.RequiredRole,
				Status:       s.Status,
				Escalated:    s.Escalated,
				Amount:       req.Amount,
				Department:   req.Department,
				CreatedAt:    req.CreatedAt,
			}
			if inherited && !direct {
				from := *s.ApproverID
				item.InheritedFrom = &from
			}
			items = append(items, item)
		}
	}
	return items, nil
}

func (f fakeSteps) ListActedBy(ctx context.Context, userID, status string) ([]*repository.InboxItem, error) {
	var items []*repository.InboxItem
	for _, req := range f.m.requests {
		for _, s := range f.m.steps[req.ID] {
			if s.Status != status || s.ApproverID == nil || *s.ApproverID != userID {
				continue
			}
			items = append(items, &repository.InboxItem{
				StepID:       s.ID,
				RequestID:    req.ID,
				DocType:      req.DocType,
				DocID:        req.DocID,
				RequesterID:  req.RequesterID,
				StepOrder:    s.StepOrder,
				RequiredRole: s.RequiredRole,
				Status:       s.Status,
				Amount:       req.Amount,
				CreatedAt:    req.CreatedAt,
			})
		}
	}
	return items, nil
}

func (f fakeSteps) ListEscalatable(ctx context.Context) ([]*repository.EscalatableStep, error) {
	ruleByID := make(map[string]*repository.MatrixRule, len(f.m.rules))
	for _, r := range f.m.rules {
		ruleByID[r.ID] = r
	}

	var out []*repository.EscalatableStep
	for _, req := range f.m.requests {
		if req.Status != repository.RequestStatusInProgress {
			continue
		}
		for _, s := range f.m.steps[req.ID] {
			if s.Status != repository.StepStatusPending || s.Escalated {
				continue
			}
			es := &repository.EscalatableStep{
				StepID:           s.ID,
				RequestID:        req.ID,
				StepOrder:        s.StepOrder,
				ApproverID:       s.ApproverID,
				DocType:          req.DocType,
				DocID:            req.DocID,
				RequestCreatedAt: req.CreatedAt,
			}
			if rule, ok := ruleByID[s.RuleID]; ok {
				es.SLAHours = rule.SLAHours
			}
			out = append(out, es)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

func (f fakeSteps) MarkEscalated(ctx context.Context, id, escalatedTo string) (bool, error) {
	if f.m.escalateDenied[id] {
		return false, nil
	}
	step := f.m.stepByID(id)
	if step == nil {
		return false, apperrors.NotFound("approval step", id)
	}
	if step.Escalated || step.Status != repository.StepStatusPending {
		return false, nil
	}
	target := escalatedTo
	step.Escalated = true
	step.EscalatedTo = &target
	return true, nil
}

// ── UserStore ─────────────────────────────────────────────────────────────────

type fakeUsers struct{ m *memStore }

func (f fakeUsers) GetByID(ctx context.Context, id string) (*repository.User, error) {
	for _, u := range f.m.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, apperrors.NotFound("user", id)
}

func (f fakeUsers) ListActiveByRole(ctx context.Context, roleCode string) ([]*repository.User, error) {
	var out []*repository.User
	for _, u := range f.m.users {
		if u.RoleCode == roleCode && u.IsActive && u.DeletedAt == nil {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f fakeUsers) FirstActiveAdmin(ctx context.Context) (*repository.User, error) {
	for _, u := range f.m.users {
		if u.IsAdmin && u.IsActive && u.DeletedAt == nil {
			return u, nil
		}
	}
	return nil, nil
}

func (f fakeUsers) GetRole(ctx context.Context, code string) (*repository.Role, error) {
	if role, ok := f.m.roles[code]; ok {
		return role, nil
	}
	return nil, nil
}

// ── DelegationStore ───────────────────────────────────────────────────────────

type fakeDelegations struct{ m *memStore }

func (f fakeDelegations) Create(ctx context.Context, d *repository.Delegation) error {
	d.ID = f.m.nextID("del")
	d.CreatedAt = time.Now()
	f.m.delegations = append(f.m.delegations, d)
	return nil
}

func (f fakeDelegations) GetByID(ctx context.Context, id string) (*repository.Delegation, error) {
	for _, d := range f.m.delegations {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, apperrors.NotFound("delegation", id)
}

func (f fakeDelegations) ActiveFrom(ctx context.Context, fromUserID string, at time.Time) (*repository.Delegation, error) {
	for _, d := range f.m.delegations {
		if d.FromUserID == fromUserID && d.Covers(at) {
			return d, nil
		}
	}
	return nil, nil
}

func (f fakeDelegations) ActiveForDelegate(ctx context.Context, toUserID string, at time.Time) ([]*repository.Delegation, error) {
	var out []*repository.Delegation
	for _, d := range f.m.delegations {
		if d.ToUserID == toUserID && d.Covers(at) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f fakeDelegations) HasOverlapping(ctx context.Context, fromUserID string, startsAt, endsAt time.Time) (bool, error) {
	for _, d := range f.m.delegations {
		if d.FromUserID == fromUserID && d.IsActive &&
			d.StartsAt.Before(endsAt) && d.EndsAt.After(startsAt) {
			return true, nil
		}
	}
	return false, nil
}

func (f fakeDelegations) HasActiveReverse(ctx context.Context, fromUserID, toUserID string, startsAt, endsAt time.Time) (bool, error) {
	for _, d := range f.m.delegations {
		if d.FromUserID == toUserID && d.ToUserID == fromUserID && d.IsActive &&
			d.StartsAt.Before(endsAt) && d.EndsAt.After(startsAt) {
			return true, nil
		}
	}
	return false, nil
}

func (f fakeDelegations) Disable(ctx context.Context, id string) error {
	for _, d := range f.m.delegations {
		if d.ID == id {
			d.IsActive = false
			return nil
		}
	}
	return apperrors.NotFound("delegation", id)
}

func (f fakeDelegations) ListByUser(ctx context.Context, userID string) ([]*repository.Delegation, error) {
	var out []*repository.Delegation
	for _, d := range f.m.delegations {
		if d.FromUserID == userID || d.ToUserID == userID {
			out = append(out, d)
		}
	}
	return out, nil
}

// ── AuditStore ────────────────────────────────────────────────────────────────

type fakeAudit struct{ m *memStore }

func (f fakeAudit) Append(ctx context.Context, entry *repository.AuditEntry) error {
	if f.m.failAudit {
		return errors.New("audit store unavailable")
	}
	entry.ID = f.m.nextID("audit")
	entry.PerformedAt = time.Now()
	f.m.audits = append(f.m.audits, entry)
	return nil
}

func (f fakeAudit) GetByRequestID(ctx context.Context, requestID string) ([]*repository.AuditEntry, error) {
	var out []*repository.AuditEntry
	for _, e := range f.m.audits {
		if e.RequestID != nil && *e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}
