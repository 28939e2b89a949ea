package service

import (
	"context"

	"github.com/pesio-ai/be-erp-approvals/internal/apperrors"
	"github.com/pesio-ai/be-erp-approvals/internal/identity"
	"github.com/pesio-ai/be-erp-approvals/internal/logger"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

// MatrixService administers approval matrix rules. Rules are immutable
// configuration rows owned by policy administrators; replacement is
// add-new plus deactivate.
type MatrixService struct {
	matrices MatrixStore
	users    UserStore
	log      *logger.Logger
}

// NewMatrixService creates a new MatrixService.
func NewMatrixService(matrices MatrixStore, users UserStore, log *logger.Logger) *MatrixService {
	return &MatrixService{matrices: matrices, users: users, log: log}
}

// CreateRuleInput describes a matrix rule to create.
type CreateRuleInput struct {
	DocType      string  `json:"doc_type"`
	ProjectID    *string `json:"project_id,omitempty"`
	MinAmount    *int64  `json:"min_amount,omitempty"`
	MaxAmount    *int64  `json:"max_amount,omitempty"`
	Department   *string `json:"department,omitempty"`
	ApproverRole string  `json:"approver_role"`
	StepOrder    int     `json:"step_order"`
	SLAHours     *int    `json:"sla_hours,omitempty"`
}

// CreateRule validates and inserts a matrix rule.
func (s *MatrixService) CreateRule(ctx context.Context, actor identity.Identity, in CreateRuleInput) (*repository.MatrixRule, error) {
	if !actor.IsAdmin {
		return nil, apperrors.New(apperrors.CodeForbidden, "only administrators may manage matrix rules")
	}
	if !repository.ValidDocTypes[in.DocType] {
		return nil, apperrors.InvalidInput("doc_type", "unknown document type")
	}
	if in.StepOrder < 1 {
		return nil, apperrors.InvalidInput("step_order", "must be at least 1")
	}
	if in.MinAmount != nil && in.MaxAmount != nil && *in.MinAmount > *in.MaxAmount {
		return nil, apperrors.InvalidInput("min_amount", "must not exceed max_amount")
	}
	if in.SLAHours != nil && *in.SLAHours < 1 {
		return nil, apperrors.InvalidInput("sla_hours", "must be at least 1")
	}

	role, err := s.users.GetRole(ctx, in.ApproverRole)
	if err != nil {
		return nil, err
	}
	if role == nil {
		return nil, apperrors.Newf(apperrors.CodeValidation, "unknown approver role %q", in.ApproverRole)
	}

	rule := &repository.MatrixRule{
		DocType:      in.DocType,
		ProjectID:    in.ProjectID,
		MinAmount:    in.MinAmount,
		MaxAmount:    in.MaxAmount,
		Department:   in.Department,
		ApproverRole: in.ApproverRole,
		StepOrder:    in.StepOrder,
		SLAHours:     in.SLAHours,
		IsActive:     true,
	}
	if err := s.matrices.Create(ctx, rule); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("rule_id", rule.ID).
		Str("doc_type", rule.DocType).
		Str("role", rule.ApproverRole).
		Int("step_order", rule.StepOrder).
		Msg("Matrix rule created")

	return rule, nil
}

// ListRules returns rules for a document type.
func (s *MatrixService) ListRules(ctx context.Context, docType string, activeOnly bool) ([]*repository.MatrixRule, error) {
	if !repository.ValidDocTypes[docType] {
		return nil, apperrors.InvalidInput("doc_type", "unknown document type")
	}
	return s.matrices.ListByDocType(ctx, docType, activeOnly)
}

// DeactivateRule soft-disables a rule.
func (s *MatrixService) DeactivateRule(ctx context.Context, actor identity.Identity, id string) error {
	if !actor.IsAdmin {
		return apperrors.New(apperrors.CodeForbidden, "only administrators may manage matrix rules")
	}
	return s.matrices.Deactivate(ctx, id)
}
