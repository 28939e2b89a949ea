package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-erp-approvals/internal/apperrors"
	"github.com/pesio-ai/be-erp-approvals/internal/identity"
	"github.com/pesio-ai/be-erp-approvals/internal/logger"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

// DelegationService administers time-boxed delegation grants. Only
// administrators may create or disable them.
type DelegationService struct {
	delegations DelegationStore
	users       UserStore
	log         *logger.Logger
	now         func() time.Time
}

// NewDelegationService creates a new DelegationService.
func NewDelegationService(delegations DelegationStore, users UserStore, log *logger.Logger) *DelegationService {
	return &DelegationService{
		delegations: delegations,
		users:       users,
		log:         log,
		now:         time.Now,
	}
}

// CreateDelegationInput describes a delegation grant to create.
type CreateDelegationInput struct {
	FromUserID string    `json:"from_user_id"`
	ToUserID   string    `json:"to_user_id"`
	StartsAt   time.Time `json:"starts_at"`
	EndsAt     time.Time `json:"ends_at"`
	Reason     *string   `json:"reason,omitempty"`
}

// Create validates and inserts a delegation: windows from the same user
// must not overlap and a 2-cycle (A delegates to B while B delegates to
// A) is rejected.
func (s *DelegationService) Create(ctx context.Context, actor identity.Identity, in CreateDelegationInput) (*repository.Delegation, error) {
	if !actor.IsAdmin {
		return nil, apperrors.New(apperrors.CodeForbidden, "only administrators may create delegations")
	}
	if in.FromUserID == in.ToUserID {
		return nil, apperrors.InvalidInput("to_user_id", "cannot delegate to oneself")
	}
	if !in.EndsAt.After(in.StartsAt) {
		return nil, apperrors.InvalidInput("ends_at", "must be after starts_at")
	}

	for _, userID := range []string{in.FromUserID, in.ToUserID} {
		u, err := s.users.GetByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !u.IsActive || u.DeletedAt != nil {
			return nil, apperrors.Newf(apperrors.CodeValidation, "user %q is not active", userID)
		}
	}

	overlap, err := s.delegations.HasOverlapping(ctx, in.FromUserID, in.StartsAt, in.EndsAt)
	if err != nil {
		return nil, err
	}
	if overlap {
		return nil, apperrors.New(apperrors.CodeConflict,
			"user already has an active delegation in an overlapping window")
	}

	cycle, err := s.delegations.HasActiveReverse(ctx, in.FromUserID, in.ToUserID, in.StartsAt, in.EndsAt)
	if err != nil {
		return nil, err
	}
	if cycle {
		return nil, apperrors.New(apperrors.CodeConflict,
			"reverse delegation already active; delegation cycles are not allowed")
	}

	d := &repository.Delegation{
		FromUserID: in.FromUserID,
		ToUserID:   in.ToUserID,
		StartsAt:   in.StartsAt,
		EndsAt:     in.EndsAt,
		IsActive:   true,
		Reason:     in.Reason,
	}
	if err := s.delegations.Create(ctx, d); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("delegation_id", d.ID).
		Str("from_user_id", d.FromUserID).
		Str("to_user_id", d.ToUserID).
		Msg("Delegation created")

	return d, nil
}

// Disable soft-disables a delegation.
func (s *DelegationService) Disable(ctx context.Context, actor identity.Identity, id string) error {
	if !actor.IsAdmin {
		return apperrors.New(apperrors.CodeForbidden, "only administrators may disable delegations")
	}
	if _, err := s.delegations.GetByID(ctx, id); err != nil {
		return err
	}
	return s.delegations.Disable(ctx, id)
}

// List returns delegations granted by or to a user.
func (s *DelegationService) List(ctx context.Context, userID string) ([]*repository.Delegation, error) {
	return s.delegations.ListByUser(ctx, userID)
}
