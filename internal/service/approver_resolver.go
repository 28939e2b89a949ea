package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-erp-approvals/internal/logger"
)

// ApproverCandidate is the outcome of resolving an approver for a rule.
type ApproverCandidate struct {
	UserID    string
	Delegated bool    // resolved through an active delegation redirect
	Delegator *string // the original approver when Delegated is set
}

// ApproverResolver picks a concrete approver for a role at submission
// time, honoring self-approval blocks and active delegations.
type ApproverResolver struct {
	users       UserStore
	delegations DelegationStore
	log         *logger.Logger
	now         func() time.Time
}

// NewApproverResolver creates a new ApproverResolver.
func NewApproverResolver(users UserStore, delegations DelegationStore, log *logger.Logger) *ApproverResolver {
	return &ApproverResolver{
		users:       users,
		delegations: delegations,
		log:         log,
		now:         time.Now,
	}
}

// Resolve returns the approver candidate for a role, or nil when no fixed
// approver could be resolved. A nil result is not an error: the step is
// created unassigned and matched by role at inbox time.
func (r *ApproverResolver) Resolve(ctx context.Context, roleCode, requesterID string) (*ApproverCandidate, error) {
	candidates, err := r.users.ListActiveByRole(ctx, roleCode)
	if err != nil {
		return nil, err
	}

	now := r.now()
	for _, candidate := range candidates {
		// Requesters cannot be picked as their own approver unless the
		// role carries the self-approve capability.
		if candidate.ID == requesterID && !candidate.CanSelfApprove {
			continue
		}

		d, err := r.delegations.ActiveFrom(ctx, candidate.ID, now)
		if err != nil {
			return nil, err
		}
		if d != nil {
			// Redirect to the delegate unless that lands back on the
			// requester; then the redirect is ignored and the scan moves
			// to the next candidate.
			if d.ToUserID == requesterID {
				continue
			}
			delegator := candidate.ID
			return &ApproverCandidate{
				UserID:    d.ToUserID,
				Delegated: true,
				Delegator: &delegator,
			}, nil
		}

		return &ApproverCandidate{UserID: candidate.ID}, nil
	}

	r.log.Debug().
		Str("role", roleCode).
		Str("requester_id", requesterID).
		Msg("No fixed approver resolved; step will be matched by role")
	return nil, nil
}
