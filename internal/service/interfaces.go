package service

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

// The services depend on narrow interfaces rather than the concrete pgx
// repositories so state-machine logic can be exercised with in-memory
// fakes. The repository package satisfies all of them.

// TxRunner scopes a function to one atomic database transaction.
type TxRunner interface {
	InTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// MatrixStore reads and writes approval matrix rules.
type MatrixStore interface {
	Create(ctx context.Context, rule *repository.MatrixRule) error
	FindMatrices(ctx context.Context, docType string, projectID *string, amount int64, department *string) ([]*repository.MatrixRule, error)
	ListByDocType(ctx context.Context, docType string, activeOnly bool) ([]*repository.MatrixRule, error)
	Deactivate(ctx context.Context, id string) error
}

// RequestStore persists approval request instances.
type RequestStore interface {
	CreateWithSteps(ctx context.Context, req *repository.ApprovalRequest, steps []*repository.ApprovalStep) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalRequest, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id string) (*repository.ApprovalRequest, error)
	GetActiveByDocument(ctx context.Context, docType, docID string) (*repository.ApprovalRequest, error)
	UpdateStatusTx(ctx context.Context, tx pgx.Tx, id, status string, completedAt *time.Time) error
	AdvanceTx(ctx context.Context, tx pgx.Tx, id string, nextStep int) error
	ListByRequester(ctx context.Context, requesterID string, activeOnly bool) ([]*repository.ApprovalRequest, error)
}

// StepStore persists approval steps.
type StepStore interface {
	ListByRequest(ctx context.Context, requestID string) ([]*repository.ApprovalStep, error)
	ListByRequestTx(ctx context.Context, tx pgx.Tx, requestID string) ([]*repository.ApprovalStep, error)
	MarkActionTx(ctx context.Context, tx pgx.Tx, id, status, actorID string, remarks *string) error
	SkipPendingTx(ctx context.Context, tx pgx.Tx, requestID string) error
	InboxPending(ctx context.Context, userID, roleCode string, delegatorIDs []string) ([]*repository.InboxItem, error)
	ListActedBy(ctx context.Context, userID, status string) ([]*repository.InboxItem, error)
	ListEscalatable(ctx context.Context) ([]*repository.EscalatableStep, error)
	MarkEscalated(ctx context.Context, id, escalatedTo string) (bool, error)
}

// UserStore is the read-side view of identities and roles.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*repository.User, error)
	ListActiveByRole(ctx context.Context, roleCode string) ([]*repository.User, error)
	FirstActiveAdmin(ctx context.Context) (*repository.User, error)
	GetRole(ctx context.Context, code string) (*repository.Role, error)
}

// DelegationStore persists delegation grants.
type DelegationStore interface {
	Create(ctx context.Context, d *repository.Delegation) error
	GetByID(ctx context.Context, id string) (*repository.Delegation, error)
	ActiveFrom(ctx context.Context, fromUserID string, at time.Time) (*repository.Delegation, error)
	ActiveForDelegate(ctx context.Context, toUserID string, at time.Time) ([]*repository.Delegation, error)
	HasOverlapping(ctx context.Context, fromUserID string, startsAt, endsAt time.Time) (bool, error)
	HasActiveReverse(ctx context.Context, fromUserID, toUserID string, startsAt, endsAt time.Time) (bool, error)
	Disable(ctx context.Context, id string) error
	ListByUser(ctx context.Context, userID string) ([]*repository.Delegation, error)
}

// AuditStore appends immutable audit entries.
type AuditStore interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
	GetByRequestID(ctx context.Context, requestID string) ([]*repository.AuditEntry, error)
}
