package repository

import "time"

// ── Document types ────────────────────────────────────────────────────────────

// ValidDocTypes is the fixed set of document types the engine routes.
var ValidDocTypes = map[string]bool{
	"PR":            true, // purchase requisition
	"PO":            true, // purchase order
	"INVOICE":       true,
	"EXPENSE_CLAIM": true,
}

// ── Request / step statuses ───────────────────────────────────────────────────

const (
	RequestStatusInProgress = "in_progress"
	RequestStatusApproved   = "approved"
	RequestStatusRejected   = "rejected"
	RequestStatusCancelled  = "cancelled"
)

const (
	StepStatusPending  = "pending"
	StepStatusApproved = "approved"
	StepStatusRejected = "rejected"
	StepStatusSkipped  = "skipped"
)

// ── Approval matrix ───────────────────────────────────────────────────────────

// MatrixRule is one configured routing row: which role approves a document
// of a given type at a given step, scoped by project, amount and department.
// Rules are immutable once created; replacement is add-new plus deactivate.
type MatrixRule struct {
	ID           string
	DocType      string
	ProjectID    *string // nil = global rule
	MinAmount    *int64  // cents, inclusive; nil = unbounded below
	MaxAmount    *int64  // cents, inclusive; nil = unbounded above
	Department   *string // nil = matches all departments
	ApproverRole string
	StepOrder    int  // equal values form a parallel group
	SLAHours     *int // nil = no escalation for this rule
	IsActive     bool
	CreatedAt    time.Time
}

// ── Workflow instance ─────────────────────────────────────────────────────────

// ApprovalRequest is one workflow instance for a (doc type, doc id) pair.
// At most one non-terminal request may exist per pair at a time.
type ApprovalRequest struct {
	ID          string
	DocType     string
	DocID       string
	ProjectID   *string
	RequesterID string
	Status      string // in_progress | approved | rejected | cancelled
	CurrentStep int    // the step order currently actionable
	TotalSteps  int    // count of distinct step orders
	Amount      int64  // cents
	Department  *string
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Terminal reports whether no further transitions are permitted.
func (r *ApprovalRequest) Terminal() bool {
	return r.Status != RequestStatusInProgress
}

// ApprovalStep is one row per (request, rule) produced at creation time.
// Steps sharing a step order are the parallel group for that order.
type ApprovalStep struct {
	ID           string
	RequestID    string
	RuleID       string
	StepOrder    int
	RequiredRole string
	ApproverID   *string // nil = resolved lazily by role match at inbox time
	IsParallel   bool    // set at creation when the order has more than one rule
	Status       string  // pending | approved | rejected | skipped
	Action       *string
	Remarks      *string
	ActedAt      *time.Time
	Escalated    bool // monotonic false -> true
	EscalatedTo  *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ── Delegation ────────────────────────────────────────────────────────────────

// Delegation is a time-boxed grant letting ToUserID act on steps assigned
// to FromUserID. Disabled softly; never hard-deleted.
type Delegation struct {
	ID         string
	FromUserID string
	ToUserID   string
	StartsAt   time.Time
	EndsAt     time.Time
	IsActive   bool
	Reason     *string
	CreatedAt  time.Time
}

// Covers reports whether the delegation is active at the given instant.
func (d *Delegation) Covers(at time.Time) bool {
	return d.IsActive && !at.Before(d.StartsAt) && at.Before(d.EndsAt)
}

// ── Identity read-side ────────────────────────────────────────────────────────

// User is the engine's read-side view of an identity: a single role code
// plus the role capabilities the workflow cares about.
type User struct {
	ID             string
	Name           string
	Email          string
	RoleCode       string
	ManagerID      *string
	IsActive       bool
	IsAdmin        bool // role capability: may always act, approve own submissions
	CanSelfApprove bool // role capability: self-approval permitted
	DeletedAt      *time.Time
}

// Role is a role definition with its workflow capability flags.
type Role struct {
	Code           string
	Name           string
	IsAdmin        bool
	CanSelfApprove bool
}

// ── Idempotency ───────────────────────────────────────────────────────────────

// IdempotencyRecord caches the first successful response for a caller key.
// A key maps to exactly one (route, hash) pair until it expires.
type IdempotencyRecord struct {
	Key            string
	UserID         string
	Route          string // method + path
	RequestHash    string // sha256 of route + body
	ResponseStatus int
	ResponseBody   []byte
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Expired reports whether the record may be discarded and its key reused.
func (r *IdempotencyRecord) Expired(at time.Time) bool {
	return !at.Before(r.ExpiresAt)
}

// ── Audit trail ───────────────────────────────────────────────────────────────

// AuditEntry is one immutable record of a workflow action.
type AuditEntry struct {
	ID          string
	RequestID   *string
	StepID      *string
	DocType     string
	DocID       string
	Action      string // submitted | approved | rejected | cancelled | escalated
	PerformedBy string
	PerformedAt time.Time
	Metadata    map[string]interface{}
}

// ── Composite query rows ──────────────────────────────────────────────────────

// InboxItem is one actionable (or historical) step enriched with its
// parent request, as returned by inbox queries.
type InboxItem struct {
	StepID        string
	RequestID     string
	DocType       string
	DocID         string
	ProjectID     *string
	RequesterID   string
	StepOrder     int
	RequiredRole  string
	Status        string
	Escalated     bool
	Amount        int64
	Department    *string
	InheritedFrom *string // delegator the item was inherited from, if any
	CreatedAt     time.Time
}

// EscalatableStep is a pending, non-escalated step joined with the request
// and rule fields the escalation scan needs.
type EscalatableStep struct {
	StepID           string
	RequestID        string
	StepOrder        int
	ApproverID       *string
	SLAHours         *int
	DocType          string
	DocID            string
	RequestCreatedAt time.Time
}
