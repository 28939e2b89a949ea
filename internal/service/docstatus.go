package service

import (
	"context"

	"github.com/pesio-ai/be-erp-approvals/internal/logger"
)

// DocStatus is the workflow outcome reported to owning modules.
type DocStatus string

const (
	DocStatusInApproval DocStatus = "in_approval"
	DocStatusApproved   DocStatus = "approved"
	DocStatusRejected   DocStatus = "rejected"
	DocStatusCancelled  DocStatus = "cancelled"
)

// DocStatusNotifier lets document-owning modules (purchase orders,
// invoices, ...) react to workflow state changes. Implementations must be
// side-effect tolerant: a notification may be retried or dropped, and an
// error never rolls back the workflow transition that produced it.
type DocStatusNotifier interface {
	Notify(ctx context.Context, docType, docID string, status DocStatus) error
}

// NotifierFunc adapts a function to DocStatusNotifier.
type NotifierFunc func(ctx context.Context, docType, docID string, status DocStatus) error

func (f NotifierFunc) Notify(ctx context.Context, docType, docID string, status DocStatus) error {
	return f(ctx, docType, docID, status)
}

// DocStatusRegistry routes notifications by document type. Types with no
// registered handler degrade to a no-op success. The registry is built at
// startup and injected into the orchestrator; it is not safe for
// concurrent mutation after that.
type DocStatusRegistry struct {
	handlers map[string]DocStatusNotifier
	log      *logger.Logger
}

// NewDocStatusRegistry creates an empty registry.
func NewDocStatusRegistry(log *logger.Logger) *DocStatusRegistry {
	return &DocStatusRegistry{
		handlers: make(map[string]DocStatusNotifier),
		log:      log,
	}
}

// Register binds a handler to a document type, replacing any previous one.
func (r *DocStatusRegistry) Register(docType string, n DocStatusNotifier) {
	r.handlers[docType] = n
}

// Notify dispatches to the handler for docType. Handler errors are logged
// and swallowed; unregistered types are a no-op.
func (r *DocStatusRegistry) Notify(ctx context.Context, docType, docID string, status DocStatus) error {
	h, ok := r.handlers[docType]
	if !ok {
		r.log.Debug().
			Str("doc_type", docType).
			Str("doc_id", docID).
			Str("status", string(status)).
			Msg("No document status handler registered; skipping")
		return nil
	}

	if err := h.Notify(ctx, docType, docID, status); err != nil {
		r.log.Warn().Err(err).
			Str("doc_type", docType).
			Str("doc_id", docID).
			Str("status", string(status)).
			Msg("Document status handler failed")
	}
	return nil
}
