package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-erp-approvals/internal/service"
)

// DocStatusPublisher publishes workflow outcomes to NATS for consumption
// by the document-owning services (purchase orders, invoices, ...).
//
// Subject convention: approvals.docstatus.<doc_type>
//
// Publish failures are surfaced to the caller, which treats them as
// non-fatal: the orchestrator logs and continues, never rolling back the
// workflow transition.
type DocStatusPublisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// DocStatusEvent is the JSON schema published to NATS.
type DocStatusEvent struct {
	DocType    string    `json:"doc_type"`
	DocID      string    `json:"doc_id"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewDocStatusPublisher connects to NATS and returns a publisher.
func NewDocStatusPublisher(url string, log zerolog.Logger) (*DocStatusPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("be-erp-approvals"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &DocStatusPublisher{conn: conn, log: log}, nil
}

// Notify implements service.DocStatusNotifier.
func (p *DocStatusPublisher) Notify(ctx context.Context, docType, docID string, status service.DocStatus) error {
	event := DocStatusEvent{
		DocType:    docType,
		DocID:      docID,
		Status:     string(status),
		OccurredAt: time.Now().UTC(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal docstatus event: %w", err)
	}

	subject := fmt.Sprintf("approvals.docstatus.%s", docType)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish docstatus event: %w", err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("doc_id", docID).
		Str("status", string(status)).
		Msg("Document status event published")
	return nil
}

// Close drains and closes the NATS connection.
func (p *DocStatusPublisher) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
	}
}
