package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pesio-ai/be-erp-approvals/internal/logger"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

// EscalationWorker periodically scans pending steps whose request age has
// exceeded the matching rule's SLA and reassigns them to an escalation
// target, exactly once per step. The conditional escalated-flag update in
// the store makes overlapping ticks harmless.
type EscalationWorker struct {
	steps    StepStore
	users    UserStore
	audit    AuditStore
	log      *logger.Logger
	interval time.Duration
	now      func() time.Time
}

// NewEscalationWorker creates a new EscalationWorker.
func NewEscalationWorker(steps StepStore, users UserStore, audit AuditStore, interval time.Duration, log *logger.Logger) *EscalationWorker {
	return &EscalationWorker{
		steps:    steps,
		users:    users,
		audit:    audit,
		log:      log,
		interval: interval,
		now:      time.Now,
	}
}

// TickStats summarizes one escalation scan.
type TickStats struct {
	Scanned   int
	Escalated int
	NoSLA     int
	UnderSLA  int
	NoTarget  int
	Lost      int // conditional update lost to a concurrent tick
	Errors    int
}

// Run executes a tick immediately and then on every interval until the
// context is cancelled.
func (w *EscalationWorker) Run(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("Escalation worker started")

	w.runTick(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Escalation worker stopped")
			return
		case <-ticker.C:
			w.runTick(ctx)
		}
	}
}

// runTick shields the loop from a panicking tick; the next scheduled tick
// retries independently.
func (w *EscalationWorker) runTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Str("panic", fmt.Sprint(r)).Msg("Escalation tick panicked")
		}
	}()

	stats, err := w.Tick(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("Escalation tick failed")
		return
	}
	if stats.Scanned > 0 {
		w.log.Info().
			Int("scanned", stats.Scanned).
			Int("escalated", stats.Escalated).
			Int("no_target", stats.NoTarget).
			Int("errors", stats.Errors).
			Msg("Escalation tick completed")
	}
}

// Tick performs one scan. Per-step errors are counted without aborting
// the remaining batch; only the initial query is fatal to the tick.
func (w *EscalationWorker) Tick(ctx context.Context) (TickStats, error) {
	var stats TickStats

	steps, err := w.steps.ListEscalatable(ctx)
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(steps)

	now := w.now()
	for _, step := range steps {
		if err := w.escalateStep(ctx, step, now, &stats); err != nil {
			stats.Errors++
			w.log.Error().Err(err).
				Str("step_id", step.StepID).
				Str("request_id", step.RequestID).
				Msg("Failed to escalate step")
		}
	}

	return stats, nil
}

func (w *EscalationWorker) escalateStep(ctx context.Context, step *repository.EscalatableStep, now time.Time, stats *TickStats) error {
	if step.SLAHours == nil {
		stats.NoSLA++
		return nil
	}

	deadline := step.RequestCreatedAt.Add(time.Duration(*step.SLAHours) * time.Hour)
	if now.Before(deadline) {
		stats.UnderSLA++
		return nil
	}

	target, err := w.resolveTarget(ctx, step)
	if err != nil {
		return err
	}
	if target == "" {
		// Left unflagged so the scan retries once a manager or admin
		// becomes available.
		stats.NoTarget++
		w.log.Warn().
			Str("step_id", step.StepID).
			Str("request_id", step.RequestID).
			Msg("SLA breached but no escalation target available")
		return nil
	}

	flagged, err := w.steps.MarkEscalated(ctx, step.StepID, target)
	if err != nil {
		return err
	}
	if !flagged {
		stats.Lost++
		return nil
	}
	stats.Escalated++

	w.log.Info().
		Str("step_id", step.StepID).
		Str("request_id", step.RequestID).
		Str("escalated_to", target).
		Msg("Step escalated")

	if err := w.audit.Append(ctx, &repository.AuditEntry{
		RequestID:   &step.RequestID,
		StepID:      &step.StepID,
		DocType:     step.DocType,
		DocID:       step.DocID,
		Action:      "escalated",
		PerformedBy: "system",
		Metadata:    map[string]interface{}{"escalated_to": target},
	}); err != nil {
		w.log.Warn().Err(err).Str("step_id", step.StepID).Msg("Failed to write escalation audit entry")
	}
	return nil
}

// resolveTarget picks the escalation target: the original approver's
// active manager, then the first active administrator, then none.
func (w *EscalationWorker) resolveTarget(ctx context.Context, step *repository.EscalatableStep) (string, error) {
	if step.ApproverID != nil {
		approver, err := w.users.GetByID(ctx, *step.ApproverID)
		if err == nil && approver.ManagerID != nil {
			manager, err := w.users.GetByID(ctx, *approver.ManagerID)
			if err == nil && manager.IsActive && manager.DeletedAt == nil {
				return manager.ID, nil
			}
		}
	}

	admin, err := w.users.FirstActiveAdmin(ctx)
	if err != nil {
		return "", err
	}
	if admin != nil {
		return admin.ID, nil
	}
	return "", nil
}
