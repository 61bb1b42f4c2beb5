// Package sweeper runs the engine's periodic maintenance: the SLA check and
// the overdue-approval sweep. One sweeper per engine is enough; running
// several concurrently is safe because every state change goes through a
// store-level claim, but wasteful.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/nexocrm/blueprint/pkg/api"
)

const defaultInterval = time.Minute

// Sweeper periodically calls CheckSLAs and ProcessOverdueApprovals on an
// engine.
type Sweeper struct {
	engine   api.Engine
	interval time.Duration
	logger   *slog.Logger
}

// New creates a Sweeper. interval <= 0 defaults to one minute; a nil logger
// defaults to slog.Default().
func New(engine api.Engine, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		engine:   engine,
		interval: interval,
		logger:   logger,
	}
}

// RunOnce performs a single sweep pass. Each half of the pass runs even if
// the other fails; the first error is returned.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	var firstErr error

	slas, err := s.engine.CheckSLAs(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "sla_sweep_failed", slog.Any("error", err))
		firstErr = err
	} else if slas.BreachesMarked > 0 || slas.EscalationsTriggered > 0 {
		s.logger.InfoContext(ctx, "sla_sweep",
			slog.Int("checked", slas.Checked),
			slog.Int("breaches", slas.BreachesMarked),
			slog.Int("escalations", slas.EscalationsTriggered),
		)
	}

	approvals, err := s.engine.ProcessOverdueApprovals(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "approval_sweep_failed", slog.Any("error", err))
		if firstErr == nil {
			firstErr = err
		}
	} else if approvals.Expired > 0 || approvals.RemindersSent > 0 {
		s.logger.InfoContext(ctx, "approval_sweep",
			slog.Int("expired", approvals.Expired),
			slog.Int("reminders", approvals.RemindersSent),
		)
	}

	return firstErr
}

// Run sweeps at the configured interval until ctx is cancelled. Sweep errors
// are logged; Run only returns ctx.Err().
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = s.RunOnce(ctx)
		}
	}
}
