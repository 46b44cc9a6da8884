package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dverrors "github.com/alexjbarnes/dataverse-sync/internal/errors"
)

// lockStatusAttempts bounds retries of a failed lock query before the
// wait is abandoned and the cycle restarts.
const lockStatusAttempts = 3

// LockGuard ensures the dataset is not locked by another writer before
// any upload attempt. While locked it sleeps a fixed interval and
// re-polls indefinitely: a held lock is a legitimate wait, not a
// failure. It never breaks a lock unless force is enabled.
type LockGuard struct {
	transport Transport
	logger    *slog.Logger
	interval  time.Duration

	// force makes the guard break locks once per wait instead of only
	// polling. Caller-gated: breaking another writer's lock can corrupt
	// concurrent ingestion.
	force bool

	report Reporter
}

// NewLockGuard creates a guard polling at the given interval.
func NewLockGuard(transport Transport, interval time.Duration, force bool, logger *slog.Logger, report Reporter) *LockGuard {
	if report == nil {
		report = discardReporter
	}

	return &LockGuard{
		transport: transport,
		logger:    logger,
		interval:  interval,
		force:     force,
		report:    report,
	}
}

// EnsureUnlocked blocks until a poll observes the dataset unlocked. The
// wait is a suspension point for the whole scheduler: no uploads are
// dispatched while it is outstanding. Returns an error only on
// cancellation, an authentication failure, or a persistently failing
// lock query.
func (g *LockGuard) EnsureUnlocked(ctx context.Context) error {
	broke := false
	statusFailures := 0
	waited := false

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		locked, err := g.transport.LockStatus(ctx)
		if err != nil {
			if errors.Is(err, dverrors.ErrAuthentication) || errors.Is(err, context.Canceled) {
				return err
			}

			statusFailures++
			g.logger.Warn("lock status query failed",
				slog.Int("attempt", statusFailures),
				slog.String("error", err.Error()),
			)
			if statusFailures >= lockStatusAttempts {
				return fmt.Errorf("querying lock status: %w", err)
			}

			if err := sleepCtx(ctx, g.interval); err != nil {
				return err
			}
			continue
		}
		statusFailures = 0

		if !locked {
			if waited {
				g.logger.Info("dataset lock cleared")
				g.report(Event{Kind: EventLockCleared})
			}
			return nil
		}

		if g.force && !broke {
			broke = true
			g.logger.Warn("dataset locked, breaking locks (force unlock enabled)")
			if err := g.transport.BreakLocks(ctx); err != nil {
				g.logger.Warn("breaking locks", slog.String("error", err.Error()))
			}
		}

		if !waited {
			waited = true
			g.report(Event{Kind: EventLockWait})
		}
		g.logger.Info("dataset locked, waiting", slog.Duration("poll_interval", g.interval))

		if err := sleepCtx(ctx, g.interval); err != nil {
			return err
		}
	}
}
