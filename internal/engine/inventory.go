package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dverrors "github.com/alexjbarnes/dataverse-sync/internal/errors"
)

const (
	// listAttempts bounds retries of a malformed or unavailable listing
	// before the whole cycle is failed.
	listAttempts = 3

	listRetryDelay = 5 * time.Second
)

// Inventory caches the remote repository's current file set for the
// duration of one reconciliation cycle. The cache is never trusted
// across cycles: Refresh must be called at the start of each one.
type Inventory struct {
	transport Transport
	logger    *slog.Logger

	attempts int
	delay    time.Duration

	cached []RemoteFileDescriptor
	valid  bool
}

// NewInventory creates an inventory over the given transport.
func NewInventory(transport Transport, logger *slog.Logger) *Inventory {
	return &Inventory{
		transport: transport,
		logger:    logger,
		attempts:  listAttempts,
		delay:     listRetryDelay,
	}
}

// Refresh re-fetches the remote file listing, replacing the cached set.
// Responses missing the expected data shape and transiently unavailable
// backends are retried with an inter-attempt delay; authentication
// failures are returned immediately.
func (inv *Inventory) Refresh(ctx context.Context) ([]RemoteFileDescriptor, error) {
	var lastErr error

	for attempt := 1; attempt <= inv.attempts; attempt++ {
		files, err := inv.transport.ListFiles(ctx)
		if err == nil {
			inv.cached = files
			inv.valid = true
			return files, nil
		}

		if errors.Is(err, dverrors.ErrAuthentication) || errors.Is(err, context.Canceled) {
			return nil, err
		}

		lastErr = err
		inv.logger.Warn("remote listing failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", inv.attempts),
			slog.String("error", err.Error()),
		)

		if attempt < inv.attempts {
			if err := sleepCtx(ctx, inv.delay); err != nil {
				return nil, err
			}
		}
	}

	inv.valid = false

	return nil, fmt.Errorf("listing remote files after %d attempts: %w", inv.attempts, lastErr)
}

// Current returns the cached listing from the last successful Refresh.
func (inv *Inventory) Current() []RemoteFileDescriptor {
	return inv.cached
}

// Hashes returns the set of content hashes present remotely, per the
// cached listing.
func (inv *Inventory) Hashes() map[string]struct{} {
	hashes := make(map[string]struct{}, len(inv.cached))
	for _, f := range inv.cached {
		hashes[f.ContentHash] = struct{}{}
	}

	return hashes
}

// Count returns the number of files in the cached listing.
func (inv *Inventory) Count() int {
	return len(inv.cached)
}

// Invalidate drops the cached listing at a cycle boundary.
func (inv *Inventory) Invalidate() {
	inv.cached = nil
	inv.valid = false
}

// sleepCtx sleeps for d or until ctx is cancelled, whichever comes
// first. Every retry wait in the engine goes through this so that
// cancellation is honored before a retry starts.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
