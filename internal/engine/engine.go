package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	dverrors "github.com/alexjbarnes/dataverse-sync/internal/errors"
)

// Options configures an engine run.
type Options struct {
	// BatchSize is the maximum number of files per batch. Larger batches
	// are not necessarily faster: the bottleneck is remote-side
	// ingestion, not client concurrency.
	BatchSize int

	// Workers bounds concurrent uploads within a batch. Zero means one
	// worker per file up to the batch size.
	Workers int

	LockPollInterval time.Duration
	RetryDelay       time.Duration

	// CycleCooldown is the pause before restarting a failed cycle.
	CycleCooldown time.Duration

	ForceUnlock bool
}

func (o *Options) fillDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 20
	}
	if o.Workers <= 0 || o.Workers > o.BatchSize {
		o.Workers = o.BatchSize
	}
	if o.LockPollInterval <= 0 {
		o.LockPollInterval = 5 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 10 * time.Second
	}
	if o.CycleCooldown <= 0 {
		o.CycleCooldown = o.RetryDelay
	}
}

// Engine drives reconciliation cycles until the dataset holds every
// local file. All mutable run state (identity cache, remote inventory
// cache, ledger) hangs off this context object; there are no ambient
// globals.
type Engine struct {
	dir      string
	ids      *IdentityStore
	ledger   *Ledger
	inv      *Inventory
	guard    *LockGuard
	uploader *Uploader
	resolver MetadataResolver
	logger   *slog.Logger
	report   Reporter
	opts     Options
}

// New wires an engine from its collaborators. The reporter may be nil.
func New(dir string, transport Transport, resolver MetadataResolver, ids *IdentityStore, ledger *Ledger, opts Options, logger *slog.Logger, report Reporter) *Engine {
	opts.fillDefaults()
	if report == nil {
		report = discardReporter
	}

	return &Engine{
		dir:      dir,
		ids:      ids,
		ledger:   ledger,
		inv:      NewInventory(transport, logger),
		guard:    NewLockGuard(transport, opts.LockPollInterval, opts.ForceUnlock, logger, report),
		uploader: NewUploader(transport, ledger, opts.RetryDelay, logger, report),
		resolver: resolver,
		logger:   logger,
		report:   report,
		opts:     opts,
	}
}

// Run executes reconciliation cycles until a freshly refreshed remote
// inventory yields an empty pending set twice in a row (one stale read
// must never report false completion), the context is cancelled, or a
// fatal error occurs. File-level failures never abort the run; cycle
// failures restart the cycle after a cooldown; authentication failures
// abort immediately. Progress already in the ledger is never rolled
// back on abort, so a restarted run resumes instead of starting over.
func (e *Engine) Run(ctx context.Context) error {
	runID := uuid.NewString()

	if err := e.ids.Load(); err != nil {
		return err
	}
	if err := e.ledger.Load(); err != nil {
		return err
	}

	e.logger.Info("run starting",
		slog.String("run_id", runID),
		slog.String("dir", e.dir),
		slog.Int("batch_size", e.opts.BatchSize),
		slog.Int("already_recorded", e.ledger.Len()),
	)

	emptyStreak := 0
	cycle := 0
	var batchDurations []time.Duration

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		cycle++
		e.inv.Invalidate()
		e.report(Event{Kind: EventCycleStart, RunID: runID, Cycle: cycle})

		local, err := e.ids.RefreshAll(ctx, e.dir)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("refreshing local identities: %w", err)
		}
		e.report(Event{Kind: EventHashingComplete, RunID: runID, Cycle: cycle, Pending: len(local)})

		if _, err := e.inv.Refresh(ctx); err != nil {
			if fatal := e.cycleFailure(ctx, runID, cycle, err); fatal != nil {
				return fatal
			}
			continue
		}

		pending := Pending(local, e.inv.Hashes(), e.ledger)
		e.logger.Info("reconciled",
			slog.Int("cycle", cycle),
			slog.Int("local", len(local)),
			slog.Int("remote", e.inv.Count()),
			slog.Int("pending", len(pending)),
		)

		if len(pending) == 0 {
			emptyStreak++
			if emptyStreak >= 2 {
				e.report(Event{Kind: EventRunComplete, RunID: runID, Cycle: cycle, Remote: e.inv.Count()})
				e.logger.Info("all files online", slog.Int("remote", e.inv.Count()))
				return nil
			}
			continue
		}
		emptyStreak = 0

		records := e.buildRecords(pending, local)

		if err := e.runBatches(ctx, runID, cycle, records, &batchDurations); err != nil {
			if fatal := e.cycleFailure(ctx, runID, cycle, err); fatal != nil {
				return fatal
			}
			continue
		}
	}
}

// errNoProgress restarts the cycle when a batch that reported success
// produced no growth in the remote file count.
var errNoProgress = errors.New("batch reported success but remote file count did not grow")

// runBatches partitions records into bounded batches and drives them
// sequentially. For each batch it clears the lock, uploads, verifies
// forward progress against a fresh listing, and updates the ETA. A
// returned error restarts the whole cycle.
func (e *Engine) runBatches(ctx context.Context, runID string, cycle int, records []FileRecord, durations *[]time.Duration) error {
	total := len(records)
	batches := (total + e.opts.BatchSize - 1) / e.opts.BatchSize

	for i, batchIdx := 0, 0; i < total; i, batchIdx = i+e.opts.BatchSize, batchIdx+1 {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := min(i+e.opts.BatchSize, total)
		batch := records[i:end]

		if err := e.guard.EnsureUnlocked(ctx); err != nil {
			return err
		}

		e.report(Event{
			Kind:    EventBatchStart,
			RunID:   runID,
			Cycle:   cycle,
			Batch:   batchIdx + 1,
			Batches: batches,
			Pending: total - i,
			Remote:  e.inv.Count(),
		})

		before := e.inv.Count()
		start := time.Now()

		uploaded, err := e.uploadBatch(ctx, runID, cycle, batch)
		if err != nil {
			return err
		}

		if _, err := e.inv.Refresh(ctx); err != nil {
			return err
		}

		// Silent-failure guard: uploads that report success locally but
		// no-op remotely must not advance the run. The batch's ledger
		// entries are forgotten so the files stay pending.
		if uploaded > 0 && e.inv.Count() <= before {
			e.logger.Warn("no forward progress after batch",
				slog.Int("batch", batchIdx+1),
				slog.Int("uploaded", uploaded),
				slog.Int("remote_before", before),
				slog.Int("remote_after", e.inv.Count()),
			)
			e.report(Event{Kind: EventNoProgress, RunID: runID, Cycle: cycle, Batch: batchIdx + 1})

			for _, rec := range batch {
				if err := e.ledger.Forget(rec.Path, rec.ContentHash); err != nil {
					return err
				}
			}
			return errNoProgress
		}

		dur := time.Since(start)
		*durations = append(*durations, dur)
		eta := estimateRemaining(*durations, total-end, e.opts.BatchSize)

		e.report(Event{
			Kind:    EventBatchComplete,
			RunID:   runID,
			Cycle:   cycle,
			Batch:   batchIdx + 1,
			Batches: batches,
			Pending: total - end,
			Remote:  e.inv.Count(),
			ETA:     eta,
		})
		e.logger.Info("batch complete",
			slog.Int("batch", batchIdx+1),
			slog.Int("batches", batches),
			slog.Int("remaining", total-end),
			slog.Duration("took", dur.Round(time.Millisecond)),
			slog.Duration("eta", eta.Round(time.Second)),
		)
	}

	return nil
}

// uploadBatch dispatches the batch's files concurrently up to the
// worker limit. File-level failures are reported and skipped; only
// authentication failures and cancellation stop the batch. Returns the
// number of files acknowledged.
func (e *Engine) uploadBatch(ctx context.Context, runID string, cycle int, batch []FileRecord) (int, error) {
	var uploaded atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)

	for _, rec := range batch {
		g.Go(func() error {
			err := e.uploader.Upload(gctx, rec)
			if err == nil {
				uploaded.Add(1)
				return nil
			}

			if errors.Is(err, dverrors.ErrAuthentication) || errors.Is(err, context.Canceled) {
				return err
			}

			// Skip-and-continue: the file stays pending for the next
			// cycle; the rest of the batch proceeds.
			e.logger.Error("file failed, skipping for this cycle",
				slog.String("path", rec.Path),
				slog.String("error", err.Error()),
			)
			e.report(Event{Kind: EventFileFailed, RunID: runID, Cycle: cycle, Path: rec.Path, Err: err})
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return int(uploaded.Load()), err
	}

	return int(uploaded.Load()), nil
}

// cycleFailure handles an error that fails the current cycle. Fatal
// errors (authentication, cancellation) are returned to abort the run;
// anything else is reported, cooled down, and absorbed so the caller
// restarts the cycle.
func (e *Engine) cycleFailure(ctx context.Context, runID string, cycle int, err error) error {
	if errors.Is(err, dverrors.ErrAuthentication) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	e.logger.Warn("cycle failed, restarting after cooldown",
		slog.Int("cycle", cycle),
		slog.Duration("cooldown", e.opts.CycleCooldown),
		slog.String("error", err.Error()),
	)
	e.report(Event{Kind: EventCycleFailed, RunID: runID, Cycle: cycle, Err: err})

	if serr := sleepCtx(ctx, e.opts.CycleCooldown); serr != nil {
		return serr
	}

	return nil
}

// buildRecords materializes FileRecords for the pending paths, resolving
// upload metadata through the collaborator.
func (e *Engine) buildRecords(pending []string, local map[string]string) []FileRecord {
	records := make([]FileRecord, 0, len(pending))

	for _, path := range pending {
		abs := filepath.Join(e.dir, filepath.FromSlash(path))
		rec := FileRecord{
			Path:        path,
			AbsPath:     abs,
			ContentHash: local[path],
		}
		if e.resolver != nil {
			rec.Meta = e.resolver.Resolve(abs)
		}
		records = append(records, rec)
	}

	return records
}

// estimateRemaining derives an ETA from the rolling average batch
// duration and the count of files still pending.
func estimateRemaining(durations []time.Duration, remaining, batchSize int) time.Duration {
	if len(durations) == 0 || remaining <= 0 {
		return 0
	}

	var total time.Duration
	for _, d := range durations {
		total += d
	}
	avg := total / time.Duration(len(durations))

	batchesLeft := (remaining + batchSize - 1) / batchSize

	return avg * time.Duration(batchesLeft)
}
