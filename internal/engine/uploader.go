package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dverrors "github.com/alexjbarnes/dataverse-sync/internal/errors"
)

// maxUploadAttempts caps retries for failures outside the transient
// class. Transient network and server-error failures retry without
// bound: they are expected to eventually clear.
const maxUploadAttempts = 5

// Uploader performs one file transfer through the transport, applying
// the per-error-class retry policy. Retries are explicit loops, never
// recursion, so a long failure sequence cannot grow the call stack.
type Uploader struct {
	transport  Transport
	ledger     *Ledger
	logger     *slog.Logger
	retryDelay time.Duration
	report     Reporter
}

// NewUploader creates an uploader that records confirmed transfers in
// the given ledger.
func NewUploader(transport Transport, ledger *Ledger, retryDelay time.Duration, logger *slog.Logger, report Reporter) *Uploader {
	if report == nil {
		report = discardReporter
	}

	return &Uploader{
		transport:  transport,
		ledger:     ledger,
		logger:     logger,
		retryDelay: retryDelay,
		report:     report,
	}
}

// Upload transfers rec and, on confirmed success, records it in the
// ledger before returning. Ledger write and upload acknowledgment are
// one logical unit: if the ledger write fails the upload is not
// complete, and the file is retried on the next reconciliation pass
// (remote dedup by hash absorbs the duplicate).
//
// Retry policy by error class:
//   - transient (network, TLS, 5xx): retry after a fixed delay, without
//     bound, logging every retry with its cause
//   - authentication: fatal, no retry, propagated to abort the run
//   - anything else: retry up to maxUploadAttempts, then escalate; the
//     file stays pending and the caller decides whether to skip it and
//     continue the run
func (u *Uploader) Upload(ctx context.Context, rec FileRecord) error {
	attempt := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		attempt++

		ack, err := u.transport.UploadFile(ctx, rec)
		if err == nil {
			if rerr := u.ledger.Record(rec.Path, rec.ContentHash); rerr != nil {
				return fmt.Errorf("recording upload of %s: %w", rec.Path, rerr)
			}

			u.logger.Info("uploaded",
				slog.String("path", rec.Path),
				slog.String("hash", rec.ContentHash),
				slog.Int64("remote_id", ack.RemoteID),
				slog.Int("attempts", attempt),
			)
			u.report(Event{Kind: EventFileUploaded, Path: rec.Path, Attempt: attempt})
			return nil
		}

		switch {
		case errors.Is(err, dverrors.ErrAuthentication):
			return fmt.Errorf("uploading %s: %w", rec.Path, err)

		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return err

		case errors.Is(err, dverrors.ErrRemoteUnavailable):
			u.logger.Warn("upload failed, retrying",
				slog.String("path", rec.Path),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			u.report(Event{Kind: EventUploadRetry, Path: rec.Path, Attempt: attempt, Err: err})

		default:
			if attempt >= maxUploadAttempts {
				return fmt.Errorf("uploading %s after %d attempts: %w", rec.Path, attempt, err)
			}
			u.logger.Warn("upload failed, retrying",
				slog.String("path", rec.Path),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", maxUploadAttempts),
				slog.String("error", err.Error()),
			)
			u.report(Event{Kind: EventUploadRetry, Path: rec.Path, Attempt: attempt, Err: err})
		}

		if err := sleepCtx(ctx, u.retryDelay); err != nil {
			return err
		}
	}
}
