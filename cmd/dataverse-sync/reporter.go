package main

import (
	"log/slog"

	"github.com/alexjbarnes/dataverse-sync/internal/engine"
)

// slogReporter renders engine progress events through the structured
// logger. The engine also logs its own internals at debug level; this
// covers the operator-facing progress line for each event.
func slogReporter(logger *slog.Logger) engine.Reporter {
	return func(ev engine.Event) {
		switch ev.Kind {
		case engine.EventCycleStart:
			logger.Info("reconciliation cycle starting",
				slog.String("run_id", ev.RunID),
				slog.Int("cycle", ev.Cycle),
			)

		case engine.EventCycleFailed:
			logger.Warn("cycle failed, will retry",
				slog.Int("cycle", ev.Cycle),
				slog.String("error", ev.Err.Error()),
			)

		case engine.EventHashingComplete:
			logger.Info("local files hashed",
				slog.Int("files", ev.Pending),
			)

		case engine.EventLockWait:
			logger.Info("dataset is locked, waiting")

		case engine.EventLockCleared:
			logger.Info("dataset lock cleared")

		case engine.EventBatchStart:
			logger.Info("batch starting",
				slog.Int("batch", ev.Batch),
				slog.Int("batches", ev.Batches),
				slog.Int("pending", ev.Pending),
			)

		case engine.EventBatchComplete:
			logger.Info("batch complete",
				slog.Int("batch", ev.Batch),
				slog.Int("batches", ev.Batches),
				slog.Int("remote_files", ev.Remote),
				slog.Duration("eta", ev.ETA),
			)

		case engine.EventFileUploaded:
			logger.Info("uploaded",
				slog.String("file", ev.Path),
			)

		case engine.EventFileFailed:
			logger.Error("upload failed",
				slog.String("file", ev.Path),
				slog.String("error", ev.Err.Error()),
			)

		case engine.EventUploadRetry:
			logger.Warn("upload retrying",
				slog.String("file", ev.Path),
				slog.Int("attempt", ev.Attempt),
				slog.String("error", ev.Err.Error()),
			)

		case engine.EventNoProgress:
			logger.Warn("remote file count did not grow after batch, restarting cycle",
				slog.Int("batch", ev.Batch),
			)

		case engine.EventRunComplete:
			logger.Info("all files online",
				slog.String("run_id", ev.RunID),
				slog.Int("remote_files", ev.Remote),
			)
		}
	}
}
