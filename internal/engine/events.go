package engine

import "time"

// EventKind identifies a progress event.
type EventKind int

const (
	EventCycleStart EventKind = iota
	EventCycleFailed
	EventHashingComplete
	EventLockWait
	EventLockCleared
	EventBatchStart
	EventBatchComplete
	EventFileUploaded
	EventFileFailed
	EventUploadRetry
	EventNoProgress
	EventRunComplete
)

var eventKindNames = map[EventKind]string{
	EventCycleStart:      "cycle_start",
	EventCycleFailed:     "cycle_failed",
	EventHashingComplete: "hashing_complete",
	EventLockWait:        "lock_wait",
	EventLockCleared:     "lock_cleared",
	EventBatchStart:      "batch_start",
	EventBatchComplete:   "batch_complete",
	EventFileUploaded:    "file_uploaded",
	EventFileFailed:      "file_failed",
	EventUploadRetry:     "upload_retry",
	EventNoProgress:      "no_progress",
	EventRunComplete:     "run_complete",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is one structured progress notification emitted by the engine.
// Field relevance depends on Kind; unused fields are zero.
type Event struct {
	Kind  EventKind
	RunID string
	Cycle int

	// Batch is the 1-based batch index within the current cycle.
	Batch   int
	Batches int

	Path    string
	Attempt int
	Err     error

	Pending int
	Remote  int
	ETA     time.Duration
}

// Reporter receives progress events. Called synchronously from the
// engine's coordinating flow; implementations should return quickly.
type Reporter func(Event)

func discardReporter(Event) {}
