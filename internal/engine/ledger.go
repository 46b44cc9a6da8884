package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// LedgerEntry records one confirmed upload. The on-disk ledger is a
// sorted slice of these, so the file stays diffable and human-readable.
type LedgerEntry struct {
	Path       string    `json:"path"`
	Hash       string    `json:"hash"`
	UploadedAt time.Time `json:"uploadedAt"`
}

type ledgerKey struct {
	path string
	hash string
}

// Ledger is the durable, idempotent record of "file identity →
// uploaded". Loaded fully into memory at startup and rewritten wholesale
// (atomic replace) on each mutation, so the on-disk representation is
// always a complete, valid snapshot. Writes are serialized by a mutex:
// single-writer discipline preserves the atomic-rewrite invariant when
// uploads within a batch complete concurrently.
type Ledger struct {
	path string

	mu      sync.Mutex
	entries map[ledgerKey]time.Time
}

// NewLedger creates a ledger persisting at path.
func NewLedger(path string) *Ledger {
	return &Ledger{
		path:    path,
		entries: make(map[ledgerKey]time.Time),
	}
}

// Load reads the persisted ledger. Must be called before any upload
// decision is made: a file already marked uploaded is never retried,
// even when the identity cache was lost.
func (l *Ledger) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var entries []LedgerEntry
	if _, err := readSnapshot(l.path, &entries); err != nil {
		return fmt.Errorf("loading progress ledger: %w", err)
	}

	l.entries = make(map[ledgerKey]time.Time, len(entries))
	for _, e := range entries {
		l.entries[ledgerKey{path: e.Path, hash: e.Hash}] = e.UploadedAt
	}

	return nil
}

// Record marks (path, hash) as uploaded. Idempotent: recording the same
// key twice leaves the ledger's logical content identical to recording
// it once, and skips the disk rewrite.
func (l *Ledger) Record(path, hash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := ledgerKey{path: path, hash: hash}
	if _, ok := l.entries[key]; ok {
		return nil
	}

	l.entries[key] = time.Now().UTC()

	return l.rewriteLocked()
}

// Forget removes (path, hash) from the ledger. Exists only for the
// silent-failure compensation path and deliberate cache wipe; Record
// itself is append-only.
func (l *Ledger) Forget(path, hash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := ledgerKey{path: path, hash: hash}
	if _, ok := l.entries[key]; !ok {
		return nil
	}

	delete(l.entries, key)

	return l.rewriteLocked()
}

// IsRecorded reports whether (path, hash) is marked uploaded.
func (l *Ledger) IsRecorded(path, hash string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.entries[ledgerKey{path: path, hash: hash}]

	return ok
}

// All returns every ledger entry, sorted by path then hash.
func (l *Ledger) All() []LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.sortedLocked()
}

// Len returns the number of recorded uploads.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.entries)
}

// Wipe discards all entries and persists the empty ledger.
func (l *Ledger) Wipe() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = make(map[ledgerKey]time.Time)

	return l.rewriteLocked()
}

func (l *Ledger) sortedLocked() []LedgerEntry {
	entries := make([]LedgerEntry, 0, len(l.entries))
	for key, at := range l.entries {
		entries = append(entries, LedgerEntry{Path: key.path, Hash: key.hash, UploadedAt: at})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Path != entries[j].Path {
			return entries[i].Path < entries[j].Path
		}
		return entries[i].Hash < entries[j].Hash
	})

	return entries
}

func (l *Ledger) rewriteLocked() error {
	if err := writeSnapshot(l.path, l.sortedLocked()); err != nil {
		return fmt.Errorf("persisting progress ledger: %w", err)
	}

	return nil
}
