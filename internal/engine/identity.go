package engine

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"
)

// defaultHashWorkers bounds concurrent hashing during a refresh. Hashing
// is I/O bound, so a small multiple of typical disk queue depth is enough.
const defaultHashWorkers = 8

// identityEntry is one cached identity. Hash is authoritative for the
// path until size or mtime changes, at which point the entry is stale
// and the file is rehashed.
type identityEntry struct {
	Hash  string `json:"hash"`
	Size  int64  `json:"size"`
	MTime int64  `json:"mtime"`
}

// IdentityStore computes and persists a content hash per local file
// path. The remote repository reports MD5 checksums, so MD5 is the
// identity digest: local and remote sets must compare by the same hash.
type IdentityStore struct {
	path    string
	logger  *slog.Logger
	workers int

	mu      sync.Mutex
	entries map[string]identityEntry
}

// NewIdentityStore creates a store persisting its cache at cachePath.
func NewIdentityStore(cachePath string, logger *slog.Logger) *IdentityStore {
	return &IdentityStore{
		path:    cachePath,
		logger:  logger,
		workers: defaultHashWorkers,
		entries: make(map[string]identityEntry),
	}
}

// Load reads the persisted identity cache. A missing cache file is the
// bootstrap case, not an error.
func (s *IdentityStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make(map[string]identityEntry)
	if _, err := readSnapshot(s.path, &entries); err != nil {
		return fmt.Errorf("loading identity cache: %w", err)
	}
	s.entries = entries

	return nil
}

// Wipe discards all cached identities and persists the empty cache.
func (s *IdentityStore) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]identityEntry)

	return writeSnapshot(s.path, s.entries)
}

// IdentityFor returns the cached hash for a path, or false when the path
// has no fresh cache entry.
func (s *IdentityStore) IdentityFor(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[path]
	if !ok || entry.Hash == "" {
		return "", false
	}

	return entry.Hash, true
}

// RefreshAll enumerates non-hidden regular files under dir, hashes any
// not already cached or whose cache entry is stale, persists the updated
// cache, and returns the path → hash mapping. Paths are relative to dir
// in slash form. A file that vanishes between listing and hashing is
// dropped from the result; the caller re-lists on the next cycle.
func (s *IdentityStore) RefreshAll(ctx context.Context, dir string) (map[string]string, error) {
	type candidate struct {
		rel   string
		abs   string
		size  int64
		mtime int64
	}

	var toHash []candidate
	result := make(map[string]string)

	s.mu.Lock()
	cached := s.entries
	s.mu.Unlock()

	seen := make(map[string]bool)

	err := filepath.WalkDir(dir, func(absPath string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		base := filepath.Base(absPath)
		if strings.HasPrefix(base, ".") && absPath != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return nil
		}

		// Symlinks and special files are never upload candidates.
		if !d.Type().IsRegular() {
			s.logger.Debug("skipping non-regular file", slog.String("path", absPath))
			return nil
		}

		info, err := d.Info()
		if err != nil {
			// Vanished between listing and stat. Drop for this cycle.
			s.logger.Warn("stat failed during scan",
				slog.String("path", absPath),
				slog.String("error", err.Error()),
			)
			return nil
		}

		rel, err := filepath.Rel(dir, absPath)
		if err != nil {
			return err
		}
		rel = normalizePath(rel)
		seen[rel] = true

		size := info.Size()
		mtime := info.ModTime().UnixMilli()

		if entry, ok := cached[rel]; ok && entry.Hash != "" && entry.Size == size && entry.MTime == mtime {
			result[rel] = entry.Hash
			return nil
		}

		toHash = append(toHash, candidate{rel: rel, abs: absPath, size: size, mtime: mtime})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking upload directory: %w", err)
	}

	var resultMu sync.Mutex
	fresh := make(map[string]identityEntry)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for _, c := range toHash {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}

			hash, hashErr := HashFile(c.abs)
			if hashErr != nil {
				// File vanished or became unreadable mid-read. Not
				// retried within this refresh; the next cycle re-lists.
				s.logger.Warn("hashing file",
					slog.String("path", c.rel),
					slog.String("error", hashErr.Error()),
				)
				return nil
			}

			resultMu.Lock()
			result[c.rel] = hash
			fresh[c.rel] = identityEntry{Hash: hash, Size: c.size, MTime: c.mtime}
			resultMu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	// Rebuild the cache from what is actually on disk so deleted files
	// do not accumulate stale entries.
	entries := make(map[string]identityEntry, len(result))
	for rel := range seen {
		if e, ok := fresh[rel]; ok {
			entries[rel] = e
		} else if e, ok := s.entries[rel]; ok {
			entries[rel] = e
		}
	}
	s.entries = entries
	writeErr := writeSnapshot(s.path, entries)
	s.mu.Unlock()

	if writeErr != nil {
		return nil, fmt.Errorf("persisting identity cache: %w", writeErr)
	}

	return result, nil
}

// HashFile streams the file through an MD5 digest in fixed-size chunks.
// Files may be multi-gigabyte binaries, so the content is never held in
// memory at once.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	buf := make([]byte, 64*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// normalizePath converts a relative path to slash form and NFC so that
// the same file name always produces the same cache key regardless of
// the filesystem's unicode normalization.
func normalizePath(path string) string {
	path = filepath.ToSlash(path)
	return norm.NFC.String(path)
}
