package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dverrors "github.com/alexjbarnes/dataverse-sync/internal/errors"
)

// fakeTransport is a stateful in-memory dataset. Uploads append to the
// remote hash set, so reconciliation against it behaves like the real
// service without wiring call-count expectations per cycle.
type fakeTransport struct {
	mu       sync.Mutex
	remote   []RemoteFileDescriptor
	nextID   int64
	uploads  map[string]int
	locked   int
	failWith map[string]error
	failFor  map[string]int

	// noopUploads makes the first n successful-looking uploads register
	// nothing remotely, simulating a backend that acks and drops data.
	noopUploads int
}

func newFakeTransport(seedHashes ...string) *fakeTransport {
	f := &fakeTransport{
		uploads:  make(map[string]int),
		failWith: make(map[string]error),
		failFor:  make(map[string]int),
		nextID:   100,
	}
	for _, h := range seedHashes {
		f.nextID++
		f.remote = append(f.remote, RemoteFileDescriptor{ContentHash: h, RemoteID: f.nextID})
	}
	return f
}

func (f *fakeTransport) ListFiles(context.Context) ([]RemoteFileDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RemoteFileDescriptor, len(f.remote))
	copy(out, f.remote)
	return out, nil
}

func (f *fakeTransport) LockStatus(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked > 0 {
		f.locked--
		return true, nil
	}
	return false, nil
}

func (f *fakeTransport) BreakLocks(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked = 0
	return nil
}

func (f *fakeTransport) UploadFile(_ context.Context, rec FileRecord) (UploadAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.uploads[rec.Path]++

	if n, ok := f.failFor[rec.Path]; ok && n > 0 {
		f.failFor[rec.Path] = n - 1
		return UploadAck{}, f.failWith[rec.Path]
	}

	if f.noopUploads > 0 {
		f.noopUploads--
		f.nextID++
		return UploadAck{RemoteID: f.nextID, ContentHash: rec.ContentHash}, nil
	}

	f.nextID++
	f.remote = append(f.remote, RemoteFileDescriptor{ContentHash: rec.ContentHash, RemoteID: f.nextID})
	return UploadAck{RemoteID: f.nextID, ContentHash: rec.ContentHash}, nil
}

func (f *fakeTransport) attempts(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads[path]
}

type staticResolver struct{}

func (staticResolver) Resolve(string) FileMetadata {
	return FileMetadata{MimeType: "application/octet-stream", Description: "test"}
}

// testEngine builds an engine over dir with short timings so failing
// paths do not slow the suite down.
func testEngine(t *testing.T, dir string, transport Transport) (*Engine, *Ledger) {
	t.Helper()
	state := t.TempDir()
	ledger := NewLedger(filepath.Join(state, "ledger.json"))
	ids := NewIdentityStore(filepath.Join(state, "cache.json"), testLogger())

	opts := Options{
		BatchSize:        2,
		LockPollInterval: time.Millisecond,
		RetryDelay:       time.Millisecond,
		CycleCooldown:    time.Millisecond,
	}

	return New(dir, transport, staticResolver{}, ids, ledger, opts, testLogger(), nil), ledger
}

func mustHash(t *testing.T, path string) string {
	t.Helper()
	h, err := HashFile(path)
	require.NoError(t, err)
	return h
}

// --- full reconciliation ---

func TestEngineRun_UploadsOnlyMissing(t *testing.T) {
	dir := t.TempDir()
	aPath := writeFile(t, dir, "a.dat", "alpha")
	writeFile(t, dir, "b.dat", "beta")

	fake := newFakeTransport(mustHash(t, aPath))
	eng, ledger := testEngine(t, dir, fake)

	require.NoError(t, eng.Run(context.Background()))

	assert.Equal(t, 0, fake.attempts("a.dat"))
	assert.Equal(t, 1, fake.attempts("b.dat"))
	assert.True(t, ledger.IsRecorded("b.dat", mustHash(t, filepath.Join(dir, "b.dat"))))
}

func TestEngineRun_SecondRunUploadsNothing(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.dat", "alpha")
	writeFile(t, dir, "b.dat", "beta")

	fake := newFakeTransport()
	eng, _ := testEngine(t, dir, fake)

	require.NoError(t, eng.Run(context.Background()))
	require.NoError(t, eng.Run(context.Background()))

	assert.Equal(t, 1, fake.attempts("a.dat"))
	assert.Equal(t, 1, fake.attempts("b.dat"))
}

func TestEngineRun_EmptyDirCompletes(t *testing.T) {
	dir := t.TempDir()
	fake := newFakeTransport()
	eng, _ := testEngine(t, dir, fake)

	require.NoError(t, eng.Run(context.Background()))
	assert.Empty(t, fake.uploads)
}

// --- resumption ---

func TestEngineRun_ResumesFromLedger(t *testing.T) {
	dir := t.TempDir()
	aPath := writeFile(t, dir, "a.dat", "alpha")
	writeFile(t, dir, "b.dat", "beta")

	fake := newFakeTransport()
	eng, ledger := testEngine(t, dir, fake)

	// A previous interrupted run already confirmed a.dat.
	require.NoError(t, ledger.Record("a.dat", mustHash(t, aPath)))

	require.NoError(t, eng.Run(context.Background()))

	assert.Equal(t, 0, fake.attempts("a.dat"))
	assert.Equal(t, 1, fake.attempts("b.dat"))
}

func TestEngineRun_BatchesLargePendingSet(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		writeFile(t, dir, fmt.Sprintf("f%d.dat", i), fmt.Sprintf("content-%d", i))
	}

	fake := newFakeTransport()
	eng, _ := testEngine(t, dir, fake)

	var batchEvents int
	eng.report = func(ev Event) {
		if ev.Kind == EventBatchComplete {
			batchEvents++
		}
	}

	require.NoError(t, eng.Run(context.Background()))

	// 5 files with batch size 2 is 3 batches.
	assert.Equal(t, 3, batchEvents)
	for i := 0; i < 5; i++ {
		assert.Equal(t, 1, fake.attempts(fmt.Sprintf("f%d.dat", i)))
	}
}

// --- silent failure ---

func TestEngineRun_SilentFailureRetriesInsteadOfCompleting(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.dat", "alpha")
	writeFile(t, dir, "b.dat", "beta")

	fake := newFakeTransport()
	// The first two acks register nothing remotely.
	fake.noopUploads = 2
	eng, ledger := testEngine(t, dir, fake)

	var sawNoProgress bool
	eng.report = func(ev Event) {
		if ev.Kind == EventNoProgress {
			sawNoProgress = true
		}
	}

	require.NoError(t, eng.Run(context.Background()))

	assert.True(t, sawNoProgress)
	// Both files were re-uploaded after the dropped batch.
	assert.Equal(t, 2, fake.attempts("a.dat"))
	assert.Equal(t, 2, fake.attempts("b.dat"))
	assert.Equal(t, 2, ledger.Len())
}

// --- failure classes ---

func TestEngineRun_AuthAbortsRun(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.dat", "alpha")

	fake := newFakeTransport()
	fake.failWith["a.dat"] = fmt.Errorf("%w: bad api key", dverrors.ErrAuthentication)
	fake.failFor["a.dat"] = 1

	eng, _ := testEngine(t, dir, fake)

	err := eng.Run(context.Background())
	assert.ErrorIs(t, err, dverrors.ErrAuthentication)
}

func TestEngineRun_FileFailureRetriedNextCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.dat", "alpha")
	writeFile(t, dir, "b.dat", "beta")

	fake := newFakeTransport()
	// b.dat exhausts the bounded retry cap in the first cycle, then
	// succeeds in the next one.
	fake.failWith["b.dat"] = fmt.Errorf("%w: HTTP 400", dverrors.ErrRemoteRejected)
	fake.failFor["b.dat"] = maxUploadAttempts

	eng, _ := testEngine(t, dir, fake)

	require.NoError(t, eng.Run(context.Background()))

	assert.Equal(t, 1, fake.attempts("a.dat"))
	assert.Equal(t, maxUploadAttempts+1, fake.attempts("b.dat"))
}

func TestEngineRun_WaitsOutLock(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.dat", "alpha")

	fake := newFakeTransport()
	fake.locked = 3

	eng, _ := testEngine(t, dir, fake)
	require.NoError(t, eng.Run(context.Background()))
	assert.Equal(t, 1, fake.attempts("a.dat"))
}

// --- cancellation ---

func TestEngineRun_CancelledImmediately(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.dat", "alpha")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eng, _ := testEngine(t, dir, newFakeTransport())
	assert.ErrorIs(t, eng.Run(ctx), context.Canceled)
}

// --- changed files ---

func TestEngineRun_ChangedFileUploadsNewContent(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.dat", "alpha")

	fake := newFakeTransport()
	eng, _ := testEngine(t, dir, fake)
	require.NoError(t, eng.Run(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte("alpha-v2"), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	require.NoError(t, eng.Run(context.Background()))
	assert.Equal(t, 2, fake.attempts("a.dat"))
}

// --- estimateRemaining ---

func TestEstimateRemaining(t *testing.T) {
	durations := []time.Duration{10 * time.Second, 20 * time.Second}

	// avg 15s per batch, 30 files left at batch size 20 is 2 batches.
	assert.Equal(t, 30*time.Second, estimateRemaining(durations, 30, 20))
	assert.Equal(t, time.Duration(0), estimateRemaining(nil, 30, 20))
	assert.Equal(t, time.Duration(0), estimateRemaining(durations, 0, 20))
}
