package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitTrigger(t *testing.T, trigger <-chan struct{}) {
	t.Helper()
	select {
	case <-trigger:
	case <-time.After(10 * time.Second):
		t.Fatal("no trigger received")
	}
}

func TestWatch_TriggersOnNewFile(t *testing.T) {
	dir := t.TempDir()
	w := NewWatcher(dir, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trigger := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx, trigger) }()

	// Give the watcher a moment to register before creating the file.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.fits"), []byte("data"), 0o644))

	waitTrigger(t, trigger)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestWatch_TriggersOnFileInNewSubdir(t *testing.T) {
	dir := t.TempDir()
	w := NewWatcher(dir, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trigger := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx, trigger) }()

	time.Sleep(200 * time.Millisecond)
	sub := filepath.Join(dir, "night-2")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	// New directories are added to the watch as they appear.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(sub, "frame.fits"), []byte("data"), 0o644))

	waitTrigger(t, trigger)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestWatch_MissingDirFails(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "gone"), testLogger())

	trigger := make(chan struct{}, 1)
	require.Error(t, w.Watch(context.Background(), trigger))
}
