package engine

import (
	"context"
	"fmt"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	dverrors "github.com/alexjbarnes/dataverse-sync/internal/errors"
)

// --- EnsureUnlocked ---

func TestEnsureUnlocked_AlreadyUnlocked(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockTransport(ctrl)

	mock.EXPECT().LockStatus(gomock.Any()).Return(false, nil)

	g := NewLockGuard(mock, time.Second, false, testLogger(), nil)
	require.NoError(t, g.EnsureUnlocked(context.Background()))
}

func TestEnsureUnlocked_WaitsUntilCleared(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mock := NewMockTransport(ctrl)

		gomock.InOrder(
			mock.EXPECT().LockStatus(gomock.Any()).Return(true, nil),
			mock.EXPECT().LockStatus(gomock.Any()).Return(true, nil),
			mock.EXPECT().LockStatus(gomock.Any()).Return(false, nil),
		)

		var events []EventKind
		g := NewLockGuard(mock, 5*time.Second, false, testLogger(), func(ev Event) {
			events = append(events, ev.Kind)
		})

		require.NoError(t, g.EnsureUnlocked(t.Context()))
		// One wait notification when blocking starts, one when cleared.
		assert.Equal(t, []EventKind{EventLockWait, EventLockCleared}, events)
	})
}

func TestEnsureUnlocked_NeverBreaksWithoutForce(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mock := NewMockTransport(ctrl)

		gomock.InOrder(
			mock.EXPECT().LockStatus(gomock.Any()).Return(true, nil),
			mock.EXPECT().LockStatus(gomock.Any()).Return(false, nil),
		)
		// No BreakLocks expectation: any call fails the test.

		g := NewLockGuard(mock, time.Second, false, testLogger(), nil)
		require.NoError(t, g.EnsureUnlocked(t.Context()))
	})
}

func TestEnsureUnlocked_ForceBreaksOnce(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mock := NewMockTransport(ctrl)

		gomock.InOrder(
			mock.EXPECT().LockStatus(gomock.Any()).Return(true, nil),
			mock.EXPECT().LockStatus(gomock.Any()).Return(true, nil),
			mock.EXPECT().LockStatus(gomock.Any()).Return(false, nil),
		)
		// Even across several locked polls, locks are broken once per wait.
		mock.EXPECT().BreakLocks(gomock.Any()).Return(nil).Times(1)

		g := NewLockGuard(mock, time.Second, true, testLogger(), nil)
		require.NoError(t, g.EnsureUnlocked(t.Context()))
	})
}

func TestEnsureUnlocked_CancelledWhileWaiting(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mock := NewMockTransport(ctrl)

		ctx, cancel := context.WithCancel(t.Context())

		mock.EXPECT().LockStatus(gomock.Any()).
			DoAndReturn(func(context.Context) (bool, error) {
				cancel()
				return true, nil
			})

		g := NewLockGuard(mock, time.Minute, false, testLogger(), nil)
		assert.ErrorIs(t, g.EnsureUnlocked(ctx), context.Canceled)
	})
}

// --- status query failures ---

func TestEnsureUnlocked_RetriesStatusFailures(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mock := NewMockTransport(ctrl)

		boom := fmt.Errorf("%w: HTTP 500", dverrors.ErrRemoteUnavailable)
		gomock.InOrder(
			mock.EXPECT().LockStatus(gomock.Any()).Return(false, boom),
			mock.EXPECT().LockStatus(gomock.Any()).Return(false, boom),
			mock.EXPECT().LockStatus(gomock.Any()).Return(false, nil),
		)

		g := NewLockGuard(mock, time.Second, false, testLogger(), nil)
		require.NoError(t, g.EnsureUnlocked(t.Context()))
	})
}

func TestEnsureUnlocked_GivesUpOnPersistentStatusFailure(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mock := NewMockTransport(ctrl)

		boom := fmt.Errorf("%w: HTTP 500", dverrors.ErrRemoteUnavailable)
		mock.EXPECT().LockStatus(gomock.Any()).Return(false, boom).Times(lockStatusAttempts)

		g := NewLockGuard(mock, time.Second, false, testLogger(), nil)
		assert.ErrorIs(t, g.EnsureUnlocked(t.Context()), dverrors.ErrRemoteUnavailable)
	})
}

func TestEnsureUnlocked_AuthFailsImmediately(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockTransport(ctrl)

	mock.EXPECT().LockStatus(gomock.Any()).
		Return(false, fmt.Errorf("%w: bad api key", dverrors.ErrAuthentication))

	g := NewLockGuard(mock, time.Second, false, testLogger(), nil)
	assert.ErrorIs(t, g.EnsureUnlocked(context.Background()), dverrors.ErrAuthentication)
}
