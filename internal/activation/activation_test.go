package activation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openbmc-project/fwupdated/internal/model"
)

func TestVerifiedThenActivateToActive(t *testing.T) {
	var enteredActivating, beforeActive, enteredActive int
	hooks := Hooks{
		OnEnterActivating: func(ctx context.Context) error { enteredActivating++; return nil },
		OnBeforeActive:    func(ctx context.Context) error { beforeActive++; return nil },
		OnEnterActive:     func(ctx context.Context) { enteredActive++ },
	}
	m := New(model.StateNotReady, hooks)
	ctx := context.Background()

	require.NoError(t, m.Fire(ctx, TriggerVerified))
	require.Equal(t, model.StateReady, m.State())

	require.NoError(t, m.Fire(ctx, TriggerRequestActive))
	require.Equal(t, model.StateActivating, m.State())
	require.Equal(t, 1, enteredActivating)
	require.Equal(t, 0, m.Progress())

	require.NoError(t, m.Fire(ctx, TriggerRWDone))
	require.Equal(t, 20, m.Progress())
	require.NoError(t, m.Fire(ctx, TriggerRODone))
	require.Equal(t, 70, m.Progress())

	require.NoError(t, m.Fire(ctx, TriggerBothVolumesDone))
	require.Equal(t, model.StateActive, m.State())
	require.Equal(t, 1, beforeActive)
	require.Equal(t, 1, enteredActive)
	require.Equal(t, 100, m.Progress())
}

func TestProgressClampsAt100(t *testing.T) {
	m := New(model.StateReady, Hooks{})
	ctx := context.Background()
	require.NoError(t, m.Fire(ctx, TriggerRequestActive))
	require.NoError(t, m.Fire(ctx, TriggerRODone))
	require.NoError(t, m.Fire(ctx, TriggerRODone))
	require.Equal(t, 100, m.Progress())
}

func TestUnitFailedThenRetry(t *testing.T) {
	var failed int
	hooks := Hooks{OnEnterFailed: func(ctx context.Context) { failed++ }}
	m := New(model.StateReady, hooks)
	ctx := context.Background()

	require.NoError(t, m.Fire(ctx, TriggerRequestActive))
	require.NoError(t, m.Fire(ctx, TriggerUnitFailed))
	require.Equal(t, model.StateFailed, m.State())
	require.Equal(t, 1, failed)

	require.NoError(t, m.Fire(ctx, TriggerRequestActive))
	require.Equal(t, model.StateActivating, m.State())
}

func TestBeforeActiveErrorBlocksTransition(t *testing.T) {
	m := New(model.StateReady, Hooks{
		OnBeforeActive: func(ctx context.Context) error { return context.Canceled },
	})
	ctx := context.Background()
	require.NoError(t, m.Fire(ctx, TriggerRequestActive))
	require.Error(t, m.Fire(ctx, TriggerBothVolumesDone))
	require.Equal(t, model.StateActivating, m.State())
}

func TestHandleJobResultDedupesByJobID(t *testing.T) {
	calls := 0
	m := New(model.StateReady, Hooks{OnRWDone: func(ctx context.Context) bool { calls++; return false }})
	ctx := context.Background()
	require.NoError(t, m.Fire(ctx, TriggerRequestActive))

	require.NoError(t, m.HandleJobResult(ctx, "job-1", TriggerRWDone))
	require.NoError(t, m.HandleJobResult(ctx, "job-1", TriggerRWDone))
	require.Equal(t, 1, calls)
	require.Equal(t, 20, m.Progress())
}

func TestCanFire(t *testing.T) {
	m := New(model.StateReady, Hooks{})
	require.True(t, m.CanFire(TriggerRequestActive))
	require.False(t, m.CanFire(TriggerBothVolumesDone))
}

// TestRWThenRODoneFiresBothVolumesDoneWithoutDeadlock mirrors the BMC
// happy path (spec.md §8 scenario 1): RW and RO systemd job completions
// arrive as two separate Fire calls, and the second one's hook reports
// both volumes done. Machine.Fire must queue TriggerBothVolumesDone
// rather than call back into itself while still holding m.mu, or this
// test would hang forever instead of reaching StateActive.
func TestRWThenRODoneFiresBothVolumesDoneWithoutDeadlock(t *testing.T) {
	var rwDone, roDone bool
	var enteredActive int
	hooks := Hooks{
		OnRWDone: func(ctx context.Context) bool {
			rwDone = true
			return rwDone && roDone
		},
		OnRODone: func(ctx context.Context) bool {
			roDone = true
			return rwDone && roDone
		},
		OnEnterActive: func(ctx context.Context) { enteredActive++ },
	}
	m := New(model.StateReady, hooks)
	ctx := context.Background()

	require.NoError(t, m.Fire(ctx, TriggerRequestActive))
	require.NoError(t, m.Fire(ctx, TriggerRWDone))
	require.Equal(t, model.StateActivating, m.State())

	require.NoError(t, m.Fire(ctx, TriggerRODone))
	require.Equal(t, model.StateActive, m.State())
	require.Equal(t, 1, enteredActive)
}
