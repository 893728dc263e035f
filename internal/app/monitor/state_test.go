package monitor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitions(t *testing.T) {
	path := []State{StateReceived, StateKeyResolving, StateDecrypting, StateHandedOff, StateExecutionPending, StateCompleted}
	for i := 0; i+1 < len(path); i++ {
		require.True(t, CanTransition(path[i], path[i+1]), "%s -> %s", path[i], path[i+1])
		if path[i+1] != StateCompleted {
			require.True(t, CanTransition(path[i], StateFailed), "%s -> Failed", path[i])
		}
	}
	require.False(t, CanTransition(StateReceived, StateDecrypting))
	require.False(t, CanTransition(StateDecrypting, StateCompleted))
	require.False(t, CanTransition(StateCompleted, StateFailed))
	require.False(t, CanTransition(StateFailed, StateReceived))
	require.Error(t, checkTransition(StateHandedOff, StateCompleted))

	require.True(t, StateFailed.Terminal())
	require.False(t, StateExecutionPending.Terminal())
}

func TestActiveSlotHoldsOneJob(t *testing.T) {
	var slot ActiveSlot
	a, b := &printJob{}, &printJob{}
	require.Nil(t, slot.Current())
	require.NoError(t, slot.Acquire(a))
	require.ErrorIs(t, slot.Acquire(b), ErrSlotOccupied)
	require.False(t, slot.Release(b), "only the holder releases")
	require.Same(t, a, slot.Current())
	require.True(t, slot.Release(a))
	require.NoError(t, slot.Acquire(b))
}
