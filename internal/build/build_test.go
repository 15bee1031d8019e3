package build

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlotHoldsOneTask(t *testing.T) {
	var s Slot
	require.False(t, s.Busy())
	require.Nil(t, s.Current())

	first := &Task{BuildID: "1"}
	require.True(t, s.Assign(first))
	require.False(t, s.Assign(&Task{BuildID: "2"}))
	require.Same(t, first, s.Current())

	require.Same(t, first, s.Release())
	require.False(t, s.Busy())
	require.Nil(t, s.Release())
}
