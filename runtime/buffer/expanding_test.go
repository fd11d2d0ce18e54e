package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewExpandingRejectsNonPositiveCapacity(t *testing.T) {
	_, err := NewExpanding[float64](0)
	require.Error(t, err)
	_, err = NewExpanding[float64](-3)
	require.Error(t, err)
}

func TestExpandingAppendAcrossGrowthBoundaries(t *testing.T) {
	const capacity = 4
	for _, n := range []int{0, 1, capacity, capacity + 1, 3*capacity + 1} {
		buf, err := NewExpanding[float64](capacity)
		require.NoError(t, err)
		want := make([]float64, 0, n)
		for i := 0; i < n; i++ {
			buf.Append(float64(i) * 1.5)
			want = append(want, float64(i)*1.5)
		}
		require.Equal(t, n, buf.Len(), "n=%d", n)
		require.Equal(t, want, append([]float64{}, buf.Get()...), "n=%d", n)
	}
}

func TestExpandingGrowthAtLeastDoubles(t *testing.T) {
	buf, err := NewExpanding[int](2)
	require.NoError(t, err)
	buf.Append(1)
	buf.Append(2)
	require.Equal(t, 2, buf.Cap())
	buf.Append(3)
	require.GreaterOrEqual(t, buf.Cap(), 4)
}

func TestExpandingGetDoesNotCopy(t *testing.T) {
	buf, err := NewExpanding[int](8)
	require.NoError(t, err)
	buf.Append(10)
	buf.Append(20)
	first := buf.Get()
	second := buf.Get()
	require.Same(t, &first[0], &second[0])
}

func TestExpandingClearKeepsCapacity(t *testing.T) {
	buf, err := NewExpanding[int](2)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		buf.Append(i)
	}
	capacity := buf.Cap()
	buf.Clear()
	require.Zero(t, buf.Len())
	require.Empty(t, buf.Get())
	require.Equal(t, capacity, buf.Cap())

	buf.Append(42)
	require.Equal(t, []int{42}, buf.Get())
}
