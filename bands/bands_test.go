package bands

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func scenarioTable(t *testing.T) *Table {
	t.Helper()
	table, err := NewTable(
		[]float64{800, 1592, 2353, 5500},
		[]Assignment{{Grating: 2, Filter: 1}, {Grating: 3, Filter: 2}, {Grating: 3, Filter: 3}},
	)
	require.NoError(t, err)
	return table
}

func TestResolveScenario(t *testing.T) {
	table := scenarioTable(t)

	got, err := table.Resolve(1000)
	require.NoError(t, err)
	require.Equal(t, Assignment{Grating: 2, Filter: 1}, got)

	got, err = table.Resolve(2000)
	require.NoError(t, err)
	require.Equal(t, Assignment{Grating: 3, Filter: 2}, got)

	for _, w := range []float64{799, 5500.1} {
		_, err = table.Resolve(w)
		var rangeErr *OutOfRangeError
		require.ErrorAs(t, err, &rangeErr, "wavelength %g", w)
		require.Equal(t, w, rangeErr.Wavelength)
	}
}

func TestResolveIntervalEdges(t *testing.T) {
	table := scenarioTable(t)

	got, err := table.Resolve(800)
	require.NoError(t, err)
	require.Equal(t, 1, got.Filter)

	got, err = table.Resolve(1592)
	require.NoError(t, err)
	require.Equal(t, Assignment{Grating: 3, Filter: 2}, got)

	got, err = table.Resolve(5500)
	require.NoError(t, err)
	require.Equal(t, Assignment{Grating: 3, Filter: 3}, got)
}

func TestResolveRejectsNaN(t *testing.T) {
	table := scenarioTable(t)
	require.False(t, table.Contains(math.NaN()))
	_, err := table.Resolve(math.NaN())
	var rangeErr *OutOfRangeError
	require.ErrorAs(t, err, &rangeErr)

	require.True(t, table.Contains(800))
	require.True(t, table.Contains(5500))
	require.False(t, table.Contains(5500.01))
}

func TestResolveMatchesLinearScan(t *testing.T) {
	table := scenarioTable(t)
	b := table.Breakpoints()
	a := table.Assignments()
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 2000; i++ {
		w := 600 + rng.Float64()*5200
		got, err := table.Resolve(w)

		idx := -1
		for j := 0; j < len(b)-1; j++ {
			if b[j] <= w && (w < b[j+1] || (j == len(b)-2 && w == b[j+1])) {
				idx = j
				break
			}
		}
		if idx < 0 {
			require.Error(t, err, "wavelength %g", w)
			continue
		}
		require.NoError(t, err, "wavelength %g", w)
		require.Equal(t, a[idx], got, "wavelength %g", w)

		again, err := table.Resolve(w)
		require.NoError(t, err)
		require.Equal(t, got, again)
	}
}

func TestNewTableRejectsMalformedInput(t *testing.T) {
	cases := map[string]struct {
		breakpoints []float64
		assignments []Assignment
	}{
		"descending":   {[]float64{800, 700, 900}, []Assignment{{1, 1}, {1, 2}}},
		"duplicate":    {[]float64{800, 800, 900}, []Assignment{{1, 1}, {1, 2}}},
		"too short":    {[]float64{800}, nil},
		"count":        {[]float64{800, 900, 1000}, []Assignment{{1, 1}}},
		"extra assign": {[]float64{800, 900}, []Assignment{{1, 1}, {2, 2}}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewTable(tc.breakpoints, tc.assignments)
			var cfgErr *InvalidConfigurationError
			require.True(t, errors.As(err, &cfgErr), "expected InvalidConfigurationError, got %v", err)
		})
	}
}

func TestResolverSetTableKeepsPreviousOnError(t *testing.T) {
	resolver := NewResolver(nil)
	before := resolver.Table()

	err := resolver.SetTable([]float64{1000, 900}, []Assignment{{1, 1}})
	require.Error(t, err)
	require.Same(t, before, resolver.Table())

	require.NoError(t, resolver.SetTable([]float64{900, 1000}, []Assignment{{4, 5}}))
	got, err := resolver.Resolve(950)
	require.NoError(t, err)
	require.Equal(t, Assignment{Grating: 4, Filter: 5}, got)
}

func TestTableCopiesInput(t *testing.T) {
	breakpoints := []float64{1, 2}
	table, err := NewTable(breakpoints, []Assignment{{1, 1}})
	require.NoError(t, err)
	breakpoints[1] = 100
	require.Equal(t, 2.0, table.Max())
}
