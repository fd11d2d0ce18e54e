package sim

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/plscan/deviceio"
)

func TestMonochromatorRoundTrip(t *testing.T) {
	mono := NewMonochromator("mono", Settings{Gratings: 3})
	require.NoError(t, mono.Open())

	require.NoError(t, mono.Set(deviceio.FieldGrating, 2))
	v, err := mono.Get(deviceio.FieldGrating)
	require.NoError(t, err)
	require.Equal(t, 2.0, v)

	require.Error(t, mono.Set(deviceio.FieldGrating, 4))

	require.NoError(t, mono.Set(deviceio.FieldWavelength, 1234.56789))
	require.Equal(t, 1234.568, mono.Position())
	require.Equal(t, 2, mono.Moves())

	_, err = mono.Get(deviceio.FieldSensitivityIndex)
	require.ErrorIs(t, err, deviceio.ErrUnsupportedField)
}

func TestFilterWheelBounds(t *testing.T) {
	wheel := NewFilterWheel("wheel", Settings{})
	require.NoError(t, wheel.Set(deviceio.FieldFilter, 6))
	require.Error(t, wheel.Set(deviceio.FieldFilter, 7))
	require.Error(t, wheel.Set(deviceio.FieldFilter, 0))
	v, err := wheel.Get(deviceio.FieldFilter)
	require.NoError(t, err)
	require.Equal(t, 6.0, v)
}

func TestLockinFollowsPosition(t *testing.T) {
	seed := int64(1)
	wavelength := 1550.0
	lockin := NewLockin("lockin", Settings{Seed: &seed}, func() float64 { return wavelength }, GaussianPeak(1550, 50, 1e-3, 0))

	onPeak, _, err := lockin.Outputs()
	require.NoError(t, err)
	require.InDelta(t, 1e-3, onPeak, 1e-4)

	wavelength = 2000
	offPeak, _, err := lockin.Outputs()
	require.NoError(t, err)
	require.Less(t, offPeak, onPeak/100)
	require.Equal(t, 2, lockin.Reads())
}

func TestLockinFaultInjection(t *testing.T) {
	lockin := NewLockin("lockin", Settings{}, nil, nil)
	boom := errors.New("gpib timeout")
	lockin.Fail(deviceio.FieldSensitivityIndex, boom)
	_, err := lockin.Get(deviceio.FieldSensitivityIndex)
	require.ErrorIs(t, err, boom)

	lockin.Fail(deviceio.FieldSensitivityIndex, nil)
	require.NoError(t, lockin.Set(deviceio.FieldSensitivityIndex, 3))

	lockin.FailOutputs(boom)
	_, _, err = lockin.Outputs()
	require.ErrorIs(t, err, boom)

	lockin.FailOpen(boom)
	require.ErrorIs(t, lockin.Open(), boom)
}
