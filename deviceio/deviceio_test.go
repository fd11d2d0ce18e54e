package deviceio

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseField(t *testing.T) {
	for _, f := range Fields() {
		got, err := ParseField(" " + string(f) + " ")
		require.NoError(t, err)
		require.Equal(t, f, got)
	}
	_, err := ParseField("laser_power")
	require.Error(t, err)
}

func TestMotionFields(t *testing.T) {
	require.True(t, FieldGrating.Motion())
	require.True(t, FieldFilter.Motion())
	require.True(t, FieldWavelength.Motion())
	require.False(t, FieldSensitivityIndex.Motion())
	require.False(t, FieldExitMirror.Motion())
}

func TestParseMirror(t *testing.T) {
	pos, err := ParseMirror("Front")
	require.NoError(t, err)
	require.Equal(t, MirrorFront, pos)
	pos, err = ParseMirror("SIDE")
	require.NoError(t, err)
	require.Equal(t, "side", MirrorName(pos))
	_, err = ParseMirror("top")
	require.Error(t, err)
}

func TestErrorsUnwrap(t *testing.T) {
	devErr := &DeviceError{Device: "mono", Field: FieldGrating, Op: "set", Err: io.ErrUnexpectedEOF}
	require.ErrorIs(t, devErr, io.ErrUnexpectedEOF)
	require.Contains(t, devErr.Error(), "grating")

	wrapped := errors.Join(errors.New("context"), &InitializationError{Device: "lockin", Err: io.EOF})
	var initErr *InitializationError
	require.ErrorAs(t, wrapped, &initErr)
	require.Equal(t, "lockin", initErr.Device)
}
