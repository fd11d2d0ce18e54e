package fw102c

import (
	"io"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/plscan/deviceio"
	"github.com/timzifer/plscan/drivers/serialport"
)

type wheel struct {
	pos      int
	idErrors int
}

func (w *wheel) handle(cmd string) string {
	switch {
	case cmd == "*idn?":
		if w.idErrors > 0 {
			w.idErrors--
			return "Command error\r> "
		}
		return "*idn?\rTHORLABS FW102C/FW212C Filter Wheel version 1.01\r> "
	case cmd == "pos?":
		return "pos?\r" + strconv.Itoa(w.pos) + "\r> "
	case strings.HasPrefix(cmd, "pos="):
		w.pos, _ = strconv.Atoi(strings.TrimPrefix(cmd, "pos="))
		return cmd + "\r> "
	default:
		return "Command error\r> "
	}
}

func openWheel(t *testing.T, w *wheel) (*FilterWheel, *serialport.FakePort) {
	t.Helper()
	port := serialport.NewFakePort("\r", w.handle)
	opener := func(s serialport.Settings) (io.ReadWriteCloser, error) {
		require.Equal(t, Baud, s.Baud)
		return port, nil
	}
	fw := New("wheel", serialport.Settings{Port: "/dev/ttyUSB1", Timeout: 10 * time.Millisecond}, opener, zerolog.Nop())
	require.NoError(t, fw.Open())
	t.Cleanup(func() { fw.Close() })
	return fw, port
}

func TestSetAndGetPosition(t *testing.T) {
	state := &wheel{pos: 1}
	fw, port := openWheel(t, state)
	require.Contains(t, fw.ID(), "FW102C")

	require.NoError(t, fw.Set(deviceio.FieldFilter, 4))
	require.Equal(t, 4, state.pos)
	pos, err := fw.Get(deviceio.FieldFilter)
	require.NoError(t, err)
	require.Equal(t, 4.0, pos)
	require.Equal(t, []string{"*idn?", "pos=4", "pos?"}, port.Commands())
}

func TestRetriesIdentificationAfterCommandError(t *testing.T) {
	fw, port := openWheel(t, &wheel{pos: 2, idErrors: 1})
	require.Equal(t, []string{"*idn?", "*idn?"}, port.Commands())
	pos, err := fw.Get(deviceio.FieldFilter)
	require.NoError(t, err)
	require.Equal(t, 2.0, pos)
}

func TestRejectsOutOfRange(t *testing.T) {
	fw, _ := openWheel(t, &wheel{pos: 1})
	require.Error(t, fw.Set(deviceio.FieldFilter, 7))
	require.Error(t, fw.Set(deviceio.FieldFilter, 0))
	require.ErrorIs(t, fw.Set(deviceio.FieldGrating, 1), deviceio.ErrUnsupportedField)
}

func TestWrongInstrument(t *testing.T) {
	port := serialport.NewFakePort("\r", func(cmd string) string { return cmd + "\rSR830\r> " })
	opener := func(serialport.Settings) (io.ReadWriteCloser, error) { return port, nil }
	fw := New("wheel", serialport.Settings{Timeout: time.Millisecond}, opener, zerolog.Nop())
	require.Error(t, fw.Open())
	require.True(t, port.Closed())
}
