package spectrum

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpectrumAppendAndSnapshot(t *testing.T) {
	s, err := New(2)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(Sample{Wavelength: 800 + float64(i), Raw: float64(i), Phase: 1, Normalized: float64(i) / 2}))
	}
	require.Equal(t, 5, s.Len())
	require.Equal(t, 8, s.Capacity())
	require.Equal(t, []float64{800, 801, 802, 803, 804}, s.Wavelengths())

	tail := s.Samples(3)
	require.Len(t, tail, 2)
	require.Equal(t, 803.0, tail[0].Wavelength)
	require.Empty(t, s.Samples(10))
	require.Len(t, s.Samples(-1), 5)

	s.Freeze()
	require.True(t, s.Frozen())
	require.ErrorIs(t, s.Append(Sample{}), ErrFrozen)
	require.Equal(t, 5, s.Len())
}

func TestSpectrumRejectsBadCapacity(t *testing.T) {
	_, err := New(0)
	require.Error(t, err)
}

func TestSpectrumConcurrentReaders(t *testing.T) {
	s, err := New(4)
	require.NoError(t, err)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			if err := s.Append(Sample{Wavelength: float64(i)}); err != nil {
				t.Errorf("append: %v", err)
				return
			}
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				w := s.Wavelengths()
				for j := range w {
					if w[j] != float64(j) {
						t.Errorf("sample %d = %v", j, w[j])
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 500, s.Len())
}

func TestEnergy(t *testing.T) {
	require.InDelta(t, 1.549802, Energy(800), 1e-6)
	require.InDelta(t, Energy(1000), Sample{Wavelength: 1000}.Energy(), 0)
}

func TestSystemResponseLookup(t *testing.T) {
	resp, err := NewSystemResponse([]float64{800, 810, 820}, []float64{2, 4, 8})
	require.NoError(t, err)

	require.True(t, math.IsNaN(resp.ResponseAt(799.9)))
	require.Equal(t, 2.0, resp.ResponseAt(800))
	require.Equal(t, 2.0, resp.ResponseAt(809.9))
	require.Equal(t, 4.0, resp.ResponseAt(810))
	require.Equal(t, 8.0, resp.ResponseAt(2000))

	v, ok := Normalize(resp, 815, 10)
	require.True(t, ok)
	require.Equal(t, 2.5, v)

	v, ok = Normalize(resp, 700, 10)
	require.False(t, ok)
	require.Equal(t, 10.0, v)

	var missing *SystemResponse
	_, ok = Normalize(missing, 815, 10)
	require.False(t, ok)
	_, ok = Normalize(nil, 815, 10)
	require.False(t, ok)
}

func TestSystemResponseValidation(t *testing.T) {
	_, err := NewSystemResponse(nil, nil)
	require.Error(t, err)
	_, err = NewSystemResponse([]float64{1, 2}, []float64{1})
	require.Error(t, err)
	_, err = NewSystemResponse([]float64{2, 1}, []float64{1, 1})
	require.Error(t, err)
}

func TestWriteAndParseRoundTrip(t *testing.T) {
	s, err := New(4)
	require.NoError(t, err)
	require.NoError(t, s.Append(Sample{Wavelength: 1000, Raw: 1.5e-3, Phase: 10, Normalized: 0.75}))
	require.NoError(t, s.Append(Sample{Wavelength: 1005, Raw: 2e-3, Phase: 11, Normalized: 1}))

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, s, DefaultColumns()...))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Equal(t, "Wavelength\tRaw\tSysResRem\tEnergy", lines[0])
	require.Equal(t, "1000.0\t1.500000E-03\t7.500000E-01\t1.239842E+00", lines[1])

	parsed, err := Parse(&buf)
	require.NoError(t, err)
	require.Equal(t, FormatColumns, parsed.Format)
	require.Equal(t, []float64{1000, 1005}, parsed.Wavelength)
	require.Equal(t, []float64{1.5e-3, 2e-3}, parsed.Raw)
	require.Equal(t, []float64{0.75, 1}, parsed.Signal)
	require.Nil(t, parsed.Phase)
}

func TestParseLegacyHeaders(t *testing.T) {
	cases := map[string]struct {
		input  string
		raw    []float64
		signal []float64
		phase  []float64
	}{
		"raw signal": {
			input: "Wavelength\tRawSignal\n800\t1\n",
			raw:   []float64{1},
		},
		"raw signal phase": {
			input: "Wavelength\tRaw_Signal\tPhase\n800\t1\t45\n",
			raw:   []float64{1},
			phase: []float64{45},
		},
		"sysresrem": {
			input:  "Wavelength\tSysResRem\n800\t0.5\n",
			signal: []float64{0.5},
		},
		"signal raw phase": {
			input:  "Wavelength\tSignal\tRawSignal\tPhase\r\n800\t0.5\t1\t45\r\n\r\n",
			raw:    []float64{1},
			signal: []float64{0.5},
			phase:  []float64{45},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			parsed, err := Parse(strings.NewReader(tc.input))
			require.NoError(t, err)
			require.Equal(t, []float64{800}, parsed.Wavelength)
			require.Equal(t, tc.raw, parsed.Raw)
			require.Equal(t, tc.signal, parsed.Signal)
			require.Equal(t, tc.phase, parsed.Phase)
		})
	}
}

func TestParseLabVIEW(t *testing.T) {
	input := strings.Join([]string{
		"**\tSample ID: GaAs-17",
		"**\tLaser Power: 20 mW",
		"**\tMeasurement Type: PL",
		"**\t2014-03-02 10:11",
		"**\tGrating: 2",
		"**\tTime Constant: 100 ms",
		"**\tNotes: cold finger",
		"",
		"Wavelength\tRaw\tSignal",
		"*****",
		"800 1.0 2.0",
		"801\t1.5\t3.0",
	}, "\n")
	parsed, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, FormatLabVIEW, parsed.Format)
	require.Equal(t, "GaAs-17", parsed.SampleID)
	require.Equal(t, "20 mW", parsed.LaserPower)
	require.Equal(t, "PL", parsed.MeasurementType)
	require.Equal(t, "100 ms", parsed.TimeConstant)
	require.Equal(t, "cold finger", parsed.Notes)
	require.Equal(t, []float64{800, 801}, parsed.Wavelength)
	require.Equal(t, []float64{1, 1.5}, parsed.Raw)
	require.Equal(t, []float64{2, 3}, parsed.Signal)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse(strings.NewReader(""))
	require.ErrorIs(t, err, ErrUnknownFormat)
	_, err = Parse(strings.NewReader("Energy\tCounts\n1\t2\n"))
	require.ErrorIs(t, err, ErrUnknownFormat)
	_, err = Parse(strings.NewReader("Wavelength\tRaw\n800\n"))
	require.Error(t, err)
	_, err = Parse(strings.NewReader("Wavelength\tRaw\n800\tabc\n"))
	require.Error(t, err)
	_, err = Parse(strings.NewReader("**\tSample ID: x\n**\tLaser Power: 1\n"))
	require.ErrorIs(t, err, ErrUnknownFormat)
}

func TestParsedNormalize(t *testing.T) {
	resp, err := NewSystemResponse([]float64{800}, []float64{4})
	require.NoError(t, err)
	parsed, err := Parse(strings.NewReader("Wavelength\tRawSignal\n800\t2\n810\t8\n"))
	require.NoError(t, err)
	parsed.Normalize(resp)
	require.Equal(t, []float64{0.5, 2}, parsed.Signal)
	require.InDeltaSlice(t, []float64{Energy(800), Energy(810)}, parsed.Energy(), 1e-12)
}

func TestSaveFreezesAndLoadsAsResponse(t *testing.T) {
	s, err := New(2)
	require.NoError(t, err)
	require.NoError(t, s.Append(Sample{Wavelength: 800, Raw: 4, Normalized: 4}))
	require.NoError(t, s.Append(Sample{Wavelength: 900, Raw: 8, Normalized: 8}))

	path := filepath.Join(t.TempDir(), "sysres.txt")
	require.NoError(t, Save(path, s))
	require.True(t, s.Frozen())

	resp, err := LoadSystemResponse(path)
	require.NoError(t, err)
	require.Equal(t, path, resp.Source())
	require.Equal(t, 4.0, resp.ResponseAt(850))
	require.Equal(t, 8.0, resp.ResponseAt(900))

	_, err = LoadSystemResponse(filepath.Join(t.TempDir(), "missing.txt"))
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestCompileColumn(t *testing.T) {
	col, err := CompileColumn("Ratio", "raw / normalized")
	require.NoError(t, err)
	v, err := col.Eval(Sample{Raw: 6, Normalized: 3})
	require.NoError(t, err)
	require.Equal(t, 2.0, v)

	_, err = CompileColumn("Bad", "unknown_var * 2")
	require.Error(t, err)
	_, err = CompileColumn("", "raw")
	require.Error(t, err)

	var zero Column
	_, err = zero.Eval(Sample{})
	require.Error(t, err)
}
