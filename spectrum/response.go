package spectrum

import (
	"fmt"
	"math"
	"sort"
)

// SystemResponse is a reference spectrum used to normalise raw readings.
type SystemResponse struct {
	wavelengths []float64
	values      []float64
	source      string
}

// NewSystemResponse validates that wavelengths are ascending and match values.
func NewSystemResponse(wavelengths, values []float64) (*SystemResponse, error) {
	if len(wavelengths) == 0 {
		return nil, fmt.Errorf("system response is empty")
	}
	if len(wavelengths) != len(values) {
		return nil, fmt.Errorf("system response has %d wavelengths but %d values", len(wavelengths), len(values))
	}
	if !sort.Float64sAreSorted(wavelengths) {
		return nil, fmt.Errorf("system response wavelengths must be ascending")
	}
	return &SystemResponse{
		wavelengths: append([]float64(nil), wavelengths...),
		values:      append([]float64(nil), values...),
	}, nil
}

// LoadSystemResponse reads a saved spectrum and uses its raw signal column as
// the response.
func LoadSystemResponse(path string) (*SystemResponse, error) {
	parsed, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	values := parsed.Raw
	if len(values) == 0 {
		values = parsed.Signal
	}
	resp, err := NewSystemResponse(parsed.Wavelength, values)
	if err != nil {
		return nil, fmt.Errorf("system response %s: %w", path, err)
	}
	resp.source = path
	return resp, nil
}

// Source returns the file the response was loaded from, if any.
func (r *SystemResponse) Source() string {
	if r == nil {
		return ""
	}
	return r.source
}

// ResponseAt returns the value at the largest tabulated wavelength not above
// wavelength. It returns NaN for a nil response or a wavelength below the
// table.
func (r *SystemResponse) ResponseAt(wavelength float64) float64 {
	if r == nil || len(r.wavelengths) == 0 {
		return math.NaN()
	}
	i := sort.Search(len(r.wavelengths), func(i int) bool { return r.wavelengths[i] > wavelength })
	if i == 0 {
		return math.NaN()
	}
	return r.values[i-1]
}

// Normalize divides raw by the response at wavelength. ok is false when no
// usable response exists, in which case raw is returned unchanged.
func Normalize(resp interface{ ResponseAt(float64) float64 }, wavelength, raw float64) (value float64, ok bool) {
	if resp == nil {
		return raw, false
	}
	factor := resp.ResponseAt(wavelength)
	if math.IsNaN(factor) || factor == 0 {
		return raw, false
	}
	return raw / factor, true
}
