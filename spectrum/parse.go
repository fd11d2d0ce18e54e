package spectrum

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Format identifies the layout of a spectrum file.
type Format string

const (
	FormatLabVIEW   Format = "labview"
	FormatColumns   Format = "columns"
	labviewPrefix          = "**\tSample ID:"
	labviewHeaderLn        = 10
)

// ErrUnknownFormat is returned for files whose header is not recognised.
var ErrUnknownFormat = errors.New("unknown spectrum file format")

// Parsed holds the columns found in a spectrum file. Columns missing from
// the file are nil.
type Parsed struct {
	Format     Format
	Wavelength []float64
	Raw        []float64
	Signal     []float64
	Phase      []float64

	SampleID        string
	LaserPower      string
	MeasurementType string
	Timestamp       string
	TimeConstant    string
	Notes           string
}

// Energy returns the energy axis in eV.
func (p *Parsed) Energy() []float64 {
	out := make([]float64, len(p.Wavelength))
	for i, w := range p.Wavelength {
		out[i] = Energy(w)
	}
	return out
}

// Normalize fills Signal from Raw divided by the response when the file did
// not carry a normalised column.
func (p *Parsed) Normalize(resp *SystemResponse) {
	if resp == nil || len(p.Raw) == 0 || len(p.Signal) > 0 {
		return
	}
	p.Signal = make([]float64, len(p.Raw))
	for i, raw := range p.Raw {
		p.Signal[i], _ = Normalize(resp, p.Wavelength[i], raw)
	}
}

// ParseFile opens and parses path.
func ParseFile(path string) (*Parsed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open spectrum: %w", err)
	}
	defer f.Close()
	parsed, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return parsed, nil
}

// Parse reads a spectrum written by this program, by earlier versions of the
// bench software, or by the LabVIEW acquisition program.
func Parse(r io.Reader) (*Parsed, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: empty file", ErrUnknownFormat)
	}
	first := strings.TrimRight(scanner.Text(), "\r")
	if strings.HasPrefix(first, labviewPrefix) {
		return parseLabVIEW(first, scanner)
	}
	return parseColumns(first, scanner)
}

var columnAliases = map[string]string{
	"wavelength": "wavelength",
	"rawsignal":  "raw",
	"raw_signal": "raw",
	"raw":        "raw",
	"phase":      "phase",
	"signal":     "signal",
	"sysresrem":  "signal",
}

func parseColumns(header string, scanner *bufio.Scanner) (*Parsed, error) {
	names := strings.Split(header, "\t")
	targets := make([]string, len(names))
	for i, name := range names {
		targets[i] = columnAliases[strings.ToLower(strings.TrimSpace(name))]
	}
	if len(targets) < 2 || targets[0] != "wavelength" {
		return nil, fmt.Errorf("%w: header %q", ErrUnknownFormat, header)
	}

	p := &Parsed{Format: FormatColumns}
	columns := map[string]*[]float64{"wavelength": &p.Wavelength, "raw": &p.Raw, "signal": &p.Signal, "phase": &p.Phase}
	line := 1
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < len(targets) {
			return nil, fmt.Errorf("line %d: expected %d values, got %d", line, len(targets), len(fields))
		}
		for i, target := range targets {
			if target == "" {
				continue
			}
			v, err := strconv.ParseFloat(fields[i], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", line, names[i], err)
			}
			*columns[target] = append(*columns[target], v)
		}
	}
	return p, scanner.Err()
}

func parseLabVIEW(first string, scanner *bufio.Scanner) (*Parsed, error) {
	p := &Parsed{Format: FormatLabVIEW, SampleID: strings.TrimSpace(strings.TrimPrefix(first, labviewPrefix))}
	meta := []struct {
		prefix string
		dst    *string
	}{
		{"**\tLaser Power:", &p.LaserPower},
		{"**\tMeasurement Type:", &p.MeasurementType},
		{"**\t", &p.Timestamp},
		{"", nil}, // grating, not reliable
		{"**\tTime Constant:", &p.TimeConstant},
		{"**\tNotes:", &p.Notes},
		{"", nil}, // blank
		{"", nil}, // column headers
		{"", nil}, // asterisks
	}
	for _, m := range meta {
		if !scanner.Scan() {
			return nil, fmt.Errorf("%w: truncated LabVIEW header", ErrUnknownFormat)
		}
		if m.dst != nil {
			*m.dst = strings.TrimSpace(strings.TrimPrefix(strings.TrimRight(scanner.Text(), "\r"), m.prefix))
		}
	}
	line := labviewHeaderLn
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 3 {
			return nil, fmt.Errorf("line %d: expected 3 values, got %d", line, len(fields))
		}
		values := make([]float64, 3)
		for i := range values {
			v, err := strconv.ParseFloat(fields[i], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			values[i] = v
		}
		p.Wavelength = append(p.Wavelength, values[0])
		p.Raw = append(p.Raw, values[1])
		p.Signal = append(p.Signal, values[2])
	}
	return p, scanner.Err()
}
