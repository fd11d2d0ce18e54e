package spectrum

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Column is an additional export column computed from each sample.
type Column struct {
	Name       string
	Expression string
	program    *vm.Program
}

// DefaultColumns returns the columns exported when none are configured.
func DefaultColumns() []Column {
	col, err := CompileColumn("Energy", fmt.Sprintf("%g / wavelength", PlanckWavelength))
	if err != nil {
		panic(err)
	}
	return []Column{col}
}

func columnEnv(s Sample) map[string]any {
	return map[string]any{
		"wavelength": s.Wavelength,
		"raw":        s.Raw,
		"phase":      s.Phase,
		"normalized": s.Normalized,
		"energy":     s.Energy(),
	}
}

// CompileColumn compiles an expression over wavelength, raw, phase,
// normalized and energy.
func CompileColumn(name, expression string) (Column, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "\t\n") {
		return Column{}, fmt.Errorf("invalid column name %q", name)
	}
	program, err := expr.Compile(expression, expr.Env(columnEnv(Sample{})), expr.AsFloat64())
	if err != nil {
		return Column{}, fmt.Errorf("compile column %s: %w", name, err)
	}
	return Column{Name: name, Expression: expression, program: program}, nil
}

// Eval evaluates the column for one sample.
func (c Column) Eval(s Sample) (float64, error) {
	if c.program == nil {
		return 0, fmt.Errorf("column %s not compiled", c.Name)
	}
	out, err := expr.Run(c.program, columnEnv(s))
	if err != nil {
		return 0, fmt.Errorf("column %s: %w", c.Name, err)
	}
	v, ok := out.(float64)
	if !ok {
		return 0, fmt.Errorf("column %s: unexpected result %T", c.Name, out)
	}
	return v, nil
}

// Write emits the spectrum as tab separated text with a header line.
func Write(w io.Writer, s *Spectrum, columns ...Column) error {
	bw := bufio.NewWriter(w)
	header := []string{"Wavelength", "Raw", "SysResRem"}
	for _, c := range columns {
		header = append(header, c.Name)
	}
	if _, err := bw.WriteString(strings.Join(header, "\t") + "\n"); err != nil {
		return err
	}
	var writeErr error
	s.View(func(c Columns) {
		for i := range c.Wavelength {
			sample := Sample{Wavelength: c.Wavelength[i], Raw: c.Raw[i], Phase: c.Phase[i], Normalized: c.Normalized[i]}
			if _, err := fmt.Fprintf(bw, "%.1f\t%E\t%E", sample.Wavelength, sample.Raw, sample.Normalized); err != nil {
				writeErr = err
				return
			}
			for _, col := range columns {
				v, err := col.Eval(sample)
				if err != nil {
					writeErr = err
					return
				}
				if _, err := fmt.Fprintf(bw, "\t%E", v); err != nil {
					writeErr = err
					return
				}
			}
			if err := bw.WriteByte('\n'); err != nil {
				writeErr = err
				return
			}
		}
	})
	if writeErr != nil {
		return writeErr
	}
	return bw.Flush()
}

// Save freezes the spectrum and writes it to path.
func Save(path string, s *Spectrum, columns ...Column) error {
	s.Freeze()
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create spectrum file: %w", err)
	}
	if err := Write(f, s, columns...); err != nil {
		f.Close()
		return fmt.Errorf("write spectrum file: %w", err)
	}
	return f.Close()
}
