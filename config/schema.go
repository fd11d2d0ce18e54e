package config

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/timzifer/plscan/bands"
)

//go:embed schema.cue
var baseSchema string

var (
	schemaMu  sync.RWMutex
	fragments = make(map[string]string)
)

// RegisterSchema adds a CUE fragment that is unified with the base schema,
// so drivers can tighten the constraints of their own settings.
func RegisterSchema(name, src string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("schema fragment name must not be empty")
	}
	if strings.TrimSpace(src) == "" {
		return errors.New("schema fragment must not be empty")
	}
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if _, exists := fragments[name]; exists {
		return fmt.Errorf("schema fragment %s already registered", name)
	}
	fragments[name] = src
	return nil
}

// resetSchemasForTest clears the fragment registry.
func resetSchemasForTest() {
	schemaMu.Lock()
	fragments = make(map[string]string)
	schemaMu.Unlock()
}

func schemaSource() string {
	schemaMu.RLock()
	defer schemaMu.RUnlock()
	names := make([]string, 0, len(fragments))
	for name := range fragments {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(baseSchema)
	for _, name := range names {
		fmt.Fprintf(&b, "\n// %s\n%s\n", name, fragments[name])
	}
	return b.String()
}

// Validate checks cfg against the CUE schema and the band table rules.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode config document: %w", err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource(), cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	value := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(doc))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	if len(cfg.Bands.Breakpoints) > 0 || len(cfg.Bands.Assignments) > 0 {
		if _, err := cfg.BandTable(); err != nil {
			return fmt.Errorf("validate config: %w", err)
		}
	}
	if s := cfg.Scan; s.Step != 0 && s.Start != 0 && s.Stop != 0 && s.Start != s.Stop && (s.Stop > s.Start) != (s.Step > 0) {
		return fmt.Errorf("validate config: scan step %g points away from stop", s.Step)
	}
	return nil
}

// BandTable builds the configured band table, or returns nil when the
// configuration does not define one.
func (c *Config) BandTable() (*bands.Table, error) {
	if len(c.Bands.Breakpoints) == 0 && len(c.Bands.Assignments) == 0 {
		return nil, nil
	}
	assignments := make([]bands.Assignment, len(c.Bands.Assignments))
	for i, a := range c.Bands.Assignments {
		assignments[i] = bands.Assignment{Grating: a.Grating, Filter: a.Filter}
	}
	return bands.NewTable(c.Bands.Breakpoints, assignments)
}
