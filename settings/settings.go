// Package settings persists bench settings in a flat key/value table backed
// by SQLite. Keys follow the layout of the original bench settings file so
// existing values can be imported verbatim.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/timzifer/plscan/bands"
	"github.com/timzifer/plscan/deviceio"
	"github.com/timzifer/plscan/instruments"
)

const (
	dirPermissions    = 0o750
	busyTimeoutMillis = 5000
	connectionTimeout = 5 * time.Second

	keyConfigs         = "spectrometer/configs"
	keyEntranceMirror  = "spectrometer/entrance_mirror"
	keyExitMirror      = "spectrometer/exit_mirror"
	keyScanStart       = "scan/start"
	keyScanStop        = "scan/stop"
	keyScanStep        = "scan/step"
	keyScanDelay       = "scan/delay"
	keyTimeConstant    = "lockin/time_constant_index"
	keyReserveMode     = "lockin/reserve_mode_index"
	keyInputLineFilter = "lockin/input_line_filter_index"
	keySysResPath      = "sysResPath"
)

const schema = `CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// ErrNotFound is returned by Get for unknown keys.
var ErrNotFound = errors.New("setting not found")

// Store is a key/value settings database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the settings database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, dirPermissions); err != nil {
			return nil, fmt.Errorf("creating settings directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=%d", path, busyTimeoutMillis))
	if err != nil {
		return nil, fmt.Errorf("opening settings: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("creating settings schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing settings: %w", err)
	}
	return nil
}

// Get returns the raw value of key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", key, err)
	}
	return value, nil
}

// Set stores value under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.set(ctx, s.db, key, value)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) set(ctx context.Context, db execer, key, value string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// Float returns key parsed as a float, or def when the key is absent.
func (s *Store) Float(ctx context.Context, key string, def float64) (float64, error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

// Int returns key parsed as an integer, or def when the key is absent.
func (s *Store) Int(ctx context.Context, key string, def int) (int, error) {
	v, err := s.Float(ctx, key, float64(def))
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func configKey(index int, field string) string {
	return fmt.Sprintf("%s/%d/%s", keyConfigs, index+1, field)
}

// LoadConfig reads the band table. When none is stored the default table
// is returned. A malformed stored table fails with
// bands.InvalidConfigurationError.
func (s *Store) LoadConfig(ctx context.Context) (*bands.Table, error) {
	size, err := s.Int(ctx, keyConfigs+"/size", 0)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return bands.Default(), nil
	}
	breakpoints := make([]float64, size)
	assignments := make([]bands.Assignment, 0, size-1)
	for i := 0; i < size; i++ {
		w, err := s.Float(ctx, configKey(i, "wavelength"), -1)
		if err != nil {
			return nil, err
		}
		if w < 0 {
			return nil, &bands.InvalidConfigurationError{Reason: fmt.Sprintf("entry %d has no wavelength", i+1)}
		}
		breakpoints[i] = w
		if i == size-1 {
			break
		}
		grating, err := s.Int(ctx, configKey(i, "grating"), 0)
		if err != nil {
			return nil, err
		}
		filter, err := s.Int(ctx, configKey(i, "filter"), 0)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, bands.Assignment{Grating: grating, Filter: filter})
	}
	return bands.NewTable(breakpoints, assignments)
}

// SaveConfig replaces the stored band table.
func (s *Store) SaveConfig(ctx context.Context, table *bands.Table) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settings transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM settings WHERE key LIKE ?`, keyConfigs+"/%"); err != nil {
		return fmt.Errorf("clearing band table: %w", err)
	}
	breakpoints := table.Breakpoints()
	assignments := table.Assignments()
	if err := s.set(ctx, tx, keyConfigs+"/size", strconv.Itoa(len(breakpoints))); err != nil {
		return err
	}
	for i, w := range breakpoints {
		if err := s.set(ctx, tx, configKey(i, "wavelength"), formatFloat(w)); err != nil {
			return err
		}
		if i < len(assignments) {
			if err := s.set(ctx, tx, configKey(i, "grating"), strconv.Itoa(assignments[i].Grating)); err != nil {
				return err
			}
			if err := s.set(ctx, tx, configKey(i, "filter"), strconv.Itoa(assignments[i].Filter)); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit band table: %w", err)
	}
	return nil
}

// ScanDefaults are the parameters offered for the next scan.
type ScanDefaults struct {
	Start float64
	Stop  float64
	Step  float64
	Delay time.Duration
}

// DefaultScan returns the full wavelength range at 10 nm and 1.5 s.
func DefaultScan() ScanDefaults {
	return ScanDefaults{Start: 800, Stop: 5500, Step: 10, Delay: 1500 * time.Millisecond}
}

// LoadScanDefaults reads scan/start, scan/stop, scan/step and scan/delay.
func (s *Store) LoadScanDefaults(ctx context.Context) (ScanDefaults, error) {
	def := DefaultScan()
	var out ScanDefaults
	var delay float64
	var err error
	if out.Start, err = s.Float(ctx, keyScanStart, def.Start); err != nil {
		return ScanDefaults{}, err
	}
	if out.Stop, err = s.Float(ctx, keyScanStop, def.Stop); err != nil {
		return ScanDefaults{}, err
	}
	if out.Step, err = s.Float(ctx, keyScanStep, def.Step); err != nil {
		return ScanDefaults{}, err
	}
	if delay, err = s.Float(ctx, keyScanDelay, def.Delay.Seconds()); err != nil {
		return ScanDefaults{}, err
	}
	out.Delay = time.Duration(delay * float64(time.Second))
	return out, nil
}

// SaveScanDefaults stores the scan parameters.
func (s *Store) SaveScanDefaults(ctx context.Context, d ScanDefaults) error {
	values := [][2]string{
		{keyScanStart, formatFloat(d.Start)},
		{keyScanStop, formatFloat(d.Stop)},
		{keyScanStep, formatFloat(d.Step)},
		{keyScanDelay, formatFloat(d.Delay.Seconds())},
	}
	for _, kv := range values {
		if err := s.Set(ctx, kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}

// LoadLockin reads the pre-scan lock-in configuration.
func (s *Store) LoadLockin(ctx context.Context) (instruments.LockinSettings, error) {
	out := instruments.DefaultLockinSettings()
	var err error
	if out.TimeConstantIndex, err = s.Int(ctx, keyTimeConstant, out.TimeConstantIndex); err != nil {
		return out, err
	}
	if out.ReserveMode, err = s.Int(ctx, keyReserveMode, out.ReserveMode); err != nil {
		return out, err
	}
	if out.InputLineFilter, err = s.Int(ctx, keyInputLineFilter, out.InputLineFilter); err != nil {
		return out, err
	}
	return out, nil
}

// SaveLockin stores the pre-scan lock-in configuration.
func (s *Store) SaveLockin(ctx context.Context, l instruments.LockinSettings) error {
	for key, v := range map[string]int{
		keyTimeConstant:    l.TimeConstantIndex,
		keyReserveMode:     l.ReserveMode,
		keyInputLineFilter: l.InputLineFilter,
	} {
		if err := s.Set(ctx, key, strconv.Itoa(v)); err != nil {
			return err
		}
	}
	return nil
}

// LoadMirrors reads the diverter positions, stored as "Front" or "Side".
func (s *Store) LoadMirrors(ctx context.Context) (entrance, exit float64, err error) {
	entrance, err = s.mirror(ctx, keyEntranceMirror, deviceio.MirrorFront)
	if err != nil {
		return 0, 0, err
	}
	exit, err = s.mirror(ctx, keyExitMirror, deviceio.MirrorSide)
	return entrance, exit, err
}

func (s *Store) mirror(ctx context.Context, key string, def float64) (float64, error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return 0, err
	}
	return deviceio.ParseMirror(raw)
}

// SaveMirrors stores the diverter positions.
func (s *Store) SaveMirrors(ctx context.Context, entrance, exit float64) error {
	if err := s.Set(ctx, keyEntranceMirror, deviceio.MirrorName(entrance)); err != nil {
		return err
	}
	return s.Set(ctx, keyExitMirror, deviceio.MirrorName(exit))
}

// SystemResponsePath returns the stored system response file, or "".
func (s *Store) SystemResponsePath(ctx context.Context) (string, error) {
	path, err := s.Get(ctx, keySysResPath)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return path, err
}

// SetSystemResponsePath stores the system response file.
func (s *Store) SetSystemResponsePath(ctx context.Context, path string) error {
	return s.Set(ctx, keySysResPath, path)
}
