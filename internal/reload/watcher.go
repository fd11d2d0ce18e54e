// Package reload detects changes to the bench configuration and the files
// it references by polling their modification time and size.
package reload

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/timzifer/plscan/config"
)

type fileState struct {
	modTime time.Time
	size    int64
	missing bool
}

// Watcher keeps track of configuration source files and detects modifications.
type Watcher struct {
	mu    sync.Mutex
	files map[string]fileState
}

// NewWatcher builds a watcher for the configuration sources plus any extra
// paths, such as a system response loaded from the settings store.
func NewWatcher(cfg *config.Config, extra ...string) (*Watcher, error) {
	watcher := &Watcher{}
	if err := watcher.Update(cfg, extra...); err != nil {
		return nil, err
	}
	return watcher, nil
}

// Update rebuilds the tracked file list from the provided configuration.
// Paths that do not exist yet are tracked so their creation is reported.
func (w *Watcher) Update(cfg *config.Config, extra ...string) error {
	if w == nil {
		return nil
	}
	paths := append(config.SourceFiles(cfg), extra...)
	states := make(map[string]fileState, len(paths))
	for _, path := range uniquePaths(paths) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		info, err := os.Stat(path)
		if err != nil {
			states[path] = fileState{missing: true}
			continue
		}
		if info.IsDir() {
			continue
		}
		states[path] = fileState{modTime: info.ModTime(), size: info.Size()}
	}
	w.mu.Lock()
	w.files = states
	w.mu.Unlock()
	return nil
}

// Files returns the tracked paths.
func (w *Watcher) Files() []string {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.files))
	for path := range w.files {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// Check reports the files that changed, appeared or disappeared since the
// last snapshot.
func (w *Watcher) Check() ([]string, error) {
	if w == nil {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := make([]string, 0)
	for path, state := range w.files {
		info, err := os.Stat(path)
		if err != nil {
			if !state.missing {
				changed = append(changed, path)
			}
			continue
		}
		if info.IsDir() {
			continue
		}
		if state.missing || info.ModTime().After(state.modTime) || info.Size() != state.size {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	result := make([]string, 0, len(paths))
	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		result = append(result, path)
	}
	return result
}
