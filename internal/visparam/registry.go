// Package visparam holds the read-only visualization-recipe catalogue: which
// band combinations and stretches are valid for a given layer. The catalogue
// is an externally-owned JSON snapshot; this package loads it, validates
// lookups against it, and hot-reloads it on change via fsnotify.
package visparam

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/lapig-ufg/tiles/internal/apierr"
	"github.com/lapig-ufg/tiles/internal/model"
)

// Registry serves VisParam lookups from an atomically-swapped snapshot.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]model.VisParam
	version uint64
	path    string
	watcher *fsnotify.Watcher
	log     zerolog.Logger
}

// Load reads the JSON snapshot at path and builds a Registry from it.
func Load(path string, log zerolog.Logger) (*Registry, error) {
	r := &Registry{path: path, log: log}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("visparam: read snapshot %q: %w", r.path, err)
	}

	var list []model.VisParam
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("visparam: decode snapshot %q: %w", r.path, err)
	}

	byName := make(map[string]model.VisParam, len(list))
	for _, vp := range list {
		byName[vp.Name] = vp
	}

	r.mu.Lock()
	r.byName = byName
	r.version++
	r.mu.Unlock()
	return nil
}

// Version returns a counter bumped on every successful reload, letting
// callers that cache derived views (the capabilities endpoint) cheaply tell
// whether the catalogue has changed since they last computed one.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// NamesForLayer returns the active visparam names whose category matches
// layer's sensor family, sorted for a stable capabilities response.
func (r *Registry) NamesForLayer(layer model.Layer) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name, vp := range r.byName {
		if vp.Active && categoryMatches(vp.Category, layer) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Lookup resolves a visparam name for a layer. Per spec §7, an unknown or
// inactive visparam, and one that doesn't apply to the requested layer's
// sensor family, are all apierr.NotFound: they are well-formed values that
// simply don't name anything the core can serve, as distinct from a
// malformed request shape (apierr.BadRequest).
func (r *Registry) Lookup(name string, layer model.Layer) (model.VisParam, error) {
	r.mu.RLock()
	vp, ok := r.byName[name]
	r.mu.RUnlock()

	if !ok {
		return model.VisParam{}, apierr.New(apierr.NotFound, fmt.Sprintf("unknown visparam %q", name))
	}
	if !vp.Active {
		return model.VisParam{}, apierr.New(apierr.NotFound, fmt.Sprintf("visparam %q is deactivated", name))
	}
	if !categoryMatches(vp.Category, layer) {
		return model.VisParam{}, apierr.New(apierr.NotFound,
			fmt.Sprintf("visparam %q does not apply to layer %q", name, layer))
	}
	return vp, nil
}

func categoryMatches(cat model.VisParamCategory, layer model.Layer) bool {
	switch layer {
	case model.LayerS2Harmonized:
		return cat == model.CategorySentinel
	case model.LayerLandsat:
		return cat == model.CategoryLandsat
	default:
		return false
	}
}

// StartWatcher watches the snapshot file for writes and reloads on change,
// debouncing rapid successive writes the way a single save-and-rename does.
func (r *Registry) StartWatcher(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("visparam: create watcher: %w", err)
	}
	if err := watcher.Add(r.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("visparam: watch %q: %w", r.path, err)
	}
	r.watcher = watcher

	go r.watchLoop(stop)
	return nil
}

func (r *Registry) watchLoop(stop <-chan struct{}) {
	var debounce *time.Timer
	const debounceWindow = 250 * time.Millisecond

	for {
		select {
		case <-stop:
			_ = r.watcher.Close()
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceWindow, func() {
				if err := r.reload(); err != nil {
					r.log.Error().Err(err).Str("path", r.path).Msg("visparam snapshot reload failed, keeping previous catalogue")
				} else {
					r.log.Info().Str("path", r.path).Msg("visparam snapshot reloaded")
				}
			})
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Error().Err(err).Msg("visparam watcher error")
		}
	}
}

// Stop stops the file watcher, if one was started.
func (r *Registry) Stop() {
	if r.watcher != nil {
		_ = r.watcher.Close()
	}
}
