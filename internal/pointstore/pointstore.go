// Package pointstore resolves the externally-registered warm points and
// campaigns ControlPlane's /cache/point and /cache/campaign endpoints
// reference by ID. Like visparam.Registry, it serves from an
// atomically-swapped snapshot of a JSON file and hot-reloads on change via
// fsnotify; there is no database driver anywhere in this stack, so a point
// registry is just another externally-owned snapshot the same way the
// visualization-recipe catalogue is.
package pointstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/lapig-ufg/tiles/internal/apierr"
	"github.com/lapig-ufg/tiles/internal/model"
)

// snapshotCampaign is one campaign entry in the JSON snapshot: a named group
// of points, resolved eagerly into model.Point at load time.
type snapshotCampaign struct {
	ID     string       `json:"id"`
	Points []model.Point `json:"points"`
}

type snapshot struct {
	Points    []model.Point      `json:"points"`
	Campaigns []snapshotCampaign `json:"campaigns"`
}

// Store serves both controlplane.PointStore and jobengine.CampaignStore from
// the same snapshot file.
type Store struct {
	mu        sync.RWMutex
	points    map[string]model.Point
	campaigns map[string][]model.Point

	path    string
	watcher *fsnotify.Watcher
	log     zerolog.Logger
}

// Load reads the JSON snapshot at path and builds a Store from it.
func Load(path string, log zerolog.Logger) (*Store, error) {
	s := &Store{path: path, log: log}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("pointstore: read snapshot %q: %w", s.path, err)
	}

	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("pointstore: decode snapshot %q: %w", s.path, err)
	}

	points := make(map[string]model.Point, len(snap.Points))
	for _, p := range snap.Points {
		points[p.ID] = p
	}
	campaigns := make(map[string][]model.Point, len(snap.Campaigns))
	for _, c := range snap.Campaigns {
		campaigns[c.ID] = c.Points
	}

	s.mu.Lock()
	s.points, s.campaigns = points, campaigns
	s.mu.Unlock()
	return nil
}

// Point resolves a registered point's coordinates, for
// controlplane.PointStore.
func (s *Store) Point(_ context.Context, id string) (model.Point, error) {
	s.mu.RLock()
	p, ok := s.points[id]
	s.mu.RUnlock()
	if !ok {
		return model.Point{}, apierr.New(apierr.NotFound, fmt.Sprintf("unknown point %q", id))
	}
	return p, nil
}

// Points resolves a campaign's member points, for jobengine.CampaignStore.
func (s *Store) Points(_ context.Context, campaignID string) ([]model.Point, error) {
	s.mu.RLock()
	pts, ok := s.campaigns[campaignID]
	s.mu.RUnlock()
	if !ok {
		return nil, apierr.New(apierr.NotFound, fmt.Sprintf("unknown campaign %q", campaignID))
	}
	return pts, nil
}

// StartWatcher watches the snapshot file for writes and reloads on change,
// mirroring visparam.Registry's debounced watch loop.
func (s *Store) StartWatcher(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("pointstore: create watcher: %w", err)
	}
	if err := watcher.Add(s.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("pointstore: watch %q: %w", s.path, err)
	}
	s.watcher = watcher

	go s.watchLoop(stop)
	return nil
}

func (s *Store) watchLoop(stop <-chan struct{}) {
	var debounce *time.Timer
	const debounceWindow = 250 * time.Millisecond

	for {
		select {
		case <-stop:
			_ = s.watcher.Close()
			return
		case ev, ok := <-s.watcher.Events:
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
				if err := s.reload(); err != nil {
					s.log.Error().Err(err).Str("path", s.path).Msg("point snapshot reload failed, keeping previous registry")
				} else {
					s.log.Info().Str("path", s.path).Msg("point snapshot reloaded")
				}
			})
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Error().Err(err).Msg("pointstore watcher error")
		}
	}
}

// Stop stops the file watcher, if one was started.
func (s *Store) Stop() {
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
}
