package tileengine

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/lapig-ufg/tiles/internal/model"
)

const capabilitiesTTL = 30 * time.Second

// capability is one entry of the GET /api/capabilities response: the
// (layer, years, periods, visparam) tuple spec §6 describes.
type capability struct {
	Layer     model.Layer    `json:"layer"`
	Periods   []model.Period `json:"periods"`
	YearFrom  int            `json:"year_from"`
	YearTo    int            `json:"year_to"`
	VisParams []string       `json:"visparams"`
}

// capabilitiesCache memoizes the rendered response body in-process for
// capabilitiesTTL, short-circuiting the rebuild early when the registry's
// version counter shows the catalogue hasn't changed.
type capabilitiesCache struct {
	mu       sync.Mutex
	version  uint64
	computed time.Time
	body     []byte
}

// CapabilitiesHandler serves GET /api/capabilities: every layer this core
// knows how to serve, its supported year range and periods, and the visparam
// names currently active for it, per spec §6.
func CapabilitiesHandler(e *Engine) http.HandlerFunc {
	cache := &capabilitiesCache{}
	return func(w http.ResponseWriter, r *http.Request) {
		body := cache.render(e)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}
}

func (c *capabilitiesCache) render(e *Engine) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	version := uint64(0)
	if e.visreg != nil {
		version = e.visreg.Version()
	}
	if c.body != nil && version == c.version && time.Since(c.computed) < capabilitiesTTL {
		return c.body
	}

	layers := KnownLayers()
	caps := make([]capability, 0, len(layers))
	now := time.Now().Year()
	for _, layer := range layers {
		var names []string
		if e.visreg != nil {
			names = e.visreg.NamesForLayer(layer)
		}
		caps = append(caps, capability{
			Layer:     layer,
			Periods:   []model.Period{model.PeriodWet, model.PeriodDry, model.PeriodMonth},
			YearFrom:  yearFloor[layer],
			YearTo:    now,
			VisParams: names,
		})
	}

	body, err := json.Marshal(caps)
	if err != nil {
		body = []byte(`[]`)
	}
	c.body, c.version, c.computed = body, version, time.Now()
	return body
}
