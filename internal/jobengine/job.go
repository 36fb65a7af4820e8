// Package jobengine is the asynchronous orchestrator that enqueues and runs
// batches of synthetic tile requests for cache warming and invalidation,
// reusing the TileEngine with a "warm" priority class, per spec §4.10.
package jobengine

import (
	"encoding/json"
	"time"

	"github.com/lapig-ufg/tiles/internal/apierr"
	"github.com/lapig-ufg/tiles/internal/model"
)

// unmarshalPayload decodes a WireJob's payload into dst, wrapping decode
// failures as apierr.BadRequest.
func unmarshalPayload(job WireJob, dst any) error {
	if err := json.Unmarshal(job.Payload, dst); err != nil {
		return apierr.Wrap(apierr.BadRequest, "malformed job payload", err)
	}
	return nil
}

// Priority is one of the four queue classes a job is scheduled under.
type Priority string

const (
	PriorityHigh        Priority = "high"
	PriorityStandard    Priority = "standard"
	PriorityLow         Priority = "low"
	PriorityMaintenance Priority = "maintenance"
)

// priorities lists every class in descending scheduling order, used to build
// one Kafka topic per class and to drain the in-process queue fairly.
var priorities = []Priority{PriorityHigh, PriorityStandard, PriorityLow, PriorityMaintenance}

func (p Priority) valid() bool {
	switch p {
	case PriorityHigh, PriorityStandard, PriorityLow, PriorityMaintenance:
		return true
	default:
		return false
	}
}

// WireJob is the broker message format spec §6 defines: "{kind, payload,
// priority, attempt, enqueued_at}". Payload is kind-specific and decoded by
// the handler registered for Kind.
type WireJob struct {
	ID         string          `json:"id"`
	Kind       model.JobKind   `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Priority   Priority        `json:"priority"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// WarmPointPayload is the warm-point job body: enumerate the tiles whose
// bounding box contains each point at each requested zoom, for each
// (layer, year, visparam) combination, and warm them.
type WarmPointPayload struct {
	Points    []model.Point  `json:"points"`
	Layers    []model.Layer  `json:"layers"`
	Period    model.Period   `json:"period"`
	Years     []int          `json:"years"`
	Zooms     []int          `json:"zooms"`
	VisParams []string       `json:"visparams"`
}

// WarmCampaignPayload reads its point set from the external campaign store
// at run time; BatchSize bounds how many points one sub-job covers so a
// single campaign doesn't become one unbreakable unit of work.
type WarmCampaignPayload struct {
	CampaignID string `json:"campaign_id"`
	BatchSize  int    `json:"batch_size"`
	WarmPointPayload
}

// WarmRegionPayload enumerates tiles via XYZ math over a bounding box
// instead of a point set. MaxTiles bounds the enumeration (spec's
// POST /cache/warmup "max_tiles"); BatchSize, if set, overrides the job's
// default per-job fan-out width for this run only.
type WarmRegionPayload struct {
	BBox      model.BBox   `json:"bbox"`
	Layer     model.Layer  `json:"layer"`
	Period    model.Period `json:"period"`
	Year      int          `json:"year"`
	Month     int          `json:"month,omitempty"`
	Zooms     []int        `json:"zooms"`
	VisParams []string     `json:"visparams"`
	MaxTiles  int          `json:"max_tiles,omitempty"`
	BatchSize int          `json:"batch_size,omitempty"`
}

// WarmPopularPayload warms the TopN tile keys by recent request popularity,
// supplementing spec.md's campaign/point/region warming per
// original_source/app/cache/cache_warmer.py's popularity-driven path.
type WarmPopularPayload struct {
	TopN int `json:"top_n"`
}

// InvalidatePayload drops every cached tile belonging to one mosaic: all
// (z,x,y) combinations ever built for (layer, period, year, month?, visparam).
type InvalidatePayload struct {
	Mosaic model.MosaicKey `json:"mosaic"`
}
