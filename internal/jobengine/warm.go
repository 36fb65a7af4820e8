package jobengine

import (
	"context"
	"math"

	"github.com/lapig-ufg/tiles/internal/apierr"
	"github.com/lapig-ufg/tiles/internal/model"
	"github.com/lapig-ufg/tiles/internal/tileengine"
)

// warmClientID identifies the JobEngine to the edge limiter, kept separate
// from any real client's bucket so a warming run never starves interactive
// traffic sharing the same Limiter.Edge.
const warmClientID = "jobengine:warm"

// Warmer is the subset of tileengine.Engine the JobEngine drives. Satisfied
// by *tileengine.Engine; a fake in tests.
type Warmer interface {
	Fetch(ctx context.Context, clientID string, req model.TileRequest) (*tileengine.Result, error)
}

// CampaignStore is the externally-owned point source for warm-campaign jobs.
// JobEngine only ever reads from it; progress is reported back out-of-band
// via the Event channel, never by calling into the campaign store directly.
type CampaignStore interface {
	Points(ctx context.Context, campaignID string) ([]model.Point, error)
}

// pointTile returns the (x,y) tile containing (lat,lon) at zoom, using the
// standard Web Mercator slippy-map projection.
func pointTile(lat, lon float64, zoom int) (x, y int) {
	n := math.Exp2(float64(zoom))
	x = int(math.Floor((lon + 180.0) / 360.0 * n))
	latRad := lat * math.Pi / 180.0
	y = int(math.Floor((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n))
	return clampTile(x, zoom), clampTile(y, zoom)
}

// bboxTiles returns every (x,y) tile overlapping bbox at zoom.
func bboxTiles(bbox model.BBox, zoom int) [][2]int {
	x1, y1 := pointTile(bbox.MaxLat, bbox.MinLon, zoom)
	x2, y2 := pointTile(bbox.MinLat, bbox.MaxLon, zoom)
	if x1 > x2 {
		x1, x2 = x2, x1
	}
	if y1 > y2 {
		y1, y2 = y2, y1
	}
	var out [][2]int
	for x := x1; x <= x2; x++ {
		for y := y1; y <= y2; y++ {
			out = append(out, [2]int{x, y})
		}
	}
	return out
}

func clampTile(v, zoom int) int {
	max := (1 << uint(zoom)) - 1
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

// runBatch fans requests out over a per-job concurrency cap, invoking
// progress after each completion, and returns the success and failure
// tallies with the last error seen.
func runBatch(ctx context.Context, w Warmer, reqs []model.TileRequest, concurrency int, progress func(done, failed int)) (done, failed int, lastErr error) {
	if concurrency <= 0 {
		concurrency = 4
	}
	sem := make(chan struct{}, concurrency)
	results := make(chan error, len(reqs))

	for _, req := range reqs {
		sem <- struct{}{}
		go func(r model.TileRequest) {
			defer func() { <-sem }()
			_, err := w.Fetch(ctx, warmClientID, r)
			results <- err
		}(req)
	}

	for i := 0; i < len(reqs); i++ {
		err := <-results
		if err != nil {
			failed++
			lastErr = err
		} else {
			done++
		}
		if progress != nil {
			progress(done, failed)
		}
	}
	return done, failed, lastErr
}

func tileKeyToRequest(tk model.TileKey) model.TileRequest {
	return model.TileRequest{
		Layer: tk.Mosaic.Layer, Z: tk.Z, X: tk.X, Y: tk.Y,
		Period: tk.Mosaic.Period, Year: tk.Mosaic.Year, Month: tk.Mosaic.Month,
		VisParam: tk.Mosaic.VisParam,
	}
}

func expandWarmPoint(p WarmPointPayload) []model.TileRequest {
	var reqs []model.TileRequest
	for _, pt := range p.Points {
		for _, zoom := range p.Zooms {
			x, y := pointTile(pt.Lat, pt.Lon, zoom)
			for _, layer := range p.Layers {
				for _, year := range p.Years {
					for _, vp := range p.VisParams {
						reqs = append(reqs, model.TileRequest{
							Layer: layer, Z: zoom, X: x, Y: y,
							Period: p.Period, Year: year, VisParam: vp,
						})
					}
				}
			}
		}
	}
	return reqs
}

func expandWarmRegion(p WarmRegionPayload) []model.TileRequest {
	var reqs []model.TileRequest
	for _, zoom := range p.Zooms {
		for _, xy := range bboxTiles(p.BBox, zoom) {
			for _, vp := range p.VisParams {
				reqs = append(reqs, model.TileRequest{
					Layer: p.Layer, Z: zoom, X: xy[0], Y: xy[1],
					Period: p.Period, Year: p.Year, Month: p.Month, VisParam: vp,
				})
			}
		}
	}
	return reqs
}

func decodeWarmPoint(job WireJob) (WarmPointPayload, error) {
	var p WarmPointPayload
	if err := unmarshalPayload(job, &p); err != nil {
		return p, err
	}
	if len(p.Points) == 0 || len(p.Zooms) == 0 || len(p.Layers) == 0 || len(p.Years) == 0 || len(p.VisParams) == 0 {
		return p, apierr.New(apierr.BadRequest, "warm-point payload missing required fields")
	}
	return p, nil
}

func decodeWarmRegion(job WireJob) (WarmRegionPayload, error) {
	var p WarmRegionPayload
	if err := unmarshalPayload(job, &p); err != nil {
		return p, err
	}
	if len(p.Zooms) == 0 || len(p.VisParams) == 0 {
		return p, apierr.New(apierr.BadRequest, "warm-region payload missing required fields")
	}
	return p, nil
}

func decodeWarmCampaign(job WireJob) (WarmCampaignPayload, error) {
	var p WarmCampaignPayload
	if err := unmarshalPayload(job, &p); err != nil {
		return p, err
	}
	if p.CampaignID == "" {
		return p, apierr.New(apierr.BadRequest, "warm-campaign payload missing campaign_id")
	}
	if p.BatchSize <= 0 {
		p.BatchSize = 100
	}
	return p, nil
}

func decodeWarmPopular(job WireJob) (WarmPopularPayload, error) {
	var p WarmPopularPayload
	if err := unmarshalPayload(job, &p); err != nil {
		return p, err
	}
	if p.TopN <= 0 {
		p.TopN = 50
	}
	return p, nil
}

func decodeInvalidate(job WireJob) (InvalidatePayload, error) {
	var p InvalidatePayload
	if err := unmarshalPayload(job, &p); err != nil {
		return p, err
	}
	if p.Mosaic.Layer == "" {
		return p, apierr.New(apierr.BadRequest, "invalidate payload missing mosaic")
	}
	return p, nil
}
