package jobengine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lapig-ufg/tiles/internal/apierr"
	"github.com/lapig-ufg/tiles/internal/blobstore"
	"github.com/lapig-ufg/tiles/internal/jobengine/hotness"
	"github.com/lapig-ufg/tiles/internal/localcache"
	"github.com/lapig-ufg/tiles/internal/metastore"
	"github.com/lapig-ufg/tiles/internal/model"
)

// Config controls JobEngine sizing: queue bounds per priority, the total
// worker-fiber pool, per-job fan-out, and retry policy, per spec §4.10.
type Config struct {
	QueueSize         map[Priority]int
	WorkerCount       int
	PerJobConcurrency int
	MaxRetries        int
}

func (c Config) workerCount() int {
	if c.WorkerCount <= 0 {
		return 4
	}
	return c.WorkerCount
}

// Engine is the JobEngine: a priority-queued worker pool that runs
// warm-point/warm-campaign/warm-region/warm-popular/invalidate jobs by
// reusing a Warmer (the TileEngine) and BlobStore/MetaStore/LocalCache
// directly for invalidation.
type Engine struct {
	cfg   Config
	queue *Queue
	store *JobStore

	warmer    Warmer
	campaigns CampaignStore
	blobs     blobstore.Store
	meta      metastore.Store
	local     *localcache.Cache
	hot       *hotness.Tracker

	producer Producer // nil: Enqueue* pushes directly onto queue (Kafka disabled)
	events   *eventBus
	logger   zerolog.Logger

	wg sync.WaitGroup
}

// New builds an Engine. campaigns and producer may be nil: without campaigns,
// warm-campaign jobs fail with apierr.Internal; without a producer, every
// Enqueue* call pushes directly onto the in-process Queue instead of a Kafka
// topic, exactly mirroring pkg/invalidation/kafka.InvalidationConfig's
// DriverNone case.
func New(cfg Config, meta metastore.Store, blobs blobstore.Store, local *localcache.Cache, warmer Warmer, campaigns CampaignStore, producer Producer, logger zerolog.Logger) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Engine{
		cfg:       cfg,
		queue:     NewQueue(cfg.QueueSize),
		store:     NewJobStore(meta),
		warmer:    warmer,
		campaigns: campaigns,
		blobs:     blobs,
		meta:      meta,
		local:     local,
		hot:       hotness.New(15 * time.Minute),
		producer:  producer,
		events:    newEventBus(),
		logger:    logger,
	}
}

// Hotness exposes the popularity tracker so the tile hot path can wire
// Engine.hot.Inc into tileengine.Engine.SetHotness.
func (e *Engine) Hotness() *hotness.Tracker { return e.hot }

// Events subscribes to every JobRecord/CampaignProgress notification this
// Engine publishes, until the returned cancel func is called.
func (e *Engine) Events() (<-chan Event, func()) { return e.events.Subscribe() }

// Run starts the worker pool and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	for i := 0; i < e.cfg.workerCount(); i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	<-ctx.Done()
	e.wg.Wait()
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		job, err := e.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		e.process(ctx, job)
	}
}

func (e *Engine) enqueue(ctx context.Context, kind model.JobKind, priority Priority, total int, payload any) (string, error) {
	if !priority.valid() {
		priority = PriorityStandard
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, "marshal job payload", err)
	}

	job := WireJob{ID: newJobID(), Kind: kind, Payload: body, Priority: priority, EnqueuedAt: time.Now()}
	rec := model.JobRecord{
		ID: job.ID, Kind: kind, State: model.JobPending,
		CreatedAt: job.EnqueuedAt, Counters: model.JobCounters{Total: total},
	}
	if err := e.store.Save(ctx, rec); err != nil {
		return "", err
	}

	if e.producer != nil {
		if err := e.producer.Publish(ctx, job); err != nil {
			return "", apierr.Wrap(apierr.Internal, "publish job", err)
		}
		return job.ID, nil
	}
	if err := e.queue.Enqueue(job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// EnqueueWarmPoint schedules a warm-point job at the given priority.
func (e *Engine) EnqueueWarmPoint(ctx context.Context, priority Priority, p WarmPointPayload) (string, error) {
	total := len(expandWarmPoint(p))
	return e.enqueue(ctx, model.JobWarmPoint, priority, total, p)
}

// EnqueueWarmRegion schedules a warm-region job at the given priority.
func (e *Engine) EnqueueWarmRegion(ctx context.Context, priority Priority, p WarmRegionPayload) (string, error) {
	total := len(expandWarmRegion(p))
	return e.enqueue(ctx, model.JobWarmRegion, priority, total, p)
}

// EnqueueWarmCampaign schedules a warm-campaign job. Total is unknown until
// the campaign's point set is read at run time.
func (e *Engine) EnqueueWarmCampaign(ctx context.Context, priority Priority, p WarmCampaignPayload) (string, error) {
	return e.enqueue(ctx, model.JobWarmCampaign, priority, 0, p)
}

// EnqueueWarmPopular schedules a warm-popular job over the current top-N
// tiles by decayed request popularity.
func (e *Engine) EnqueueWarmPopular(ctx context.Context, priority Priority, p WarmPopularPayload) (string, error) {
	return e.enqueue(ctx, model.JobWarmPopular, priority, 0, p)
}

// EnqueueInvalidate schedules an invalidate job for one mosaic.
func (e *Engine) EnqueueInvalidate(ctx context.Context, priority Priority, p InvalidatePayload) (string, error) {
	return e.enqueue(ctx, model.JobInvalidate, priority, 0, p)
}

// JobStatus returns the current JobRecord for id.
func (e *Engine) JobStatus(ctx context.Context, id string) (model.JobRecord, error) {
	return e.store.Get(ctx, id)
}

// QueueDepths reports the current pending count for every priority class, for
// ControlPlane's GET /cache/stats.
func (e *Engine) QueueDepths() map[Priority]int {
	out := make(map[Priority]int, len(priorities))
	for _, p := range priorities {
		out[p] = e.queue.Depth(p)
	}
	return out
}

// PurgeQueue drops every job still pending (not yet dequeued by a worker) on
// priority's channel, for ControlPlane's POST /tasks/purge?queue=….
func (e *Engine) PurgeQueue(priority Priority) (int, error) {
	if !priority.valid() {
		return 0, apierr.New(apierr.BadRequest, "unknown job priority")
	}
	return e.queue.Purge(priority), nil
}

// ParsePriority validates a priority name from an HTTP query parameter.
func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if !p.valid() {
		return "", apierr.New(apierr.BadRequest, "unknown job priority "+s)
	}
	return p, nil
}

func (e *Engine) process(ctx context.Context, job WireJob) {
	rec, err := e.store.Get(ctx, job.ID)
	if err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("job record missing at dispatch")
		rec = model.JobRecord{ID: job.ID, Kind: job.Kind, CreatedAt: job.EnqueuedAt}
	}
	now := time.Now()
	rec.State = model.JobRunning
	rec.StartedAt = &now
	_ = e.store.Save(ctx, rec)
	e.events.publish(Event{Job: rec})

	var runErr error
	switch job.Kind {
	case model.JobWarmPoint:
		runErr = e.runWarmPoint(ctx, job, &rec)
	case model.JobWarmRegion:
		runErr = e.runWarmRegion(ctx, job, &rec)
	case model.JobWarmCampaign:
		runErr = e.runWarmCampaign(ctx, job, &rec)
	case model.JobWarmPopular:
		runErr = e.runWarmPopular(ctx, job, &rec)
	case model.JobInvalidate:
		runErr = e.runInvalidate(ctx, job, &rec)
	default:
		runErr = apierr.New(apierr.BadRequest, "unknown job kind")
	}

	finished := time.Now()
	rec.FinishedAt = &finished
	if runErr != nil {
		if job.Attempt < e.cfg.MaxRetries && apierr.Retryable(apierr.KindOf(runErr)) {
			job.Attempt++
			if err := e.queue.Enqueue(job); err == nil {
				e.logger.Info().Str("job_id", job.ID).Int("attempt", job.Attempt).Msg("job requeued for retry")
				return
			}
		}
		rec.State = model.JobFailed
		rec.LastError = runErr.Error()
	} else {
		rec.State = model.JobSuccess
		rec.Progress = 1
	}
	_ = e.store.Save(ctx, rec)
	e.events.publish(Event{Job: rec})
}

func (e *Engine) runWarmPoint(ctx context.Context, job WireJob, rec *model.JobRecord) error {
	p, err := decodeWarmPoint(job)
	if err != nil {
		return err
	}
	reqs := expandWarmPoint(p)
	return e.runReqs(ctx, rec, reqs)
}

func (e *Engine) runWarmRegion(ctx context.Context, job WireJob, rec *model.JobRecord) error {
	p, err := decodeWarmRegion(job)
	if err != nil {
		return err
	}
	reqs := expandWarmRegion(p)
	if p.MaxTiles > 0 && len(reqs) > p.MaxTiles {
		e.logger.Info().Int("enumerated", len(reqs)).Int("max_tiles", p.MaxTiles).Msg("warm-region truncated to max_tiles")
		reqs = reqs[:p.MaxTiles]
	}
	concurrency := e.cfg.PerJobConcurrency
	if p.BatchSize > 0 {
		concurrency = p.BatchSize
	}
	rec.Counters.Total = len(reqs)
	if len(reqs) == 0 {
		return nil
	}
	done, failed, lastErr := runBatch(ctx, e.warmer, reqs, concurrency, func(d, f int) {
		rec.Counters.Done, rec.Counters.Failed = d, f
		rec.Progress = float64(d+f) / float64(len(reqs))
		e.events.publish(Event{Job: *rec})
	})
	rec.Counters.Done, rec.Counters.Failed = done, failed
	if failed > 0 && done == 0 {
		return lastErr
	}
	return nil
}

func (e *Engine) runWarmPopular(ctx context.Context, job WireJob, rec *model.JobRecord) error {
	p, err := decodeWarmPopular(job)
	if err != nil {
		return err
	}
	top := e.hot.TopN(p.TopN)
	reqs := make([]model.TileRequest, len(top))
	for i, tk := range top {
		reqs[i] = tileKeyToRequest(tk)
	}
	rec.Counters.Total = len(reqs)
	return e.runReqs(ctx, rec, reqs)
}

func (e *Engine) runReqs(ctx context.Context, rec *model.JobRecord, reqs []model.TileRequest) error {
	rec.Counters.Total = len(reqs)
	if len(reqs) == 0 {
		return nil
	}
	done, failed, lastErr := runBatch(ctx, e.warmer, reqs, e.cfg.PerJobConcurrency, func(d, f int) {
		rec.Counters.Done, rec.Counters.Failed = d, f
		rec.Progress = float64(d+f) / float64(len(reqs))
		e.events.publish(Event{Job: *rec})
	})
	rec.Counters.Done, rec.Counters.Failed = done, failed
	if failed > 0 && done == 0 {
		return lastErr
	}
	return nil
}

func (e *Engine) runWarmCampaign(ctx context.Context, job WireJob, rec *model.JobRecord) error {
	p, err := decodeWarmCampaign(job)
	if err != nil {
		return err
	}
	if e.campaigns == nil {
		return apierr.New(apierr.Internal, "no campaign store configured")
	}
	points, err := e.campaigns.Points(ctx, p.CampaignID)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "read campaign points", err)
	}

	progress := model.CampaignProgress{CampaignID: p.CampaignID, TotalPoints: len(points), CachingInProgress: true}
	total := 0
	cached := 0
	for start := 0; start < len(points); start += p.BatchSize {
		end := min(start+p.BatchSize, len(points))
		batch := p.WarmPointPayload
		batch.Points = points[start:end]
		reqs := expandWarmPoint(batch)
		total += len(reqs)

		done, failed, lastErr := runBatch(ctx, e.warmer, reqs, e.cfg.PerJobConcurrency, nil)
		cached += end - start
		rec.Counters.Done += done
		rec.Counters.Failed += failed
		rec.Counters.Total = total
		rec.Progress = float64(end) / float64(len(points))

		progress.CachedPoints = cached
		if len(points) > 0 {
			progress.CachePercentage = float64(cached) / float64(len(points)) * 100
		}
		now := time.Now()
		progress.LastPointCachedAt = &now
		e.events.publish(Event{Job: *rec, Campaign: &progress})

		if failed > 0 && done == 0 && lastErr != nil {
			progress.CachingError = lastErr.Error()
		}
	}
	progress.CachingInProgress = false
	done := time.Now()
	progress.CachingCompletedAt = &done
	e.events.publish(Event{Job: *rec, Campaign: &progress})
	return nil
}

func (e *Engine) runInvalidate(ctx context.Context, job WireJob, rec *model.JobRecord) error {
	p, err := decodeInvalidate(job)
	if err != nil {
		return err
	}
	deleted, err := InvalidateMosaic(ctx, e.blobs, e.meta, e.local, p)
	if err != nil {
		return err
	}
	rec.Counters.Total = deleted
	rec.Counters.Done = deleted
	return nil
}
