package jobengine

import (
	"context"

	"github.com/lapig-ufg/tiles/internal/apierr"
	"github.com/lapig-ufg/tiles/internal/observability"
)

// Queue is the in-process priority fan-in every worker pulls from. Jobs
// arrive here either directly (Kafka disabled, spec's DriverNone case) or via
// a per-priority Consumer that bridges Kafka messages onto the same channel
// set, so the worker pool never has to know which path a job came from.
type Queue struct {
	chans map[Priority]chan WireJob
	sizes map[Priority]int
}

// NewQueue builds a Queue with one buffered channel per priority class,
// sized by size[priority] (spec's "broker's per-queue bound").
func NewQueue(size map[Priority]int) *Queue {
	q := &Queue{chans: map[Priority]chan WireJob{}, sizes: map[Priority]int{}}
	for _, p := range priorities {
		n := size[p]
		if n <= 0 {
			n = 256
		}
		q.chans[p] = make(chan WireJob, n)
		q.sizes[p] = n
	}
	return q
}

// Enqueue pushes job onto its priority's channel, returning apierr.Throttled
// (spec's QueueFull) if that queue's bound is already reached.
func (q *Queue) Enqueue(job WireJob) error {
	ch, ok := q.chans[job.Priority]
	if !ok {
		return apierr.New(apierr.BadRequest, "unknown job priority")
	}
	select {
	case ch <- job:
		observability.SetJobQueueDepth(string(job.Priority), float64(len(ch)))
		return nil
	default:
		return apierr.New(apierr.Throttled, "job queue full for priority "+string(job.Priority))
	}
}

// Dequeue blocks until a job is available, always preferring the highest
// non-empty priority class over a lower one, and returns ctx.Err() wrapped
// as apierr.Timeout if ctx is cancelled first.
func (q *Queue) Dequeue(ctx context.Context) (WireJob, error) {
	for {
		for _, p := range priorities {
			select {
			case job := <-q.chans[p]:
				observability.SetJobQueueDepth(string(p), float64(len(q.chans[p])))
				return job, nil
			default:
			}
		}
		select {
		case <-ctx.Done():
			return WireJob{}, apierr.Wrap(apierr.Timeout, "job dequeue cancelled", ctx.Err())
		case job := <-q.chans[PriorityHigh]:
			return job, nil
		case job := <-q.chans[PriorityStandard]:
			return job, nil
		case job := <-q.chans[PriorityLow]:
			return job, nil
		case job := <-q.chans[PriorityMaintenance]:
			return job, nil
		}
	}
}

// Depth reports the current pending count for one priority class.
func (q *Queue) Depth(p Priority) int {
	return len(q.chans[p])
}

// Purge drains every job currently pending on p's channel without running
// them, reporting how many were dropped. In-progress jobs already handed to
// a worker are unaffected, per spec's "purging a queue cancels pending but
// never in-progress tasks".
func (q *Queue) Purge(p Priority) int {
	ch, ok := q.chans[p]
	if !ok {
		return 0
	}
	n := 0
	for {
		select {
		case <-ch:
			n++
		default:
			observability.SetJobQueueDepth(string(p), float64(len(ch)))
			return n
		}
	}
}
