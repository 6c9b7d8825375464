package queue

import (
	"context"
	"sync"

	"github.com/gammazero/workerpool"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/filecoin-project/deal-importer/metrics"
)

var log = logging.Logger("deal-importer/queue")

// A Task is a unit of work executed by the queue. A returned error is fatal: it stops the queue from accepting
// or starting further tasks. Tasks report failures that only concern themselves without returning an error.
type Task func(ctx context.Context) error

type Option func(q *Bounded)

// WithBacklog lets n tasks wait for a free worker before Submit blocks.
func WithBacklog(n int) Option {
	return func(q *Bounded) {
		if n > 0 {
			q.backlog = n
		}
	}
}

// Bounded runs tasks on a fixed number of workers. Submit blocks once every worker is busy and the backlog is
// full, so a fast producer is held to the pace of its consumers.
type Bounded struct {
	name    string
	workers int
	backlog int

	pool *workerpool.WorkerPool
	sem  *semaphore.Weighted

	// pending counts submitted tasks that have not finished, idle is closed whenever it is zero
	pendingMu sync.Mutex
	pending   int
	idle      chan struct{}

	// metric tracking
	active    atomic.Int64
	waiting   atomic.Int64
	submitted atomic.Int64
	skipped   atomic.Int64

	// error handling
	fatalMu sync.Mutex
	fatal   error
}

// New creates a queue that runs at most workers tasks at once.
func New(name string, workers int, opts ...Option) *Bounded {
	if workers < 1 {
		workers = 1
	}
	q := &Bounded{
		name:    name,
		workers: workers,
		idle:    make(chan struct{}),
	}
	close(q.idle)
	for _, o := range opts {
		o(q)
	}
	q.pool = workerpool.New(q.workers)
	q.sem = semaphore.NewWeighted(int64(q.workers + q.backlog))
	return q
}

// Submit schedules task for execution, waiting while the queue is at capacity. It returns the queue's fatal
// error if one has been recorded, or the context error if ctx ends while waiting.
func (q *Bounded) Submit(ctx context.Context, task Task) error {
	if err := q.Err(); err != nil {
		return err
	}
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	// a task may have failed while we waited for capacity
	if err := q.Err(); err != nil {
		q.sem.Release(1)
		return err
	}

	q.begin()
	q.submitted.Inc()
	q.waiting.Inc()
	q.record(ctx)

	q.pool.Submit(func() {
		defer q.end()
		defer q.sem.Release(1)
		q.waiting.Dec()

		if q.Err() != nil {
			q.skipped.Inc()
			return
		}

		q.active.Inc()
		defer func() {
			q.active.Dec()
			q.record(ctx)
		}()

		if err := task(ctx); err != nil {
			log.Errorw("queue task failed fatally", "queue", q.name, "error", err)
			q.Fail(err)
		}
	})
	return nil
}

// Drain waits until every submitted task has finished or been skipped. It returns the fatal error if one was
// recorded. The queue stays usable after Drain returns.
func (q *Bounded) Drain(ctx context.Context) error {
	q.pendingMu.Lock()
	idle := q.idle
	q.pendingMu.Unlock()

	select {
	case <-idle:
		return q.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Bounded) begin() {
	q.pendingMu.Lock()
	if q.pending == 0 {
		q.idle = make(chan struct{})
	}
	q.pending++
	q.pendingMu.Unlock()
}

func (q *Bounded) end() {
	q.pendingMu.Lock()
	q.pending--
	if q.pending == 0 {
		close(q.idle)
	}
	q.pendingMu.Unlock()
}

// Fail records err as fatal. Tasks already running finish, tasks not yet started are skipped and Submit refuses
// new work. Only the first error is kept.
func (q *Bounded) Fail(err error) {
	if err == nil {
		return
	}
	q.fatalMu.Lock()
	if q.fatal == nil {
		q.fatal = err
	}
	q.fatalMu.Unlock()
}

// Err returns the recorded fatal error, if any.
func (q *Bounded) Err() error {
	q.fatalMu.Lock()
	defer q.fatalMu.Unlock()
	return q.fatal
}

// Stop waits for running tasks and releases the workers.
func (q *Bounded) Stop() {
	q.pool.StopWait()
}

func (q *Bounded) Workers() int   { return q.workers }
func (q *Bounded) Active() int64  { return q.active.Load() }
func (q *Bounded) Waiting() int64 { return q.waiting.Load() }

// Skipped returns the number of tasks dropped because the queue had failed before they started.
func (q *Bounded) Skipped() int64 { return q.skipped.Load() }

func (q *Bounded) Submitted() int64 { return q.submitted.Load() }

func (q *Bounded) record(ctx context.Context) {
	ctx = metrics.WithTagValue(ctx, metrics.Queue, q.name)
	stats.Record(ctx, metrics.QueueActiveWorkers.M(q.active.Load()), metrics.QueueWaitingWorkers.M(q.waiting.Load()))
}
