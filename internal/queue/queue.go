// Package queue implements the queue & dispatch layer of spec.md §4.8: a
// bounded FIFO of admitted jobs dispatched to a fixed-size pool of
// executor workers.
//
// dupedog has no queue of its own — files are scanned and processed in one
// pass — so this package's shape is grounded on the teacher's own
// buffered-channel concurrency idiom (as in internal/types.Semaphore,
// which this package does not itself use) rather than any dedup-specific
// code: a buffered channel as the FIFO, a fixed number of worker
// goroutines as the concurrency cap, and a context-based abort path.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/queelius/sandrun/internal/executor"
	"github.com/queelius/sandrun/internal/job"
	"github.com/queelius/sandrun/internal/metrics"
)

// EnqueueResult is enqueue's return value.
type EnqueueResult string

const (
	Accepted  EnqueueResult = "accepted"
	QueueFull EnqueueResult = "queue_full"
)

// ShutdownMode selects how shutdown winds the queue down, per spec.md
// §4.8.
type ShutdownMode int

const (
	// Drain stops accepting new submissions and lets jobs already running
	// finish naturally.
	Drain ShutdownMode = iota
	// Abort cancels every running job's context immediately, which
	// collapses into the sandbox's own wall-timeout SIGTERM/SIGKILL path.
	Abort
)

// Outcome is delivered on a submission's result channel once its executor
// call returns.
type Outcome struct {
	Job    *job.Job
	Result *job.Result
	Err    error
}

// task is one queued unit: a submission plus where to deliver its outcome.
type task struct {
	sub    executor.Submission
	result chan<- Outcome
}

// Queue is the bounded FIFO plus worker pool of spec.md §4.8. The zero
// value is not usable; construct with New.
type Queue struct {
	exec    *executor.Executor
	tasks   chan task
	workers int
	metrics *metrics.Metrics

	busy atomic.Int32

	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup

	rootCtx    context.Context
	cancelRoot context.CancelFunc
}

// New constructs a Queue with the given capacity (the bounded FIFO's
// depth) and a fixed pool of workerCount workers, each running jobs
// through exec. Call Start before enqueueing.
func New(exec *executor.Executor, capacity, workerCount int) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		exec:       exec,
		tasks:      make(chan task, capacity),
		workers:    workerCount,
		rootCtx:    ctx,
		cancelRoot: cancel,
	}
}

// UseMetrics attaches a metrics bundle; queue depth and worker-busy gauges
// update on every Enqueue and task completion. Optional — a Queue with no
// metrics attached behaves identically, just unobserved.
func (q *Queue) UseMetrics(m *metrics.Metrics) { q.metrics = m }

// Start launches the fixed worker pool. Each worker pulls tasks off the
// FIFO in order (enqueue order is preserved by dispatch, per spec.md §5)
// until the task channel is closed by Shutdown.
func (q *Queue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.workerLoop()
	}
}

func (q *Queue) workerLoop() {
	defer q.wg.Done()
	for t := range q.tasks {
		q.busy.Add(1)
		q.reportGauges()
		j, result, err := q.exec.Execute(q.rootCtx, t.sub)
		q.busy.Add(-1)
		q.reportGauges()
		if t.result != nil {
			t.result <- Outcome{Job: j, Result: result, Err: err}
			close(t.result)
		}
	}
}

// Enqueue implements enqueue(job) → Accepted | Rejected{queue_full}. It is
// non-blocking: a full FIFO or a draining queue rejects immediately rather
// than waiting for a slot. The returned channel receives exactly one
// Outcome once the submission's executor call completes.
func (q *Queue) Enqueue(sub executor.Submission) (EnqueueResult, <-chan Outcome) {
	q.mu.Lock()
	draining := q.draining
	q.mu.Unlock()
	if draining {
		return QueueFull, nil
	}

	result := make(chan Outcome, 1)
	select {
	case q.tasks <- task{sub: sub, result: result}:
		q.reportGauges()
		return Accepted, result
	default:
		return QueueFull, nil
	}
}

func (q *Queue) reportGauges() {
	if q.metrics == nil {
		return
	}
	q.metrics.QueueDepth.Set(float64(q.QueueDepth()))
	q.metrics.WorkersBusy.Set(float64(q.WorkersBusy()))
}

// WorkersBusy implements workers_busy().
func (q *Queue) WorkersBusy() int { return int(q.busy.Load()) }

// QueueDepth implements queue_depth(): jobs admitted but not yet picked up
// by a worker.
func (q *Queue) QueueDepth() int { return len(q.tasks) }

// Shutdown implements shutdown(mode). Drain stops accepting new
// submissions and waits for in-flight jobs to finish naturally; Abort
// additionally cancels the shared root context, which propagates into
// every running sandbox.Run call and collapses into its own wall-timeout
// termination path (SIGTERM then SIGKILL), guaranteeing cleanup per
// spec.md §5.
func (q *Queue) Shutdown(mode ShutdownMode) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	close(q.tasks)

	if mode == Abort {
		q.cancelRoot()
	}

	q.wg.Wait()
	slog.Default().Info("queue shutdown complete", "mode", modeName(mode))
}

func modeName(m ShutdownMode) string {
	if m == Abort {
		return "abort"
	}
	return "drain"
}
