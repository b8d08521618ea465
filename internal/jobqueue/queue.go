// Package jobqueue runs delegation jobs in the background with bounded
// concurrency. Job bodies never touch session state directly; their results
// flow over a channel to one supervisor goroutine that owns history writes
// and notifications.
package jobqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrent is used when Options leaves MaxConcurrent unset.
const DefaultMaxConcurrent = 2

// CompletedNote is the synthetic history entry written for a successful job.
const CompletedNote = "background task completed"

// Notifier delivers a message to a session's user.
type Notifier interface {
	Notify(ctx context.Context, sessionID, message string) error
}

// History receives synthetic notes.
type History interface {
	AppendNote(sessionID, text string)
}

// Task is one unit of background work. Run returns a human-readable summary.
type Task struct {
	SessionID string
	JobID     string
	Name      string
	Run       func(ctx context.Context) (string, error)
}

// Result is what a finished task reports to the supervisor.
type Result struct {
	Task    Task
	Summary string
	Err     error
}

// Options configures a Queue.
type Options struct {
	MaxConcurrent int
	Notifier      Notifier
	History       History
	Logger        *slog.Logger
	// OnResult, if set, runs on the supervisor goroutine after history and
	// notification handling.
	OnResult func(Result)
}

// Queue is a bounded in-process job runner.
type Queue struct {
	sem      *semaphore.Weighted
	max      int
	active   atomic.Int64
	results  chan Result
	stopped  chan struct{}
	stopOnce sync.Once
	inflight sync.WaitGroup

	notifier Notifier
	history  History
	onResult func(Result)
	logger   *slog.Logger
}

// New creates a queue. Call Run to start the supervisor.
func New(opts Options) *Queue {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Queue{
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		max:      opts.MaxConcurrent,
		results:  make(chan Result),
		stopped:  make(chan struct{}),
		notifier: opts.Notifier,
		history:  opts.History,
		onResult: opts.OnResult,
		logger:   opts.Logger,
	}
}

// Enqueue starts t in the background if a slot is free. It returns false,
// without running anything, when the queue is at capacity. The body runs
// with ctx's values but not its cancellation.
func (q *Queue) Enqueue(ctx context.Context, t Task) bool {
	if t.Run == nil {
		return false
	}
	if !q.sem.TryAcquire(1) {
		q.logger.Warn("job queue full", "job_id", t.JobID, "session_id", t.SessionID, "max", q.max)
		return false
	}

	q.active.Add(1)
	q.inflight.Add(1)
	bodyCtx := context.WithoutCancel(ctx)

	go func() {
		res := func() Result {
			defer func() {
				q.active.Add(-1)
				q.sem.Release(1)
			}()
			res := Result{Task: t}
			res.Summary, res.Err = q.runBody(bodyCtx, t)
			return res
		}()

		select {
		case q.results <- res:
		case <-q.stopped:
			q.logger.Warn("job finished after supervisor stopped", "job_id", t.JobID, "session_id", t.SessionID)
			q.inflight.Done()
		}
	}()

	q.logger.Info("job started", "job_id", t.JobID, "session_id", t.SessionID, "name", t.Name)
	return true
}

func (q *Queue) runBody(ctx context.Context, t Task) (summary string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return t.Run(ctx)
}

// Active reports how many jobs are in flight.
func (q *Queue) Active() int {
	return int(q.active.Load())
}

// Max reports the concurrency bound.
func (q *Queue) Max() int {
	return q.max
}

// Run is the supervisor loop. It handles results until ctx is done. Job
// bodies hand their results over synchronously, so Run must be running for
// finished jobs to be reported.
func (q *Queue) Run(ctx context.Context) error {
	defer q.stopOnce.Do(func() { close(q.stopped) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-q.results:
			q.handle(ctx, res)
			q.inflight.Done()
		}
	}
}

// Wait blocks until every started job has been handled by the supervisor,
// or dropped because the supervisor stopped.
func (q *Queue) Wait() {
	q.inflight.Wait()
}

func (q *Queue) handle(ctx context.Context, res Result) {
	t := res.Task
	var message string
	if res.Err != nil {
		q.logger.Warn("job failed", "job_id", t.JobID, "session_id", t.SessionID, "error", res.Err)
		message = fmt.Sprintf("Background task failed: %v", res.Err)
	} else {
		q.logger.Info("job completed", "job_id", t.JobID, "session_id", t.SessionID)
		if q.history != nil {
			q.history.AppendNote(t.SessionID, CompletedNote)
		}
		message = res.Summary
		if message == "" {
			message = "Background task completed."
		}
	}

	if q.notifier != nil {
		if err := q.notifier.Notify(context.WithoutCancel(ctx), t.SessionID, message); err != nil {
			q.logger.Warn("failed to notify session", "session_id", t.SessionID, "job_id", t.JobID, "error", err)
		}
	}
	if q.onResult != nil {
		q.onResult(res)
	}
}
