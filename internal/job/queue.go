package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/CharanSaiVaddi/attendq/internal/health"
)

// Queue is an in-memory FIFO of jobs drained by a single worker goroutine.
// At most one job runs at a time and jobs finish in enqueue order.
type Queue struct {
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	pending  []*Job
	running  *Job
	seq      uint64
	stopped  bool
	cancel   context.CancelFunc
	lastFail error
	failures int
	finished int

	notify chan struct{}
	wg     sync.WaitGroup
}

func NewQueue(name string, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		name:   name,
		logger: logger,
		notify: make(chan struct{}, 1),
	}
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

// Start launches the worker. Starting twice is a no-op.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrQueueStopped
	}
	if q.cancel != nil {
		return nil
	}
	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go q.loop(ctx)
	return nil
}

// Stop cancels every pending job, interrupts the running one and waits for
// the worker to exit. Stopping twice is a no-op.
func (q *Queue) Stop() {
	q.mu.Lock()
	already := q.stopped
	cancel := q.cancel
	q.mu.Unlock()

	n := 0
	if !already {
		n = q.shutdown()
	}
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
	if !already {
		q.logger.Debug(q.logName()+": stopped", slog.Int("cancelled_pending", n))
	}
}

// shutdown marks the queue stopped and cancels every pending job. It returns
// the number of jobs cancelled.
func (q *Queue) shutdown() int {
	q.mu.Lock()
	q.stopped = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	now := time.Now()
	for _, j := range pending {
		j.finish(StateCancelled, nil, ErrCancelled, now)
	}
	return len(pending)
}

// Enqueue appends j to the tail of the queue. It never blocks.
func (q *Queue) Enqueue(j *Job) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrQueueStopped
	}
	if err := j.markQueued(q.seq+1, time.Now()); err != nil {
		q.mu.Unlock()
		return err
	}
	q.seq++
	q.pending = append(q.pending, j)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// EnqueueAndWait enqueues j and blocks until it finishes, timeout elapses or
// ctx ends. A timeout of zero or less waits on ctx alone.
//
// When the caller gives up, the returned state is StateTimedOut, j is flagged
// TimedOut and onTimeout is called exactly once with j. The job is left to
// run to its own terminal state, which remains observable through j.Done.
func (q *Queue) EnqueueAndWait(ctx context.Context, j *Job, timeout time.Duration, onTimeout func(*Job)) (State, error) {
	if err := q.Enqueue(j); err != nil {
		return j.State(), err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var waitErr error
	select {
	case <-j.Done():
		return j.State(), j.Err()
	case <-expired:
		waitErr = ErrTimeout
	case <-ctx.Done():
		waitErr = fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}

	// finished in the same instant the wait expired
	select {
	case <-j.Done():
		return j.State(), j.Err()
	default:
	}

	j.markTimedOut()
	q.logger.Info(q.logName()+": caller stopped waiting for job",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
		slog.Duration("timeout", timeout),
	)
	if onTimeout != nil {
		onTimeout(j)
	}
	return StateTimedOut, waitErr
}

// Cancel removes j if it's still pending, or asks a running j to stop. It
// returns the state j was in when the request was made; a finished job is
// left untouched.
func (q *Queue) Cancel(j *Job) State {
	q.mu.Lock()
	for i, p := range q.pending {
		if p == j {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.mu.Unlock()
			j.requestCancel()
			j.finish(StateCancelled, nil, ErrCancelled, time.Now())
			return StatePending
		}
	}
	q.mu.Unlock()
	return j.requestCancel()
}

// CancelOnTimeout returns an EnqueueAndWait callback that cancels the
// abandoned job on q.
func CancelOnTimeout(q *Queue) func(*Job) {
	return func(j *Job) { q.Cancel(j) }
}

// Len returns the number of jobs waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Status reports the queue for health polling. It's unhealthy once stopped
// or while the most recent job failed.
func (q *Queue) Status() health.Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	details := []health.Detail{
		{Label: "pending", Value: strconv.Itoa(len(q.pending))},
		{Label: "finished", Value: strconv.Itoa(q.finished)},
		{Label: "failures", Value: strconv.Itoa(q.failures)},
	}
	if q.running != nil {
		details = append(details, health.Detail{Label: "running", Value: q.running.Name})
	}
	if q.lastFail != nil {
		details = append(details, health.Detail{Label: "last_error", Value: q.lastFail.Error()})
	}
	return health.Status{
		Name:    q.name,
		Healthy: !q.stopped && q.lastFail == nil,
		Details: details,
	}
}

func (q *Queue) loop(ctx context.Context) {
	defer q.wg.Done()
	q.logger.Debug(q.logName() + ": run loop started")
	defer q.logger.Debug(q.logName() + ": run loop stopped")

	for {
		j := q.next(ctx)
		if j == nil {
			// the worker's context ended without Stop
			if n := q.shutdown(); n > 0 {
				q.logger.Warn(q.logName()+": worker context ended; pending jobs cancelled", slog.Int("cancelled_pending", n))
			}
			return
		}
		q.run(ctx, j)
	}
}

func (q *Queue) next(ctx context.Context) *Job {
	for {
		if ctx.Err() != nil {
			return nil
		}
		q.mu.Lock()
		if len(q.pending) > 0 {
			j := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.running = j
			q.mu.Unlock()
			return j
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-q.notify:
		}
	}
}

func (q *Queue) run(ctx context.Context, j *Job) {
	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	defer func() {
		q.mu.Lock()
		q.running = nil
		q.mu.Unlock()
	}()

	if !j.start(cancel, time.Now()) {
		// cancelled after it was taken off the queue
		j.finish(StateCancelled, nil, ErrCancelled, time.Now())
		return
	}

	result, err := q.execute(jobCtx, j)

	state := StateSucceeded
	if err != nil {
		state = StateFailed
		var panicErr *PanicError
		if !errors.As(err, &panicErr) && (j.CancelRequested() || errors.Is(err, context.Canceled)) && jobCtx.Err() != nil {
			state = StateCancelled
		}
	}
	q.mu.Lock()
	q.finished++
	switch state {
	case StateFailed:
		q.failures++
		q.lastFail = err
	case StateSucceeded:
		q.lastFail = nil
	}
	q.mu.Unlock()

	j.finish(state, result, err, time.Now())

	attrs := []any{
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
		slog.String("state", state.String()),
		slog.Duration("duration", j.Duration()),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		q.logger.Warn(q.logName()+": job did not succeed", attrs...)
		return
	}
	q.logger.Debug(q.logName()+": job succeeded", attrs...)
}

func (q *Queue) execute(ctx context.Context, j *Job) (res any, err error) { //nolint:nonamedreturns
	defer func() {
		if recovery := recover(); recovery != nil {
			q.logger.Error(q.logName()+": panic recovery; possible bug in job body",
				slog.String("job_id", j.ID.String()),
				slog.String("panic_val", fmt.Sprintf("%v", recovery)),
			)
			res = nil
			err = &PanicError{Value: recovery, Stack: string(debug.Stack())}
		}
	}()

	if j.fn == nil {
		return nil, errors.New("job: nil body")
	}
	return j.fn(ctx)
}

func (q *Queue) logName() string { return "job.Queue[" + q.name + "]" }
