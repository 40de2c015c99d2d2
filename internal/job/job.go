package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a job's position in its lifecycle. Transitions only move forward
// and a terminal state is never left.
type State int

const (
	StatePending State = iota
	StateRunning
	StateSucceeded
	StateFailed
	StateTimedOut
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s >= StateSucceeded
}

var (
	// ErrQueueStopped is returned when enqueuing onto a stopped queue.
	ErrQueueStopped = errors.New("job: queue stopped")
	// ErrTimeout is returned by EnqueueAndWait when the caller gave up waiting.
	// The job itself may still be running.
	ErrTimeout = errors.New("job: timed out waiting for result")
	// ErrCancelled is recorded on a job cancelled before or while running.
	ErrCancelled = errors.New("job: cancelled")
	// ErrAlreadyEnqueued is returned when a job is enqueued a second time.
	ErrAlreadyEnqueued = errors.New("job: already enqueued")
)

// PanicError is recorded as the failure of a job whose body panicked.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("job: panic: %v", e.Value)
}

// Func is a job body. ctx is cancelled when the job is cancelled or its
// queue stops; long-running bodies must watch it.
type Func func(ctx context.Context) (any, error)

// Job is a single non-durable unit of work executed by a Queue.
type Job struct {
	ID   uuid.UUID
	Name string

	fn Func

	mu         sync.Mutex
	state      State
	result     any
	err        error
	seq        uint64
	enqueuedAt time.Time
	startedAt  time.Time
	finishedAt time.Time
	queued     bool
	timedOut   bool
	cancelReq  bool
	cancel     context.CancelCauseFunc
	done       chan struct{}
}

// New creates a pending job running fn.
func New(name string, fn Func) *Job {
	return &Job{
		ID:    uuid.New(),
		Name:  name,
		fn:    fn,
		state: StatePending,
		done:  make(chan struct{}),
	}
}

// State returns the job's execution state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Result returns the value produced by a succeeded job.
func (j *Job) Result() any {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// Err returns the failure reason of a failed or cancelled job.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// TimedOut reports whether a caller stopped waiting on this job.
func (j *Job) TimedOut() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.timedOut
}

// CancelRequested reports whether cancellation was requested.
func (j *Job) CancelRequested() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelReq
}

// EnqueuedAt returns when the job entered its queue.
func (j *Job) EnqueuedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enqueuedAt
}

// Duration returns how long the body ran, or zero if it hasn't finished.
func (j *Job) Duration() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.startedAt.IsZero() || j.finishedAt.IsZero() {
		return 0
	}
	return j.finishedAt.Sub(j.startedAt)
}

// Done is closed once the job reaches its execution terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job finishes or ctx ends.
func (j *Job) Wait(ctx context.Context) (State, error) {
	select {
	case <-j.done:
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.state, j.err
	case <-ctx.Done():
		return j.State(), ctx.Err()
	}
}

func (j *Job) markQueued(seq uint64, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.queued {
		return ErrAlreadyEnqueued
	}
	j.queued = true
	j.seq = seq
	j.enqueuedAt = now
	return nil
}

// start moves a pending job to running. It returns false if the job was
// finished or cancelled between dequeue and start.
func (j *Job) start(cancel context.CancelCauseFunc, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StatePending || j.cancelReq {
		return false
	}
	j.state = StateRunning
	j.startedAt = now
	j.cancel = cancel
	return true
}

// finish records a terminal state. Only the first call has any effect.
func (j *Job) finish(state State, result any, err error, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	j.state = state
	j.result = result
	j.err = err
	j.finishedAt = now
	j.cancel = nil
	close(j.done)
	return true
}

// requestCancel flags the job and interrupts its body if it's running. It
// returns the state observed when the request was made.
func (j *Job) requestCancel() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancelReq = true
	if j.state == StateRunning && j.cancel != nil {
		j.cancel(ErrCancelled)
	}
	return j.state
}

func (j *Job) markTimedOut() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.timedOut = true
}
