package job

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q := NewQueue("interactive", slog.New(slog.DiscardHandler))
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(q.Stop)
	return q
}

func waitDone(t *testing.T, j *Job) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, _ := j.Wait(ctx)
	require.NoError(t, ctx.Err(), "job %s never finished", j.Name)
	return state
}

func TestQueueRunsJobToSuccess(t *testing.T) {
	q := newTestQueue(t)

	j := New("ping", func(ctx context.Context) (any, error) { return "pong", nil })
	require.NoError(t, q.Enqueue(j))

	require.Equal(t, StateSucceeded, waitDone(t, j))
	require.Equal(t, "pong", j.Result())
	require.NoError(t, j.Err())
	require.False(t, j.EnqueuedAt().IsZero())
}

func TestQueueCapturesFailure(t *testing.T) {
	q := newTestQueue(t)
	boom := errors.New("boom")

	j := New("fail", func(ctx context.Context) (any, error) { return nil, boom })
	require.NoError(t, q.Enqueue(j))

	require.Equal(t, StateFailed, waitDone(t, j))
	require.ErrorIs(t, j.Err(), boom)
	require.False(t, q.Status().Healthy)
	require.Equal(t, "boom", q.Status().Detail("last_error"))
}

func TestQueuePanicDoesNotKillWorker(t *testing.T) {
	q := newTestQueue(t)

	bad := New("panics", func(ctx context.Context) (any, error) { panic("kaboom") })
	good := New("after", func(ctx context.Context) (any, error) { return 1, nil })
	require.NoError(t, q.Enqueue(bad))
	require.NoError(t, q.Enqueue(good))

	require.Equal(t, StateFailed, waitDone(t, bad))
	var panicErr *PanicError
	require.ErrorAs(t, bad.Err(), &panicErr)
	require.Equal(t, "kaboom", panicErr.Value)
	require.NotEmpty(t, panicErr.Stack)

	require.Equal(t, StateSucceeded, waitDone(t, good))
	require.True(t, q.Status().Healthy)
}

func TestQueueSerializesInEnqueueOrder(t *testing.T) {
	q := newTestQueue(t)

	var (
		mu       sync.Mutex
		events   []string
		inFlight atomic.Int32
	)
	record := func(ev string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	}

	a := New("A", func(ctx context.Context) (any, error) {
		if inFlight.Add(1) != 1 {
			t.Error("jobs ran concurrently")
		}
		defer inFlight.Add(-1)
		record("A start")
		time.Sleep(50 * time.Millisecond)
		record("A end")
		return nil, nil
	})
	b := New("B", func(ctx context.Context) (any, error) {
		if inFlight.Add(1) != 1 {
			t.Error("jobs ran concurrently")
		}
		defer inFlight.Add(-1)
		record("B start")
		return nil, nil
	})
	require.NoError(t, q.Enqueue(a))
	require.NoError(t, q.Enqueue(b))

	require.Equal(t, StateSucceeded, waitDone(t, b))
	// B finishing implies A already finished
	select {
	case <-a.Done():
	default:
		t.Fatal("B finished before A")
	}
	require.Equal(t, []string{"A start", "A end", "B start"}, events)
}

func TestQueueFIFOUnderLoad(t *testing.T) {
	q := newTestQueue(t)

	var (
		mu  sync.Mutex
		got []int
	)
	jobs := make([]*Job, 50)
	for i := range jobs {
		i := i
		jobs[i] = New("n", func(ctx context.Context) (any, error) {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			return nil, nil
		})
		require.NoError(t, q.Enqueue(jobs[i]))
	}
	waitDone(t, jobs[len(jobs)-1])

	for i := range got {
		require.Equal(t, i, got[i])
	}
	require.Len(t, got, 50)
}

func TestEnqueueAndWaitReturnsResult(t *testing.T) {
	q := newTestQueue(t)

	j := New("fast", func(ctx context.Context) (any, error) { return 42, nil })
	state, err := q.EnqueueAndWait(context.Background(), j, time.Second, func(*Job) {
		t.Fatal("timeout callback must not run")
	})
	require.NoError(t, err)
	require.Equal(t, StateSucceeded, state)
	require.Equal(t, 42, j.Result())
	require.False(t, j.TimedOut())
}

func TestEnqueueAndWaitTimeoutKeepsJobRunning(t *testing.T) {
	q := newTestQueue(t)

	j := New("slow", func(ctx context.Context) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return "late", nil
	})

	var calls atomic.Int32
	start := time.Now()
	state, err := q.EnqueueAndWait(context.Background(), j, 10*time.Millisecond, func(got *Job) {
		require.Same(t, j, got)
		calls.Add(1)
	})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, StateTimedOut, state)
	require.Less(t, elapsed, 150*time.Millisecond)
	require.True(t, j.TimedOut())
	require.EqualValues(t, 1, calls.Load())

	// the job keeps going in the background
	require.Equal(t, StateSucceeded, waitDone(t, j))
	require.Equal(t, "late", j.Result())
	require.EqualValues(t, 1, calls.Load())
}

func TestEnqueueAndWaitTimeoutCancelsCooperatively(t *testing.T) {
	q := newTestQueue(t)

	j := New("blocking", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	state, err := q.EnqueueAndWait(context.Background(), j, 10*time.Millisecond, CancelOnTimeout(q))
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, StateTimedOut, state)

	require.Equal(t, StateCancelled, waitDone(t, j))
	require.True(t, j.CancelRequested())
}

func TestEnqueueAndWaitContextCancelled(t *testing.T) {
	q := newTestQueue(t)
	release := make(chan struct{})
	defer close(release)

	j := New("stuck", func(ctx context.Context) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	state, err := q.EnqueueAndWait(ctx, j, time.Minute, nil)
	require.ErrorIs(t, err, ErrTimeout)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StateTimedOut, state)
}

func TestCancelPendingJob(t *testing.T) {
	q := newTestQueue(t)
	release := make(chan struct{})

	blocker := New("blocker", func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	})
	victim := New("victim", func(ctx context.Context) (any, error) {
		t.Error("cancelled job must not run")
		return nil, nil
	})
	require.NoError(t, q.Enqueue(blocker))
	require.NoError(t, q.Enqueue(victim))

	require.Equal(t, StatePending, q.Cancel(victim))
	require.Equal(t, StateCancelled, victim.State())
	require.ErrorIs(t, victim.Err(), ErrCancelled)

	close(release)
	require.Equal(t, StateSucceeded, waitDone(t, blocker))
	require.Equal(t, 0, q.Len())
}

func TestCancelRunningJob(t *testing.T) {
	q := newTestQueue(t)
	started := make(chan struct{})

	j := New("long", func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, context.Cause(ctx)
	})
	require.NoError(t, q.Enqueue(j))
	<-started

	require.Equal(t, StateRunning, q.Cancel(j))
	require.Equal(t, StateCancelled, waitDone(t, j))
	require.ErrorIs(t, j.Err(), ErrCancelled)
}

func TestCancelFinishedJobIsNoop(t *testing.T) {
	q := newTestQueue(t)

	j := New("done", func(ctx context.Context) (any, error) { return nil, nil })
	require.NoError(t, q.Enqueue(j))
	waitDone(t, j)

	require.Equal(t, StateSucceeded, q.Cancel(j))
	require.Equal(t, StateSucceeded, j.State())
}

func TestRunningJobIgnoringCancelSucceeds(t *testing.T) {
	q := newTestQueue(t)
	started := make(chan struct{})
	proceed := make(chan struct{})

	j := New("stubborn", func(ctx context.Context) (any, error) {
		close(started)
		<-proceed
		return "done anyway", nil
	})
	require.NoError(t, q.Enqueue(j))
	<-started
	q.Cancel(j)
	close(proceed)

	require.Equal(t, StateSucceeded, waitDone(t, j))
}

func TestEnqueueTwice(t *testing.T) {
	q := newTestQueue(t)
	j := New("once", func(ctx context.Context) (any, error) { return nil, nil })
	require.NoError(t, q.Enqueue(j))
	require.ErrorIs(t, q.Enqueue(j), ErrAlreadyEnqueued)
}

func TestStopCancelsPendingAndRejectsEnqueue(t *testing.T) {
	q := NewQueue("interactive", slog.New(slog.DiscardHandler))
	require.NoError(t, q.Start(context.Background()))

	started := make(chan struct{})
	running := New("running", func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	pending := New("pending", func(ctx context.Context) (any, error) { return nil, nil })
	require.NoError(t, q.Enqueue(running))
	require.NoError(t, q.Enqueue(pending))
	<-started

	q.Stop()
	q.Stop()

	require.Equal(t, StateCancelled, running.State())
	require.Equal(t, StateCancelled, pending.State())
	require.ErrorIs(t, q.Enqueue(New("late", nil)), ErrQueueStopped)
	require.ErrorIs(t, q.Start(context.Background()), ErrQueueStopped)
	require.False(t, q.Status().Healthy)
}

func TestStateTerminal(t *testing.T) {
	require.False(t, StatePending.Terminal())
	require.False(t, StateRunning.Terminal())
	for _, s := range []State{StateSucceeded, StateFailed, StateTimedOut, StateCancelled} {
		require.True(t, s.Terminal(), s.String())
	}
}

func TestWorkerContextEndStopsQueue(t *testing.T) {
	q := NewQueue("interactive", slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Start(ctx))
	t.Cleanup(q.Stop)

	started := make(chan struct{})
	blocker := New("blocker", func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	queued := New("queued", func(ctx context.Context) (any, error) { return "ran", nil })
	require.NoError(t, q.Enqueue(blocker))
	require.NoError(t, q.Enqueue(queued))
	<-started

	cancel()
	require.Equal(t, StateCancelled, waitDone(t, queued))
	require.Eventually(t, func() bool {
		return errors.Is(q.Enqueue(New("late", nil)), ErrQueueStopped)
	}, 5*time.Second, 5*time.Millisecond)
	require.False(t, q.Status().Healthy)

	// an unbounded wait must not hang once the worker is gone
	state, err := q.EnqueueAndWait(context.Background(), New("after", nil), 0, nil)
	require.ErrorIs(t, err, ErrQueueStopped)
	require.Equal(t, StatePending, state)
}
