package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CharanSaiVaddi/attendq/internal/storage"
)

// Outbox is a durable FIFO of opaque payloads delivered by one worker.
//
// The unsent counter, health fields and every row-state transition (insert,
// mark sent, operator overrides) are serialized by mu, so an override racing
// with delivery of the same row can't skew the counter.
type Outbox struct {
	store storage.Storage
	table string
	cfg   Config

	mu          sync.Mutex
	opened      bool
	unsent      int
	warned      bool
	attempts    int
	lastErr     error
	lastSuccess time.Time
	changed     chan struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	runGen uint64
	wake   chan struct{}
	wg     sync.WaitGroup
}

// New constructs an Outbox over table in store. Call Open before use.
func New(store storage.Storage, table string, opts ...Option) (*Outbox, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil storage", ErrInvalidConfig)
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Name == "" {
		cfg.Name = table
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Outbox{
		store:   store,
		table:   table,
		cfg:     cfg,
		changed: make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}, nil
}

// Name returns the outbox name.
func (o *Outbox) Name() string { return o.cfg.Name }

// Table returns the backing table name.
func (o *Outbox) Table() string { return o.table }

// Config returns the effective configuration.
func (o *Outbox) Config() Config { return o.cfg }

// Open creates the backing table if needed and loads the unsent count. It's
// safe to call more than once.
func (o *Outbox) Open(ctx context.Context) error {
	if err := o.store.CreateTable(ctx, o.table); err != nil {
		return err
	}
	n, err := o.store.Count(ctx, o.table, storage.FilterUnsent)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.opened = true
	o.setUnsentLocked(n)
	o.mu.Unlock()

	o.cfg.Metrics.SetPending(n)
	o.cfg.Logger.InfoContext(ctx, o.logName()+": opened", slog.Int("unsent", n))
	return nil
}

// HasSpace reports whether Insert would currently accept a payload.
func (o *Outbox) HasSpace() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opened && o.unsent < o.cfg.MaxLevel
}

// Insert durably queues payload as a new unsent row and wakes the worker. It
// fails with ErrCapacityExceeded once the unsent count reaches MaxLevel.
func (o *Outbox) Insert(ctx context.Context, payload []byte) (storage.Row, error) {
	o.mu.Lock()
	if !o.opened {
		o.mu.Unlock()
		return storage.Row{}, ErrNotOpen
	}
	if o.unsent >= o.cfg.MaxLevel {
		n := o.unsent
		o.mu.Unlock()
		return storage.Row{}, fmt.Errorf("%w: %s has %d unsent rows", ErrCapacityExceeded, o.cfg.Name, n)
	}
	row, err := o.store.InsertRow(ctx, o.table, payload, o.cfg.Clock.Now())
	if err != nil {
		o.mu.Unlock()
		return storage.Row{}, err
	}
	wasWarned := o.warned
	o.setUnsentLocked(o.unsent + 1)
	n := o.unsent
	crossedWarn := o.warned && !wasWarned
	o.mu.Unlock()

	if crossedWarn {
		o.cfg.Logger.WarnContext(ctx, o.logName()+": unsent rows reached warn level",
			slog.Int("unsent", n),
			slog.Int("warn_level", o.cfg.WarnLevel),
			slog.Int("max_level", o.cfg.MaxLevel),
		)
	}
	o.cfg.Metrics.SetPending(n)
	o.notify()
	return row, nil
}

// NumberUnsent returns the cached unsent row count.
func (o *Outbox) NumberUnsent() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.unsent
}

// Count returns the total number of rows, sent and unsent.
func (o *Outbox) Count(ctx context.Context) (int, error) {
	return o.store.Count(ctx, o.table, storage.FilterAll)
}

// Timestamps are the creation times at both ends of the sent and unsent
// rows. A zero value means no such row.
type Timestamps struct {
	OldestSent   time.Time `json:"oldest_sent"`
	NewestSent   time.Time `json:"newest_sent"`
	OldestUnsent time.Time `json:"oldest_unsent"`
	NewestUnsent time.Time `json:"newest_unsent"`
}

// Timestamps returns the oldest and newest sent and unsent row times.
func (o *Outbox) Timestamps(ctx context.Context) (Timestamps, error) {
	var ts Timestamps
	var err error
	if ts.OldestSent, ts.NewestSent, err = o.store.Bounds(ctx, o.table, storage.FilterSent); err != nil {
		return Timestamps{}, err
	}
	if ts.OldestUnsent, ts.NewestUnsent, err = o.store.Bounds(ctx, o.table, storage.FilterUnsent); err != nil {
		return Timestamps{}, err
	}
	return ts, nil
}

// Rows lists up to limit rows matching filter, oldest first.
func (o *Outbox) Rows(ctx context.Context, filter storage.Filter, limit int) ([]storage.Row, error) {
	return o.store.ListRows(ctx, o.table, filter, limit)
}

// WaitUntilDone blocks until no rows are unsent, timeout elapses or ctx ends,
// and returns the unsent count. It returns immediately when the backlog is
// larger than the wait threshold.
func (o *Outbox) WaitUntilDone(ctx context.Context, timeout time.Duration) int {
	o.mu.Lock()
	n := o.unsent
	changed := o.changed
	o.mu.Unlock()
	if n == 0 || n > o.cfg.WaitThreshold {
		return n
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-changed:
		case <-timer.C:
			return o.NumberUnsent()
		case <-ctx.Done():
			return o.NumberUnsent()
		}

		o.mu.Lock()
		n, changed = o.unsent, o.changed
		o.mu.Unlock()
		if n == 0 {
			return 0
		}
	}
}

// MarkSentToDate forces every unsent row created at or before cutoff to sent.
// It returns the number of rows changed.
func (o *Outbox) MarkSentToDate(ctx context.Context, cutoff time.Time) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	n, err := o.store.MarkSentBefore(ctx, o.table, cutoff, o.cfg.Clock.Now())
	if err != nil {
		return 0, err
	}
	if err := o.recountLocked(ctx); err != nil {
		return n, err
	}
	o.cfg.Logger.WarnContext(ctx, o.logName()+": rows marked sent by override",
		slog.Int64("rows", n),
		slog.Time("cutoff", cutoff),
		slog.Int("unsent", o.unsent),
	)
	return n, nil
}

// MarkUnsentAfter resets every sent row created at or after cutoff so it's
// delivered again, and wakes the worker. It returns the number of rows changed.
func (o *Outbox) MarkUnsentAfter(ctx context.Context, cutoff time.Time) (int64, error) {
	o.mu.Lock()
	n, err := o.store.MarkUnsentAfter(ctx, o.table, cutoff)
	if err != nil {
		o.mu.Unlock()
		return 0, err
	}
	err = o.recountLocked(ctx)
	unsent := o.unsent
	o.mu.Unlock()
	if err != nil {
		return n, err
	}

	o.cfg.Logger.WarnContext(ctx, o.logName()+": rows marked unsent by override",
		slog.Int64("rows", n),
		slog.Time("cutoff", cutoff),
		slog.Int("unsent", unsent),
	)
	o.notify()
	return n, nil
}

// markSent records a confirmed delivery of row.
func (o *Outbox) markSent(ctx context.Context, row storage.Row) error {
	now := o.cfg.Clock.Now()

	o.mu.Lock()
	defer o.mu.Unlock()
	changed, err := o.store.UpdateSent(ctx, o.table, row.ID, now)
	if err != nil {
		return err
	}
	if changed {
		o.setUnsentLocked(o.unsent - 1)
	}
	o.attempts = 0
	o.lastErr = nil
	o.lastSuccess = now
	return nil
}

// markFailed records a failed attempt on row, the current head of the queue.
func (o *Outbox) markFailed(row storage.Row, err error) *DeliveryError {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts++
	derr := &DeliveryError{RowID: row.ID, UUID: row.UUID, Attempt: o.attempts, Err: err}
	o.lastErr = derr
	return derr
}

func (o *Outbox) recountLocked(ctx context.Context) error {
	n, err := o.store.Count(ctx, o.table, storage.FilterUnsent)
	if err != nil {
		return err
	}
	o.setUnsentLocked(n)
	return nil
}

// setUnsentLocked updates the counter, the warn latch and wakes waiters.
func (o *Outbox) setUnsentLocked(n int) {
	if n < 0 {
		n = 0
	}
	if n == o.unsent {
		return
	}
	o.unsent = n
	o.warned = n >= o.cfg.WarnLevel
	close(o.changed)
	o.changed = make(chan struct{})
}

func (o *Outbox) notify() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Outbox) logName() string { return "outbox.Outbox[" + o.cfg.Name + "]" }

// isStopping reports whether err came from the worker being stopped.
func isStopping(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ctx.Err()))
}
