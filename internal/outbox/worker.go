package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/CharanSaiVaddi/attendq/internal/storage"
)

// Start launches the worker bound to sender. The outbox must be open. After
// Stop, the outbox may be started again and resumes with the oldest unsent
// row.
func (o *Outbox) Start(ctx context.Context, sender Sender) error {
	if sender == nil {
		return ErrNilSender
	}
	o.mu.Lock()
	opened := o.opened
	o.mu.Unlock()
	if !opened {
		return ErrNotOpen
	}

	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, o.cancel = context.WithCancel(ctx)
	o.runGen++
	o.wg.Add(1)
	go o.loop(ctx, sender, o.runGen)
	return nil
}

// Stop signals the worker, abandons an in-flight send and waits for it to
// exit. Unsent rows stay queued. Stopping a stopped outbox is a no-op.
func (o *Outbox) Stop() {
	o.runMu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
}

// Close stops the worker.
func (o *Outbox) Close() error {
	o.Stop()
	return nil
}

// Running reports whether the worker is running. It turns false once the
// worker exits, including when the context passed to Start ends.
func (o *Outbox) Running() bool {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	return o.cancel != nil
}

func (o *Outbox) loop(ctx context.Context, sender Sender, gen uint64) {
	defer o.wg.Done()
	defer o.exited(gen)
	logger := o.cfg.Logger
	logger.DebugContext(ctx, o.logName()+": run loop started")
	defer logger.DebugContext(ctx, o.logName()+": run loop stopped")

	prepared := false
	endBatch := func(ctx context.Context) {
		if !prepared {
			return
		}
		prepared = false
		if err := sender.PostSend(ctx); err != nil {
			logger.WarnContext(ctx, o.logName()+": sender post-send failed", slog.String("error", err.Error()))
		}
	}
	defer func() { endBatch(context.WithoutCancel(ctx)) }()

	for {
		if ctx.Err() != nil {
			return
		}

		row, err := o.store.SelectOldestUnsent(ctx, o.table)
		if err != nil {
			if isStopping(ctx, err) {
				return
			}
			logger.ErrorContext(ctx, o.logName()+": error selecting next row", slog.String("error", err.Error()))
			if !o.sleep(ctx, o.cfg.RetryTime) {
				return
			}
			continue
		}

		if row == nil {
			endBatch(ctx)
			o.prune(ctx)
			o.resync(ctx)
			if !o.idle(ctx) {
				return
			}
			continue
		}

		if !prepared {
			if err := sender.Prepare(ctx); err != nil {
				if isStopping(ctx, err) {
					return
				}
				o.failed(ctx, *row, err)
				if !o.sleep(ctx, o.cfg.RetryTime) {
					return
				}
				continue
			}
			prepared = true
		}

		if err := sender.Send(ctx, *row); err != nil {
			if isStopping(ctx, err) {
				return
			}
			o.failed(ctx, *row, err)
			endBatch(ctx)
			if !o.sleep(ctx, o.cfg.RetryTime) {
				return
			}
			continue
		}

		// the row is on the wire; record it even if a stop just arrived
		if err := o.markSent(context.WithoutCancel(ctx), *row); err != nil {
			logger.ErrorContext(ctx, o.logName()+": delivered row could not be marked sent; it will be sent again",
				slog.Int64("row_id", row.ID),
				slog.String("error", err.Error()),
			)
			if !o.sleep(ctx, o.cfg.RetryTime) {
				return
			}
			continue
		}
		o.cfg.Metrics.AddSent(1)
		o.cfg.Metrics.SetPending(o.NumberUnsent())
		logger.DebugContext(ctx, o.logName()+": row sent",
			slog.Int64("row_id", row.ID),
			slog.String("uuid", row.UUID),
		)
	}
}

// exited clears the run state when the worker ends on its own, such as when
// the context passed to Start is cancelled.
func (o *Outbox) exited(gen uint64) {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.runGen == gen && o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
}

// resync reloads the unsent count from storage. Other processes sharing the
// database may have inserted rows or overridden their state.
func (o *Outbox) resync(ctx context.Context) {
	o.mu.Lock()
	before := o.unsent
	err := o.recountLocked(ctx)
	n := o.unsent
	o.mu.Unlock()

	if err != nil {
		if !isStopping(ctx, err) {
			o.cfg.Logger.ErrorContext(ctx, o.logName()+": error counting unsent rows", slog.String("error", err.Error()))
		}
		return
	}
	if n != before {
		o.cfg.Metrics.SetPending(n)
		o.cfg.Logger.InfoContext(ctx, o.logName()+": unsent count changed outside this process",
			slog.Int("was", before),
			slog.Int("unsent", n),
		)
	}
}

func (o *Outbox) failed(ctx context.Context, row storage.Row, err error) {
	derr := o.markFailed(row, err)

	o.cfg.Metrics.AddFailures(1)
	o.cfg.Logger.WarnContext(ctx, o.logName()+": delivery failed; will retry",
		slog.Int64("row_id", row.ID),
		slog.Int("attempt", derr.Attempt),
		slog.Duration("retry_in", o.cfg.RetryTime),
		slog.String("error", err.Error()),
	)
}

// prune deletes sent rows older than KeepTime.
func (o *Outbox) prune(ctx context.Context) {
	if o.cfg.KeepTime < 0 {
		return
	}
	cutoff := o.cfg.Clock.Now().Add(-o.cfg.KeepTime)
	n, err := o.store.DeleteSentBefore(ctx, o.table, cutoff)
	if err != nil {
		if !isStopping(ctx, err) {
			o.cfg.Logger.ErrorContext(ctx, o.logName()+": error pruning sent rows", slog.String("error", err.Error()))
		}
		return
	}
	if n > 0 {
		o.cfg.Metrics.AddPruned(int(n))
		o.cfg.Logger.InfoContext(ctx, o.logName()+": pruned sent rows",
			slog.Int64("rows", n),
			slog.Time("cutoff", cutoff),
		)
	}
}

// idle blocks until an insert wakes the worker or the poll interval passes.
// It returns false once ctx is done.
func (o *Outbox) idle(ctx context.Context) bool {
	timer := time.NewTimer(o.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-o.wake:
		return true
	case <-timer.C:
		return true
	}
}

func (o *Outbox) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
