package outbox

import (
	"context"

	"github.com/CharanSaiVaddi/attendq/internal/storage"
)

// Sender delivers rows for an Outbox. The outbox calls Prepare before the
// first Send of a batch and PostSend once the batch ends, either because the
// backlog drained or because a Send failed.
type Sender interface {
	// Prepare sets up per-batch resources such as a connection.
	Prepare(ctx context.Context) error
	// Send delivers a single row. It must return an error on any failure and
	// must not mark anything as sent.
	Send(ctx context.Context, row storage.Row) error
	// PostSend releases what Prepare acquired.
	PostSend(ctx context.Context) error
}

// SenderFunc adapts a function to Sender with no-op Prepare and PostSend.
type SenderFunc func(ctx context.Context, row storage.Row) error

// Prepare implements Sender.
func (fn SenderFunc) Prepare(context.Context) error { return nil }

// Send implements Sender.
func (fn SenderFunc) Send(ctx context.Context, row storage.Row) error {
	return fn(ctx, row)
}

// PostSend implements Sender.
func (fn SenderFunc) PostSend(context.Context) error { return nil }
