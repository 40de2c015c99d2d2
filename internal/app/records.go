package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	"github.com/CharanSaiVaddi/attendq/internal/job"
	"github.com/CharanSaiVaddi/attendq/internal/outbox"
)

var (
	// ErrBufferFull is returned when an outbox has no room for a new record.
	// Nothing was recorded.
	ErrBufferFull = errors.New("app: buffer full")
	// ErrTryAgainLater is returned when an interactive request didn't
	// complete in time.
	ErrTryAgainLater = errors.New("app: try again later")
)

// Clocking is a badge swipe recorded at the terminal.
type Clocking struct {
	Badge     string    `json:"badge"`
	Time      time.Time `json:"time"`
	Direction string    `json:"direction,omitempty"`
	Terminal  string    `json:"terminal,omitempty"`
}

// EmployeeField is a single profile change made at the terminal.
type EmployeeField struct {
	Badge     string    `json:"badge"`
	Field     string    `json:"field"`
	Value     string    `json:"value"`
	ChangedAt time.Time `json:"changed_at"`
}

// Enquiry is the server's answer to a badge enquiry.
type Enquiry struct {
	Badge string          `json:"badge"`
	Reply json.RawMessage `json:"reply"`
}

type enquiryAck struct {
	Badge      string    `json:"badge"`
	ReplyID    string    `json:"reply_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// RecordClocking queues c for delivery. It checks for space before building
// the record and returns ErrBufferFull when there is none.
func (a *App) RecordClocking(ctx context.Context, c Clocking) error {
	if !a.Clockings.HasSpace() {
		return ErrBufferFull
	}
	if c.Time.IsZero() {
		c.Time = a.clock.Now()
	}
	return a.record(ctx, a.Clockings, c)
}

// UpdateEmployeeField queues f for delivery, like RecordClocking.
func (a *App) UpdateEmployeeField(ctx context.Context, f EmployeeField) error {
	if !a.EmployeeUpdates.HasSpace() {
		return ErrBufferFull
	}
	if f.ChangedAt.IsZero() {
		f.ChangedAt = a.clock.Now()
	}
	return a.record(ctx, a.EmployeeUpdates, f)
}

func (a *App) record(ctx context.Context, ob *outbox.Outbox, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("app: encode record: %w", err)
	}
	if _, err := ob.Insert(ctx, payload); err != nil {
		if errors.Is(err, outbox.ErrCapacityExceeded) {
			return fmt.Errorf("%w: %w", ErrBufferFull, err)
		}
		return err
	}
	return nil
}

// Enquire asks the server about badge through the interactive job queue and
// waits up to the interactive timeout. On timeout the request is cancelled
// and ErrTryAgainLater returned. A received reply is acknowledged through the
// enquiry outbox.
func (a *App) Enquire(ctx context.Context, badge string) (Enquiry, error) {
	request, err := json.Marshal(map[string]any{"badge": badge, "time": a.clock.Now()})
	if err != nil {
		return Enquiry{}, err
	}
	j := job.New("enquiry", func(ctx context.Context) (any, error) {
		return a.enquiry.Exchange(ctx, request)
	})

	state, err := a.Jobs.EnqueueAndWait(ctx, j, a.interactiveTimeout, job.CancelOnTimeout(a.Jobs))
	switch state {
	case job.StateSucceeded:
	case job.StateTimedOut, job.StateCancelled:
		return Enquiry{}, fmt.Errorf("%w: %w", ErrTryAgainLater, err)
	default:
		return Enquiry{}, fmt.Errorf("app: enquiry for %s: %w", badge, err)
	}

	reply, _ := j.Result().([]byte)
	ack, err := json.Marshal(enquiryAck{
		Badge:      badge,
		ReplyID:    gjson.GetBytes(reply, "id").String(),
		ReceivedAt: a.clock.Now(),
	})
	if err == nil {
		_, err = a.Enquiries.Insert(ctx, ack)
	}
	if err != nil {
		a.Logger.WarnContext(ctx, "app.App: enquiry reply not acknowledged",
			slog.String("badge", badge),
			slog.String("error", err.Error()),
		)
	}
	return Enquiry{Badge: badge, Reply: reply}, nil
}
