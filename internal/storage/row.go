package storage

import "time"

// Row is a single queued payload in an outbox table.
type Row struct {
	ID        int64
	UUID      string
	Payload   []byte
	CreatedAt time.Time
	Sent      bool
	SentAt    time.Time
}

// Filter narrows a query to a subset of a table's rows.
type Filter int

const (
	FilterAll Filter = iota
	FilterUnsent
	FilterSent
)

func (f Filter) where() string {
	switch f {
	case FilterUnsent:
		return " WHERE sent = 0"
	case FilterSent:
		return " WHERE sent = 1"
	default:
		return ""
	}
}

func (f Filter) String() string {
	switch f {
	case FilterUnsent:
		return "unsent"
	case FilterSent:
		return "sent"
	default:
		return "all"
	}
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }
