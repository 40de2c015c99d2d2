package health

import (
	"context"
	"log/slog"
	"sync"
)

// LogSink logs status changes. Transitions to unhealthy log at warn, back to
// healthy at info; unchanged reports log at debug.
type LogSink struct {
	logger *slog.Logger

	mu   sync.Mutex
	last map[string]bool
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger, last: make(map[string]bool)}
}

// Publish implements Sink.
func (s *LogSink) Publish(status Status) {
	s.mu.Lock()
	prev, seen := s.last[status.Name]
	s.last[status.Name] = status.Healthy
	s.mu.Unlock()

	attrs := make([]slog.Attr, 0, len(status.Details)+1)
	attrs = append(attrs, slog.String("component", status.Name))
	for _, d := range status.Details {
		attrs = append(attrs, slog.String(d.Label, d.Value))
	}

	ctx := context.Background()
	switch {
	case !status.Healthy && (!seen || prev):
		s.logger.LogAttrs(ctx, slog.LevelWarn, "health.LogSink: component unhealthy", attrs...)
	case status.Healthy && seen && !prev:
		s.logger.LogAttrs(ctx, slog.LevelInfo, "health.LogSink: component recovered", attrs...)
	default:
		s.logger.LogAttrs(ctx, slog.LevelDebug, "health.LogSink: status", attrs...)
	}
}

// MemorySink keeps the latest status per component.
type MemorySink struct {
	mu     sync.Mutex
	latest map[string]Status
}

func NewMemorySink() *MemorySink {
	return &MemorySink{latest: make(map[string]Status)}
}

// Publish implements Sink.
func (s *MemorySink) Publish(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[status.Name] = status
}

// Latest returns the last status published for name.
func (s *MemorySink) Latest(name string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.latest[name]
	return st, ok
}

// MultiSink fans a status out to several sinks.
type MultiSink []Sink

// Publish implements Sink.
func (m MultiSink) Publish(status Status) {
	for _, s := range m {
		s.Publish(status)
	}
}
