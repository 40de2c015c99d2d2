package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule is how often the Reporter polls when no schedule is given.
const DefaultSchedule = "@every 30s"

// Reporter polls a Registry on a cron schedule and publishes every status
// into a Sink.
type Reporter struct {
	logger   *slog.Logger
	registry *Registry
	sink     Sink
	schedule string

	mu   sync.Mutex
	cron *cron.Cron
}

func NewReporter(logger *slog.Logger, registry *Registry, sink Sink, schedule string) *Reporter {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Reporter{
		logger:   logger,
		registry: registry,
		sink:     sink,
		schedule: schedule,
	}
}

// Start begins polling. It publishes once immediately.
func (r *Reporter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(r.schedule, r.RunOnce); err != nil {
		return fmt.Errorf("health: bad schedule %q: %w", r.schedule, err)
	}
	r.cron = c
	r.RunOnce()
	c.Start()
	r.logger.DebugContext(ctx, "health.Reporter: started", slog.String("schedule", r.schedule))
	return nil
}

// Stop halts polling and waits for a publish in progress.
func (r *Reporter) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// RunOnce polls and publishes a single round.
func (r *Reporter) RunOnce() {
	for _, status := range r.registry.Snapshot() {
		r.sink.Publish(status)
	}
}
