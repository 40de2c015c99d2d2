package outbox

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/CharanSaiVaddi/attendq/internal/health"
	"github.com/CharanSaiVaddi/attendq/internal/storage"
)

const statusQueryTimeout = 2 * time.Second

// Status reports the outbox for health polling. It's unhealthy while the
// last delivery attempt failed or the unsent count is at or above WarnLevel.
func (o *Outbox) Status() health.Status {
	o.mu.Lock()
	unsent := o.unsent
	attempts := o.attempts
	lastErr := o.lastErr
	lastSuccess := o.lastSuccess
	o.mu.Unlock()

	details := []health.Detail{
		{Label: "unsent", Value: humanize.Comma(int64(unsent))},
		{Label: "capacity", Value: humanize.Comma(int64(o.cfg.MaxLevel))},
		{Label: "running", Value: boolString(o.Running())},
	}

	if unsent > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), statusQueryTimeout)
		oldest, _, err := o.store.Bounds(ctx, o.table, storage.FilterUnsent)
		cancel()
		if err == nil && !oldest.IsZero() {
			details = append(details, health.Detail{Label: "oldest_unsent", Value: humanize.RelTime(oldest, o.cfg.Clock.Now(), "ago", "from now")})
		}
	}
	if !lastSuccess.IsZero() {
		details = append(details, health.Detail{Label: "last_success", Value: humanize.RelTime(lastSuccess, o.cfg.Clock.Now(), "ago", "from now")})
	}
	if lastErr != nil {
		details = append(details,
			health.Detail{Label: "attempts", Value: humanize.Comma(int64(attempts))},
			health.Detail{Label: "last_error", Value: lastErr.Error()},
		)
	}

	return health.Status{
		Name:    o.cfg.Name,
		Healthy: lastErr == nil && unsent < o.cfg.WarnLevel,
		Details: details,
	}
}

func boolString(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
