package outbox

// Metrics captures outbox telemetry.
type Metrics interface {
	// AddSent increments the count of delivered rows.
	AddSent(count int)
	// AddFailures increments the count of failed delivery attempts.
	AddFailures(count int)
	// AddPruned increments the count of pruned sent rows.
	AddPruned(count int)
	// SetPending updates the current unsent row count.
	SetPending(count int)
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

// AddSent implements Metrics.
func (NopMetrics) AddSent(int) {}

// AddFailures implements Metrics.
func (NopMetrics) AddFailures(int) {}

// AddPruned implements Metrics.
func (NopMetrics) AddPruned(int) {}

// SetPending implements Metrics.
func (NopMetrics) SetPending(int) {}
