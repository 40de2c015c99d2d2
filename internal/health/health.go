// Package health carries queue status from the components that produce it to
// a sink that reports it. Components implement Statuser; a Reporter polls
// every registered Statuser on a schedule and publishes into a Sink.
package health

import (
	"sort"
	"sync"
)

// Detail is one labelled value shown alongside a status.
type Detail struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Status is a point-in-time health report of a single component.
type Status struct {
	Name    string   `json:"name"`
	Healthy bool     `json:"healthy"`
	Details []Detail `json:"details,omitempty"`
}

// Detail returns the value for label, or "" if absent.
func (s Status) Detail(label string) string {
	for _, d := range s.Details {
		if d.Label == label {
			return d.Value
		}
	}
	return ""
}

// Statuser is implemented by anything that can report its health.
type Statuser interface {
	Status() Status
}

// StatuserFunc adapts a function to Statuser.
type StatuserFunc func() Status

// Status implements Statuser.
func (fn StatuserFunc) Status() Status { return fn() }

// Sink receives published statuses.
type Sink interface {
	Publish(status Status)
}

// Registry is a named set of statusers.
type Registry struct {
	mu        sync.RWMutex
	statusers map[string]Statuser
}

func NewRegistry() *Registry {
	return &Registry{statusers: make(map[string]Statuser)}
}

// Register adds or replaces the statuser under name.
func (r *Registry) Register(name string, s Statuser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusers[name] = s
}

// Snapshot polls every statuser and returns the results sorted by name.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	names := make([]string, 0, len(r.statusers))
	for name := range r.statusers {
		names = append(names, name)
	}
	statusers := make([]Statuser, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		statusers = append(statusers, r.statusers[name])
	}
	r.mu.RUnlock()

	out := make([]Status, 0, len(statusers))
	for _, s := range statusers {
		out = append(out, s.Status())
	}
	return out
}

// Healthy reports whether every status in the list is healthy.
func Healthy(statuses []Status) bool {
	for _, s := range statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}
