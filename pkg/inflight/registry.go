// Package inflight tracks which intents currently have an execution attempt
// running, guaranteeing at most one attempt per intent within this process.
package inflight

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Marker identifies the attempt holding an intent
type Marker struct {
	IntentID  string
	AttemptID string
	StartedAt time.Time
}

// Registry is a process-wide, volatile set of in-flight intents
type Registry struct {
	mu      sync.Mutex
	entries map[string]Marker
	now     func() time.Time
}

// NewRegistry creates an empty registry. now may be nil to use time.Now.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		entries: make(map[string]Marker),
		now:     now,
	}
}

// TryAcquire registers a new attempt for the intent. It returns false, with the
// current holder, when an attempt is already running.
func (r *Registry) TryAcquire(intentID string) (Marker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[intentID]; ok {
		return existing, false
	}
	m := Marker{
		IntentID:  intentID,
		AttemptID: uuid.NewString(),
		StartedAt: r.now(),
	}
	r.entries[intentID] = m
	return m, true
}

// Release removes the intent unconditionally
func (r *Registry) Release(intentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, intentID)
}

// Len returns the number of in-flight attempts
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot returns the in-flight markers ordered by start time
func (r *Registry) Snapshot() []Marker {
	r.mu.Lock()
	out := make([]Marker, 0, len(r.entries))
	for _, m := range r.entries {
		out = append(out, m)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
