package sessions

import (
	"fmt"
	"sync"
)

// Registry is the single source of truth for which sessions exist.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Insert adds rec. Inserting an id twice is an error.
func (r *Registry) Insert(rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[rec.ID]; exists {
		return fmt.Errorf("session already exists: %s", rec.ID)
	}
	r.records[rec.ID] = rec
	return nil
}

// Get looks up a record by id.
func (r *Registry) Get(id string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Remove deletes the record and reports whether it was present. Exactly one
// caller observes true for a given id, which makes it the guard against
// double teardown.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return false
	}
	delete(r.records, id)
	return true
}

// List returns the records present at call time. The slice is a copy, so
// callers may iterate while other goroutines insert or remove.
func (r *Registry) List() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out
}

// Len returns the number of live records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
