// Package worker runs job handlers against the lease manager: a pool of
// independent pollers plus a reaper that returns orphaned leases to the queue.
package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler executes one job. Returning nil completes the job; errors are
// classified with internal/errors and the job is failed accordingly.
// Handlers must not retry internally.
type Handler func(ctx context.Context, task *Task) error

// Registry maps job types to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to jobType
func (r *Registry) Register(jobType string, h Handler) error {
	if jobType == "" {
		return fmt.Errorf("job type must not be empty")
	}
	if h == nil {
		return fmt.Errorf("handler for %s must not be nil", jobType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[jobType]; ok {
		return fmt.Errorf("handler for %s already registered", jobType)
	}
	r.handlers[jobType] = h
	return nil
}

// Lookup returns the handler for jobType
func (r *Registry) Lookup(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job types in sorted order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
