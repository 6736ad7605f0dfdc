// Package registry is the sole source of truth for per-service
// configuration and live state.
package registry

import (
	"sync"
	"time"

	"github.com/hestia-gateway/hestia/internal/domain"
	"github.com/hestia-gateway/hestia/internal/queue"
)

// Entry pairs one service's configuration with its mutable state and its
// request queue. State is only read or written through the entry's lock.
type Entry struct {
	mu        sync.Mutex
	cfg       *domain.ServiceConfig
	state     domain.ServiceState
	queue     *queue.Queue
	synthetic bool // created on the fly from the default service
}

func newEntry(cfg *domain.ServiceConfig) *Entry {
	return &Entry{
		cfg: cfg,
		state: domain.ServiceState{
			Lifecycle: domain.LifecycleCold,
			Readiness: domain.NotReady,
		},
		queue: queue.New(cfg.QueueSize),
	}
}

// Config returns the current configuration snapshot.
func (e *Entry) Config() *domain.ServiceConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// State returns a copy of the current state.
func (e *Entry) State() domain.ServiceState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Queue returns the service's request queue.
func (e *Entry) Queue() *queue.Queue {
	return e.queue
}

// Update runs fn under the entry lock with the live state. fn must not
// block or perform I/O.
func (e *Entry) Update(fn func(cfg *domain.ServiceConfig, st *domain.ServiceState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.cfg, &e.state)
}

// Touch advances the activity timestamp.
func (e *Entry) Touch(now time.Time) {
	e.mu.Lock()
	e.state.Touch(now)
	e.mu.Unlock()
}

// Registry maps service ids to entries. Lookups take a short read lock;
// config reload and the creation of a synthetic entry take the write lock.
type Registry struct {
	mu             sync.RWMutex
	entries        map[string]*Entry
	defaultService string
}

func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Get returns the entry for a known service id.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	return e, ok
}

// Resolve returns the entry for id, synthesizing one from the default
// service when the id is unknown and a default is configured. The synthetic
// entry keeps the requested id so its state and queue stay namespaced.
func (r *Registry) Resolve(id string) (*Entry, bool) {
	if e, ok := r.Get(id); ok {
		return e, true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e, true
	}
	if r.defaultService == "" {
		return nil, false
	}
	def, ok := r.entries[r.defaultService]
	if !ok {
		return nil, false
	}

	cfg := *def.Config()
	cfg.ID = id
	e := newEntry(&cfg)
	e.synthetic = true
	r.entries[id] = e
	return e, true
}

// List returns all entries keyed by service id.
func (r *Registry) List() map[string]*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Entry, len(r.entries))
	for id, e := range r.entries {
		out[id] = e
	}
	return out
}

// Apply installs a new configuration set. Existing entries keep their
// in-flight state; their config pointer is swapped and their queue resized
// (shrinking drains the excess with a reject). Entries for removed services
// are dropped after their queues are shut down.
func (r *Registry) Apply(services map[string]*domain.ServiceConfig, defaultService string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.defaultService = defaultService

	for id, cfg := range services {
		if e, ok := r.entries[id]; ok {
			e.mu.Lock()
			e.cfg = cfg
			e.mu.Unlock()
			e.queue.Resize(cfg.QueueSize)
			continue
		}
		r.entries[id] = newEntry(cfg)
	}

	for id, e := range r.entries {
		if _, keep := services[id]; keep {
			continue
		}
		// Synthetic entries survive reload as long as a default exists.
		if e.synthetic && defaultService != "" {
			continue
		}
		e.queue.Shutdown()
		delete(r.entries, id)
	}
}

// Shutdown drains every queue with the shutdown signal.
func (r *Registry) Shutdown() {
	for _, e := range r.List() {
		e.queue.Shutdown()
	}
}
