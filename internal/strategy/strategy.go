// Package strategy selects which upstream instance receives a request.
package strategy

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/hestia-gateway/hestia/internal/domain"
)

// Reason explains how an upstream was selected.
type Reason string

const (
	MappingHit      Reason = "MAPPING_HIT"
	LBSelected      Reason = "LB_SELECTED"
	FallbackBaseURL Reason = "FALLBACK_BASE_URL"
	UnhealthySkip   Reason = "UNHEALTHY_SKIPPED"
)

// RequestContext is the read-only bag a strategy sees for one request.
type RequestContext struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	// Body is a shallow parse of a small JSON request body, nil when the
	// body was not JSON or too large to peek.
	Body map[string]any
}

// BodyString returns a string value from the peeked JSON body.
func (c *RequestContext) BodyString(key string) string {
	if c == nil || c.Body == nil {
		return ""
	}
	if v, ok := c.Body[key].(string); ok {
		return v
	}
	return ""
}

// Strategy resolves an upstream URL for a request. Resolve is called once
// per admitted request; implementations guard their own state.
type Strategy interface {
	Name() string
	Resolve(serviceID string, ctx *RequestContext, cfg *domain.ServiceConfig) (string, Reason, error)
}

// Registry is the name → strategy map populated at startup.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds a strategy. Registering the same name twice is a bug.
func (r *Registry) Register(s Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.strategies[s.Name()]; exists {
		return fmt.Errorf("strategy %q already registered", s.Name())
	}
	r.strategies[s.Name()] = s
	return nil
}

// Get returns a registered strategy by name.
func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// Names lists registered strategies in arbitrary order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	return names
}

// Default builds the registry with the two shipped strategies wired to a
// shared health tracker.
func Default(tracker *HealthTracker) *Registry {
	r := NewRegistry()
	lb := NewLoadBalancer(tracker)
	_ = r.Register(lb)
	_ = r.Register(NewModelRouter(lb))
	return r
}
