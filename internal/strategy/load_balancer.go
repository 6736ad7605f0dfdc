package strategy

import (
	"sync"

	"github.com/hestia-gateway/hestia/internal/domain"
)

// LoadBalancer is a round-robin selector over a service's instances,
// skipping ones the health tracker has demoted. With no instances it falls
// back to the service base URL. When every instance is unhealthy it picks
// the least-recently-failed one and tries anyway.
type LoadBalancer struct {
	mu      sync.Mutex
	cursor  map[string]int
	tracker *HealthTracker
}

func NewLoadBalancer(tracker *HealthTracker) *LoadBalancer {
	if tracker == nil {
		tracker = NewHealthTracker(DefaultUnhealthyThreshold)
	}
	return &LoadBalancer{
		cursor:  make(map[string]int),
		tracker: tracker,
	}
}

func (lb *LoadBalancer) Name() string { return "load_balancer" }

// Tracker exposes the shared health tracker so the proxy can report
// exchange outcomes.
func (lb *LoadBalancer) Tracker() *HealthTracker { return lb.tracker }

func (lb *LoadBalancer) Resolve(serviceID string, _ *RequestContext, cfg *domain.ServiceConfig) (string, Reason, error) {
	if len(cfg.Instances) == 0 {
		return "", FallbackBaseURL, nil
	}

	urls := make([]string, len(cfg.Instances))
	for i, inst := range cfg.Instances {
		urls[i] = inst.URL
	}

	lb.mu.Lock()
	start := lb.cursor[serviceID]
	lb.cursor[serviceID] = start + 1
	lb.mu.Unlock()

	// Insertion order is the tie-break: scan from the cursor, wrap once.
	skipped := false
	for i := 0; i < len(urls); i++ {
		candidate := urls[(start+i)%len(urls)]
		if lb.tracker.Healthy(candidate) {
			reason := LBSelected
			if skipped {
				reason = UnhealthySkip
			}
			return candidate, reason, nil
		}
		skipped = true
	}

	return lb.tracker.LeastRecentlyFailed(urls), UnhealthySkip, nil
}

// Next returns the instance the balancer would pick after excluding a URL.
// The proxy uses it for its single retry against a different instance.
func (lb *LoadBalancer) Next(serviceID string, cfg *domain.ServiceConfig, exclude string) (string, bool) {
	if len(cfg.Instances) < 2 {
		return "", false
	}
	for range cfg.Instances {
		u, _, err := lb.Resolve(serviceID, nil, cfg)
		if err != nil || u == "" {
			return "", false
		}
		if u != exclude {
			return u, true
		}
	}
	return "", false
}
