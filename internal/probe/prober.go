// Package probe decides when a starting service is ready to take traffic.
package probe

import (
	"context"
	"net/http"
	"time"

	"github.com/hestia-gateway/hestia/internal/utils"
)

const (
	// DefaultPollInterval is the pause between health probes.
	DefaultPollInterval = 250 * time.Millisecond
	// DefaultProbeTimeout bounds a single health request.
	DefaultProbeTimeout = 2 * time.Second
)

// Prober polls a health endpoint or waits out a warm-up timer. It is
// stateless across calls; the caller supplies deadline and cancellation.
type Prober struct {
	client       *http.Client
	pollInterval time.Duration
}

func New(client *http.Client) *Prober {
	if client == nil {
		client = &http.Client{Timeout: DefaultProbeTimeout}
	}
	return &Prober{client: client, pollInterval: DefaultPollInterval}
}

// WithPollInterval overrides the probe cadence (tests use short intervals).
func (p *Prober) WithPollInterval(d time.Duration) *Prober {
	p.pollInterval = d
	return p
}

// WaitReady blocks until the service is ready, the deadline passes, or ctx
// is cancelled. With a health URL it polls until a 2xx; without one it
// waits exactly warmup and declares ready.
func (p *Prober) WaitReady(ctx context.Context, healthURL string, warmup time.Duration, deadline time.Time) bool {
	if healthURL == "" {
		return p.waitWarmup(ctx, warmup, deadline)
	}

	for {
		if p.Check(ctx, healthURL) {
			return true
		}
		if ctx.Err() != nil || !time.Now().Add(p.pollInterval).Before(deadline) {
			return false
		}
		timer := time.NewTimer(p.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// Check issues a single probe. Any 2xx counts as ready.
func (p *Prober) Check(ctx context.Context, healthURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer utils.Close(resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (p *Prober) waitWarmup(ctx context.Context, warmup time.Duration, deadline time.Time) bool {
	if warmup <= 0 {
		return true
	}
	ready := true
	if time.Now().Add(warmup).After(deadline) {
		// The warm-up cannot finish in time: wait out the deadline, not ready.
		warmup = time.Until(deadline)
		ready = false
		if warmup <= 0 {
			return false
		}
	}
	timer := time.NewTimer(warmup)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return ready
	}
}
