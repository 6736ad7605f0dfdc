package scheduler

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/hestia-gateway/hestia/internal/domain"
	"github.com/hestia-gateway/hestia/internal/logger"
	"github.com/hestia-gateway/hestia/internal/metrics"
	"github.com/hestia-gateway/hestia/internal/orchestrator"
	"github.com/hestia-gateway/hestia/internal/probe"
	"github.com/hestia-gateway/hestia/internal/registry"
)

func newMonitorFixture(t *testing.T, idleTimeoutMs int) (*registry.Registry, *registry.Entry, *IdleMonitor) {
	t.Helper()

	cfg := &domain.ServiceConfig{
		ID:                    "svc-a",
		BaseURL:               "http://svc-a:8000",
		IdleTimeoutMs:         idleTimeoutMs,
		QueueSize:             4,
		RequestTimeoutSeconds: 5,
	}
	reg := registry.New()
	reg.Apply(map[string]*domain.ServiceConfig{"svc-a": cfg}, "")
	e, _ := reg.Get("svc-a")

	orch := orchestrator.New(
		probe.New(http.DefaultClient).WithPollInterval(5*time.Millisecond),
		nil, logger.Nop(), metrics.NewCollector())
	m := NewIdleMonitor(reg, orch, logger.Nop(), 10*time.Millisecond)
	return reg, e, m
}

func makeHot(e *registry.Entry, lastActivity time.Time) {
	e.Update(func(_ *domain.ServiceConfig, st *domain.ServiceState) {
		st.Lifecycle = domain.LifecycleHot
		st.Readiness = domain.Ready
		st.LastActivity = lastActivity
	})
}

func TestSweepDemotesIdleService(t *testing.T) {
	_, e, m := newMonitorFixture(t, 50)
	makeHot(e, time.Now().Add(-100*time.Millisecond))

	m.Sweep(context.Background())

	st := e.State()
	if st.Lifecycle != domain.LifecycleCold {
		t.Errorf("lifecycle = %v, want cold after idle sweep", st.Lifecycle)
	}
	if st.Readiness != domain.NotReady {
		t.Errorf("readiness = %v, want not_ready", st.Readiness)
	}
}

func TestSweepKeepsActiveService(t *testing.T) {
	_, e, m := newMonitorFixture(t, 500)
	makeHot(e, time.Now())

	m.Sweep(context.Background())

	if got := e.State().Lifecycle; got != domain.LifecycleHot {
		t.Errorf("lifecycle = %v, want hot (recent activity)", got)
	}
}

func TestZeroIdleTimeoutNeverDemotes(t *testing.T) {
	_, e, m := newMonitorFixture(t, 0)
	makeHot(e, time.Now().Add(-time.Hour))

	m.Sweep(context.Background())

	if got := e.State().Lifecycle; got != domain.LifecycleHot {
		t.Errorf("lifecycle = %v, want hot (idle shutdown disabled)", got)
	}
}

func TestSweepIgnoresColdService(t *testing.T) {
	_, e, m := newMonitorFixture(t, 10)

	m.Sweep(context.Background())

	if got := e.State().Lifecycle; got != domain.LifecycleCold {
		t.Errorf("lifecycle = %v, want cold (untouched)", got)
	}
}

func TestMonitorLoop(t *testing.T) {
	_, e, m := newMonitorFixture(t, 20)
	makeHot(e, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.State().Lifecycle == domain.LifecycleCold {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("idle service never demoted by the running monitor")
}
