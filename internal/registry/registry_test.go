package registry

import (
	"testing"
	"time"

	"github.com/hestia-gateway/hestia/internal/domain"
)

func testConfig(id string) *domain.ServiceConfig {
	return &domain.ServiceConfig{
		ID:                    id,
		BaseURL:               "http://" + id + ":8000",
		QueueSize:             4,
		RequestTimeoutSeconds: 5,
	}
}

func TestGetAndList(t *testing.T) {
	r := New()
	r.Apply(map[string]*domain.ServiceConfig{
		"svc-a": testConfig("svc-a"),
		"svc-b": testConfig("svc-b"),
	}, "")

	if _, ok := r.Get("svc-a"); !ok {
		t.Fatal("svc-a should exist")
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatal("missing service should not resolve")
	}
	if got := len(r.List()); got != 2 {
		t.Errorf("List() = %d entries, want 2", got)
	}
}

func TestNewEntryStartsCold(t *testing.T) {
	r := New()
	r.Apply(map[string]*domain.ServiceConfig{"svc-a": testConfig("svc-a")}, "")

	e, _ := r.Get("svc-a")
	st := e.State()
	if st.Lifecycle != domain.LifecycleCold {
		t.Errorf("lifecycle = %v, want cold", st.Lifecycle)
	}
	if st.Readiness != domain.NotReady {
		t.Errorf("readiness = %v, want not_ready", st.Readiness)
	}
}

func TestResolveSyntheticDefault(t *testing.T) {
	r := New()
	r.Apply(map[string]*domain.ServiceConfig{"svc-a": testConfig("svc-a")}, "svc-a")

	e, ok := r.Resolve("unknown-client")
	if !ok {
		t.Fatal("unknown id should resolve via default service")
	}
	cfg := e.Config()
	if cfg.ID != "unknown-client" {
		t.Errorf("synthetic entry id = %q, want unknown-client", cfg.ID)
	}
	if cfg.BaseURL != "http://svc-a:8000" {
		t.Errorf("synthetic entry base url = %q", cfg.BaseURL)
	}

	// State is namespaced: touching the synthetic entry leaves the default alone.
	e.Touch(time.Now())
	def, _ := r.Get("svc-a")
	if !def.State().LastActivity.IsZero() {
		t.Error("default service activity should be untouched")
	}
}

func TestResolveNoDefault(t *testing.T) {
	r := New()
	r.Apply(map[string]*domain.ServiceConfig{"svc-a": testConfig("svc-a")}, "")

	if _, ok := r.Resolve("unknown"); ok {
		t.Fatal("unknown id without a default should not resolve")
	}
}

func TestApplyPreservesState(t *testing.T) {
	r := New()
	r.Apply(map[string]*domain.ServiceConfig{"svc-a": testConfig("svc-a")}, "")

	e, _ := r.Get("svc-a")
	e.Update(func(_ *domain.ServiceConfig, st *domain.ServiceState) {
		st.Lifecycle = domain.LifecycleHot
		st.Readiness = domain.Ready
	})

	updated := testConfig("svc-a")
	updated.IdleTimeoutMs = 500
	r.Apply(map[string]*domain.ServiceConfig{"svc-a": updated}, "")

	e2, _ := r.Get("svc-a")
	if e2 != e {
		t.Fatal("reload should keep the existing entry")
	}
	if e2.Config().IdleTimeoutMs != 500 {
		t.Error("reload should swap the config")
	}
	st := e2.State()
	if st.Lifecycle != domain.LifecycleHot || st.Readiness != domain.Ready {
		t.Error("reload should preserve in-flight state")
	}
}

func TestApplyShrinksQueue(t *testing.T) {
	r := New()
	r.Apply(map[string]*domain.ServiceConfig{"svc-a": testConfig("svc-a")}, "")

	e, _ := r.Get("svc-a")
	for i := 0; i < 4; i++ {
		if _, ok := e.Queue().Enqueue(time.Now()); !ok {
			t.Fatalf("enqueue %d rejected", i)
		}
	}

	small := testConfig("svc-a")
	small.QueueSize = 2
	r.Apply(map[string]*domain.ServiceConfig{"svc-a": small}, "")

	if got := e.Queue().Len(); got != 2 {
		t.Errorf("queue depth after shrink = %d, want 2", got)
	}
}

func TestTouchMonotonic(t *testing.T) {
	r := New()
	r.Apply(map[string]*domain.ServiceConfig{"svc-a": testConfig("svc-a")}, "")

	e, _ := r.Get("svc-a")
	later := time.Now()
	earlier := later.Add(-time.Minute)

	e.Touch(later)
	e.Touch(earlier)

	if got := e.State().LastActivity; !got.Equal(later) {
		t.Errorf("LastActivity = %v, want %v (never moves backwards)", got, later)
	}
}
