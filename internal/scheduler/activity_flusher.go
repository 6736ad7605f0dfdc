package scheduler

import (
	"context"
	"time"

	"github.com/hestia-gateway/hestia/internal/logger"
	"github.com/hestia-gateway/hestia/internal/registry"
	redisstore "github.com/hestia-gateway/hestia/internal/store/redis"
)

// DefaultFlushInterval is how often service records are written out.
const DefaultFlushInterval = 30 * time.Second

// ActivityFlusher periodically snapshots live service state into the
// metadata store. Writes are best-effort; the gateway works without them.
type ActivityFlusher struct {
	store    *redisstore.Store
	registry *registry.Registry
	logger   logger.Logger
	interval time.Duration
	stopCh   chan struct{}
}

func NewActivityFlusher(
	store *redisstore.Store,
	reg *registry.Registry,
	log logger.Logger,
	interval time.Duration,
) *ActivityFlusher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &ActivityFlusher{
		store:    store,
		registry: reg,
		logger:   log,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic flush.
func (f *ActivityFlusher) Start(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				f.Flush(ctx)
			case <-f.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop stops the flusher.
func (f *ActivityFlusher) Stop() {
	close(f.stopCh)
}

// Flush writes one record per service.
func (f *ActivityFlusher) Flush(ctx context.Context) {
	entries := f.registry.List()
	recs := make([]*redisstore.ServiceRecord, 0, len(entries))
	for id, e := range entries {
		st := e.State()
		recs = append(recs, &redisstore.ServiceRecord{
			ServiceID:    id,
			Lifecycle:    st.Lifecycle,
			Readiness:    st.Readiness,
			LastActivity: st.LastActivity,
			StartupError: st.StartupError,
		})
	}
	if len(recs) == 0 {
		return
	}
	if err := f.store.SaveRecordsMany(ctx, recs); err != nil {
		f.logger.Warn("failed to flush service records", logger.Error(err))
	}
}
