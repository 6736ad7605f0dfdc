package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hestia-gateway/hestia/internal/domain"
)

const (
	// DefaultRecordTTL is the TTL for persisted service records
	DefaultRecordTTL = 48 * time.Hour
	// ActivityHistoryLimit bounds each service's activity list
	ActivityHistoryLimit = 500
)

// ServiceRecord is the long-lived metadata persisted per service. In-flight
// queues are never persisted.
type ServiceRecord struct {
	ServiceID    string           `json:"serviceId"`
	Lifecycle    domain.Lifecycle `json:"lifecycle"`
	Readiness    domain.Readiness `json:"readiness"`
	LastActivity time.Time        `json:"lastActivityAt"`
	StartupError string           `json:"startupError,omitempty"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// ActivityEvent is one entry in a service's activity history.
type ActivityEvent struct {
	ServiceID string    `json:"serviceId"`
	Kind      string    `json:"kind"` // request, startup, shutdown
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Store handles Redis operations for service records, activity history and
// API keys.
type Store struct {
	client *redis.Client
}

// NewStore creates a new Redis store
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// SaveRecord persists a service record.
func (s *Store) SaveRecord(ctx context.Context, rec *ServiceRecord) error {
	rec.UpdatedAt = time.Now()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal service record: %w", err)
	}

	if err := s.client.Set(ctx, ServiceKey(rec.ServiceID), data, DefaultRecordTTL).Err(); err != nil {
		return fmt.Errorf("failed to save service record: %w", err)
	}
	if err := s.client.SAdd(ctx, KeyAllServices, rec.ServiceID).Err(); err != nil {
		return fmt.Errorf("failed to add service to set: %w", err)
	}
	return nil
}

// SaveRecordsMany persists multiple records in one pipeline.
func (s *Store) SaveRecordsMany(ctx context.Context, recs []*ServiceRecord) error {
	pipe := s.client.Pipeline()
	now := time.Now()
	for _, rec := range recs {
		rec.UpdatedAt = now
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record %s: %w", rec.ServiceID, err)
		}
		pipe.Set(ctx, ServiceKey(rec.ServiceID), data, DefaultRecordTTL)
		pipe.SAdd(ctx, KeyAllServices, rec.ServiceID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save service records: %w", err)
	}
	return nil
}

// GetRecord retrieves a persisted service record.
func (s *Store) GetRecord(ctx context.Context, id string) (*ServiceRecord, error) {
	data, err := s.client.Get(ctx, ServiceKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("service record not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get service record: %w", err)
	}

	var rec ServiceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal service record: %w", err)
	}
	return &rec, nil
}

// RecordActivity appends an event to a service's bounded history list.
func (s *Store) RecordActivity(ctx context.Context, ev *ActivityEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal activity event: %w", err)
	}

	key := ActivityKey(ev.ServiceID)
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, ActivityHistoryLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	return nil
}

// GetActivity returns up to limit recent events, newest first.
func (s *Store) GetActivity(ctx context.Context, serviceID string, limit int) ([]*ActivityEvent, error) {
	if limit <= 0 || limit > ActivityHistoryLimit {
		limit = ActivityHistoryLimit
	}
	raw, err := s.client.LRange(ctx, ActivityKey(serviceID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read activity history: %w", err)
	}

	events := make([]*ActivityEvent, 0, len(raw))
	for _, item := range raw {
		var ev ActivityEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		events = append(events, &ev)
	}
	return events, nil
}

// IsAPIKey reports whether key is in the persisted key set.
func (s *Store) IsAPIKey(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, KeyAPIKeys, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check api key: %w", err)
	}
	return ok, nil
}

// AddAPIKey adds a key to the persisted key set.
func (s *Store) AddAPIKey(ctx context.Context, key string) error {
	if err := s.client.SAdd(ctx, KeyAPIKeys, key).Err(); err != nil {
		return fmt.Errorf("failed to add api key: %w", err)
	}
	return nil
}
