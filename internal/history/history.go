// Package history implements the History Store: a Redis sorted-set
// time-indexed alarm archive with secondary indices, retention sweeping,
// and a bounded in-memory ring fallback for store-unavailable degradation.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/firesentinel/core/internal/alarms"
)

const (
	globalIndex = "history:all"
)

func deviceIndex(deviceID string) string { return "history:device:" + deviceID }
func severityIndex(sev string) string    { return "history:severity:" + sev }
func typeIndex(alarmType string) string  { return "history:type:" + alarmType }
func recordKey(id int64) string          { return fmt.Sprintf("history:record:%d", id) }

// Store is the History Store.
type Store struct {
	client    *redis.Client
	retention time.Duration
	log       *logrus.Entry

	ring *ring
}

// New builds a Store with the given retention window and in-memory ring
// capacity.
func New(client *redis.Client, retention time.Duration, ringCapacity int, log *logrus.Entry) *Store {
	return &Store{
		client:    client,
		retention: retention,
		log:       log.WithField("component", "history"),
		ring:      newRing(ringCapacity),
	}
}

// Write persists ev to the global and secondary indices, scored by its
// timestamp. On Redis failure it falls back to the in-memory ring.
func (s *Store) Write(ctx context.Context, ev alarms.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("history: marshal event: %w", err)
	}
	score := float64(ev.Timestamp.UnixMilli())

	pipe := s.client.Pipeline()
	pipe.Set(ctx, recordKey(ev.ID), data, s.retention)
	pipe.ZAdd(ctx, globalIndex, redis.Z{Score: score, Member: ev.ID})
	pipe.Expire(ctx, globalIndex, s.retention)
	pipe.ZAdd(ctx, deviceIndex(ev.DeviceID), redis.Z{Score: score, Member: ev.ID})
	pipe.Expire(ctx, deviceIndex(ev.DeviceID), s.retention)
	pipe.ZAdd(ctx, severityIndex(ev.Severity), redis.Z{Score: score, Member: ev.ID})
	pipe.Expire(ctx, severityIndex(ev.Severity), s.retention)
	pipe.ZAdd(ctx, typeIndex(ev.AlarmType), redis.Z{Score: score, Member: ev.ID})
	pipe.Expire(ctx, typeIndex(ev.AlarmType), s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		s.log.WithError(err).Warn("history store unavailable, writing to in-memory ring")
		s.ring.push(ev)
		return nil
	}
	return nil
}

// degraded reports whether reads should be served from the ring: it pings
// Redis on every call and reports true when the ping fails.
func (s *Store) degraded(ctx context.Context) bool {
	_, err := s.client.Ping(ctx).Result()
	return err != nil
}

// Recent returns the N most recent alarms, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]alarms.Event, error) {
	if s.degraded(ctx) {
		return s.ring.recent(n), nil
	}
	return s.fetchByIndex(ctx, globalIndex, n)
}

// ByDevice returns the N most recent alarms for a device.
func (s *Store) ByDevice(ctx context.Context, deviceID string, n int) ([]alarms.Event, error) {
	if s.degraded(ctx) {
		return s.ring.filterRecent(n, func(e alarms.Event) bool { return e.DeviceID == deviceID }), nil
	}
	return s.fetchByIndex(ctx, deviceIndex(deviceID), n)
}

// BySeverity returns the N most recent alarms of a given severity.
func (s *Store) BySeverity(ctx context.Context, severity string, n int) ([]alarms.Event, error) {
	if s.degraded(ctx) {
		return s.ring.filterRecent(n, func(e alarms.Event) bool { return e.Severity == severity }), nil
	}
	return s.fetchByIndex(ctx, severityIndex(severity), n)
}

// ByType returns the N most recent alarms of a given alarm type.
func (s *Store) ByType(ctx context.Context, alarmType string, n int) ([]alarms.Event, error) {
	if s.degraded(ctx) {
		return s.ring.filterRecent(n, func(e alarms.Event) bool { return e.AlarmType == alarmType }), nil
	}
	return s.fetchByIndex(ctx, typeIndex(alarmType), n)
}

// InWindow returns alarms with timestamps in [start, end].
func (s *Store) InWindow(ctx context.Context, start, end time.Time) ([]alarms.Event, error) {
	if s.degraded(ctx) {
		startMs, endMs := start.UnixMilli(), end.UnixMilli()
		return s.ring.filterRecent(s.ring.capacity, func(e alarms.Event) bool {
			ms := e.Timestamp.UnixMilli()
			return ms >= startMs && ms <= endMs
		}), nil
	}

	ids, err := s.client.ZRangeByScore(ctx, globalIndex, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", start.UnixMilli()),
		Max: fmt.Sprintf("%d", end.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("history: in_window: %w", err)
	}
	return s.hydrate(ctx, ids)
}

func (s *Store) fetchByIndex(ctx context.Context, index string, n int) ([]alarms.Event, error) {
	ids, err := s.client.ZRevRange(ctx, index, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("history: zrevrange %s: %w", index, err)
	}
	return s.hydrate(ctx, ids)
}

func (s *Store) hydrate(ctx context.Context, ids []string) ([]alarms.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = "history:record:" + id
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("history: mget records: %w", err)
	}

	out := make([]alarms.Event, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var ev alarms.Event
		if err := json.Unmarshal([]byte(str), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// secondaryIndexPatterns are the key prefixes of the per-device,
// per-severity, and per-type indices. Unlike the global index, their exact
// keys aren't known in advance, so Sweep discovers them with SCAN.
var secondaryIndexPatterns = []string{"history:device:*", "history:severity:*", "history:type:*"}

// Sweep removes entries older than the retention cutoff from the global
// index and every secondary index (all of which share the same retention
// window). It is idempotent and safe to run on a schedule.
func (s *Store) Sweep(ctx context.Context) error {
	cutoff := float64(time.Now().Add(-s.retention).UnixMilli())

	if err := s.sweepIndex(ctx, globalIndex, cutoff); err != nil {
		return err
	}

	for _, pattern := range secondaryIndexPatterns {
		var cursor uint64
		for {
			keys, nextCursor, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return fmt.Errorf("history: scan %s: %w", pattern, err)
			}
			for _, key := range keys {
				if err := s.sweepIndex(ctx, key, cutoff); err != nil {
					return err
				}
			}
			cursor = nextCursor
			if cursor == 0 {
				break
			}
		}
	}
	return nil
}

func (s *Store) sweepIndex(ctx context.Context, index string, cutoff float64) error {
	if err := s.client.ZRemRangeByScore(ctx, index, "-inf", fmt.Sprintf("%f", cutoff)).Err(); err != nil {
		return fmt.Errorf("history: sweep %s: %w", index, err)
	}
	return nil
}

// Probe is the availability check an operator alert watches: a trivial
// existence check against the backing store.
func (s *Store) Probe(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// ring is a bounded, oldest-first-eviction in-memory fallback.
type ring struct {
	mu       sync.Mutex
	capacity int
	buf      []alarms.Event
	next     int
	full     bool
}

func newRing(capacity int) *ring {
	return &ring{capacity: capacity, buf: make([]alarms.Event, capacity)}
}

func (r *ring) push(ev alarms.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = ev
	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) recent(n int) []alarms.Event {
	return r.filterRecent(n, func(alarms.Event) bool { return true })
}

func (r *ring) filterRecent(n int, pred func(alarms.Event) bool) []alarms.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = r.capacity
	}

	var out []alarms.Event
	for i := 0; i < size && len(out) < n; i++ {
		idx := (r.next - 1 - i + r.capacity) % r.capacity
		ev := r.buf[idx]
		if pred(ev) {
			out = append(out, ev)
		}
	}
	return out
}
