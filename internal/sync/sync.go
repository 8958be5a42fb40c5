// Package sync implements the Sync Service: a hybrid push/pull delta and
// snapshot protocol for dashboard clients.
package sync

import (
	"context"
	"sync"
	"time"

	"github.com/firesentinel/core/internal/alarms"
	"github.com/firesentinel/core/internal/history"
)

// Publisher broadcasts push-model events; the websocket hub implements
// this for topics `all`, `{severity}`, and `snapshot`.
type Publisher interface {
	Publish(topic string, payload any)
}

// watermark tracks a client's last-seen point for the pull/delta model.
type watermark struct {
	lastSnapshot time.Time
	events       []alarms.Event
}

// Service implements snapshot/delta pulls and periodic snapshot broadcast.
type Service struct {
	store     *history.Store
	publisher Publisher

	maxEventsPerSnapshot int
	snapshotInterval     time.Duration

	mu         sync.Mutex
	watermarks map[string]*watermark
}

// New builds a Service.
func New(store *history.Store, publisher Publisher, maxEventsPerSnapshot int, snapshotInterval time.Duration) *Service {
	return &Service{
		store:                store,
		publisher:            publisher,
		maxEventsPerSnapshot: maxEventsPerSnapshot,
		snapshotInterval:     snapshotInterval,
		watermarks:           make(map[string]*watermark),
	}
}

// Name identifies this sink to the Distributor.
func (s *Service) Name() string { return "sync" }

// Deliver is called by the Distributor for every successfully-processed
// alarm; it is the "push" half of the hybrid model.
func (s *Service) Deliver(ctx context.Context, ev alarms.Event) error {
	s.publisher.Publish("all", ev)
	s.publisher.Publish(ev.Severity, ev)
	return nil
}

// Snapshot returns at most maxEventsPerSnapshot alarms since `since`
// (defaulting to one hour ago), and updates the client's watermark.
func (s *Service) Snapshot(ctx context.Context, clientID string, since time.Time) ([]alarms.Event, error) {
	if since.IsZero() {
		since = time.Now().Add(-time.Hour)
	}

	events, err := s.store.InWindow(ctx, since, time.Now())
	if err != nil {
		return nil, err
	}
	if len(events) > s.maxEventsPerSnapshot {
		events = events[:s.maxEventsPerSnapshot]
	}

	s.mu.Lock()
	s.watermarks[clientID] = &watermark{lastSnapshot: time.Now(), events: events}
	s.mu.Unlock()

	return events, nil
}

// Delta returns alarms since the client's last snapshot watermark.
func (s *Service) Delta(ctx context.Context, clientID string) ([]alarms.Event, error) {
	s.mu.Lock()
	wm, ok := s.watermarks[clientID]
	s.mu.Unlock()
	if !ok {
		return s.Snapshot(ctx, clientID, time.Time{})
	}

	// Cached snapshots expire after the snapshot interval; a stale
	// watermark forces a fresh snapshot instead of a delta.
	if time.Since(wm.lastSnapshot) > s.snapshotInterval {
		return s.Snapshot(ctx, clientID, wm.lastSnapshot)
	}

	return s.store.InWindow(ctx, wm.lastSnapshot, time.Now())
}

// BroadcastSnapshot periodically pushes a bounded snapshot to topic
// `snapshot` for bootstrapping joiners, until ctx is canceled.
func (s *Service) BroadcastSnapshot(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events, err := s.store.Recent(ctx, s.maxEventsPerSnapshot)
			if err != nil {
				continue
			}
			s.publisher.Publish("snapshot", events)
		}
	}
}
