package sync

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firesentinel/core/internal/alarms"
	"github.com/firesentinel/core/internal/history"
)

type fakePublisher struct {
	published []string
}

func (f *fakePublisher) Publish(topic string, payload any) {
	f.published = append(f.published, topic)
}

func newTestStore(t *testing.T) *history.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return history.New(client, time.Hour, 16, logrus.NewEntry(logrus.New()))
}

func TestService_DeliverPushesToAllAndSeverityTopics(t *testing.T) {
	pub := &fakePublisher{}
	s := New(newTestStore(t), pub, 50, time.Minute)

	require.NoError(t, s.Deliver(context.Background(), alarms.Event{ID: 1, Severity: "HIGH"}))

	assert.Equal(t, []string{"all", "HIGH"}, pub.published)
}

func TestService_SnapshotBoundsEventsAndSetsWatermark(t *testing.T) {
	store := newTestStore(t)
	pub := &fakePublisher{}
	s := New(store, pub, 1, time.Minute)

	require.NoError(t, store.Write(context.Background(), alarms.Event{ID: 1, DeviceID: "dev-1", Severity: "LOW", Timestamp: time.Now()}))
	require.NoError(t, store.Write(context.Background(), alarms.Event{ID: 2, DeviceID: "dev-1", Severity: "LOW", Timestamp: time.Now()}))

	events, err := s.Snapshot(context.Background(), "client-1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	s.mu.Lock()
	_, ok := s.watermarks["client-1"]
	s.mu.Unlock()
	assert.True(t, ok)
}

func TestService_DeltaFallsBackToSnapshotForUnknownClient(t *testing.T) {
	store := newTestStore(t)
	s := New(store, &fakePublisher{}, 50, time.Minute)

	require.NoError(t, store.Write(context.Background(), alarms.Event{ID: 1, DeviceID: "dev-1", Severity: "LOW", Timestamp: time.Now()}))

	events, err := s.Delta(context.Background(), "new-client")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
