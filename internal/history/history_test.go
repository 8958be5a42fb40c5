package history

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
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, 24*time.Hour, 10, logrus.NewEntry(logrus.New())), mr
}

func sampleEvent(id int64, deviceID, severity, alarmType string, ts time.Time) alarms.Event {
	return alarms.Event{ID: id, DeviceID: deviceID, Severity: severity, AlarmType: alarmType, Timestamp: ts}
}

func TestStore_WriteAndRecent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, sampleEvent(1, "dev-1", "HIGH", "FIRE", time.Now())))
	require.NoError(t, s.Write(ctx, sampleEvent(2, "dev-1", "LOW", "SMOKE", time.Now())))

	recent, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
	assert.Equal(t, int64(2), recent[0].ID, "expected newest first")
}

func TestStore_ByDeviceFiltersCorrectly(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, sampleEvent(1, "dev-1", "HIGH", "FIRE", time.Now())))
	require.NoError(t, s.Write(ctx, sampleEvent(2, "dev-2", "HIGH", "FIRE", time.Now())))

	events, err := s.ByDevice(ctx, "dev-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "dev-1", events[0].DeviceID)
}

func TestStore_BySeverity(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, sampleEvent(1, "dev-1", "HIGH", "FIRE", time.Now())))
	require.NoError(t, s.Write(ctx, sampleEvent(2, "dev-1", "LOW", "SMOKE", time.Now())))

	events, err := s.BySeverity(ctx, "HIGH", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "HIGH", events[0].Severity)
}

func TestStore_FallsBackToRingWhenRedisUnavailable(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	mr.Close()

	require.NoError(t, s.Write(ctx, sampleEvent(1, "dev-1", "HIGH", "FIRE", time.Now())))

	recent, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, int64(1), recent[0].ID)
}

func TestStore_SweepRemovesExpiredEntriesFromEveryIndex(t *testing.T) {
	s, mr := newTestStore(t)
	s.retention = time.Hour
	ctx := context.Background()

	old := sampleEvent(1, "dev-1", "HIGH", "FIRE", time.Now().Add(-2*time.Hour))
	require.NoError(t, s.Write(ctx, old))
	fresh := sampleEvent(2, "dev-1", "HIGH", "FIRE", time.Now())
	require.NoError(t, s.Write(ctx, fresh))

	require.NoError(t, s.Sweep(ctx))

	for _, idx := range []string{globalIndex, deviceIndex("dev-1"), severityIndex("HIGH"), typeIndex("FIRE")} {
		members, err := mr.ZMembers(idx)
		require.NoError(t, err)
		assert.NotContains(t, members, "1", "expired entry should be swept from %s", idx)
		assert.Contains(t, members, "2", "live entry should survive the sweep in %s", idx)
	}
}

func TestRing_EvictsOldestWhenFull(t *testing.T) {
	r := newRing(2)
	r.push(sampleEvent(1, "d", "HIGH", "FIRE", time.Now()))
	r.push(sampleEvent(2, "d", "HIGH", "FIRE", time.Now()))
	r.push(sampleEvent(3, "d", "HIGH", "FIRE", time.Now()))

	recent := r.recent(10)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(3), recent[0].ID)
	assert.Equal(t, int64(2), recent[1].ID)
}
