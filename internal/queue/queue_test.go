package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueue_PartitionIsDeterministic(t *testing.T) {
	q := &Queue{partitions: 6}
	p1 := q.Partition("device-123")
	p2 := q.Partition("device-123")
	assert.Equal(t, p1, p2)
	assert.GreaterOrEqual(t, p1, 0)
	assert.Less(t, p1, 6)
}

func TestQueue_PartitionSpreadsAcrossDevices(t *testing.T) {
	q := &Queue{partitions: 6}
	seen := make(map[int]bool)
	for i := 0; i < 100; i++ {
		seen[q.Partition(fmt.Sprintf("device-%d", i))] = true
	}
	assert.Greater(t, len(seen), 1, "expected devices to spread across more than one partition")
}

func TestJitteredBackoff_GrowsWithAttempt(t *testing.T) {
	d0 := jitteredBackoff(100*time.Millisecond, 0)
	d2 := jitteredBackoff(100*time.Millisecond, 2)
	assert.Greater(t, d2, d0)
}

func TestPartitionSubject_IncludesTopicAndIndex(t *testing.T) {
	s := partitionSubject(TopicSensorData, 3)
	assert.Contains(t, s, "sensor-data")
	assert.Contains(t, s, "p3")
}
