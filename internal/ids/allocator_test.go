package ids

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocator_MonotonicPerNodeAndType(t *testing.T) {
	a, err := NewAllocator(7)
	require.NoError(t, err)

	var last int64
	for i := 0; i < 5000; i++ {
		id, err := a.Next(TypeAlarm)
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
}

func TestAllocator_UnpackRoundTrip(t *testing.T) {
	a, err := NewAllocator(42)
	require.NoError(t, err)

	id, err := a.Next(TypeReading)
	require.NoError(t, err)

	u := Unpack(id)
	assert.Equal(t, int64(42), u.Node)
	assert.Equal(t, int64(TypeReading), u.Type)
	assert.WithinDuration(t, time.Now(), u.Timestamp, time.Second)
}

func TestAllocator_RejectsOutOfRangeType(t *testing.T) {
	a, err := NewAllocator(1)
	require.NoError(t, err)

	_, err = a.Next(32)
	assert.Error(t, err)
}

func TestAllocator_ClockRegression(t *testing.T) {
	a, err := NewAllocator(1)
	require.NoError(t, err)

	a.lastMs = nowMs() + 1_000_000
	_, err = a.Next(TypeAlarm)
	require.Error(t, err)

	var regression *ErrClockRegression
	assert.ErrorAs(t, err, &regression)
}
