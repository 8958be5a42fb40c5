package distributor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firesentinel/core/internal/alarms"
	"github.com/firesentinel/core/internal/metrics"
)

type recordingSink struct {
	name string

	mu        sync.Mutex
	delivered []alarms.Event
	failNext  int
	err       error
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(ctx context.Context, ev alarms.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return s.err
	}
	s.delivered = append(s.delivered, ev)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

func testConfig() Config {
	return Config{
		RetryMaxAttempts:    2,
		RetryBaseDelay:      time.Millisecond,
		CircuitFailureRate:  0.5,
		CircuitCooldown:     10 * time.Millisecond,
		BulkheadConcurrency: 4,
		Timeout:             time.Second,
	}
}

func TestDistributor_DeliversToEverySink(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	d := New(testConfig(), metrics.NewCollector(), a, b)

	d.Distribute(context.Background(), alarms.Event{ID: 1, DeviceID: "dev-1"})

	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
}

func TestDistributor_OneSinkFailingDoesNotBlockAnother(t *testing.T) {
	failing := &recordingSink{name: "failing", failNext: 10, err: errors.New("unreachable")}
	healthy := &recordingSink{name: "healthy"}
	d := New(testConfig(), metrics.NewCollector(), failing, healthy)

	d.Distribute(context.Background(), alarms.Event{ID: 1, DeviceID: "dev-1"})

	assert.Equal(t, 0, failing.count())
	assert.Equal(t, 1, healthy.count())
}

func TestDistributor_RetriesBeforeGivingUp(t *testing.T) {
	flaky := &recordingSink{name: "flaky", failNext: 1, err: errors.New("transient")}
	d := New(testConfig(), metrics.NewCollector(), flaky)

	d.Distribute(context.Background(), alarms.Event{ID: 1, DeviceID: "dev-1"})

	require.Equal(t, 1, flaky.count())
}
