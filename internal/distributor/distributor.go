// Package distributor fans alarms out to independent sinks, each wrapped
// with circuit-breaker + retry + bulkhead + timeout isolation so one
// sink's failure never blocks the others.
package distributor

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"

	"github.com/firesentinel/core/internal/alarms"
	"github.com/firesentinel/core/internal/metrics"
)

// Sink delivers one alarm event to a destination (history store, websocket
// hub, pub/sub, sync service).
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev alarms.Event) error
}

// RetryPolicy bounds retry attempts with exponential backoff and jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// guardedSink wraps a Sink with its own circuit breaker, bulkhead
// semaphore, and timeout.
type guardedSink struct {
	sink     Sink
	breaker  *gobreaker.CircuitBreaker[struct{}]
	bulkhead chan struct{}
	timeout  time.Duration
	retry    RetryPolicy
	metrics  *metrics.Collector
}

func newGuardedSink(sink Sink, concurrency int, timeout time.Duration, retry RetryPolicy, failureRate float64, cooldown time.Duration, m *metrics.Collector) *guardedSink {
	settings := gobreaker.Settings{
		Name:    sink.Name(),
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= failureRate
		},
	}
	return &guardedSink{
		sink:     sink,
		breaker:  gobreaker.NewCircuitBreaker[struct{}](settings),
		bulkhead: make(chan struct{}, concurrency),
		timeout:  timeout,
		retry:    retry,
		metrics:  m,
	}
}

func (g *guardedSink) deliver(ctx context.Context, ev alarms.Event) {
	select {
	case g.bulkhead <- struct{}{}:
		defer func() { <-g.bulkhead }()
	case <-ctx.Done():
		g.metrics.DistributorOutcome.WithLabelValues(g.sink.Name(), "bulkhead_full").Inc()
		return
	}

	start := time.Now()
	_, err := g.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, g.deliverWithRetry(ctx, ev)
	})
	g.metrics.DistributorLatency.WithLabelValues(g.sink.Name()).Observe(time.Since(start).Seconds())

	if err != nil {
		g.metrics.DistributorOutcome.WithLabelValues(g.sink.Name(), "failed").Inc()
		return
	}
	g.metrics.DistributorOutcome.WithLabelValues(g.sink.Name(), "delivered").Inc()
}

func (g *guardedSink) deliverWithRetry(ctx context.Context, ev alarms.Event) error {
	var lastErr error
	for attempt := 0; attempt < g.retry.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
		err := g.sink.Deliver(attemptCtx, ev)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < g.retry.MaxAttempts-1 {
			time.Sleep(jitteredBackoff(g.retry.BaseDelay, attempt))
		}
	}
	return fmt.Errorf("distributor: sink %s failed after %d attempts: %w", g.sink.Name(), g.retry.MaxAttempts, lastErr)
}

func jitteredBackoff(base time.Duration, attempt int) time.Duration {
	d := base * time.Duration(1<<attempt)
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d + jitter
}

// Distributor runs its sinks concurrently and independently for each
// alarm.
type Distributor struct {
	sinks []*guardedSink
}

// Config bundles the resiliency knobs shared by every sink.
type Config struct {
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	CircuitFailureRate  float64
	CircuitCooldown     time.Duration
	BulkheadConcurrency int
	Timeout             time.Duration
}

// New builds a Distributor wrapping each sink with the given resiliency
// config.
func New(cfg Config, m *metrics.Collector, sinks ...Sink) *Distributor {
	retry := RetryPolicy{MaxAttempts: cfg.RetryMaxAttempts, BaseDelay: cfg.RetryBaseDelay}
	d := &Distributor{}
	for _, s := range sinks {
		d.sinks = append(d.sinks, newGuardedSink(s, cfg.BulkheadConcurrency, cfg.Timeout, retry, cfg.CircuitFailureRate, cfg.CircuitCooldown, m))
	}
	return d
}

// Distribute fans ev out to every sink concurrently. It returns once all
// sinks have been attempted; failures are isolated per-sink and never
// propagate.
func (d *Distributor) Distribute(ctx context.Context, ev alarms.Event) {
	done := make(chan struct{}, len(d.sinks))
	for _, s := range d.sinks {
		go func(s *guardedSink) {
			defer func() { done <- struct{}{} }()
			s.deliver(ctx, ev)
		}(s)
	}
	for range d.sinks {
		<-done
	}
}
