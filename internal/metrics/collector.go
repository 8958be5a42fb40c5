// Package metrics exposes FireSentinel Core's Prometheus metrics: a
// dedicated registry plus an http.Handler, instrumenting the telemetry
// pipeline end to end.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a dedicated registry and every counter/gauge/histogram the
// core publishes. Components hold a *Collector and call its methods inline
// on their hot paths rather than polling external state, since everything
// here runs in the same binary.
type Collector struct {
	registry *prometheus.Registry

	SessionsActive      prometheus.Gauge
	SessionsTotal       *prometheus.CounterVec
	ReadingsIngested    *prometheus.CounterVec
	ReadingsFiltered    *prometheus.CounterVec
	QueuePublishTotal   *prometheus.CounterVec
	QueueLagEstimate    *prometheus.GaugeVec
	EvaluationsTotal    *prometheus.CounterVec
	AlarmsRaised        *prometheus.CounterVec
	AlarmsSuppressed    *prometheus.CounterVec
	DedupSuppressed     prometheus.Counter
	DistributorOutcome  *prometheus.CounterVec
	DistributorLatency  *prometheus.HistogramVec
	CircuitState        *prometheus.GaugeVec
	HistoryStoreDegraded prometheus.Gauge
	SyncSnapshotsSent   prometheus.Counter
}

// NewCollector builds and registers every metric.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{registry: reg}

	c.SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "firesentinel_sessions_active", Help: "Currently connected device sessions.",
	})
	c.SessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "firesentinel_sessions_total", Help: "Session lifecycle events.",
	}, []string{"outcome"})
	c.ReadingsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "firesentinel_readings_ingested_total", Help: "Sensor readings accepted from sessions.",
	}, []string{"sensor_type"})
	c.ReadingsFiltered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "firesentinel_readings_filtered_total", Help: "Readings dropped by the pre-filter.",
	}, []string{"reason"})
	c.QueuePublishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "firesentinel_queue_publish_total", Help: "Messages published to the partitioned queue.",
	}, []string{"outcome"})
	c.QueueLagEstimate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "firesentinel_queue_lag_estimate", Help: "Pending-message estimate per partition.",
	}, []string{"partition"})
	c.EvaluationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "firesentinel_evaluations_total", Help: "Rule evaluations performed.",
	}, []string{"outcome"})
	c.AlarmsRaised = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "firesentinel_alarms_raised_total", Help: "Alarms emitted by the stream evaluator.",
	}, []string{"severity"})
	c.AlarmsSuppressed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "firesentinel_alarms_suppressed_total", Help: "Alarms withheld due to active hotspot suppression.",
	}, []string{"scope"})
	c.DedupSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "firesentinel_dedup_suppressed_total", Help: "Alarms suppressed as duplicates within the dedup window.",
	})
	c.DistributorOutcome = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "firesentinel_distributor_outcome_total", Help: "Sink delivery outcomes.",
	}, []string{"sink", "outcome"})
	c.DistributorLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "firesentinel_distributor_latency_seconds", Help: "Sink delivery latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"sink"})
	c.CircuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "firesentinel_circuit_state", Help: "Per-sink circuit breaker state (0=closed,1=half-open,2=open).",
	}, []string{"sink"})
	c.HistoryStoreDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "firesentinel_history_store_degraded", Help: "1 when the history store has fallen back to the in-memory ring.",
	})
	c.SyncSnapshotsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "firesentinel_sync_snapshots_sent_total", Help: "Full-state snapshots sent to reconnecting consumers.",
	})

	reg.MustRegister(
		c.SessionsActive, c.SessionsTotal, c.ReadingsIngested, c.ReadingsFiltered,
		c.QueuePublishTotal, c.QueueLagEstimate, c.EvaluationsTotal, c.AlarmsRaised,
		c.AlarmsSuppressed, c.DedupSuppressed, c.DistributorOutcome, c.DistributorLatency,
		c.CircuitState, c.HistoryStoreDegraded, c.SyncSnapshotsSent,
	)
	return c
}

// Handler exposes the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
