// Package config loads and hot-reloads FireSentinel Core's YAML
// configuration using yaml.v3 for decoding and fsnotify for the watch.
package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Session covers §4.C / §6 session-layer tunables.
type Session struct {
	IdleSeconds     int `yaml:"idle_seconds"`
	MaxPendingWrite int `yaml:"max_pending_writes"`
}

// Prefilter covers §4.D thresholds, one per sensor type.
type Prefilter struct {
	TemperatureThreshold float64 `yaml:"temperature_threshold"`
	HumidityThreshold    float64 `yaml:"humidity_threshold"`
	SmokeFloor           float64 `yaml:"smoke_floor"`
	COFloor              float64 `yaml:"co_floor"`
}

// Queue covers §4.E partitioning and consumer concurrency.
type Queue struct {
	Partitions                  int `yaml:"partitions"`
	NormalConcurrency           int `yaml:"normal_concurrency"`
	BackpressureConcurrency     int `yaml:"backpressure_concurrency"`
	BackpressureBatchSize       int `yaml:"backpressure_batch_size"`
	PublishMaxAttempts          int `yaml:"publish_max_attempts"`
	PublishBackoffMilliseconds  int `yaml:"publish_backoff_ms"`
}

// Dedup covers §4.H.
type Dedup struct {
	Enabled        bool `yaml:"enabled"`
	WindowSeconds  int  `yaml:"window_seconds"`
}

// Suppression covers §4.M.
type Suppression struct {
	AutoExpireSeconds int `yaml:"auto_expire_seconds"`
}

// History covers §4.L.
type History struct {
	RetentionDays         int `yaml:"retention_days"`
	InMemoryFallbackSize  int `yaml:"in_memory_fallback_size"`
	SweepIntervalMinutes  int `yaml:"sweep_interval_minutes"`
}

// Distributor covers §4.K per-sink resiliency knobs.
type Distributor struct {
	RetryMaxAttempts   int     `yaml:"retry_max_attempts"`
	RetryBackoffMillis int     `yaml:"retry_backoff_ms"`
	CircuitFailureRate float64 `yaml:"circuit_failure_rate"`
	CircuitCooldownMs  int     `yaml:"circuit_cooldown_ms"`
	BulkheadConcurrency int    `yaml:"bulkhead_concurrency"`
	TimeoutMillis       int    `yaml:"timeout_ms"`
}

// Sync covers §4.N.
type Sync struct {
	SnapshotIntervalSeconds  int `yaml:"snapshot_interval_seconds"`
	MaxEventsPerSnapshot     int `yaml:"max_events_per_snapshot"`
	BroadcastIntervalSeconds int `yaml:"broadcast_interval_seconds"`
}

// Token covers §4.B TTLs.
type Token struct {
	AccessTTLSeconds  int `yaml:"access_ttl_seconds"`
	RefreshTTLSeconds int `yaml:"refresh_ttl_seconds"`
}

// AuthRateLimit configures the rate limit on authentication attempts.
type AuthRateLimit struct {
	MaxAttempts   int `yaml:"max_attempts"`
	WindowSeconds int `yaml:"window_seconds"`
}

// ID covers §4.A.
type ID struct {
	NodeID int64 `yaml:"node_id"`
}

// Config is the full, validated configuration tree.
type Config struct {
	Session       Session       `yaml:"session"`
	Prefilter     Prefilter     `yaml:"prefilter"`
	Queue         Queue         `yaml:"queue"`
	Dedup         Dedup         `yaml:"dedup"`
	Suppression   Suppression   `yaml:"suppression"`
	History       History       `yaml:"history"`
	Distributor   Distributor   `yaml:"distributor"`
	Sync          Sync          `yaml:"sync"`
	Token         Token         `yaml:"token"`
	AuthRateLimit AuthRateLimit `yaml:"auth_rate_limit"`
	ID            ID            `yaml:"id"`
}

// Defaults returns the configuration baseline used when no override is set.
func Defaults() *Config {
	return &Config{
		Session:     Session{IdleSeconds: 10, MaxPendingWrite: 256},
		Prefilter:   Prefilter{TemperatureThreshold: 0.5, HumidityThreshold: 1.0, SmokeFloor: 10, COFloor: 10},
		Queue:       Queue{Partitions: 6, NormalConcurrency: 8, BackpressureConcurrency: 2, BackpressureBatchSize: 50, PublishMaxAttempts: 5, PublishBackoffMilliseconds: 100},
		Dedup:       Dedup{Enabled: true, WindowSeconds: 300},
		Suppression: Suppression{AutoExpireSeconds: 1800},
		History:     History{RetentionDays: 30, InMemoryFallbackSize: 1000, SweepIntervalMinutes: 60},
		Distributor: Distributor{RetryMaxAttempts: 3, RetryBackoffMillis: 100, CircuitFailureRate: 0.5, CircuitCooldownMs: 5000, BulkheadConcurrency: 16, TimeoutMillis: 2000},
		Sync:        Sync{SnapshotIntervalSeconds: 300, MaxEventsPerSnapshot: 1000, BroadcastIntervalSeconds: 60},
		Token:       Token{AccessTTLSeconds: 300, RefreshTTLSeconds: 86400},
		AuthRateLimit: AuthRateLimit{MaxAttempts: 10, WindowSeconds: 60},
		ID:          ID{NodeID: -1},
	}
}

// Load reads and parses the YAML file at path, filling unset fields from
// Defaults().
func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Watcher holds an atomically-swapped configuration pointer that is kept in
// sync with the on-disk file via fsnotify.
type Watcher struct {
	path    string
	current atomic.Pointer[Config]
	log     *logrus.Entry
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher loads path once and starts watching it for changes.
func NewWatcher(path string, log *logrus.Entry) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	w := &Watcher{path: path, log: log.WithField("component", "config"), done: make(chan struct{})}
	w.current.Store(cfg)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new fsnotify watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		// A config file that doesn't exist yet just means we run on
		// defaults until it's created; that isn't fatal.
		w.log.WithError(err).Warn("unable to watch config file, running on defaults")
	}
	w.watcher = fw

	go w.run()
	return w, nil
}

// Current returns the most recently loaded configuration. Safe to call
// concurrently; readers never block writers.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

func (w *Watcher) run() {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debounce.Reset(50 * time.Millisecond)
		case <-debounce.C:
			cfg, err := Load(w.path)
			if err != nil {
				w.log.WithError(err).Error("config reload failed, keeping previous configuration")
				continue
			}
			w.current.Store(cfg)
			w.log.Info("configuration reloaded")
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config watcher error")
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
