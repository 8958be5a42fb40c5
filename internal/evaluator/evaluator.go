// Package evaluator implements the Stream Evaluator: matches incoming
// readings against the Rule Store's hot-path thresholds using a lock-free
// atomically-swapped snapshot.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/firesentinel/core/internal/prefilter"
	"github.com/firesentinel/core/internal/rules"
)

const hotKeyPrefix = "rule_threshold:"

type hotEntry struct {
	RuleID        string         `json:"rule_id"`
	Operator      rules.Operator `json:"operator"`
	Threshold     float64        `json:"threshold"`
	WindowSeconds int            `json:"window_seconds"`
	AlarmType     string         `json:"alarm_type"`
	Severity      rules.Severity `json:"severity"`
	Location      string         `json:"location"`
}

type ruleKey struct {
	deviceID   string
	sensorType string
}

// Snapshot is the immutable set of hot-path rules, keyed by
// (device_id, sensor_type).
type Snapshot struct {
	entries map[ruleKey][]hotEntry
}

func emptySnapshot() *Snapshot {
	return &Snapshot{entries: make(map[ruleKey][]hotEntry)}
}

// CandidateAlarm is produced when a reading trips a rule.
type CandidateAlarm struct {
	RuleID     string
	DeviceID   string
	SensorType string
	Operator   rules.Operator
	Threshold  float64
	Value      float64
	Unit       string
	Location   string
	AlarmType  string
	Severity   rules.Severity
	Timestamp  time.Time

	// Fingerprint identifies this (rule, device, sensor) combination for
	// downstream deduplication and windowing.
	Fingerprint string
}

type windowState struct {
	lastFired time.Time
}

// Evaluator holds the current rule snapshot and per-fingerprint window
// bookkeeping.
type Evaluator struct {
	snapshot atomic.Pointer[Snapshot]
	redis    *redis.Client
	log      *logrus.Entry

	mu      sync.Mutex
	windows map[string]windowState

	unhealthyMu sync.Mutex
	unhealthy   map[string]string // rule_id -> reason
}

// New builds an Evaluator backed by redisClient for hot-path reads.
func New(redisClient *redis.Client, log *logrus.Entry) *Evaluator {
	e := &Evaluator{
		redis:     redisClient,
		log:       log.WithField("component", "evaluator"),
		windows:   make(map[string]windowState),
		unhealthy: make(map[string]string),
	}
	e.snapshot.Store(emptySnapshot())
	return e
}

// RefreshSnapshot rebuilds the full snapshot from Redis by scanning all
// hot-path keys, and atomically swaps it in. Readers in Evaluate never
// block on this.
func (e *Evaluator) RefreshSnapshot(ctx context.Context) error {
	next := emptySnapshot()

	var cursor uint64
	for {
		keys, nextCursor, err := e.redis.Scan(ctx, cursor, hotKeyPrefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("evaluator: scan hot path: %w", err)
		}
		for _, key := range keys {
			parts := strings.SplitN(strings.TrimPrefix(key, hotKeyPrefix), ":", 2)
			if len(parts) != 2 {
				continue
			}
			k := ruleKey{deviceID: parts[0], sensorType: parts[1]}

			fields, err := e.redis.HGetAll(ctx, key).Result()
			if err != nil {
				e.log.WithError(err).WithField("key", key).Warn("failed to load hot-path entries")
				continue
			}
			for _, m := range fields {
				var entry hotEntry
				if err := json.Unmarshal([]byte(m), &entry); err != nil {
					e.markUnhealthy("", fmt.Sprintf("malformed hot entry: %v", err))
					continue
				}
				next.entries[k] = append(next.entries[k], entry)
			}
		}
		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	e.snapshot.Store(next)
	return nil
}

// WatchChanges subscribes to rule change notifications and refreshes the
// snapshot on each one, so a rule change is visible within one evaluation
// cycle.
func (e *Evaluator) WatchChanges(ctx context.Context, nc *nats.Conn) (*nats.Subscription, error) {
	sub, err := nc.Subscribe(rules.ChangeSubject, func(msg *nats.Msg) {
		if err := e.RefreshSnapshot(ctx); err != nil {
			e.log.WithError(err).Error("snapshot refresh failed after rule change")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("evaluator: subscribe to rule changes: %w", err)
	}
	return sub, nil
}

func (e *Evaluator) markUnhealthy(ruleID, reason string) {
	e.unhealthyMu.Lock()
	defer e.unhealthyMu.Unlock()
	e.unhealthy[ruleID] = reason
}

// Evaluate matches one forwarded data message against the current
// snapshot, returning every candidate alarm produced (one per matching,
// non-windowed-out rule). A panic while evaluating a single reading is
// recovered and logged; it never aborts the caller's loop.
func (e *Evaluator) Evaluate(msg *prefilter.DataMessage) (candidates []CandidateAlarm) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("panic", r).Error("recovered from panic while evaluating message")
			candidates = nil
		}
	}()

	snap := e.snapshot.Load()

	for _, reading := range msg.Readings {
		k := ruleKey{deviceID: msg.DeviceID, sensorType: string(reading.Type)}
		entries := snap.entries[k]

		for _, entry := range entries {
			if !e.safeMatches(entry, reading.Value) {
				continue
			}

			fingerprint := fmt.Sprintf("%s:%s:%s", entry.RuleID, msg.DeviceID, reading.Type)
			if entry.WindowSeconds > 0 && !e.admitWindow(fingerprint, entry.WindowSeconds) {
				continue
			}

			location := msg.Location
			if location == "" {
				location = entry.Location
			}

			candidates = append(candidates, CandidateAlarm{
				RuleID:      entry.RuleID,
				DeviceID:    msg.DeviceID,
				SensorType:  string(reading.Type),
				Operator:    entry.Operator,
				Threshold:   entry.Threshold,
				Value:       reading.Value,
				Unit:        reading.Unit,
				Location:    location,
				AlarmType:   entry.AlarmType,
				Severity:    entry.Severity,
				Timestamp:   time.UnixMilli(msg.Timestamp),
				Fingerprint: fingerprint,
			})
		}
	}
	return candidates
}

func (e *Evaluator) safeMatches(entry hotEntry, value float64) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			e.markUnhealthy(entry.RuleID, fmt.Sprintf("panic during match: %v", r))
			matched = false
		}
	}()
	return matches(entry.Operator, value, entry.Threshold)
}

const epsilon = 1e-9

func matches(op rules.Operator, value, threshold float64) bool {
	switch op {
	case rules.OpGT:
		return value > threshold
	case rules.OpGE:
		return value >= threshold
	case rules.OpLT:
		return value < threshold
	case rules.OpLE:
		return value <= threshold
	case rules.OpEQ:
		return absf(value-threshold) < epsilon
	case rules.OpNE:
		return absf(value-threshold) >= epsilon
	default:
		return false
	}
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// admitWindow applies first-match-in-window policy: returns true if this
// fingerprint has not fired within windowSeconds.
func (e *Evaluator) admitWindow(fingerprint string, windowSeconds int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	state, ok := e.windows[fingerprint]
	if ok && now.Sub(state.lastFired) < time.Duration(windowSeconds)*time.Second {
		return false
	}
	e.windows[fingerprint] = windowState{lastFired: now}
	return true
}
