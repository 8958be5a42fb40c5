// Package prefilter drops malformed or trivially-changed sensor readings
// before they enter the partitioned queue.
package prefilter

import (
	"sync"
	"time"
)

// SensorType enumerates the wire-level reading kinds.
type SensorType string

const (
	Temperature SensorType = "temperature"
	Humidity    SensorType = "humidity"
	Smoke       SensorType = "smoke"
	CO          SensorType = "co"
)

// physical validity bounds; readings outside these are never forwarded
// regardless of magnitude of change.
var validRange = map[SensorType][2]float64{
	Temperature: {-40, 150},
	Humidity:    {0, 100},
	Smoke:       {0, 100},
	CO:          {0, 1000},
}

// Reading is a single sensor observation as received on the wire.
type Reading struct {
	Type  SensorType `json:"type"`
	Value float64    `json:"value"`
	Unit  string     `json:"unit"`
}

// DataMessage is a device's batch of readings for one timestamp.
type DataMessage struct {
	DeviceID  string            `json:"device_id"`
	Readings  []Reading         `json:"readings"`
	Timestamp int64             `json:"timestamp"`
	Location  string            `json:"location,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	PreprocessedAt time.Time `json:"-"`
}

// Thresholds holds the per-sensor-type trivial-change and validity bounds.
type Thresholds struct {
	TemperatureDelta float64
	HumidityDelta    float64
	SmokeFloor       float64
	COFloor          float64
}

// DefaultThresholds is the baseline used when no override is configured.
var DefaultThresholds = Thresholds{
	TemperatureDelta: 0.5,
	HumidityDelta:    1.0,
	SmokeFloor:       10,
	COFloor:          10,
}

type lastValueKey struct {
	deviceID string
	sensor   SensorType
}

// Filter holds last-seen values per (device_id, sensor_type) and decides
// whether an incoming data message carries anything worth forwarding.
type Filter struct {
	thresholds Thresholds

	mu   sync.Mutex
	last map[lastValueKey]float64

	droppedMalformed int64
	droppedTrivial   int64
}

// NewFilter builds a Filter with the given thresholds.
func NewFilter(t Thresholds) *Filter {
	return &Filter{
		thresholds: t,
		last:       make(map[lastValueKey]float64),
	}
}

// isValid reports whether v lies within the declared physical range for
// sensor type st. Unknown sensor types are always invalid.
func isValid(st SensorType, v float64) bool {
	bounds, ok := validRange[st]
	if !ok {
		return false
	}
	return v >= bounds[0] && v <= bounds[1]
}

// isTrivial reports whether moving from prior to current for sensor type st
// counts as a trivial (non-alarm-worthy) change.
func (f *Filter) isTrivial(st SensorType, prior, current float64) bool {
	switch st {
	case Temperature:
		return abs(current-prior) < f.thresholds.TemperatureDelta
	case Humidity:
		return abs(current-prior) < f.thresholds.HumidityDelta
	case Smoke:
		return prior < f.thresholds.SmokeFloor && current < f.thresholds.SmokeFloor
	case CO:
		return prior < f.thresholds.COFloor && current < f.thresholds.COFloor
	default:
		return true
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// Result is the outcome of filtering one DataMessage.
type Result struct {
	Forward bool
	Message *DataMessage
	Reason  string // set when Forward is false
}

// Apply evaluates msg against validity and triviality rules, updating the
// last-seen cache for any reading it accepts as non-trivial. A message is
// forwarded if at least one of its readings is both valid and non-trivial.
func (f *Filter) Apply(msg *DataMessage) Result {
	if msg == nil || msg.DeviceID == "" || len(msg.Readings) == 0 {
		f.mu.Lock()
		f.droppedMalformed++
		f.mu.Unlock()
		return Result{Forward: false, Reason: "malformed"}
	}

	anyValid := false
	anyNonTrivial := false

	f.mu.Lock()
	for _, r := range msg.Readings {
		if !isValid(r.Type, r.Value) {
			continue
		}
		anyValid = true

		k := lastValueKey{deviceID: msg.DeviceID, sensor: r.Type}
		prior, had := f.last[k]
		if !had || !f.isTrivial(r.Type, prior, r.Value) {
			f.last[k] = r.Value
			anyNonTrivial = true
		}
	}
	f.mu.Unlock()

	if !anyValid {
		f.mu.Lock()
		f.droppedMalformed++
		f.mu.Unlock()
		return Result{Forward: false, Reason: "invalid"}
	}
	if !anyNonTrivial {
		f.mu.Lock()
		f.droppedTrivial++
		f.mu.Unlock()
		return Result{Forward: false, Reason: "trivial"}
	}

	msg.PreprocessedAt = time.Now()
	return Result{Forward: true, Message: msg}
}

// Stats returns running drop counters, for metrics export.
func (f *Filter) Stats() (malformed, trivial int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.droppedMalformed, f.droppedTrivial
}
