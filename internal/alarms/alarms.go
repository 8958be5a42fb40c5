// Package alarms implements the Alarm Producer and Alarm Consumer:
// enrichment, ID assignment, the in-memory active index, and ack/resolve
// transitions.
package alarms

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/firesentinel/core/internal/evaluator"
	"github.com/firesentinel/core/internal/ids"
	"github.com/firesentinel/core/internal/queue"
	"github.com/firesentinel/core/internal/suppression"
)

// Event is the fully enriched, published alarm record.
type Event struct {
	ID         int64             `json:"id"`
	DeviceID   string            `json:"device_id"`
	AlarmType  string            `json:"alarm_type"`
	Severity   string            `json:"severity"`
	Value      float64           `json:"value"`
	Unit       string            `json:"unit"`
	Timestamp  time.Time         `json:"timestamp"`
	Location   string            `json:"location,omitempty"`
	Acknowledged bool            `json:"acknowledged"`
	Resolved   bool              `json:"resolved"`
	Notes      string            `json:"notes,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Producer builds AlarmEvents from candidate alarms and publishes them to
// the alarm-events topic, partitioned by device_id.
type Producer struct {
	allocator *ids.Allocator
	q         *queue.Queue
}

// NewProducer builds a Producer.
func NewProducer(allocator *ids.Allocator, q *queue.Queue) *Producer {
	return &Producer{allocator: allocator, q: q}
}

// Emit assigns a fresh ID and publishes the enriched AlarmEvent for a
// candidate produced by the Stream Evaluator.
func (p *Producer) Emit(ctx context.Context, c evaluator.CandidateAlarm, metadata map[string]string) (*Event, error) {
	id, err := p.allocator.Next(ids.TypeAlarm)
	if err != nil {
		return nil, fmt.Errorf("alarms: allocate id: %w", err)
	}

	ev := &Event{
		ID:        id,
		DeviceID:  c.DeviceID,
		AlarmType: c.AlarmType,
		Severity:  string(c.Severity),
		Value:     c.Value,
		Unit:      c.Unit,
		Timestamp: c.Timestamp,
		Location:  c.Location,
		Metadata:  metadata,
	}

	if err := p.q.Publish(ctx, queue.TopicAlarmEvents, c.DeviceID, ev); err != nil {
		return nil, fmt.Errorf("alarms: publish: %w", err)
	}
	return ev, nil
}

// ActiveRecord tracks an alarm's lifecycle state in the in-memory active
// index.
type ActiveRecord struct {
	Event      Event
	ResolvedBy string
	ResolvedAt time.Time
}

// Sink is the interface the Alarm Consumer hands alarms to after its own
// bookkeeping; the Distributor implements it.
type Sink interface {
	Distribute(ctx context.Context, ev Event)
}

// Consumer consumes alarm events, maintains the active-alarms index,
// triggers suppression for HIGH/FIRE alarms, and hands off to the
// Distributor.
type Consumer struct {
	suppressor *suppression.Controller
	sink       Sink

	mu     sync.Mutex
	active map[string]map[int64]*ActiveRecord // device_id -> alarm_id -> record
}

// NewConsumer builds a Consumer.
func NewConsumer(suppressor *suppression.Controller, sink Sink) *Consumer {
	return &Consumer{
		suppressor: suppressor,
		sink:       sink,
		active:     make(map[string]map[int64]*ActiveRecord),
	}
}

// Handle processes one delivered alarm-events message.
func (c *Consumer) Handle(ctx context.Context, data []byte) error {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("alarms: decode event: %w", err)
	}

	c.recordActive(ev)

	if ev.Severity == "HIGH" && ev.AlarmType == "FIRE" {
		suppressionType := suppressionTypeForLocation(ev.Location)
		if _, err := c.suppressor.ActivateSuppression(ctx, ev.DeviceID, ev.Location, suppressionType, 100); err != nil {
			// Suppression conflicts or a disabled/missing device are not
			// fatal to alarm delivery; the alarm still reaches the
			// distributor.
		}
	}

	c.sink.Distribute(ctx, ev)
	return nil
}

// suppressionTypeForLocation maps room tags to a suppression agent.
func suppressionTypeForLocation(location string) string {
	l := strings.ToLower(location)
	switch {
	case strings.Contains(l, "server"), strings.Contains(l, "data"):
		return "gas"
	case strings.Contains(l, "kitchen"), strings.Contains(l, "lab"):
		return "foam"
	default:
		return "water"
	}
}

func (c *Consumer) recordActive(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[ev.DeviceID] == nil {
		c.active[ev.DeviceID] = make(map[int64]*ActiveRecord)
	}
	c.active[ev.DeviceID][ev.ID] = &ActiveRecord{Event: ev}
}

// Ack marks an alarm acknowledged.
func (c *Consumer) Ack(deviceID string, alarmID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.active[deviceID][alarmID]
	if !ok {
		return fmt.Errorf("alarms: no active alarm %d for device %s", alarmID, deviceID)
	}
	rec.Event.Acknowledged = true
	return nil
}

// Resolve removes an alarm from the active index, recording who resolved
// it and when.
func (c *Consumer) Resolve(deviceID string, alarmID int64, resolvedBy string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.active[deviceID][alarmID]
	if !ok {
		return fmt.Errorf("alarms: no active alarm %d for device %s", alarmID, deviceID)
	}
	rec.Event.Resolved = true
	rec.ResolvedBy = resolvedBy
	rec.ResolvedAt = time.Now()
	delete(c.active[deviceID], alarmID)
	return nil
}

// ActiveForDevice returns the currently active (unresolved) alarms for a
// device.
func (c *Consumer) ActiveForDevice(deviceID string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, rec := range c.active[deviceID] {
		out = append(out, rec.Event)
	}
	return out
}
