// Package queue implements the partitioned sensor-data and alarm-events
// transport atop NATS JetStream. Partitions are modeled as per-partition
// subjects under a shared stream, keyed by device_id hash, with a
// retry-with-backoff publish discipline.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Topic names the two logical topics the pipeline publishes to.
type Topic string

const (
	TopicSensorData  Topic = "sensor-data"
	TopicAlarmEvents Topic = "alarm-events"
)

// ErrPublishFailed is returned after the retry budget for a publish is
// exhausted.
var ErrPublishFailed = errors.New("queue: publish failed after retry budget")

// Group names the two consumer groups attached to sensor-data.
type Group string

const (
	GroupNormal       Group = "normal"
	GroupBackpressure Group = "backpressure"
)

// Queue owns a JetStream context and the partition layout for a topic.
type Queue struct {
	js          jetstream.JetStream
	partitions  int
	maxAttempts int
	backoff     time.Duration
}

// New builds a Queue bound to nc's JetStream context, with the given
// partition count and publish retry policy.
func New(nc *nats.Conn, partitions, maxAttempts int, backoff time.Duration) (*Queue, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("queue: jetstream init: %w", err)
	}
	return &Queue{js: js, partitions: partitions, maxAttempts: maxAttempts, backoff: backoff}, nil
}

// EnsureStream creates or updates the JetStream stream backing topic, with
// one subject per partition.
func (q *Queue) EnsureStream(ctx context.Context, topic Topic) error {
	subjects := make([]string, 0, q.partitions)
	for p := 0; p < q.partitions; p++ {
		subjects = append(subjects, partitionSubject(topic, p))
	}

	_, err := q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName(topic),
		Subjects:  subjects,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("queue: ensure stream %s: %w", topic, err)
	}
	return nil
}

func streamName(topic Topic) string {
	return "FIRESENTINEL_" + string(topic)
}

func partitionSubject(topic Topic, partition int) string {
	return fmt.Sprintf("firesentinel.%s.p%d", topic, partition)
}

// Partition returns the partition index deviceID hashes to, guaranteeing
// per-device ordering.
func (q *Queue) Partition(deviceID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(q.partitions))
}

// Publish sends payload (marshaled as JSON) to the partition owning
// deviceID, retrying with bounded exponential backoff on failure (each
// delay padded by a fixed quarter of itself; no random jitter).
func (q *Queue) Publish(ctx context.Context, topic Topic, deviceID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal: %w", err)
	}
	subject := partitionSubject(topic, q.Partition(deviceID))

	var lastErr error
	for attempt := 0; attempt < q.maxAttempts; attempt++ {
		ack, err := q.js.Publish(ctx, subject, data)
		if err == nil && ack != nil {
			return nil
		}
		lastErr = err
		if attempt < q.maxAttempts-1 {
			time.Sleep(jitteredBackoff(q.backoff, attempt))
		}
	}
	return fmt.Errorf("%w: %v", ErrPublishFailed, lastErr)
}

func jitteredBackoff(base time.Duration, attempt int) time.Duration {
	d := base * time.Duration(1<<attempt)
	jitter := time.Duration(int64(d) / 4)
	return d + jitter
}

// Message wraps a delivered JetStream message with the decoded payload
// and manual-ack controls.
type Message struct {
	Subject string
	Data    []byte
	raw     jetstream.Msg
}

// Ack commits the message under the manual-offset-commit model.
func (m *Message) Ack() error {
	return m.raw.Ack()
}

// Nak signals failed processing, triggering at-least-once redelivery.
func (m *Message) Nak() error {
	return m.raw.Nak()
}

// Consumer pulls messages from one partition at a time for a given group.
type Consumer struct {
	cons jetstream.Consumer
}

// NewConsumer creates (or attaches to) a durable pull consumer for the
// given topic, partition, and group. Groups differ in delivery
// concurrency/batching, which callers control via Fetch's batch size.
func (q *Queue) NewConsumer(ctx context.Context, topic Topic, partition int, group Group) (*Consumer, error) {
	subject := partitionSubject(topic, partition)
	durable := fmt.Sprintf("%s-%s-p%d", topic, group, partition)

	stream, err := q.js.Stream(ctx, streamName(topic))
	if err != nil {
		return nil, fmt.Errorf("queue: get stream: %w", err)
	}
	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: create consumer %s: %w", durable, err)
	}
	return &Consumer{cons: cons}, nil
}

// Fetch pulls up to batchSize messages, blocking until at least one
// arrives or maxWait elapses.
func (c *Consumer) Fetch(ctx context.Context, batchSize int, maxWait time.Duration) ([]*Message, error) {
	batch, err := c.cons.Fetch(batchSize, jetstream.FetchMaxWait(maxWait))
	if err != nil {
		return nil, fmt.Errorf("queue: fetch: %w", err)
	}

	var out []*Message
	for msg := range batch.Messages() {
		out = append(out, &Message{Subject: msg.Subject(), Data: msg.Data(), raw: msg})
	}
	if err := batch.Error(); err != nil && len(out) == 0 {
		return nil, fmt.Errorf("queue: fetch batch: %w", err)
	}
	return out, nil
}
