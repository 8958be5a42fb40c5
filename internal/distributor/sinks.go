package distributor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/firesentinel/core/internal/alarms"
	"github.com/firesentinel/core/internal/history"
)

// HistorySink persists alarms to the History Store.
type HistorySink struct {
	store *history.Store
}

// NewHistorySink builds a HistorySink.
func NewHistorySink(store *history.Store) *HistorySink { return &HistorySink{store: store} }

func (s *HistorySink) Name() string { return "history" }

func (s *HistorySink) Deliver(ctx context.Context, ev alarms.Event) error {
	return s.store.Write(ctx, ev)
}

// WebsocketPublisher is the subset of ws.Hub the distributor sink needs.
type WebsocketPublisher interface {
	Publish(topic string, payload any)
}

// WebsocketSink publishes to the `all` and `{severity}` websocket topics.
type WebsocketSink struct {
	hub WebsocketPublisher
}

// NewWebsocketSink builds a WebsocketSink.
func NewWebsocketSink(hub WebsocketPublisher) *WebsocketSink { return &WebsocketSink{hub: hub} }

func (s *WebsocketSink) Name() string { return "websocket" }

func (s *WebsocketSink) Deliver(ctx context.Context, ev alarms.Event) error {
	s.hub.Publish("all", ev)
	s.hub.Publish(ev.Severity, ev)
	return nil
}

// PubSubSink publishes to the `all` and `{severity}` NATS subjects, for
// any external subscriber outside the websocket hub.
type PubSubSink struct {
	nc *nats.Conn
}

// NewPubSubSink builds a PubSubSink.
func NewPubSubSink(nc *nats.Conn) *PubSubSink { return &PubSubSink{nc: nc} }

func (s *PubSubSink) Name() string { return "pubsub" }

func (s *PubSubSink) Deliver(ctx context.Context, ev alarms.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("distributor: marshal for pubsub: %w", err)
	}
	if err := s.nc.Publish("firesentinel.alarms.all", data); err != nil {
		return err
	}
	return s.nc.Publish("firesentinel.alarms."+ev.Severity, data)
}
