// Package ws implements the alarm fan-out websocket hub: one of the
// Distributor's sinks, built on gorilla/websocket and generalized to a
// topic-based register/unregister/broadcast hub.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const sendBufferSize = 64

type client struct {
	conn   *websocket.Conn
	topics map[string]bool
	send   chan []byte
}

// Hub fans messages out to websocket clients subscribed to topics `all`
// and `{severity}`.
type Hub struct {
	log *logrus.Entry

	mu      sync.RWMutex
	clients map[*client]struct{}

	register   chan *client
	unregister chan *client
	broadcast  chan topicMessage
}

type topicMessage struct {
	topic   string
	payload []byte
}

// NewHub builds a Hub. Run must be called to start its event loop.
func NewHub(log *logrus.Entry) *Hub {
	return &Hub{
		log:        log.WithField("component", "ws_hub"),
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan topicMessage, 256),
	}
}

// Run drives the hub's event loop until done is closed.
func (h *Hub) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*client]struct{})
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case m := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.topics[m.topic] {
					continue
				}
				select {
				case c.send <- m.payload:
				default:
					// Slow-consumer protection: never block the hub loop
					// on a backed-up client.
					go h.disconnectSlowClient(c)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) disconnectSlowClient(c *client) {
	h.unregister <- c
}

// Publish sends payload to every client subscribed to topic.
func (h *Hub) Publish(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.WithError(err).Error("failed to marshal websocket payload")
		return
	}
	h.broadcast <- topicMessage{topic: topic, payload: data}
}

// ServeWS upgrades an HTTP connection and subscribes it to `all` plus the
// caller-supplied extra topics (typically a severity).
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, extraTopics ...string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	topics := map[string]bool{"all": true}
	for _, t := range extraTopics {
		topics[t] = true
	}

	c := &client{conn: conn, topics: topics, send: make(chan []byte, sendBufferSize)}
	h.register <- c

	go c.writePump()
	c.readPump(h)
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
