package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) (*Hub, chan struct{}) {
	t.Helper()
	h := NewHub(logrus.NewEntry(logrus.New()))
	done := make(chan struct{})
	go h.Run(done)
	t.Cleanup(func() { close(done) })
	return h, done
}

func TestHub_PublishDeliversToSubscribedClient(t *testing.T) {
	h, _ := newTestHub(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, "HIGH")
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the server-side register goroutine a moment to land before
	// publishing, since registration happens asynchronously.
	time.Sleep(50 * time.Millisecond)

	h.Publish("HIGH", map[string]string{"alarm_type": "FIRE"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(msg, &payload))
	assert.Equal(t, "FIRE", payload["alarm_type"])
}

func TestHub_PublishToUnsubscribedTopicIsNotDelivered(t *testing.T) {
	h, _ := newTestHub(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, "LOW")
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	h.Publish("HIGH", map[string]string{"alarm_type": "FIRE"})

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
