// Package session implements the Session Layer: framed-JSON long-lived TCP
// connections, per-device single-session enforcement, idle detection, and
// heartbeat.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/firesentinel/core/internal/metrics"
	"github.com/firesentinel/core/internal/prefilter"
	"github.com/firesentinel/core/internal/ratelimit"
)

// State is a session's position in the handshake/authenticated/closing
// state machine.
type State int

const (
	StateHandshake State = iota
	StateAuthenticated
	StateClosing
)

// StatusTopicSubject is the NATS subject the Session Layer publishes
// device connectivity status to.
const StatusTopicSubject = "firesentinel.devices.status"

// DeviceStatus is published on session authentication and closing.
type DeviceStatus struct {
	DeviceID  string    `json:"device_id"`
	Connected bool      `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
}

// inbound wire message kinds.
const (
	msgAuth      = "auth"
	msgHeartbeat = "heartbeat"
	msgData      = "data"
)

type wireEnvelope struct {
	Type string `json:"type"`
}

type authMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type authResponse struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type heartbeatResponse struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// TokenValidator resolves an opaque access token to a device ID.
type TokenValidator interface {
	Validate(ctx context.Context, accessToken string) (string, error)
}

// AuthLimiter bounds the rate of authentication attempts per remote
// address, satisfied by *ratelimit.Limiter. A Manager with no limiter set
// never throttles auth attempts.
type AuthLimiter interface {
	CheckRateLimit(ctx context.Context, key string, cfg ratelimit.LimitConfig) (*ratelimit.Decision, error)
}

// DataHandler receives forwarded data messages (the pre-filter's input).
type DataHandler func(msg *prefilter.DataMessage)

// StatusPublisher is the subset of *nats.Conn the Session Layer needs to
// publish device connectivity status; satisfied by *nats.Conn in
// production and by a fake in tests.
type StatusPublisher interface {
	Publish(subject string, data []byte) error
}

// Manager owns the device→session mapping and enforces the
// single-session-per-device invariant.
type Manager struct {
	tokens      TokenValidator
	nc          StatusPublisher
	idleTimeout time.Duration
	maxPending  int
	onData      DataHandler
	log         *logrus.Entry
	metrics     *metrics.Collector

	authLimiter  AuthLimiter
	authLimitCfg ratelimit.LimitConfig

	mu       sync.Mutex
	sessions map[string]*Session // device_id -> active session
}

// SetAuthLimiter attaches a rate limiter for authentication attempts, keyed
// by remote address. Calling with a nil limiter disables throttling.
func (m *Manager) SetAuthLimiter(limiter AuthLimiter, cfg ratelimit.LimitConfig) {
	m.authLimiter = limiter
	m.authLimitCfg = cfg
}

// NewManager builds a session Manager.
func NewManager(tokens TokenValidator, nc StatusPublisher, idleTimeout time.Duration, maxPending int, onData DataHandler, log *logrus.Entry, m *metrics.Collector) *Manager {
	return &Manager{
		tokens:      tokens,
		nc:          nc,
		idleTimeout: idleTimeout,
		maxPending:  maxPending,
		onData:      onData,
		log:         log.WithField("component", "session"),
		metrics:     m,
		sessions:    make(map[string]*Session),
	}
}

// Serve accepts connections on ln until ctx is canceled.
func (m *Manager) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("session: accept: %w", err)
			}
		}
		go m.handle(ctx, conn)
	}
}

func (m *Manager) handle(ctx context.Context, conn net.Conn) {
	s := newSession(conn, m.idleTimeout, m.maxPending)
	defer s.closeConn()

	m.metrics.SessionsActive.Inc()
	defer m.metrics.SessionsActive.Dec()

	go s.writePump()

	reader := bufio.NewScanner(conn)
	reader.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		conn.SetReadDeadline(time.Now().Add(m.idleTimeout))
		if !reader.Scan() {
			break
		}
		line := reader.Bytes()

		var env wireEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue
		}

		switch s.State() {
		case StateHandshake:
			if env.Type != msgAuth {
				m.metrics.SessionsTotal.WithLabelValues("rejected_non_auth").Inc()
				return
			}
			var auth authMessage
			if err := json.Unmarshal(line, &auth); err != nil {
				return
			}
			if !m.admitAuthAttempt(ctx, conn) {
				s.send(authResponse{Type: "auth_response", Status: "failure", Reason: "rate_limited"})
				m.metrics.SessionsTotal.WithLabelValues("auth_rate_limited").Inc()
				return
			}
			deviceID, err := m.tokens.Validate(ctx, auth.Token)
			if err != nil {
				s.send(authResponse{Type: "auth_response", Status: "failure", Reason: "invalid_token"})
				m.metrics.SessionsTotal.WithLabelValues("auth_failed").Inc()
				return
			}
			m.bindDevice(deviceID, s)
			s.setDeviceID(deviceID)
			s.setState(StateAuthenticated)
			s.send(authResponse{Type: "auth_response", Status: "success"})
			m.publishStatus(deviceID, true)
			m.metrics.SessionsTotal.WithLabelValues("authenticated").Inc()

		case StateAuthenticated:
			switch env.Type {
			case msgHeartbeat:
				s.touch()
				s.send(heartbeatResponse{Type: "heartbeat_response", Timestamp: time.Now().UTC().Format(time.RFC3339)})
			case msgData:
				s.touch()
				var data prefilter.DataMessage
				if err := json.Unmarshal(line, &data); err != nil {
					continue
				}
				data.DeviceID = s.DeviceID()
				m.onData(&data)
			default:
				// Unrecognized message types on an authenticated session
				// are ignored rather than terminating the connection.
			}
		}

		if s.State() == StateClosing {
			break
		}
	}

	m.closeSession(s)
}

// admitAuthAttempt reports whether a new auth attempt from conn's remote
// address is within the configured rate, failing open when no limiter is
// configured or Redis is unreachable.
func (m *Manager) admitAuthAttempt(ctx context.Context, conn net.Conn) bool {
	if m.authLimiter == nil {
		return true
	}
	key := "auth_attempt:" + conn.RemoteAddr().String()
	decision, err := m.authLimiter.CheckRateLimit(ctx, key, m.authLimitCfg)
	if err != nil {
		m.log.WithError(err).Warn("auth rate limiter unavailable, failing open")
		return true
	}
	return decision.Allowed
}

// bindDevice closes any prior session for deviceID before registering s,
// enforcing at most one active session per device.
func (m *Manager) bindDevice(deviceID string, s *Session) {
	m.mu.Lock()
	prior, ok := m.sessions[deviceID]
	m.sessions[deviceID] = s
	m.mu.Unlock()

	if ok {
		prior.setState(StateClosing)
		prior.closeConn()
	}
}

func (m *Manager) closeSession(s *Session) {
	s.setState(StateClosing)
	deviceID := s.DeviceID()
	if deviceID == "" {
		return
	}

	m.mu.Lock()
	if current, ok := m.sessions[deviceID]; ok && current == s {
		delete(m.sessions, deviceID)
	}
	m.mu.Unlock()

	m.publishStatus(deviceID, false)
	m.metrics.SessionsTotal.WithLabelValues("closed").Inc()
}

func (m *Manager) publishStatus(deviceID string, connected bool) {
	status := DeviceStatus{DeviceID: deviceID, Connected: connected, LastSeen: time.Now()}
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	_ = m.nc.Publish(StatusTopicSubject, data)
}

// ActiveDeviceCount returns the number of currently authenticated
// sessions.
func (m *Manager) ActiveDeviceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Session is one device's long-lived TCP connection.
type Session struct {
	conn net.Conn

	mu       sync.Mutex
	state    State
	deviceID string
	closed   bool

	send_ chan []byte
}

func newSession(conn net.Conn, idleTimeout time.Duration, maxPending int) *Session {
	return &Session{
		conn:  conn,
		state: StateHandshake,
		send_: make(chan []byte, maxPending),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(v State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = v
}

func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

func (s *Session) setDeviceID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceID = id
}

// touch is a liveness no-op hook; the read deadline reset in the accept
// loop is what actually enforces idle timeout, this exists for callers
// that want an explicit heartbeat marker.
func (s *Session) touch() {}

// send enqueues a message for the write pump. Writes are non-blocking: if
// the send buffer is full the connection is closed (slow-consumer
// protection). A session already closing silently drops the message
// instead of sending on a closed channel.
func (s *Session) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.send_ <- data:
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		s.setState(StateClosing)
		s.closeConn()
	}
}

func (s *Session) writePump() {
	for data := range s.send_ {
		s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if _, err := s.conn.Write(data); err != nil {
			return
		}
	}
}

// closeConn tears the connection down and stops the write pump. It is safe
// to call repeatedly and from multiple goroutines: only the first call
// closes send_, so writePump's range loop always terminates exactly once.
func (s *Session) closeConn() {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()

	if !alreadyClosed {
		close(s.send_)
	}
	s.conn.Close()
}
