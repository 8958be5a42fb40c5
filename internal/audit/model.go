// Package audit records administrative mutations — device registration and
// enable/disable, rule create/update/delete, alarm ack/resolve — to an
// append-only log, with local-disk failover when the database is
// unreachable. Suppression activations are not recorded.
package audit

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is a single audit log entry.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	EventID    uuid.UUID       `json:"event_id"` // idempotency key
	ActorID    string          `json:"actor_id"`
	Action     string          `json:"action"`
	TargetType string          `json:"target_type,omitempty"`
	TargetID   string          `json:"target_id,omitempty"`
	Result     string          `json:"result"` // success/failure
	ReasonCode string          `json:"reason_code,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
	ClientIP   string          `json:"client_ip,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// failoverEvent wraps an Event for JSONL spooling.
type failoverEvent struct {
	EventID   string    `json:"event_id"`
	Payload   Event     `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Filter selects a page of audit events.
type Filter struct {
	ActorID  string
	Action   string
	Result   string
	DateFrom *time.Time
	DateTo   *time.Time
	Limit    int
	Cursor   string // id-based cursor
}

// Service is the audit trail's write/query surface.
type Service struct {
	db *sql.DB
}

// NewService builds a Service backed by db.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}
