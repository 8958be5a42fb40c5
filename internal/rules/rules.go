// Package rules implements the Rule Store: durable rule CRUD in Postgres
// plus a denormalized Redis hot path for sub-200ms threshold visibility.
package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ChangePublisher is the subset of *nats.Conn the Rule Store needs to
// announce mutations; satisfied by *nats.Conn in production and by a fake
// in tests.
type ChangePublisher interface {
	Publish(subject string, data []byte) error
}

// ErrNotFound is returned when a rule lookup or mutation targets an
// unknown rule ID.
var ErrNotFound = errors.New("rules: record not found")

// ChangeSubject is the NATS core pub/sub subject the Stream Evaluator
// subscribes to for rule change notifications.
const ChangeSubject = "firesentinel.rules.changed"

// Operator enumerates the comparison operators a rule may apply.
type Operator string

const (
	OpGT Operator = ">"
	OpGE Operator = ">="
	OpLT Operator = "<"
	OpLE Operator = "<="
	OpEQ Operator = "="
	OpNE Operator = "!="
)

// Severity enumerates alarm severities.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Rule is a threshold rule bound to a device and sensor type.
type Rule struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	DeviceID      string            `json:"device_id"`
	SensorType    string            `json:"sensor_type"`
	Operator      Operator          `json:"operator"`
	Threshold     float64           `json:"threshold"`
	WindowSeconds int               `json:"window_seconds"`
	Severity      Severity          `json:"severity"`
	AlarmType     string            `json:"alarm_type"`
	Location      string            `json:"location,omitempty"`
	Enabled       bool              `json:"enabled"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Change is published on every mutation.
type Change struct {
	RuleID   string `json:"rule_id"`
	DeviceID string `json:"device_id"`
	Action   string `json:"action"` // created|updated|deleted
}

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Store is the Rule Store: durable Postgres state plus the Redis hot-path
// threshold cache consulted by the Stream Evaluator.
type Store struct {
	db    DBTX
	redis *redis.Client
	nc    ChangePublisher
}

// NewStore builds a Store.
func NewStore(db DBTX, redisClient *redis.Client, nc ChangePublisher) *Store {
	return &Store{db: db, redis: redisClient, nc: nc}
}

func hotKey(deviceID, sensorType string) string {
	return fmt.Sprintf("rule_threshold:%s:%s", deviceID, sensorType)
}

// hotEntry is denormalized per (device_id, sensor_type): only what the
// evaluator's fast path needs.
type hotEntry struct {
	RuleID        string   `json:"rule_id"`
	Operator      Operator `json:"operator"`
	Threshold     float64  `json:"threshold"`
	WindowSeconds int      `json:"window_seconds"`
	AlarmType     string   `json:"alarm_type"`
	Severity      Severity `json:"severity"`
	Location      string   `json:"location"`
}

// Create inserts a new rule, writes its hot-path entry, and publishes a
// change notification — the hot-path write happens strictly before the
// notification, so the evaluator never observes a change event before the
// threshold it refers to is visible.
func (s *Store) Create(ctx context.Context, r *Rule) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	metadata, _ := json.Marshal(r.Metadata)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rules (id, name, device_id, sensor_type, operator, threshold,
			window_seconds, severity, alarm_type, location, enabled, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		r.ID, r.Name, r.DeviceID, r.SensorType, string(r.Operator), r.Threshold,
		r.WindowSeconds, string(r.Severity), r.AlarmType, r.Location, r.Enabled, metadata,
	)
	if err != nil {
		return fmt.Errorf("rules: create: %w", err)
	}

	if err := s.writeHotPath(ctx, r); err != nil {
		return err
	}
	return s.publishChange(r.ID, r.DeviceID, "created")
}

// Update modifies an existing rule by ID. If the rule moved to a different
// (device_id, sensor_type) pair, its hot-path entry is removed from the old
// key before being written under the new one.
func (s *Store) Update(ctx context.Context, r *Rule) error {
	prior, err := s.Get(ctx, r.ID)
	if err != nil {
		return err
	}

	metadata, _ := json.Marshal(r.Metadata)
	res, err := s.db.ExecContext(ctx, `
		UPDATE rules SET name=$2, device_id=$3, sensor_type=$4, operator=$5, threshold=$6,
			window_seconds=$7, severity=$8, alarm_type=$9, location=$10, enabled=$11, metadata=$12
		WHERE id=$1`,
		r.ID, r.Name, r.DeviceID, r.SensorType, string(r.Operator), r.Threshold,
		r.WindowSeconds, string(r.Severity), r.AlarmType, r.Location, r.Enabled, metadata,
	)
	if err != nil {
		return fmt.Errorf("rules: update: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}

	if prior.DeviceID != r.DeviceID || prior.SensorType != r.SensorType {
		if err := s.redis.HDel(ctx, hotKey(prior.DeviceID, prior.SensorType), r.ID).Err(); err != nil {
			return fmt.Errorf("rules: remove stale hot path: %w", err)
		}
	}

	if err := s.writeHotPath(ctx, r); err != nil {
		return err
	}
	return s.publishChange(r.ID, r.DeviceID, "updated")
}

// Delete removes a rule and its hot-path entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("rules: delete: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}

	if err := s.redis.HDel(ctx, hotKey(existing.DeviceID, existing.SensorType), id).Err(); err != nil {
		return fmt.Errorf("rules: remove hot path: %w", err)
	}
	return s.publishChange(id, existing.DeviceID, "deleted")
}

// Get fetches a single rule by ID.
func (s *Store) Get(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, device_id, sensor_type, operator, threshold, window_seconds,
			severity, alarm_type, location, enabled, metadata
		FROM rules WHERE id=$1`, id)
	return scanRule(row)
}

// List returns every rule.
func (s *Store) List(ctx context.Context) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, device_id, sensor_type, operator, threshold, window_seconds,
			severity, alarm_type, location, enabled, metadata
		FROM rules`)
	if err != nil {
		return nil, fmt.Errorf("rules: list: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		r, err := scanRuleRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// writeHotPath keeps the hot-path hash for (r.DeviceID, r.SensorType) in
// sync with r: a disabled rule's field is removed, an enabled rule's field
// is set, overwriting whatever entry previously lived under its rule ID so
// an update replaces rather than accumulates.
func (s *Store) writeHotPath(ctx context.Context, r *Rule) error {
	if !r.Enabled {
		if err := s.redis.HDel(ctx, hotKey(r.DeviceID, r.SensorType), r.ID).Err(); err != nil {
			return fmt.Errorf("rules: remove hot path: %w", err)
		}
		return nil
	}
	entry := hotEntry{
		RuleID:        r.ID,
		Operator:      r.Operator,
		Threshold:     r.Threshold,
		WindowSeconds: r.WindowSeconds,
		AlarmType:     r.AlarmType,
		Severity:      r.Severity,
		Location:      r.Location,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("rules: marshal hot entry: %w", err)
	}
	if err := s.redis.HSet(ctx, hotKey(r.DeviceID, r.SensorType), r.ID, data).Err(); err != nil {
		return fmt.Errorf("rules: write hot path: %w", err)
	}
	return nil
}

func (s *Store) publishChange(ruleID, deviceID, action string) error {
	data, err := json.Marshal(Change{RuleID: ruleID, DeviceID: deviceID, Action: action})
	if err != nil {
		return err
	}
	return s.nc.Publish(ChangeSubject, data)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRule(row *sql.Row) (*Rule, error) {
	return scanRuleGeneric(row)
}

func scanRuleRows(rows *sql.Rows) (*Rule, error) {
	return scanRuleGeneric(rows)
}

func scanRuleGeneric(s scannable) (*Rule, error) {
	var r Rule
	var operator, severity string
	var metadata []byte
	err := s.Scan(&r.ID, &r.Name, &r.DeviceID, &r.SensorType, &operator, &r.Threshold,
		&r.WindowSeconds, &severity, &r.AlarmType, &r.Location, &r.Enabled, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Operator = Operator(operator)
	r.Severity = Severity(severity)
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &r.Metadata)
	}
	return &r, nil
}
