// Package devices implements the Postgres-backed device registry: identity,
// API key, enablement, and liveness timestamps.
package devices

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup finds no matching device.
var ErrNotFound = errors.New("devices: record not found")

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Device is the persisted device record.
type Device struct {
	DeviceID     string
	Type         string
	APIKeyHash   string
	Enabled      bool
	RegisteredAt time.Time
	LastSeenAt   *time.Time
}

// Registry is the device repository.
type Registry struct {
	DB DBTX
}

// Create inserts a new device, failing if device_id is already taken.
func (r Registry) Create(ctx context.Context, d *Device) error {
	query := `
		INSERT INTO devices (device_id, type, api_key_hash, enabled, registered_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING registered_at`
	return r.DB.QueryRowContext(ctx, query, d.DeviceID, d.Type, d.APIKeyHash, d.Enabled).Scan(&d.RegisteredAt)
}

// GetByID fetches a device by its external identifier.
func (r Registry) GetByID(ctx context.Context, deviceID string) (*Device, error) {
	query := `
		SELECT device_id, type, api_key_hash, enabled, registered_at, last_seen_at
		FROM devices WHERE device_id = $1`
	var d Device
	err := r.DB.QueryRowContext(ctx, query, deviceID).Scan(
		&d.DeviceID, &d.Type, &d.APIKeyHash, &d.Enabled, &d.RegisteredAt, &d.LastSeenAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// SetEnabled toggles a device's enablement, used by admin operations. It
// only updates the row: the session layer does not read this flag, so an
// open session of a device disabled here stays open.
func (r Registry) SetEnabled(ctx context.Context, deviceID string, enabled bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE devices SET enabled = $1 WHERE device_id = $2`, enabled, deviceID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastSeen updates last_seen_at. The session layer does not call it,
// so authentication and heartbeats leave last_seen_at unchanged.
func (r Registry) TouchLastSeen(ctx context.Context, deviceID string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE devices SET last_seen_at = $1 WHERE device_id = $2`, at, deviceID)
	return err
}

// List returns all registered devices, most recently registered first.
func (r Registry) List(ctx context.Context) ([]Device, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT device_id, type, api_key_hash, enabled, registered_at, last_seen_at
		FROM devices ORDER BY registered_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.DeviceID, &d.Type, &d.APIKeyHash, &d.Enabled, &d.RegisteredAt, &d.LastSeenAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
