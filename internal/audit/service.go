package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// WriteEvent appends evt to the audit log, failing over to the local spool
// when the database write fails.
func (s *Service) WriteEvent(ctx context.Context, evt Event, log *logrus.Entry) error {
	if evt.EventID == uuid.Nil {
		evt.EventID = uuid.New()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_logs (
			event_id, actor_id, action, target_type, target_id,
			result, reason_code, request_id, client_ip, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query,
		evt.EventID, evt.ActorID, evt.Action, evt.TargetType, evt.TargetID,
		evt.Result, evt.ReasonCode, evt.RequestID, evt.ClientIP, evt.Metadata, evt.CreatedAt,
	)
	if err != nil {
		log.WithError(err).Warn("audit db write failed, spooling to disk")
		if spoolErr := spoolEvent(evt); spoolErr != nil {
			log.WithError(spoolErr).Error("audit spool write failed, event dropped")
			return fmt.Errorf("audit: spool failed: %w", spoolErr)
		}
		return nil
	}

	return nil
}

// QueryEvents lists audit events matching f, newest first, with id-based
// cursor pagination.
func (s *Service) QueryEvents(ctx context.Context, f Filter) ([]Event, string, error) {
	q := `SELECT id, event_id, actor_id, action, target_type, target_id, result, reason_code, request_id, client_ip, metadata, created_at FROM audit_logs WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.ActorID != "" {
		q += fmt.Sprintf(" AND actor_id = $%d", idx)
		args = append(args, f.ActorID)
		idx++
	}
	if f.Action != "" {
		q += fmt.Sprintf(" AND action = $%d", idx)
		args = append(args, f.Action)
		idx++
	}
	if f.Result != "" {
		q += fmt.Sprintf(" AND result = $%d", idx)
		args = append(args, f.Result)
		idx++
	}
	if f.Cursor != "" {
		q += fmt.Sprintf(" AND id < $%d", idx)
		args = append(args, f.Cursor)
		idx++
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var events []Event
	var lastID string
	for rows.Next() {
		var evt Event
		var meta []byte
		if err := rows.Scan(&evt.ID, &evt.EventID, &evt.ActorID, &evt.Action, &evt.TargetType, &evt.TargetID, &evt.Result, &evt.ReasonCode, &evt.RequestID, &evt.ClientIP, &meta, &evt.CreatedAt); err != nil {
			return nil, "", err
		}
		if len(meta) > 0 {
			evt.Metadata = json.RawMessage(meta)
		}
		events = append(events, evt)
		lastID = evt.ID.String()
	}

	return events, lastID, rows.Err()
}

// Export streams every event matching f as newline-delimited JSON, bounded
// by a hard record cap to protect the database under a runaway export.
func (s *Service) Export(ctx context.Context, f Filter, w io.Writer) error {
	const maxRecords = 10000

	q := `SELECT id, event_id, actor_id, action, target_type, target_id, result, reason_code, request_id, client_ip, metadata, created_at FROM audit_logs WHERE 1=1`
	var args []interface{}
	if f.ActorID != "" {
		q += " AND actor_id = $1"
		args = append(args, f.ActorID)
	}
	q += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	enc := json.NewEncoder(w)
	count := 0
	for rows.Next() {
		if count >= maxRecords {
			break
		}
		var evt Event
		var meta []byte
		if err := rows.Scan(&evt.ID, &evt.EventID, &evt.ActorID, &evt.Action, &evt.TargetType, &evt.TargetID, &evt.Result, &evt.ReasonCode, &evt.RequestID, &evt.ClientIP, &meta, &evt.CreatedAt); err != nil {
			return err
		}
		if len(meta) > 0 {
			evt.Metadata = json.RawMessage(meta)
		}
		if err := enc.Encode(evt); err != nil {
			return err
		}
		count++
	}
	return rows.Err()
}
