package ledger

import (
	"database/sql"
	"encoding/json"
)

// ByCorrelation returns every event sharing correlationID, in append
// order — the full timeline of one logical operation (spec §4.3 "Query
// surface").
func (s *Store) ByCorrelation(correlationID string) ([]Event, error) {
	rows, err := s.db.Query(`
		SELECT event_id, correlation_id, COALESCE(causation_id, ''), type, source,
		       COALESCE(pane_id, ''), timestamp_ms, sequence, COALESCE(payload, '{}'), redacted
		FROM events WHERE correlation_id = ? ORDER BY rowid ASC
	`, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ByPaneAndType returns events for a pane, optionally filtered by type
// ("" matches any type).
func (s *Store) ByPaneAndType(paneID, eventType string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows *sql.Rows
	var err error
	if eventType == "" {
		rows, err = s.db.Query(`
			SELECT event_id, correlation_id, COALESCE(causation_id, ''), type, source,
			       COALESCE(pane_id, ''), timestamp_ms, sequence, COALESCE(payload, '{}'), redacted
			FROM events WHERE pane_id = ? ORDER BY timestamp_ms DESC LIMIT ?
		`, paneID, limit)
	} else {
		rows, err = s.db.Query(`
			SELECT event_id, correlation_id, COALESCE(causation_id, ''), type, source,
			       COALESCE(pane_id, ''), timestamp_ms, sequence, COALESCE(payload, '{}'), redacted
			FROM events WHERE pane_id = ? AND type = ? ORDER BY timestamp_ms DESC LIMIT ?
		`, paneID, eventType, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Range returns events with timestamp_ms in [fromMs, toMs).
func (s *Store) Range(fromMs, toMs int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(`
		SELECT event_id, correlation_id, COALESCE(causation_id, ''), type, source,
		       COALESCE(pane_id, ''), timestamp_ms, sequence, COALESCE(payload, '{}'), redacted
		FROM events WHERE timestamp_ms >= ? AND timestamp_ms < ? ORDER BY timestamp_ms ASC LIMIT ?
	`, fromMs, toMs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ByID fetches a single event by its id, used by Team Memory's evidence
// integrity sweep (spec §4.4.2 addEvidence) to verify referential
// liveness of evidenceEventRef values.
func (s *Store) ByID(eventID string) (Event, bool, error) {
	row := s.db.QueryRow(`
		SELECT event_id, correlation_id, COALESCE(causation_id, ''), type, source,
		       COALESCE(pane_id, ''), timestamp_ms, sequence, COALESCE(payload, '{}'), redacted
		FROM events WHERE event_id = ?
	`, eventID)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, err
	}
	return ev, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (Event, error) {
	var ev Event
	var payload string
	var redacted int
	err := row.Scan(&ev.EventID, &ev.CorrelationID, &ev.CausationID, &ev.Type, &ev.Source,
		&ev.PaneID, &ev.TimestampMs, &ev.Sequence, &payload, &redacted)
	if err != nil {
		return Event{}, err
	}
	ev.Redacted = redacted != 0
	_ = json.Unmarshal([]byte(payload), &ev.Payload)
	return ev, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
