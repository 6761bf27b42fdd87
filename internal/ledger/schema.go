package ledger

import "database/sql"

// DBTX is the shared surface of *sql.DB and *sql.Tx, letting query helpers
// run inside or outside a transaction uniformly.
type DBTX interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS events (
	event_id       TEXT PRIMARY KEY,
	correlation_id TEXT NOT NULL,
	causation_id   TEXT,
	type           TEXT NOT NULL,
	source         TEXT NOT NULL,
	pane_id        TEXT,
	timestamp_ms   INTEGER NOT NULL,
	sequence       INTEGER NOT NULL,
	payload        TEXT,
	redacted       INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id);
CREATE INDEX IF NOT EXISTS idx_events_causation ON events(causation_id);
CREATE INDEX IF NOT EXISTS idx_events_pane ON events(pane_id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp_ms);

CREATE TABLE IF NOT EXISTS edges (
	child_event_id  TEXT NOT NULL,
	parent_event_id TEXT NOT NULL,
	PRIMARY KEY (child_event_id, parent_event_id)
);

CREATE TABLE IF NOT EXISTS spans (
	span_id        TEXT PRIMARY KEY,
	correlation_id TEXT NOT NULL,
	opened_event_id TEXT NOT NULL,
	closed_event_id TEXT,
	opened_at_ms   INTEGER NOT NULL,
	closed_at_ms   INTEGER
);

CREATE TABLE IF NOT EXISTS incidents (
	incident_id  TEXT PRIMARY KEY,
	event_id     TEXT NOT NULL,
	kind         TEXT NOT NULL,
	detail       TEXT,
	created_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS verdicts (
	verdict_id   TEXT PRIMARY KEY,
	correlation_id TEXT NOT NULL,
	verdict      TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS evidence_bindings (
	binding_id    TEXT PRIMARY KEY,
	event_id      TEXT NOT NULL,
	bound_to      TEXT NOT NULL,
	relation      TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS seed_decisions (
	decision_id  TEXT PRIMARY KEY,
	summary      TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// InitSchema creates the Evidence Ledger schema if it does not exist yet,
// the same begin/exec/commit shape as the teacher's db.InitSchema.
func InitSchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(schemaSQL); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
