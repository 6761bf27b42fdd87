// Package teammemory implements the Team Memory Runtime (spec §4.4): a
// single-writer claim-graph database with consensus semantics,
// contradiction detection, negative knowledge, pattern mining, guards,
// and an experiment subsystem.
//
// The single-writer + durable-spool storage shape mirrors internal/ledger
// (see that package's doc comment); the claim schema itself, and its
// gobwas/glob scope matching in queryClaims, are grounded on the
// teacher's internal/db/queries_claims.go and internal/db/schema.go
// (fray_claims table + glob-matched pattern column), generalized from
// "file/pattern ownership claims" to the richer claim-graph of spec §3.
package teammemory

import "database/sql"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS claims (
	claim_id        TEXT PRIMARY KEY,
	idempotency_key TEXT NOT NULL UNIQUE,
	statement       TEXT NOT NULL,
	claim_type      TEXT NOT NULL,
	owner_role      TEXT NOT NULL,
	confidence      REAL NOT NULL,
	status          TEXT NOT NULL,
	supersedes_claim_id TEXT,
	session_id      TEXT NOT NULL,
	ttl_hours       REAL,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_claims_status ON claims(status);
CREATE INDEX IF NOT EXISTS idx_claims_owner ON claims(owner_role);
CREATE INDEX IF NOT EXISTS idx_claims_session ON claims(session_id);
CREATE INDEX IF NOT EXISTS idx_claims_type ON claims(claim_type);
CREATE INDEX IF NOT EXISTS idx_claims_statement ON claims(statement);

CREATE TABLE IF NOT EXISTS claim_scope (
	claim_id TEXT NOT NULL,
	scope    TEXT NOT NULL,
	PRIMARY KEY (claim_id, scope)
);
CREATE INDEX IF NOT EXISTS idx_claim_scope_scope ON claim_scope(scope);

CREATE TABLE IF NOT EXISTS claim_evidence (
	claim_id           TEXT NOT NULL,
	evidence_event_ref TEXT NOT NULL,
	relation           TEXT NOT NULL,
	weight             REAL NOT NULL,
	added_by           TEXT NOT NULL,
	added_at           INTEGER NOT NULL,
	PRIMARY KEY (claim_id, evidence_event_ref)
);

CREATE TABLE IF NOT EXISTS status_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	claim_id   TEXT NOT NULL,
	changed_by TEXT NOT NULL,
	reason     TEXT,
	previous   TEXT NOT NULL,
	next       TEXT NOT NULL,
	timestamp  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_status_history_claim ON status_history(claim_id);

CREATE TABLE IF NOT EXISTS consensus_edge (
	claim_id   TEXT NOT NULL,
	agent      TEXT NOT NULL,
	position   TEXT NOT NULL,
	reason     TEXT,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (claim_id, agent)
);

CREATE TABLE IF NOT EXISTS decisions (
	decision_id TEXT PRIMARY KEY,
	claim_id    TEXT NOT NULL,
	decided_by  TEXT NOT NULL,
	rationale   TEXT,
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS decision_alternatives (
	decision_id TEXT NOT NULL,
	alternative TEXT NOT NULL,
	PRIMARY KEY (decision_id, alternative)
);

CREATE TABLE IF NOT EXISTS decision_outcomes (
	decision_id TEXT PRIMARY KEY,
	outcome     TEXT NOT NULL,
	notes       TEXT,
	recorded_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS belief_snapshots (
	snapshot_id TEXT PRIMARY KEY,
	agent       TEXT NOT NULL,
	session     TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS belief_snapshot_claims (
	snapshot_id TEXT NOT NULL,
	claim_id    TEXT NOT NULL,
	PRIMARY KEY (snapshot_id, claim_id)
);

CREATE TABLE IF NOT EXISTS belief_contradictions (
	contradiction_id TEXT PRIMARY KEY,
	claim_id         TEXT NOT NULL,
	agent            TEXT NOT NULL,
	session          TEXT NOT NULL,
	other_agent      TEXT NOT NULL,
	other_claim_id   TEXT NOT NULL,
	detected_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_contradictions_agent ON belief_contradictions(agent, session);

CREATE TABLE IF NOT EXISTS patterns (
	pattern_id  TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	frequency   INTEGER NOT NULL,
	risk_score  REAL NOT NULL,
	claim_ids   TEXT,
	detected_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS guards (
	guard_id          TEXT PRIMARY KEY,
	predicate         TEXT NOT NULL,
	action            TEXT NOT NULL,
	source_claim_id   TEXT,
	source_pattern_id TEXT,
	created_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS experiments (
	run_id             TEXT PRIMARY KEY,
	idempotency_key    TEXT NOT NULL UNIQUE,
	profile_id         TEXT NOT NULL,
	args               TEXT NOT NULL,
	claim_id           TEXT,
	relation           TEXT,
	requested_by       TEXT NOT NULL,
	repository_revision TEXT,
	status             TEXT NOT NULL,
	exit_code          INTEGER,
	evidence_event_ref TEXT,
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_aliases (
	raw_identifier  TEXT PRIMARY KEY,
	canonical_role  TEXT NOT NULL
);
`

// InitSchema creates the Team Memory schema if it does not exist yet.
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
