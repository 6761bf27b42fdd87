package teammemory

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/agentfleet/fleet/internal/types"
)

type createDecisionArgs struct {
	Decision types.Decision `json:"decision"`
}

// CreateDecisionRequest is the input to CreateDecision (spec §4.4.2).
type CreateDecisionRequest struct {
	ClaimID        string
	DecidedBy      string
	Rationale      string
	Alternatives   []string
	IdempotencyKey string
}

// CreateDecision records the decision bound to a claim along with the
// alternatives considered.
func (s *Store) CreateDecision(req CreateDecisionRequest) (types.Decision, error) {
	d := types.Decision{
		DecisionID:   uuid.NewString(),
		ClaimID:      req.ClaimID,
		DecidedBy:    s.Canonical(req.DecidedBy),
		Rationale:    req.Rationale,
		Alternatives: req.Alternatives,
		CreatedAt:    types.NowMs(),
	}
	err := s.mutate("createDecision", req.IdempotencyKey, createDecisionArgs{Decision: d}, func(tx *sql.Tx) error {
		return insertDecision(tx, d)
	})
	if err != nil {
		return types.Decision{}, err
	}
	return d, nil
}

func insertDecision(tx *sql.Tx, d types.Decision) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO decisions (decision_id, claim_id, decided_by, rationale, created_at)
		VALUES (?,?,?,?,?)`, d.DecisionID, d.ClaimID, d.DecidedBy, nullableStr(d.Rationale), d.CreatedAt)
	if err != nil {
		return err
	}
	for _, alt := range d.Alternatives {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO decision_alternatives (decision_id, alternative) VALUES (?, ?)`, d.DecisionID, alt); err != nil {
			return err
		}
	}
	return nil
}

type recordOutcomeArgs struct {
	Outcome types.DecisionOutcome `json:"outcome"`
}

// RecordOutcome attaches the realized outcome to a decision (spec §4.4.2
// recordOutcome). Decisions are write-once: a repeated call is a no-op
// replay rather than an overwrite.
func (s *Store) RecordOutcome(decisionID string, outcome types.OutcomeKind, notes string) error {
	o := types.DecisionOutcome{DecisionID: decisionID, Outcome: outcome, Notes: notes, RecordedAt: types.NowMs()}
	idempotencyKey := fmt.Sprintf("outcome:%s", decisionID)
	return s.mutate("recordOutcome", idempotencyKey, recordOutcomeArgs{Outcome: o}, func(tx *sql.Tx) error {
		return insertOutcome(tx, o)
	})
}

func insertOutcome(tx *sql.Tx, o types.DecisionOutcome) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO decision_outcomes (decision_id, outcome, notes, recorded_at)
		VALUES (?,?,?,?)`, o.DecisionID, string(o.Outcome), nullableStr(o.Notes), o.RecordedAt)
	return err
}

// Decision fetches a decision with its alternatives and (if recorded)
// outcome.
func (s *Store) Decision(decisionID string) (types.Decision, *types.DecisionOutcome, error) {
	row := s.db.QueryRow(`SELECT decision_id, claim_id, decided_by, rationale, created_at FROM decisions WHERE decision_id = ?`, decisionID)
	var d types.Decision
	var rationale sql.NullString
	if err := row.Scan(&d.DecisionID, &d.ClaimID, &d.DecidedBy, &rationale, &d.CreatedAt); err != nil {
		return types.Decision{}, nil, err
	}
	d.Rationale = rationale.String

	altRows, err := s.db.Query(`SELECT alternative FROM decision_alternatives WHERE decision_id = ?`, decisionID)
	if err != nil {
		return types.Decision{}, nil, err
	}
	defer altRows.Close()
	for altRows.Next() {
		var alt string
		if err := altRows.Scan(&alt); err != nil {
			return types.Decision{}, nil, err
		}
		d.Alternatives = append(d.Alternatives, alt)
	}

	outRow := s.db.QueryRow(`SELECT decision_id, outcome, notes, recorded_at FROM decision_outcomes WHERE decision_id = ?`, decisionID)
	var o types.DecisionOutcome
	var outcome string
	var notes sql.NullString
	if err := outRow.Scan(&o.DecisionID, &outcome, &notes, &o.RecordedAt); err != nil {
		if err == sql.ErrNoRows {
			return d, nil, nil
		}
		return types.Decision{}, nil, err
	}
	o.Outcome = types.OutcomeKind(outcome)
	o.Notes = notes.String
	return d, &o, nil
}

func (s *Store) replayDecisions(m mutation) (bool, error) {
	switch m.Op {
	case "createDecision":
		var a createDecisionArgs
		if err := json.Unmarshal(m.Args, &a); err != nil {
			return true, err
		}
		return true, s.applyInTx(func(tx *sql.Tx) error { return insertDecision(tx, a.Decision) })
	case "recordOutcome":
		var a recordOutcomeArgs
		if err := json.Unmarshal(m.Args, &a); err != nil {
			return true, err
		}
		return true, s.applyInTx(func(tx *sql.Tx) error { return insertOutcome(tx, a.Outcome) })
	default:
		return false, nil
	}
}
