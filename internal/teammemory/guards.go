package teammemory

import (
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/agentfleet/fleet/internal/types"
)

type createGuardArgs struct {
	Guard types.Guard `json:"guard"`
}

// CreateGuardRequest is the input to CreateGuard (spec §4.4.4 "Guards:
// trigger predicate bound to a team-visible action").
type CreateGuardRequest struct {
	Predicate       string
	Action          types.GuardAction
	SourceClaimID   string
	SourcePatternID string
	IdempotencyKey  string
}

// CreateGuard binds a trigger predicate to a warn/escalate action,
// typically authored from a detected pattern or a confirmed claim.
func (s *Store) CreateGuard(req CreateGuardRequest) (types.Guard, error) {
	g := types.Guard{
		GuardID:         uuid.NewString(),
		Predicate:       req.Predicate,
		Action:          req.Action,
		SourceClaimID:   req.SourceClaimID,
		SourcePatternID: req.SourcePatternID,
		CreatedAt:       types.NowMs(),
	}
	err := s.mutate("createGuard", req.IdempotencyKey, createGuardArgs{Guard: g}, func(tx *sql.Tx) error {
		return insertGuard(tx, g)
	})
	if err != nil {
		return types.Guard{}, err
	}
	return g, nil
}

func insertGuard(tx *sql.Tx, g types.Guard) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO guards
		(guard_id, predicate, action, source_claim_id, source_pattern_id, created_at)
		VALUES (?,?,?,?,?,?)`, g.GuardID, g.Predicate, string(g.Action), nullableStr(g.SourceClaimID), nullableStr(g.SourcePatternID), g.CreatedAt)
	return err
}

// ActiveGuards returns every registered guard.
func (s *Store) ActiveGuards() ([]types.Guard, error) {
	rows, err := s.db.Query(`SELECT guard_id, predicate, action, source_claim_id, source_pattern_id, created_at FROM guards`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Guard
	for rows.Next() {
		var g types.Guard
		var action string
		var sourceClaim, sourcePattern sql.NullString
		if err := rows.Scan(&g.GuardID, &g.Predicate, &action, &sourceClaim, &sourcePattern, &g.CreatedAt); err != nil {
			return nil, err
		}
		g.Action = types.GuardAction(action)
		g.SourceClaimID = sourceClaim.String
		g.SourcePatternID = sourcePattern.String
		out = append(out, g)
	}
	return out, rows.Err()
}

// EvaluateGuards checks claim against every registered guard's predicate
// and returns the guards that fire. Predicates are simple
// "field=value AND field=value" expressions over the claim's status and
// scopes (spec §4.4.4's predicate language is left open; this is the
// minimal grammar that covers the spec's own examples).
func (s *Store) EvaluateGuards(claim types.Claim) ([]types.Guard, error) {
	guards, err := s.ActiveGuards()
	if err != nil {
		return nil, err
	}
	var fired []types.Guard
	for _, g := range guards {
		if predicateMatches(g.Predicate, claim) {
			fired = append(fired, g)
		}
	}
	return fired, nil
}

func predicateMatches(predicate string, claim types.Claim) bool {
	clauses := strings.Split(predicate, " AND ")
	for _, clause := range clauses {
		clause = strings.TrimSpace(clause)
		field, value, ok := strings.Cut(clause, "=")
		if !ok {
			continue
		}
		field, value = strings.TrimSpace(field), strings.TrimSpace(value)
		switch field {
		case "status":
			if string(claim.Status) != value {
				return false
			}
		case "scope":
			if !containsScope(claim.Scopes, value) {
				return false
			}
		case "claimType":
			if string(claim.ClaimType) != value {
				return false
			}
		}
	}
	return true
}

func containsScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

func (s *Store) replayGuards(m mutation) (bool, error) {
	if m.Op != "createGuard" {
		return false, nil
	}
	var a createGuardArgs
	if err := json.Unmarshal(m.Args, &a); err != nil {
		return true, err
	}
	return true, s.applyInTx(func(tx *sql.Tx) error { return insertGuard(tx, a.Guard) })
}
