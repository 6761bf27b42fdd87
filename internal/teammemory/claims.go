package teammemory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"github.com/agentfleet/fleet/internal/types"
)

// ErrDuplicateIdempotencyKey is returned by CreateClaim and other
// idempotency-keyed writes when the key has already been committed; the
// caller already holds the canonical row via the returned claim.
var ErrDuplicateIdempotencyKey = fmt.Errorf("duplicate idempotency key")

// CreateClaimRequest is the input to CreateClaim (spec §4.4.2 createClaim).
type CreateClaimRequest struct {
	IdempotencyKey string
	Statement      string
	ClaimType      types.ClaimType
	OwnerRole      string
	Confidence     float64
	SessionID      string
	Scopes         []string
	TTLHours       *float64
	SupersedesClaimID string
}

type createClaimArgs struct {
	Claim types.Claim `json:"claim"`
}

// CreateClaim inserts a new claim in status "proposed" (spec §4.4.3: all
// claims begin proposed). A repeated IdempotencyKey returns the
// previously-created claim and ErrDuplicateIdempotencyKey rather than
// creating a second row.
func (s *Store) CreateClaim(req CreateClaimRequest) (types.Claim, error) {
	if existing, ok, err := s.claimByIdempotencyKey(req.IdempotencyKey); err != nil {
		return types.Claim{}, err
	} else if ok {
		return existing, ErrDuplicateIdempotencyKey
	}

	now := types.NowMs()
	c := types.Claim{
		ClaimID:           uuid.NewString(),
		IdempotencyKey:    req.IdempotencyKey,
		Statement:         req.Statement,
		ClaimType:         req.ClaimType,
		OwnerRole:         s.Canonical(req.OwnerRole),
		Confidence:        req.Confidence,
		Status:            types.StatusProposed,
		SupersedesClaimID: req.SupersedesClaimID,
		SessionID:         req.SessionID,
		TTLHours:          req.TTLHours,
		CreatedAt:         now,
		UpdatedAt:         now,
		Scopes:            req.Scopes,
	}

	err := s.mutate("createClaim", req.IdempotencyKey, createClaimArgs{Claim: c}, func(tx *sql.Tx) error {
		return insertClaim(tx, c)
	})
	if err != nil {
		return types.Claim{}, err
	}
	return c, nil
}

func insertClaim(tx *sql.Tx, c types.Claim) error {
	var ttl sql.NullFloat64
	if c.TTLHours != nil {
		ttl = sql.NullFloat64{Float64: *c.TTLHours, Valid: true}
	}
	_, err := tx.Exec(`INSERT OR IGNORE INTO claims
		(claim_id, idempotency_key, statement, claim_type, owner_role, confidence, status,
		 supersedes_claim_id, session_id, ttl_hours, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ClaimID, c.IdempotencyKey, c.Statement, string(c.ClaimType), c.OwnerRole, c.Confidence, string(c.Status),
		nullableStr(c.SupersedesClaimID), c.SessionID, ttl, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return err
	}
	for _, scope := range c.Scopes {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO claim_scope (claim_id, scope) VALUES (?, ?)`, c.ClaimID, scope); err != nil {
			return err
		}
	}
	return nil
}

func nullableStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func (s *Store) claimByIdempotencyKey(key string) (types.Claim, bool, error) {
	row := s.db.QueryRow(`SELECT claim_id FROM claims WHERE idempotency_key = ?`, key)
	var claimID string
	if err := row.Scan(&claimID); err != nil {
		if err == sql.ErrNoRows {
			return types.Claim{}, false, nil
		}
		return types.Claim{}, false, err
	}
	c, err := s.GetClaim(claimID)
	if err != nil {
		return types.Claim{}, false, err
	}
	return c, true, nil
}

// GetClaim fetches a single claim by id, including its scopes.
func (s *Store) GetClaim(claimID string) (types.Claim, error) {
	row := s.db.QueryRow(`SELECT claim_id, idempotency_key, statement, claim_type, owner_role, confidence,
		status, supersedes_claim_id, session_id, ttl_hours, created_at, updated_at
		FROM claims WHERE claim_id = ?`, claimID)
	c, err := scanClaim(row)
	if err != nil {
		return types.Claim{}, err
	}
	scopes, err := s.scopesFor(claimID)
	if err != nil {
		return types.Claim{}, err
	}
	c.Scopes = scopes
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClaim(row rowScanner) (types.Claim, error) {
	var c types.Claim
	var supersedes, ttl sql.NullString
	var ttlHours sql.NullFloat64
	var claimType, status string
	if err := row.Scan(&c.ClaimID, &c.IdempotencyKey, &c.Statement, &claimType, &c.OwnerRole, &c.Confidence,
		&status, &supersedes, &c.SessionID, &ttlHours, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return types.Claim{}, err
	}
	_ = ttl
	c.ClaimType = types.ClaimType(claimType)
	c.Status = types.ClaimStatus(status)
	if supersedes.Valid {
		c.SupersedesClaimID = supersedes.String
	}
	if ttlHours.Valid {
		v := ttlHours.Float64
		c.TTLHours = &v
	}
	return c, nil
}

func (s *Store) scopesFor(claimID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT scope FROM claim_scope WHERE claim_id = ?`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, err
		}
		out = append(out, scope)
	}
	return out, rows.Err()
}

// ClaimQuery filters QueryClaims (spec §4.4.2 queryClaims).
type ClaimQuery struct {
	Scope      string // matched against claim_scope via glob, teacher's fray_claims pattern-matching style
	ClaimType  types.ClaimType
	Status     types.ClaimStatus
	OwnerRole  string
	SessionID  string
	FromMs     int64
	ToMs       int64
	TextSearch string
	Limit      int
	Cursor     string // opaque: last seen claim_id for keyset pagination
}

// QueryClaims returns claims matching every non-zero filter in q, in
// descending claim_id order (claim IDs are random UUIDs, so this is not
// creation order), honoring Limit and Cursor for pagination. Scope uses glob
// matching (gobwas/glob), generalized from the teacher's fray_claims
// pattern-matched ownership scoping.
func (s *Store) QueryClaims(q ClaimQuery) ([]types.Claim, error) {
	var clauses []string
	var args []any

	if q.ClaimType != "" {
		clauses = append(clauses, "claim_type = ?")
		args = append(args, string(q.ClaimType))
	}
	if q.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(q.Status))
	}
	if q.OwnerRole != "" {
		clauses = append(clauses, "owner_role = ?")
		args = append(args, s.Canonical(q.OwnerRole))
	}
	if q.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.FromMs > 0 {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, q.FromMs)
	}
	if q.ToMs > 0 {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, q.ToMs)
	}
	if q.TextSearch != "" {
		clauses = append(clauses, "statement LIKE ?")
		args = append(args, "%"+q.TextSearch+"%")
	}
	if q.Cursor != "" {
		clauses = append(clauses, "claim_id < ?")
		args = append(args, q.Cursor)
	}

	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	queryStr := `SELECT claim_id, idempotency_key, statement, claim_type, owner_role, confidence,
		status, supersedes_claim_id, session_id, ttl_hours, created_at, updated_at FROM claims`
	if len(clauses) > 0 {
		queryStr += " WHERE " + strings.Join(clauses, " AND ")
	}
	queryStr += " ORDER BY claim_id DESC LIMIT ?"
	args = append(args, limit*4) // over-fetch to allow for in-process scope filtering

	rows, err := s.db.Query(queryStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scopeGlob glob.Glob
	if q.Scope != "" {
		g, err := glob.Compile(q.Scope, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid scope pattern %q: %w", q.Scope, err)
		}
		scopeGlob = g
	}

	var out []types.Claim
	for rows.Next() && len(out) < limit {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		scopes, err := s.scopesFor(c.ClaimID)
		if err != nil {
			return nil, err
		}
		c.Scopes = scopes
		if scopeGlob != nil && !matchesAnyScope(scopeGlob, scopes) {
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func matchesAnyScope(g glob.Glob, scopes []string) bool {
	for _, scope := range scopes {
		if g.Match(scope) {
			return true
		}
	}
	return false
}

type updateStatusArgs struct {
	ClaimID   string            `json:"claimId"`
	ChangedBy string            `json:"changedBy"`
	Reason    string            `json:"reason"`
	Next      types.ClaimStatus `json:"next"`
}

// allowedStatusTransitions implements the exact state machine of spec
// §4.4.3.
var allowedStatusTransitions = map[types.ClaimStatus]map[types.ClaimStatus]bool{
	types.StatusProposed: {
		types.StatusConfirmed:    true,
		types.StatusContested:    true,
		types.StatusDeprecated:   true,
		types.StatusPendingProof: true,
	},
	types.StatusConfirmed: {
		types.StatusContested:  true,
		types.StatusDeprecated: true,
	},
	types.StatusContested: {
		types.StatusConfirmed:  true,
		types.StatusDeprecated: true,
	},
	types.StatusPendingProof: {
		types.StatusConfirmed:  true,
		types.StatusContested:  true,
		types.StatusDeprecated: true,
	},
	types.StatusDeprecated: {},
}

// ErrInvalidTransition is returned when a status change isn't permitted by
// the state machine of spec §4.4.3.
var ErrInvalidTransition = fmt.Errorf("invalid claim status transition")

// UpdateClaimStatus transitions a claim's status, recording a
// status_history row. The transition must be legal per the spec §4.4.3
// state machine, or ErrInvalidTransition is returned.
func (s *Store) UpdateClaimStatus(claimID, changedBy, reason string, next types.ClaimStatus) error {
	current, err := s.GetClaim(claimID)
	if err != nil {
		return err
	}
	allowed := allowedStatusTransitions[current.Status]
	if allowed == nil || !allowed[next] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next)
	}

	idempotencyKey := fmt.Sprintf("status:%s:%s:%d", claimID, next, types.NowMs())
	args := updateStatusArgs{ClaimID: claimID, ChangedBy: s.Canonical(changedBy), Reason: reason, Next: next}
	return s.mutate("updateClaimStatus", idempotencyKey, args, func(tx *sql.Tx) error {
		return applyStatusUpdate(tx, current.Status, args)
	})
}

func applyStatusUpdate(tx *sql.Tx, previous types.ClaimStatus, args updateStatusArgs) error {
	now := types.NowMs()
	res, err := tx.Exec(`UPDATE claims SET status = ?, updated_at = ? WHERE claim_id = ? AND status = ?`,
		string(args.Next), now, args.ClaimID, string(previous))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil // already applied (replay) or superseded concurrently
	}
	_, err = tx.Exec(`INSERT INTO status_history (claim_id, changed_by, reason, previous, next, timestamp)
		VALUES (?,?,?,?,?,?)`, args.ClaimID, args.ChangedBy, nullableStr(args.Reason), string(previous), string(args.Next), now)
	return err
}

type addEvidenceArgs struct {
	Evidence types.ClaimEvidence `json:"evidence"`
}

// AddEvidence links a piece of ledger evidence to a claim. When the
// store was opened with an Evidence Ledger handle, evidenceEventRef is
// checked for liveness first (spec §4.4.2 addEvidence: "rejects
// references to events the ledger does not have").
func (s *Store) AddEvidence(claimID, evidenceEventRef string, relation types.EvidenceRelation, weight float64, addedBy string) error {
	if s.ledger != nil {
		_, found, err := s.ledger.ByID(evidenceEventRef)
		if err != nil {
			return fmt.Errorf("check evidence event %s: %w", evidenceEventRef, err)
		}
		if !found {
			return fmt.Errorf("evidence event %s not found in ledger", evidenceEventRef)
		}
	}
	ev := types.ClaimEvidence{
		ClaimID:          claimID,
		EvidenceEventRef: evidenceEventRef,
		Relation:         relation,
		Weight:           weight,
		AddedBy:          s.Canonical(addedBy),
		AddedAt:          types.NowMs(),
	}
	idempotencyKey := fmt.Sprintf("evidence:%s:%s", claimID, evidenceEventRef)
	return s.mutate("addEvidence", idempotencyKey, addEvidenceArgs{Evidence: ev}, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT OR IGNORE INTO claim_evidence
			(claim_id, evidence_event_ref, relation, weight, added_by, added_at) VALUES (?,?,?,?,?,?)`,
			ev.ClaimID, ev.EvidenceEventRef, string(ev.Relation), ev.Weight, ev.AddedBy, ev.AddedAt)
		return err
	})
}

// EvidenceFor returns every evidence link recorded for a claim.
func (s *Store) EvidenceFor(claimID string) ([]types.ClaimEvidence, error) {
	rows, err := s.db.Query(`SELECT claim_id, evidence_event_ref, relation, weight, added_by, added_at
		FROM claim_evidence WHERE claim_id = ?`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.ClaimEvidence
	for rows.Next() {
		var e types.ClaimEvidence
		var relation string
		if err := rows.Scan(&e.ClaimID, &e.EvidenceEventRef, &relation, &e.Weight, &e.AddedBy, &e.AddedAt); err != nil {
			return nil, err
		}
		e.Relation = types.EvidenceRelation(relation)
		out = append(out, e)
	}
	return out, rows.Err()
}

// replay re-applies a spooled mutation during startup recovery. Each op's
// apply is idempotent (INSERT OR IGNORE / conditional UPDATE keyed on
// current state), so replaying an already-committed mutation is harmless.
func (s *Store) replay(m mutation) error {
	switch m.Op {
	case "createClaim":
		var a createClaimArgs
		if err := json.Unmarshal(m.Args, &a); err != nil {
			return err
		}
		return s.applyInTx(func(tx *sql.Tx) error { return insertClaim(tx, a.Claim) })
	case "updateClaimStatus":
		var a updateStatusArgs
		if err := json.Unmarshal(m.Args, &a); err != nil {
			return err
		}
		current, err := s.GetClaim(a.ClaimID)
		if err != nil {
			return err
		}
		return s.applyInTx(func(tx *sql.Tx) error { return applyStatusUpdate(tx, current.Status, a) })
	case "addEvidence":
		var a addEvidenceArgs
		if err := json.Unmarshal(m.Args, &a); err != nil {
			return err
		}
		return s.applyInTx(func(tx *sql.Tx) error {
			_, err := tx.Exec(`INSERT OR IGNORE INTO claim_evidence
				(claim_id, evidence_event_ref, relation, weight, added_by, added_at) VALUES (?,?,?,?,?,?)`,
				a.Evidence.ClaimID, a.Evidence.EvidenceEventRef, string(a.Evidence.Relation), a.Evidence.Weight, a.Evidence.AddedBy, a.Evidence.AddedAt)
			return err
		})
	default:
		return s.replayOther(m)
	}
}
