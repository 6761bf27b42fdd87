package teammemory

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/agentfleet/fleet/internal/types"
)

type createSnapshotArgs struct {
	Snapshot types.BeliefSnapshot `json:"snapshot"`
}

// CreateBeliefSnapshot materializes agent's currently-confirmed claim set
// for session as a point-in-time snapshot (spec §4.4.2
// createBeliefSnapshot).
func (s *Store) CreateBeliefSnapshot(agent, session string) (types.BeliefSnapshot, error) {
	agent = s.Canonical(agent)
	claims, err := s.QueryClaims(ClaimQuery{SessionID: session, OwnerRole: agent, Status: types.StatusConfirmed, Limit: 500})
	if err != nil {
		return types.BeliefSnapshot{}, err
	}
	ids := make([]string, len(claims))
	for i, c := range claims {
		ids[i] = c.ClaimID
	}

	snap := types.BeliefSnapshot{
		SnapshotID: uuid.NewString(),
		Agent:      agent,
		Session:    session,
		ClaimIDs:   ids,
		CreatedAt:  types.NowMs(),
	}
	idempotencyKey := fmt.Sprintf("snapshot:%s:%s:%d", agent, session, snap.CreatedAt)
	err = s.mutate("createBeliefSnapshot", idempotencyKey, createSnapshotArgs{Snapshot: snap}, func(tx *sql.Tx) error {
		return insertSnapshot(tx, snap)
	})
	if err != nil {
		return types.BeliefSnapshot{}, err
	}
	if err := s.detectContradictions(snap); err != nil {
		return snap, fmt.Errorf("snapshot created but contradiction detection failed: %w", err)
	}
	return snap, nil
}

func insertSnapshot(tx *sql.Tx, snap types.BeliefSnapshot) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO belief_snapshots (snapshot_id, agent, session, created_at)
		VALUES (?,?,?,?)`, snap.SnapshotID, snap.Agent, snap.Session, snap.CreatedAt)
	if err != nil {
		return err
	}
	for _, claimID := range snap.ClaimIDs {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO belief_snapshot_claims (snapshot_id, claim_id) VALUES (?, ?)`, snap.SnapshotID, claimID); err != nil {
			return err
		}
	}
	return nil
}

// detectContradictions compares snap's claim set against the most recent
// snapshot from every other agent in the same session; a pair of claims
// in which one supersedes the other emits a BeliefContradiction row (spec
// §4.4.4 "Negative knowledge and contradiction detection").
func (s *Store) detectContradictions(snap types.BeliefSnapshot) error {
	rows, err := s.db.Query(`SELECT DISTINCT agent FROM belief_snapshots WHERE session = ? AND agent != ?`, snap.Session, snap.Agent)
	if err != nil {
		return err
	}
	var otherAgents []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			rows.Close()
			return err
		}
		otherAgents = append(otherAgents, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, other := range otherAgents {
		otherSnap, ok, err := s.latestSnapshot(other, snap.Session)
		if err != nil || !ok {
			continue
		}
		for _, claimID := range snap.ClaimIDs {
			claim, err := s.GetClaim(claimID)
			if err != nil {
				continue
			}
			for _, otherClaimID := range otherSnap.ClaimIDs {
				if otherClaimID == claimID {
					continue
				}
				other, err := s.GetClaim(otherClaimID)
				if err != nil {
					continue
				}
				// Only claims the graph itself marks as conflicting (one
				// supersedes the other) count as a contradiction; shared
				// scope alone is not disagreement.
				if claim.SupersedesClaimID != other.ClaimID && other.SupersedesClaimID != claim.ClaimID {
					continue
				}
				if err := s.recordContradiction(claimID, snap.Agent, snap.Session, otherSnap.Agent, otherClaimID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *Store) latestSnapshot(agent, session string) (types.BeliefSnapshot, bool, error) {
	row := s.db.QueryRow(`SELECT snapshot_id, agent, session, created_at FROM belief_snapshots
		WHERE agent = ? AND session = ? ORDER BY created_at DESC LIMIT 1`, agent, session)
	var snap types.BeliefSnapshot
	if err := row.Scan(&snap.SnapshotID, &snap.Agent, &snap.Session, &snap.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return types.BeliefSnapshot{}, false, nil
		}
		return types.BeliefSnapshot{}, false, err
	}
	rows, err := s.db.Query(`SELECT claim_id FROM belief_snapshot_claims WHERE snapshot_id = ?`, snap.SnapshotID)
	if err != nil {
		return types.BeliefSnapshot{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var claimID string
		if err := rows.Scan(&claimID); err != nil {
			return types.BeliefSnapshot{}, false, err
		}
		snap.ClaimIDs = append(snap.ClaimIDs, claimID)
	}
	return snap, true, rows.Err()
}

func (s *Store) recordContradiction(claimID, agent, session, otherAgent, otherClaimID string) error {
	c := types.BeliefContradiction{
		ContradictionID: uuid.NewString(),
		ClaimID:         claimID,
		Agent:           agent,
		Session:         session,
		OtherAgent:      otherAgent,
		OtherClaimID:    otherClaimID,
		DetectedAt:      types.NowMs(),
	}
	idempotencyKey := fmt.Sprintf("contradiction:%s:%s:%s:%s", claimID, agent, otherAgent, otherClaimID)
	return s.mutate("recordContradiction", idempotencyKey, contradictionArgs{Contradiction: c}, func(tx *sql.Tx) error {
		return insertContradiction(tx, c)
	})
}

type contradictionArgs struct {
	Contradiction types.BeliefContradiction `json:"contradiction"`
}

func insertContradiction(tx *sql.Tx, c types.BeliefContradiction) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO belief_contradictions
		(contradiction_id, claim_id, agent, session, other_agent, other_claim_id, detected_at)
		VALUES (?,?,?,?,?,?,?)`, c.ContradictionID, c.ClaimID, c.Agent, c.Session, c.OtherAgent, c.OtherClaimID, c.DetectedAt)
	return err
}

// ContradictionsFor returns contradictions detected for agent in session.
func (s *Store) ContradictionsFor(agent, session string) ([]types.BeliefContradiction, error) {
	rows, err := s.db.Query(`SELECT contradiction_id, claim_id, agent, session, other_agent, other_claim_id, detected_at
		FROM belief_contradictions WHERE agent = ? AND session = ?`, s.Canonical(agent), session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.BeliefContradiction
	for rows.Next() {
		var c types.BeliefContradiction
		if err := rows.Scan(&c.ContradictionID, &c.ClaimID, &c.Agent, &c.Session, &c.OtherAgent, &c.OtherClaimID, &c.DetectedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) replayBeliefs(m mutation) (bool, error) {
	switch m.Op {
	case "createBeliefSnapshot":
		var a createSnapshotArgs
		if err := json.Unmarshal(m.Args, &a); err != nil {
			return true, err
		}
		return true, s.applyInTx(func(tx *sql.Tx) error { return insertSnapshot(tx, a.Snapshot) })
	case "recordContradiction":
		var a contradictionArgs
		if err := json.Unmarshal(m.Args, &a); err != nil {
			return true, err
		}
		return true, s.applyInTx(func(tx *sql.Tx) error { return insertContradiction(tx, a.Contradiction) })
	default:
		return false, nil
	}
}
