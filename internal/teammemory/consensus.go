package teammemory

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/agentfleet/fleet/internal/types"
)

type recordConsensusArgs struct {
	Edge types.ConsensusEdge `json:"edge"`
}

// RecordConsensus upserts one agent's position on a claim (at most one
// edge per claimId+agent, spec §3) and recomputes the claim's status per
// the table in spec §4.4.3:
//
//	any challenge edge on a proposed/confirmed claim -> contested
//	zero challenge edges and at least one edge total -> confirmed
func (s *Store) RecordConsensus(claimID, agent string, position types.ConsensusPosition, reason string) error {
	agent = s.Canonical(agent)
	edge := types.ConsensusEdge{ClaimID: claimID, Agent: agent, Position: position, Reason: reason, UpdatedAt: types.NowMs()}
	idempotencyKey := fmt.Sprintf("consensus:%s:%s:%d", claimID, agent, edge.UpdatedAt)
	return s.mutate("recordConsensus", idempotencyKey, recordConsensusArgs{Edge: edge}, func(tx *sql.Tx) error {
		return applyConsensus(tx, edge)
	})
}

func applyConsensus(tx *sql.Tx, edge types.ConsensusEdge) error {
	_, err := tx.Exec(`INSERT INTO consensus_edge (claim_id, agent, position, reason, updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(claim_id, agent) DO UPDATE SET position=excluded.position, reason=excluded.reason, updated_at=excluded.updated_at`,
		edge.ClaimID, edge.Agent, string(edge.Position), nullableStr(edge.Reason), edge.UpdatedAt)
	if err != nil {
		return err
	}
	return recomputeStatusLocked(tx, edge.ClaimID)
}

// recomputeStatusLocked applies spec §4.4.3's consensus-driven status
// transition table inside the same transaction as the triggering edge
// write, so status and the edges that justify it never observably
// diverge.
func recomputeStatusLocked(tx *sql.Tx, claimID string) error {
	row := tx.QueryRow(`SELECT status FROM claims WHERE claim_id = ?`, claimID)
	var status string
	if err := row.Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}
	current := types.ClaimStatus(status)
	if current == types.StatusDeprecated {
		return nil // terminal, never recomputed
	}

	rows, err := tx.Query(`SELECT position FROM consensus_edge WHERE claim_id = ?`, claimID)
	if err != nil {
		return err
	}
	var total, challenge int
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return err
		}
		total++
		if types.ConsensusPosition(p) == types.PositionChallenge {
			challenge++
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	next := current
	switch {
	case challenge >= 1 && (current == types.StatusProposed || current == types.StatusConfirmed):
		next = types.StatusContested
	case (current == types.StatusProposed || current == types.StatusContested) && total > 0 && challenge == 0:
		next = types.StatusConfirmed
	}
	if next == current {
		return nil
	}

	now := types.NowMs()
	if _, err := tx.Exec(`UPDATE claims SET status = ?, updated_at = ? WHERE claim_id = ?`, string(next), now, claimID); err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO status_history (claim_id, changed_by, reason, previous, next, timestamp)
		VALUES (?,?,?,?,?,?)`, claimID, "system:consensus", "consensus_recomputed", status, string(next), now)
	return err
}

// ConsensusFor returns every agent's position on a claim.
func (s *Store) ConsensusFor(claimID string) ([]types.ConsensusEdge, error) {
	rows, err := s.db.Query(`SELECT claim_id, agent, position, reason, updated_at FROM consensus_edge WHERE claim_id = ?`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.ConsensusEdge
	for rows.Next() {
		var e types.ConsensusEdge
		var position string
		var reason sql.NullString
		if err := rows.Scan(&e.ClaimID, &e.Agent, &position, &reason, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Position = types.ConsensusPosition(position)
		e.Reason = reason.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) replayConsensus(m mutation) (bool, error) {
	if m.Op != "recordConsensus" {
		return false, nil
	}
	var a recordConsensusArgs
	if err := json.Unmarshal(m.Args, &a); err != nil {
		return true, err
	}
	return true, s.applyInTx(func(tx *sql.Tx) error { return applyConsensus(tx, a.Edge) })
}
