package teammemory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentfleet/fleet/internal/types"
)

// PatternMiner periodically scans the claim graph for behavioral patterns
// and records a Pattern row per detection. It detects contradictionCluster
// and stall; the handoffLoop and escalationSpiral pattern types are not
// detected. It runs
// as a background goroutine owned by whoever constructs it (cmd/fleetd),
// mirroring the teacher's ticker-driven maintenance goroutines in
// internal/daemon (health/reap loops).
type PatternMiner struct {
	store    *Store
	interval time.Duration
	stopCh   chan struct{}
}

// NewPatternMiner builds a miner that scans every interval (0 = default
// 5 minutes).
func NewPatternMiner(store *Store, interval time.Duration) *PatternMiner {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &PatternMiner{store: store, interval: interval, stopCh: make(chan struct{})}
}

// Run blocks, scanning on each tick, until Stop is called.
func (m *PatternMiner) Run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			_ = m.scanOnce()
		}
	}
}

// Stop halts the miner's loop.
func (m *PatternMiner) Stop() { close(m.stopCh) }

// scanOnce performs one detection pass across all known sessions.
func (m *PatternMiner) scanOnce() error {
	if err := m.detectContradictionClusters(); err != nil {
		return err
	}
	if err := m.detectStalls(); err != nil {
		return err
	}
	return nil
}

// detectContradictionClusters flags claims that have accumulated three or
// more distinct contradiction pairs, which tends to indicate agents are
// repeatedly re-litigating the same fact (spec §4.4.4
// "contradictionCluster").
func (m *PatternMiner) detectContradictionClusters() error {
	rows, err := m.store.db.Query(`SELECT claim_id, COUNT(*) as cnt FROM belief_contradictions GROUP BY claim_id HAVING cnt >= 3`)
	if err != nil {
		return err
	}
	defer rows.Close()
	var claimIDs []string
	var counts []int
	for rows.Next() {
		var claimID string
		var cnt int
		if err := rows.Scan(&claimID, &cnt); err != nil {
			return err
		}
		claimIDs = append(claimIDs, claimID)
		counts = append(counts, cnt)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for i, claimID := range claimIDs {
		if err := m.store.recordPattern(types.PatternContradictionCluster, counts[i], riskFromFrequency(counts[i]), []string{claimID}); err != nil {
			return err
		}
	}
	return nil
}

// detectStalls flags claims stuck in "proposed" or "pendingProof" for
// longer than 24 hours without a status change (spec §4.4.4 "stall").
func (m *PatternMiner) detectStalls() error {
	cutoff := types.NowMs() - 24*60*60*1000
	rows, err := m.store.db.Query(`SELECT claim_id FROM claims WHERE status IN ('proposed','pendingProof') AND updated_at < ?`, cutoff)
	if err != nil {
		return err
	}
	defer rows.Close()
	var stalled []string
	for rows.Next() {
		var claimID string
		if err := rows.Scan(&claimID); err != nil {
			return err
		}
		stalled = append(stalled, claimID)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(stalled) == 0 {
		return nil
	}
	return m.store.recordPattern(types.PatternStall, len(stalled), riskFromFrequency(len(stalled)), stalled)
}

func riskFromFrequency(freq int) float64 {
	risk := float64(freq) / 10
	if risk > 1 {
		risk = 1
	}
	return risk
}

type recordPatternArgs struct {
	Pattern types.Pattern `json:"pattern"`
}

func (s *Store) recordPattern(t types.PatternType, frequency int, riskScore float64, claimIDs []string) error {
	p := types.Pattern{
		PatternID:  uuid.NewString(),
		Type:       t,
		Frequency:  frequency,
		RiskScore:  riskScore,
		ClaimIDs:   claimIDs,
		DetectedAt: types.NowMs(),
	}
	idempotencyKey := fmt.Sprintf("pattern:%s:%s:%d", t, strings.Join(claimIDs, ","), p.DetectedAt)
	return s.mutate("recordPattern", idempotencyKey, recordPatternArgs{Pattern: p}, func(tx *sql.Tx) error {
		return insertPattern(tx, p)
	})
}

func insertPattern(tx *sql.Tx, p types.Pattern) error {
	claimIDsJSON, err := json.Marshal(p.ClaimIDs)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO patterns (pattern_id, type, frequency, risk_score, claim_ids, detected_at)
		VALUES (?,?,?,?,?,?)`, p.PatternID, string(p.Type), p.Frequency, p.RiskScore, string(claimIDsJSON), p.DetectedAt)
	return err
}

// RecentPatterns returns the most recently detected patterns, newest
// first.
func (s *Store) RecentPatterns(limit int) ([]types.Pattern, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT pattern_id, type, frequency, risk_score, claim_ids, detected_at
		FROM patterns ORDER BY detected_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Pattern
	for rows.Next() {
		var p types.Pattern
		var ptype, claimIDsJSON string
		if err := rows.Scan(&p.PatternID, &ptype, &p.Frequency, &p.RiskScore, &claimIDsJSON, &p.DetectedAt); err != nil {
			return nil, err
		}
		p.Type = types.PatternType(ptype)
		_ = json.Unmarshal([]byte(claimIDsJSON), &p.ClaimIDs)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) replayPatterns(m mutation) (bool, error) {
	if m.Op != "recordPattern" {
		return false, nil
	}
	var a recordPatternArgs
	if err := json.Unmarshal(m.Args, &a); err != nil {
		return true, err
	}
	return true, s.applyInTx(func(tx *sql.Tx) error { return insertPattern(tx, a.Pattern) })
}
