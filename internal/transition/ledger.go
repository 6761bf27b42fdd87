// Package transition implements the Transition Ledger (spec §4.5): an
// in-memory ring of stateful operation envelopes that aggregate events by
// correlationId, with owner leases and evidence-class finalization.
//
// The ring-buffer-over-a-mutex-guarded-map shape is grounded on the
// teacher's internal/daemon.Daemon, which keeps `processes map[string]*Process`
// under a single sync.RWMutex and removes entries on a documented
// lifecycle event — generalized here from "agent process map" to
// "open/closed transition map with bounded retention".
package transition

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentfleet/fleet/internal/types"
)

// ErrOwnershipConflict is returned when a non-owner module attempts a
// mutation phase change (spec §4.5 "transition.invalid" /
// "ownership_conflict").
var ErrOwnershipConflict = fmt.Errorf("ownership_conflict")

// ErrLeaseExpired is returned when the owner's lease has expired (spec
// §4.5 "owner_lease_expired").
var ErrLeaseExpired = fmt.Errorf("owner_lease_expired")

// ErrNotFound is returned for operations on an unknown transition.
var ErrNotFound = fmt.Errorf("transition not found")

// DefaultLeaseTTL is the default owner lease lifetime (spec §4.5).
const DefaultLeaseTTL = 15 * time.Second

// DefaultRingCapacity is the retention bound (spec §4.5 "Ring buffer of
// the last 500 transitions").
const DefaultRingCapacity = 500

// OpenSpec describes a new transition to open.
type OpenSpec struct {
	CorrelationID string
	CausationID   string
	PaneID        string
	Category      string
	IntentType    string
	TransitionType string
	Origin        types.Origin
	OwnerModule   string
	EvidenceSpec  types.EvidenceSpec
	Preconditions []string
	LeaseTTL      time.Duration
}

// Ledger is the single-owner (the delivery engine process, per spec §5
// "Shared-resource policy") in-memory transition ring.
type Ledger struct {
	mu sync.Mutex

	byID        map[string]*types.Transition
	byCorrelation map[string][]string // correlationId -> transitionIds, append order
	order       []string              // insertion order for ring eviction
	capacity    int
}

// New creates an empty Ledger with the given ring capacity (0 = default).
func New(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ledger{
		byID:          map[string]*types.Transition{},
		byCorrelation: map[string][]string{},
		capacity:      capacity,
	}
}

// Open creates a new transition in phase "requested" and acquires the
// owner lease for ownerModule.
func (l *Ledger) Open(spec OpenSpec) *types.Transition {
	now := types.NowMs()
	ttl := spec.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	t := &types.Transition{
		TransitionID:   uuid.NewString(),
		CorrelationID:  spec.CorrelationID,
		CausationID:    spec.CausationID,
		PaneID:         spec.PaneID,
		Category:       spec.Category,
		IntentType:     spec.IntentType,
		TransitionType: spec.TransitionType,
		Origin:         spec.Origin,
		Owner: types.Owner{
			Module:     spec.OwnerModule,
			LeaseID:    uuid.NewString(),
			AcquiredAt: now,
			LeaseTTLMs: ttl.Milliseconds(),
		},
		Phase:         types.PhaseRequested,
		PhaseHistory:  []types.PhaseHistoryEntry{{Phase: types.PhaseRequested, Timestamp: now}},
		Preconditions: spec.Preconditions,
		EvidenceSpec:  spec.EvidenceSpec,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.insertLocked(t)
	return t
}

func (l *Ledger) insertLocked(t *types.Transition) {
	l.byID[t.TransitionID] = t
	l.byCorrelation[t.CorrelationID] = append(l.byCorrelation[t.CorrelationID], t.TransitionID)
	l.order = append(l.order, t.TransitionID)
	l.evictIfOverCapacityLocked()
}

// evictIfOverCapacityLocked evicts the oldest *closed* transitions first;
// open transitions never evict (spec §4.5 "Retention").
func (l *Ledger) evictIfOverCapacityLocked() {
	if len(l.byID) <= l.capacity {
		return
	}
	for i := 0; i < len(l.order) && len(l.byID) > l.capacity; i++ {
		id := l.order[i]
		t, ok := l.byID[id]
		if !ok {
			continue
		}
		if !t.Closed {
			continue
		}
		delete(l.byID, id)
		l.removeFromCorrelationLocked(t.CorrelationID, id)
	}
	// Compact l.order occasionally to avoid unbounded growth of the slice
	// of already-evicted ids.
	if len(l.order) > l.capacity*4 {
		fresh := make([]string, 0, len(l.byID))
		for _, id := range l.order {
			if _, ok := l.byID[id]; ok {
				fresh = append(fresh, id)
			}
		}
		l.order = fresh
	}
}

func (l *Ledger) removeFromCorrelationLocked(correlationID, transitionID string) {
	ids := l.byCorrelation[correlationID]
	for i, id := range ids {
		if id == transitionID {
			l.byCorrelation[correlationID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(l.byCorrelation[correlationID]) == 0 {
		delete(l.byCorrelation, correlationID)
	}
}

// Get returns a copy of the transition by id.
func (l *Ledger) Get(id string) (types.Transition, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.byID[id]
	if !ok {
		return types.Transition{}, false
	}
	return *t, true
}

// ByCorrelation returns every open-or-closed transition sharing
// correlationID, in the order events were joined.
func (l *Ledger) ByCorrelation(correlationID string) []types.Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := l.byCorrelation[correlationID]
	out := make([]types.Transition, 0, len(ids))
	for _, id := range ids {
		if t, ok := l.byID[id]; ok {
			out = append(out, *t)
		}
	}
	return out
}

// TransitionPhase advances a transition's phase. Only the current lease
// owner may drive a mutation ("applied"/submit-sent) phase change; other
// modules may contribute passive evidence via AddEvidence instead (spec
// §4.5 "Owner lease").
func (l *Ledger) TransitionPhase(transitionID, byModule string, next types.TransitionPhase, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.byID[transitionID]
	if !ok {
		return ErrNotFound
	}
	if t.Closed {
		return fmt.Errorf("transition %s is closed", transitionID)
	}
	now := types.NowMs()
	if isMutationPhase(next) {
		if t.Owner.Module != byModule {
			l.recordInvalid(t, "ownership_conflict")
			return ErrOwnershipConflict
		}
		if t.Owner.Expired(now) {
			l.recordInvalid(t, "owner_lease_expired")
			return ErrLeaseExpired
		}
	}
	t.Phase = next
	t.PhaseHistory = append(t.PhaseHistory, types.PhaseHistoryEntry{Phase: next, Timestamp: now, EventID: eventID})
	t.UpdatedAt = now
	if next.Terminal() {
		t.Closed = true
	}
	return nil
}

func isMutationPhase(p types.TransitionPhase) bool {
	switch p {
	case types.PhaseApplied, types.PhaseVerifying:
		return true
	default:
		return false
	}
}

func (l *Ledger) recordInvalid(t *types.Transition, reason string) {
	t.Outcome.ReasonCode = reason
	t.UpdatedAt = types.NowMs()
}

// AddEvidence appends an observed evidence class to a transition without
// requiring ownership — any module may contribute passive evidence (spec
// §4.5).
func (l *Ledger) AddEvidence(transitionID string, class types.EvidenceClass) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.byID[transitionID]
	if !ok {
		return ErrNotFound
	}
	if t.Closed {
		return nil
	}
	t.Evidence = append(t.Evidence, class)
	t.UpdatedAt = types.NowMs()
	return nil
}

// RenewLease extends the owner's lease, provided the caller is the
// current owner and the lease has not already expired.
func (l *Ledger) RenewLease(transitionID, byModule string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.byID[transitionID]
	if !ok {
		return ErrNotFound
	}
	if t.Owner.Module != byModule {
		return ErrOwnershipConflict
	}
	now := types.NowMs()
	if t.Owner.Expired(now) {
		return ErrLeaseExpired
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	t.Owner.AcquiredAt = now
	t.Owner.LeaseTTLMs = ttl.Milliseconds()
	return nil
}

// Finalize applies the evidence-class finalization policy of spec §4.5:
//
//	if any DISALLOWED present -> failed
//	else if any STRONG -> verified
//	else if any WEAK and requiredClass allows weak -> verified (riskedPass)
//	else -> timedOut/unknown
func (l *Ledger) Finalize(transitionID, byModule string) (types.Transition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.byID[transitionID]
	if !ok {
		return types.Transition{}, ErrNotFound
	}
	if t.Owner.Module != byModule {
		return types.Transition{}, ErrOwnershipConflict
	}
	now := types.NowMs()

	hasDisallowed, hasStrong, hasWeak := false, false, false
	for _, e := range t.Evidence {
		switch e {
		case types.EvidenceDisallowed:
			hasDisallowed = true
		case types.EvidenceStrong:
			hasStrong = true
		case types.EvidenceWeak:
			hasWeak = true
		}
	}

	switch {
	case hasDisallowed:
		t.Phase = types.PhaseFailed
		t.Outcome = types.FinalOutcome{Status: "failed", ReasonCode: "disallowed_evidence", ResolvedBy: byModule}
	case hasStrong:
		t.Phase = types.PhaseVerified
		t.Outcome = types.FinalOutcome{Status: "verified", ResolvedBy: byModule}
		t.Verification = types.VerificationRecord{Outcome: "verified", ClassObserved: types.EvidenceStrong, Confidence: 1, VerifiedAt: now}
	case hasWeak && t.EvidenceSpec.RequiredClass != types.EvidenceStrong:
		t.Phase = types.PhaseVerified
		t.Outcome = types.FinalOutcome{Status: "riskedPass", ResolvedBy: byModule}
		t.Verification = types.VerificationRecord{Outcome: "riskedPass", ClassObserved: types.EvidenceWeak, Confidence: 0.5, VerifiedAt: now}
	default:
		t.Phase = types.PhaseTimedOut
		t.Outcome = types.FinalOutcome{Status: "timedOut", ReasonCode: "insufficient_evidence", ResolvedBy: byModule}
	}

	t.Closed = true
	t.PhaseHistory = append(t.PhaseHistory, types.PhaseHistoryEntry{Phase: t.Phase, Timestamp: now})
	t.UpdatedAt = now
	return *t, nil
}

// Cancel marks a transition cancelled (cooperative cancellation, spec
// §5 "dropping the caller abandons its intent").
func (l *Ledger) Cancel(transitionID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.byID[transitionID]
	if !ok {
		return ErrNotFound
	}
	if t.Closed {
		return nil
	}
	now := types.NowMs()
	t.Phase = types.PhaseCancelled
	t.Closed = true
	t.Outcome = types.FinalOutcome{Status: "cancelled", ReasonCode: reason}
	t.PhaseHistory = append(t.PhaseHistory, types.PhaseHistoryEntry{Phase: types.PhaseCancelled, Timestamp: now})
	t.UpdatedAt = now
	return nil
}

// Len returns the number of transitions currently retained (open + closed
// within the ring).
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byID)
}
