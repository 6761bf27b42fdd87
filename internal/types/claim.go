package types

// ClaimType classifies a team-memory claim (spec §3 "Claim").
type ClaimType string

const (
	ClaimFact       ClaimType = "fact"
	ClaimDecision   ClaimType = "decision"
	ClaimHypothesis ClaimType = "hypothesis"
	ClaimNegative   ClaimType = "negative"
)

// ClaimStatus is a state in the status machine of spec §4.4.3.
type ClaimStatus string

const (
	StatusProposed     ClaimStatus = "proposed"
	StatusConfirmed    ClaimStatus = "confirmed"
	StatusContested    ClaimStatus = "contested"
	StatusDeprecated   ClaimStatus = "deprecated"
	StatusPendingProof ClaimStatus = "pendingProof"
)

// Claim is a team-memory fact (spec §3 "Claim").
type Claim struct {
	ClaimID           string      `json:"claimId"`
	IdempotencyKey    string      `json:"idempotencyKey"`
	Statement         string      `json:"statement"`
	ClaimType         ClaimType   `json:"claimType"`
	OwnerRole         string      `json:"ownerRole"`
	Confidence        float64     `json:"confidence"`
	Status            ClaimStatus `json:"status"`
	SupersedesClaimID string      `json:"supersedesClaimId,omitempty"`
	SessionID         string      `json:"sessionId"`
	TTLHours          *float64    `json:"ttlHours,omitempty"`
	CreatedAt         int64       `json:"createdAt"`
	UpdatedAt         int64       `json:"updatedAt"`
	Scopes            []string    `json:"scopes"`
}

// EvidenceRelation classifies how a piece of evidence relates to a claim.
type EvidenceRelation string

const (
	RelationSupports   EvidenceRelation = "supports"
	RelationContradicts EvidenceRelation = "contradicts"
	RelationCausedBy   EvidenceRelation = "causedBy"
)

// ClaimEvidence links a claim to a textual reference into the Evidence
// Ledger (spec §3 "claimEvidence").
type ClaimEvidence struct {
	ClaimID         string           `json:"claimId"`
	EvidenceEventRef string          `json:"evidenceEventRef"`
	Relation        EvidenceRelation `json:"relation"`
	Weight          float64          `json:"weight"`
	AddedBy         string           `json:"addedBy"`
	AddedAt         int64            `json:"addedAt"`
}

// StatusHistoryEntry records one claim status transition.
type StatusHistoryEntry struct {
	ClaimID   string      `json:"claimId"`
	ChangedBy string      `json:"changedBy"`
	Reason    string      `json:"reason"`
	Previous  ClaimStatus `json:"previous"`
	Next      ClaimStatus `json:"next"`
	Timestamp int64       `json:"timestamp"`
}

// ConsensusPosition is one agent's stance on a claim.
type ConsensusPosition string

const (
	PositionSupport   ConsensusPosition = "support"
	PositionChallenge ConsensusPosition = "challenge"
	PositionAbstain   ConsensusPosition = "abstain"
)

// ConsensusEdge is one agent's position on one claim; at most one per
// (claimId, agent) (spec §3).
type ConsensusEdge struct {
	ClaimID   string            `json:"claimId"`
	Agent     string            `json:"agent"`
	Position  ConsensusPosition `json:"position"`
	Reason    string            `json:"reason"`
	UpdatedAt int64             `json:"updatedAt"`
}

// Decision records the decision bound to a claim, with its alternatives.
type Decision struct {
	DecisionID   string   `json:"decisionId"`
	ClaimID      string   `json:"claimId"`
	DecidedBy    string   `json:"decidedBy"`
	Rationale    string   `json:"rationale"`
	Alternatives []string `json:"alternatives"`
	CreatedAt    int64    `json:"createdAt"`
}

// OutcomeKind classifies a decision's realized outcome.
type OutcomeKind string

const (
	DecisionSuccess OutcomeKind = "success"
	DecisionPartial OutcomeKind = "partial"
	DecisionFailure OutcomeKind = "failure"
	DecisionUnknown OutcomeKind = "unknown"
)

// DecisionOutcome is the recorded result of a decision (spec §4.4.2
// recordOutcome).
type DecisionOutcome struct {
	DecisionID string      `json:"decisionId"`
	Outcome    OutcomeKind `json:"outcome"`
	Notes      string      `json:"notes"`
	RecordedAt int64       `json:"recordedAt"`
}

// BeliefSnapshot materializes an agent's current belief set at a point in
// time (spec §4.4.2 createBeliefSnapshot).
type BeliefSnapshot struct {
	SnapshotID string   `json:"snapshotId"`
	Agent      string   `json:"agent"`
	Session    string   `json:"session"`
	ClaimIDs   []string `json:"claimIds"`
	CreatedAt  int64    `json:"createdAt"`
}

// BeliefContradiction is a normalized row emitted when two agents'
// snapshots disagree (spec §4.4.4).
type BeliefContradiction struct {
	ContradictionID string `json:"contradictionId"`
	ClaimID         string `json:"claimId"`
	Agent           string `json:"agent"`
	Session         string `json:"session"`
	OtherAgent      string `json:"otherAgent"`
	OtherClaimID    string `json:"otherClaimId"`
	DetectedAt      int64  `json:"detectedAt"`
}

// PatternType classifies a mined behavioral pattern (spec §4.4.4).
type PatternType string

const (
	PatternHandoffLoop        PatternType = "handoffLoop"
	PatternEscalationSpiral   PatternType = "escalationSpiral"
	PatternStall              PatternType = "stall"
	PatternContradictionCluster PatternType = "contradictionCluster"
)

// Pattern is a mined behavioral pattern row.
type Pattern struct {
	PatternID  string      `json:"patternId"`
	Type       PatternType `json:"type"`
	Frequency  int         `json:"frequency"`
	RiskScore  float64     `json:"riskScore"`
	ClaimIDs   []string    `json:"claimIds,omitempty"`
	DetectedAt int64       `json:"detectedAt"`
}

// GuardAction classifies what a guard does when its predicate fires.
type GuardAction string

const (
	GuardWarn     GuardAction = "warn"
	GuardEscalate GuardAction = "escalate"
)

// Guard binds a trigger predicate to an action (spec §4.4.4).
type Guard struct {
	GuardID        string      `json:"guardId"`
	Predicate      string      `json:"predicate"` // e.g. "status=contested AND scope=pkg/y"
	Action         GuardAction `json:"action"`
	SourceClaimID  string      `json:"sourceClaimId,omitempty"`
	SourcePatternID string     `json:"sourcePatternId,omitempty"`
	CreatedAt      int64       `json:"createdAt"`
}

// ExperimentStatus is the status progression of spec §4.4.5.
type ExperimentStatus string

const (
	ExperimentQueued        ExperimentStatus = "queued"
	ExperimentRunning       ExperimentStatus = "running"
	ExperimentSucceeded     ExperimentStatus = "succeeded"
	ExperimentFailed        ExperimentStatus = "failed"
	ExperimentTimedOut      ExperimentStatus = "timedOut"
	ExperimentCanceled      ExperimentStatus = "canceled"
	ExperimentAttachPending ExperimentStatus = "attachPending"
	ExperimentAttached      ExperimentStatus = "attached"
)

// Experiment is one named-profile run bound (or pending binding) to a
// claim as evidence.
type Experiment struct {
	RunID           string           `json:"runId"`
	ProfileID       string           `json:"profileId"`
	Args            map[string]any   `json:"args"`
	ClaimID         string           `json:"claimId,omitempty"`
	Relation        EvidenceRelation `json:"relation,omitempty"`
	RequestedBy     string           `json:"requestedBy"`
	IdempotencyKey  string           `json:"idempotencyKey"`
	RepositoryRevision string        `json:"repositoryRevision,omitempty"`
	Status          ExperimentStatus `json:"status"`
	ExitCode        *int             `json:"exitCode,omitempty"`
	EvidenceEventRef string          `json:"evidenceEventRef,omitempty"`
	CreatedAt       int64            `json:"createdAt"`
	UpdatedAt       int64            `json:"updatedAt"`
}
