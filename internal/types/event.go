// Package types holds the canonical data model shared across fleet's
// components: events, message envelopes, claims, and transitions (spec §3).
package types

import "time"

// EventType is the dotted taxonomy used across the Evidence Ledger, the
// Delivery Engine, and the Transition Ledger.
type EventType string

const (
	EventInjectRequested      EventType = "inject.requested"
	EventInjectDeferred       EventType = "inject.deferred"
	EventInjectDropped        EventType = "inject.dropped"
	EventInjectTimeout        EventType = "inject.timeout"
	EventInjectFailed         EventType = "inject.failed"
	EventInjectSubmitSent     EventType = "inject.submit.sent"
	EventInjectTransformApplied EventType = "inject.transform.applied"
	EventDaemonWriteAck       EventType = "daemon.write.ack"
	EventVerifyPass           EventType = "verify.pass"
	EventVerifyFalsePositive  EventType = "verify.false_positive"
	EventPTYUp                EventType = "pty.up"
	EventPTYDown              EventType = "pty.down"
	EventPTYDataReceived      EventType = "pty.data.received"
	EventPaneHealth           EventType = "pane.health"
	EventCLICompactionStarted EventType = "cli.compaction.started"
	EventCLICompactionEnded   EventType = "cli.compaction.ended"
	EventClaimCreated         EventType = "claim.created"
	EventClaimStatusChanged   EventType = "claim.status_changed"
	EventConsensusRecorded    EventType = "consensus.recorded"
	EventExperimentCompleted  EventType = "experiment.completed"
	EventTransitionPhaseChanged EventType = "transition.phase_changed"
	EventTransitionInvalid    EventType = "transition.invalid"
)

// Event is the canonical, immutable envelope appended to the Evidence
// Ledger (spec §3 "Event").
type Event struct {
	EventID       string         `json:"eventId"`
	CorrelationID string         `json:"correlationId"`
	CausationID   string         `json:"causationId,omitempty"`
	Type          EventType      `json:"type"`
	Source        string         `json:"source"`
	PaneID        string         `json:"paneId,omitempty"`
	TimestampMs   int64          `json:"timestampMs"`
	Sequence      int64          `json:"sequence"`
	Payload       map[string]any `json:"payload,omitempty"`
	Redacted      bool           `json:"redacted,omitempty"`
}

// NowMs returns the current time in Unix milliseconds. Components stamp
// events with this at append time; it is never embedded in deterministic
// business logic, keeping append order (not wall clock) the source of
// causal truth (spec §4.3).
func NowMs() int64 {
	return time.Now().UnixMilli()
}
