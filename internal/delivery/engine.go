package delivery

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/agentfleet/fleet/internal/core"
	"github.com/agentfleet/fleet/internal/ledger"
	"github.com/agentfleet/fleet/internal/ptyd"
	"github.com/agentfleet/fleet/internal/transition"
	"github.com/agentfleet/fleet/internal/types"
)

// VerifyBudget is the default overall budget to observe meaningful
// activity after a submit (spec §4.2 step 7, "default 5s overall").
const VerifyBudget = 5 * time.Second

const (
	retryBaseDelay = 300 * time.Millisecond
	maxRetries     = 2
)

// FallbackWriter is satisfied by the trigger-file watcher's write side
// (internal/triggerwatch), kept as an interface here so delivery does not
// import that package directly.
type FallbackWriter interface {
	WriteTrigger(targetRole string, envelope types.Envelope) error
}

// Engine is the Delivery Engine (spec §4.2). It runs in the same process
// as the one ptyd.Daemon that owns every pane, so primary-path delivery
// (spec §4.2 step 4) is always direct daemon injection; the Broker's
// websocket is how a sender's request reaches Send in the first place
// (internal/broker.Hub's deliver callback), not a second transport Send
// itself chooses between.
type Engine struct {
	daemon   *ptyd.Daemon
	evidence *ledger.Store
	trans    *transition.Ledger
	config   *core.ConfigStore
	fallback FallbackWriter

	dedupe    *dedupeCache
	ownership *paneOwnership

	mu          sync.Mutex
	compactions map[string]*compactionDetector
	queues      map[string]*paneQueue
	sequences   map[string]int64 // senderSessionId|fromRole -> last sequence
	focusLocks  map[string]bool  // paneId -> user typing active
}

// New builds a Delivery Engine wired to the given PTY Daemon, Evidence
// Ledger, Transition Ledger, config store, and the trigger-file fallback.
func New(daemon *ptyd.Daemon, evidence *ledger.Store, trans *transition.Ledger, config *core.ConfigStore, fallback FallbackWriter) *Engine {
	return &Engine{
		daemon:      daemon,
		evidence:    evidence,
		trans:       trans,
		config:      config,
		fallback:    fallback,
		dedupe:      newDedupeCache(DefaultFingerprintCacheSize),
		ownership:   newPaneOwnership(),
		compactions: map[string]*compactionDetector{},
		queues:      map[string]*paneQueue{},
		sequences:   map[string]int64{},
		focusLocks:  map[string]bool{},
	}
}

// SetFocusLock marks whether a human is actively typing into paneID,
// consulted by the focus-lock-guard gate.
func (e *Engine) SetFocusLock(paneID string, active bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.focusLocks[paneID] = active
}

func (e *Engine) compactionFor(paneID string) *compactionDetector {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.compactions[paneID]
	if !ok {
		d = newCompactionDetector()
		e.compactions[paneID] = d
	}
	return d
}

func (e *Engine) queueFor(paneID string) *paneQueue {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queues[paneID]
	if !ok {
		q = newPaneQueue(DefaultQueueDepth)
		e.queues[paneID] = q
	}
	return q
}

// ObserveOutput feeds a chunk of a pane's pty.data.received stream into
// the compaction detector and, once the pane's gates clear, re-drives any
// deferred intents for it (spec §4.2.1, §4.2 "the queue drains in FIFO
// order with gate re-check on each dequeue").
func (e *Engine) ObserveOutput(paneID string, chunk string) {
	state := e.compactionFor(paneID).Observe(chunk, time.Now())
	if state.Blocks() {
		return
	}
	q := e.queueFor(paneID)
	for _, item := range q.Drain() {
		go func(item *deferredIntent) {
			ack := e.send(context.Background(), item.envelope, false)
			if item.replyCh != nil {
				item.replyCh <- ack
			}
		}(item)
	}
}

// Send is the Delivery Engine's entry point (spec §4.2 "Protocol (per
// envelope)"). critical marks recovery intents (kill/restart) that bypass
// every gate.
func (e *Engine) Send(ctx context.Context, envelope types.Envelope, critical bool) types.Ack {
	return e.send(ctx, envelope, critical)
}

func (e *Engine) send(ctx context.Context, envelope types.Envelope, critical bool) types.Ack {
	if envelope.MessageID == "" {
		envelope.MessageID = fmt.Sprintf("msg-%d", time.Now().UnixNano())
	}

	// Step 1: normalize & dedupe.
	dup, err := e.dedupe.seen(envelope)
	if err != nil {
		return types.Ack{MessageID: envelope.MessageID, Outcome: types.OutcomeDroppedPrecondition, Reason: err.Error()}
	}
	if dup {
		e.emit(envelope, types.EventInjectDropped, map[string]any{"reason": "duplicate"})
		return types.Ack{MessageID: envelope.MessageID, Outcome: types.OutcomeDroppedDuplicate}
	}

	// Step 2: sequence check (observability only, never blocks).
	e.checkSequence(envelope)

	t := e.trans.Open(transition.OpenSpec{
		CorrelationID: envelope.MessageID,
		PaneID:        paneIDForRole(envelope.TargetRole),
		Category:      "delivery",
		IntentType:    "inject",
		OwnerModule:   "delivery",
		Origin:        types.Origin{ActorType: "agent", Role: envelope.FromRole, Source: "delivery.Send"},
		EvidenceSpec:  types.EvidenceSpec{RequiredClass: types.EvidenceWeak},
	})

	// Step 3: gate.
	paneID := paneIDForRole(envelope.TargetRole)
	e.mu.Lock()
	focusLocked := e.focusLocks[paneID]
	e.mu.Unlock()
	compaction := e.compactionFor(paneID)
	verdict, reason := evaluateGates(paneID, t.TransitionID, focusLocked, compaction.State(), e.ownership, critical)

	switch verdict {
	case gateDefer:
		return e.deferEnvelope(envelope, paneID, string(reason), t.TransitionID)
	case gateBlock:
		_ = e.trans.Cancel(t.TransitionID, string(reason))
		e.emit(envelope, types.EventInjectDropped, map[string]any{"reason": string(reason)})
		return types.Ack{MessageID: envelope.MessageID, Outcome: types.OutcomeDroppedOwnerConflict, Reason: string(reason)}
	}
	defer e.ownership.Release(paneID, t.TransitionID)

	ack := e.deliverWithRetry(ctx, envelope, paneID, t.TransitionID)
	return ack
}

func (e *Engine) deferEnvelope(envelope types.Envelope, paneID, reason, transitionID string) types.Ack {
	_ = e.trans.TransitionPhase(transitionID, "delivery", types.PhaseDeferred, "")
	q := e.queueFor(paneID)
	replyCh := make(chan types.Ack, 1)
	ok := q.Push(&deferredIntent{
		envelope: envelope,
		reason:   reason,
		deadline: time.Now().Add(DefaultDeferTTL),
		replyCh:  replyCh,
	})
	if !ok {
		_ = e.trans.Cancel(transitionID, "queue_full")
		e.emit(envelope, types.EventInjectDropped, map[string]any{"reason": "queue_full"})
		return types.Ack{MessageID: envelope.MessageID, Outcome: types.OutcomeDroppedQueueFull}
	}
	e.emit(envelope, types.EventInjectDeferred, map[string]any{"reason": reason})
	go e.reapExpired(paneID)

	select {
	case ack := <-replyCh:
		return ack
	case <-time.After(DefaultDeferTTL + time.Second):
		return types.Ack{MessageID: envelope.MessageID, Outcome: types.OutcomeDroppedTTL, Reason: "defer_ttl_expired"}
	}
}

func (e *Engine) reapExpired(paneID string) {
	time.Sleep(DefaultDeferTTL)
	q := e.queueFor(paneID)
	for _, item := range q.PopExpired(time.Now()) {
		if item.replyCh != nil {
			item.replyCh <- types.Ack{MessageID: item.envelope.MessageID, Outcome: types.OutcomeDroppedTTL, Reason: "defer_ttl_expired"}
		}
	}
}

func (e *Engine) deliverWithRetry(ctx context.Context, envelope types.Envelope, paneID, transitionID string) types.Ack {
	var lastAck types.Ack
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := retryBaseDelay * time.Duration(1<<uint(attempt-1))
			jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return types.Ack{MessageID: envelope.MessageID, Outcome: types.OutcomeDroppedPrecondition, Reason: "context_cancelled"}
			}
		}

		ack, retryable := e.deliverOnce(ctx, envelope, paneID, transitionID)
		if !retryable {
			return ack
		}
		lastAck = ack
	}
	return e.fallbackDeliver(envelope, transitionID, lastAck)
}

// deliverOnce performs one primary-path attempt: transform, write
// (chunked), submit, verify.
func (e *Engine) deliverOnce(ctx context.Context, envelope types.Envelope, paneID, transitionID string) (types.Ack, bool) {
	return e.injectViaDaemon(ctx, envelope, paneID, transitionID)
}

func (e *Engine) injectViaDaemon(ctx context.Context, envelope types.Envelope, paneID, transitionID string) (types.Ack, bool) {
	body, lossy := e.applyTransform(paneID, envelope.Body)
	if lossy {
		e.emit(envelope, types.EventInjectTransformApplied, map[string]any{"lossy": true})
	}

	prefixed := formatPrefixedBody(envelope, body)
	result, err := e.daemon.Write(ctx, paneID, []byte(prefixed), types.WriteChunked)
	if err != nil || result.Status != types.WriteAccepted {
		if err != nil && isTransient(err) {
			return types.Ack{MessageID: envelope.MessageID, Outcome: types.OutcomeAcceptedUnverified, Reason: "write_failed"}, true
		}
		_ = e.trans.TransitionPhase(transitionID, "delivery", types.PhaseFailed, "")
		e.emit(envelope, types.EventInjectFailed, map[string]any{"reason": string(result.Status)})
		return types.Ack{MessageID: envelope.MessageID, Outcome: types.OutcomeDroppedPrecondition, Reason: string(result.Status)}, false
	}
	_ = e.trans.TransitionPhase(transitionID, "delivery", types.PhaseApplied, "")

	if _, err := e.daemon.SendTrustedEnter(ctx, paneID); err != nil {
		return types.Ack{MessageID: envelope.MessageID, Outcome: types.OutcomeAcceptedUnverified, Reason: "submit_failed"}, true
	}
	e.emit(envelope, types.EventInjectSubmitSent, nil)
	_ = e.trans.TransitionPhase(transitionID, "delivery", types.PhaseVerifying, "")

	return e.verify(ctx, envelope, paneID, transitionID)
}

// verify observes the target pane's activity within VerifyBudget looking
// for meaningful output not attributable to compaction (spec §4.2 step
// 7).
func (e *Engine) verify(ctx context.Context, envelope types.Envelope, paneID, transitionID string) (types.Ack, bool) {
	sub, err := e.daemon.Subscribe(paneID, 64)
	if err != nil {
		return types.Ack{MessageID: envelope.MessageID, Outcome: types.OutcomeAcceptedUnverified, Reason: "subscribe_failed"}, false
	}
	defer e.daemon.Unsubscribe(paneID, sub.ID)

	verifyCtx, cancel := context.WithTimeout(ctx, VerifyBudget)
	defer cancel()

	compaction := e.compactionFor(paneID)
	for {
		select {
		case <-verifyCtx.Done():
			_ = e.trans.TransitionPhase(transitionID, "delivery", types.PhaseTimedOut, "")
			e.emit(envelope, types.EventInjectTimeout, nil)
			return types.Ack{MessageID: envelope.MessageID, Outcome: types.OutcomeAcceptedUnverified, Reason: "verify_timeout"}, true
		case pub, ok := <-sub.Events:
			if !ok {
				return types.Ack{MessageID: envelope.MessageID, Outcome: types.OutcomeAcceptedUnverified, Reason: "subscriber_closed"}, false
			}
			if pub.Channel != "data" || !pub.Data.Meaningful {
				continue
			}
			state := compaction.Observe(string(pub.Data.RawBytes), time.Now())
			if state.Blocks() {
				continue // output attributable to compaction, not our submit
			}
			class := types.EvidenceStrong
			if state.DegradesConfidence() {
				class = types.EvidenceWeak
			}
			_ = e.trans.AddEvidence(transitionID, class)
			result, err := e.trans.Finalize(transitionID, "delivery")
			if err != nil {
				return types.Ack{MessageID: envelope.MessageID, Outcome: types.OutcomeAcceptedUnverified, Reason: err.Error()}, false
			}
			if result.Outcome.Status == "verified" {
				e.emit(envelope, types.EventVerifyPass, map[string]any{"class": string(class)})
				if class == types.EvidenceStrong {
					return types.Ack{MessageID: envelope.MessageID, Outcome: types.OutcomeDeliveredVerified}, false
				}
				return types.Ack{MessageID: envelope.MessageID, Outcome: types.OutcomeDeliveredRisked}, false
			}
			e.emit(envelope, types.EventVerifyFalsePositive, nil)
			return types.Ack{MessageID: envelope.MessageID, Outcome: types.OutcomeAcceptedUnverified}, true
		}
	}
}

func (e *Engine) fallbackDeliver(envelope types.Envelope, transitionID string, lastAck types.Ack) types.Ack {
	if e.fallback == nil {
		_ = e.trans.TransitionPhase(transitionID, "delivery", types.PhaseFailed, "")
		return lastAck
	}
	if err := e.fallback.WriteTrigger(envelope.TargetRole, envelope); err != nil {
		_ = e.trans.TransitionPhase(transitionID, "delivery", types.PhaseFailed, "")
		return types.Ack{MessageID: envelope.MessageID, Outcome: types.OutcomeDroppedPrecondition, Reason: err.Error()}
	}
	_ = e.trans.TransitionPhase(transitionID, "delivery", types.PhaseDropped, "")
	return types.Ack{MessageID: envelope.MessageID, Outcome: types.OutcomeFallbackTriggered}
}

func (e *Engine) applyTransform(paneID, body string) (string, bool) {
	role := roleForPaneID(paneID)
	cfg := e.config.Get()
	spec, ok := cfg.Panes[role]
	if !ok {
		return body, false
	}
	d := e.daemon.Drivers().Resolve(spec.Driver)
	return d.SubmitTransform(body)
}

func (e *Engine) checkSequence(envelope types.Envelope) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := envelope.SenderSessionID + "|" + envelope.FromRole
	last := e.sequences[key]
	if envelope.SequenceNumber < last {
		e.emit(envelope, types.EventInjectRequested, map[string]any{"outOfOrder": true, "expected": last + 1})
	}
	if envelope.SequenceNumber > last {
		e.sequences[key] = envelope.SequenceNumber
	}
}

func (e *Engine) emit(envelope types.Envelope, eventType types.EventType, extra map[string]any) {
	if e.evidence == nil {
		return
	}
	payload := map[string]any{"messageId": envelope.MessageID, "fromRole": envelope.FromRole, "targetRole": envelope.TargetRole}
	for k, v := range extra {
		payload[k] = v
	}
	_, _ = e.evidence.Append(context.Background(), ledger.Event{
		CorrelationID: envelope.MessageID,
		Type:          string(eventType),
		Source:        "delivery",
		PaneID:        paneIDForRole(envelope.TargetRole),
		Payload:       payload,
	})
}

func isTransient(err error) bool {
	return strings.Contains(err.Error(), "temporar") || strings.Contains(err.Error(), "timeout")
}

func formatPrefixedBody(envelope types.Envelope, body string) string {
	return fmt.Sprintf("(%s #%d): %s", strings.ToUpper(envelope.FromRole), envelope.SequenceNumber, body)
}

func paneIDForRole(role string) string { return "pane-" + role }

func roleForPaneID(paneID string) string { return strings.TrimPrefix(paneID, "pane-") }
