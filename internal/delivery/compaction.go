package delivery

import (
	"strings"
	"sync"
	"time"
)

// compactionState is a per-pane state in the detector of spec §4.2.1.
type compactionState string

const (
	compactionNone      compactionState = "none"
	compactionSuspected compactionState = "suspected"
	compactionConfirmed compactionState = "confirmed"
	compactionCooldown  compactionState = "cooldown"
)

const (
	suspectThreshold  = 300 * time.Millisecond
	confirmThreshold  = 800 * time.Millisecond
	cooldownDuration  = 1500 * time.Millisecond
)

// compactionMarkers are lexical hints that a CLI is running an internal
// compaction/summarization pass rather than responding to injected input.
var compactionMarkers = []string{
	"compacting", "summarizing conversation", "condensing context", "context compaction",
}

// compactionDetector tracks one pane's compaction state across observed
// output chunks (spec §4.2.1). It is not safe to share across panes; the
// engine keeps one per pane.
type compactionDetector struct {
	mu sync.Mutex

	state          compactionState
	evidenceSince  time.Time
	lastEvidenceAt time.Time
	burstCount     int
	lastLine       string
}

func newCompactionDetector() *compactionDetector {
	return &compactionDetector{state: compactionNone}
}

// Observe feeds one chunk of pty output into the detector and returns the
// resulting state.
func (c *compactionDetector) Observe(chunk string, now time.Time) compactionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	evidence := c.hasEvidence(chunk)
	if evidence {
		if c.evidenceSince.IsZero() {
			c.evidenceSince = now
		}
		c.lastEvidenceAt = now
	} else if c.state != compactionCooldown {
		c.evidenceSince = time.Time{}
	}

	switch c.state {
	case compactionNone, compactionSuspected:
		if evidence {
			elapsed := now.Sub(c.evidenceSince)
			switch {
			case elapsed >= confirmThreshold:
				c.state = compactionConfirmed
			case elapsed >= suspectThreshold:
				c.state = compactionSuspected
			}
		} else {
			c.state = compactionNone
		}
	case compactionConfirmed:
		if !evidence && now.Sub(c.lastEvidenceAt) >= 0 {
			c.state = compactionCooldown
		}
	case compactionCooldown:
		if now.Sub(c.lastEvidenceAt) >= cooldownDuration {
			c.state = compactionNone
			c.evidenceSince = time.Time{}
		} else if evidence {
			// Fresh evidence during cooldown resumes confirmed immediately.
			c.state = compactionConfirmed
			c.lastEvidenceAt = now
		}
	}
	return c.state
}

func (c *compactionDetector) hasEvidence(chunk string) bool {
	lower := strings.ToLower(chunk)
	for _, marker := range compactionMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	if chunk != "" && chunk == c.lastLine {
		c.burstCount++
	} else {
		c.burstCount = 0
	}
	c.lastLine = chunk
	return c.burstCount >= 3
}

// State returns the detector's current state without feeding new
// evidence.
func (c *compactionDetector) State() compactionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Blocks reports whether the current state defers non-critical injects
// (spec §4.2.1 "Only confirmed defers non-critical injects").
func (s compactionState) Blocks() bool { return s == compactionConfirmed }

// DegradesConfidence reports whether the current state should weaken
// verification confidence without blocking (suspected).
func (s compactionState) DegradesConfidence() bool { return s == compactionSuspected }
