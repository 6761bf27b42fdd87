package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCompactionDetectorStaysNoneWithoutEvidence(t *testing.T) {
	d := newCompactionDetector()
	now := time.Now()
	state := d.Observe("agent is thinking about the task", now)
	assert.Equal(t, compactionNone, state)
}

func TestCompactionDetectorProgressesToSuspectedThenConfirmed(t *testing.T) {
	d := newCompactionDetector()
	start := time.Now()

	state := d.Observe("compacting conversation history", start)
	assert.Equal(t, compactionNone, state, "evidence just started, below the suspect threshold")

	state = d.Observe("still compacting", start.Add(suspectThreshold+time.Millisecond))
	assert.Equal(t, compactionSuspected, state)

	state = d.Observe("still compacting", start.Add(confirmThreshold+time.Millisecond))
	assert.Equal(t, compactionConfirmed, state)
	assert.True(t, state.Blocks())
}

func TestCompactionDetectorRepeatedLineBurstCountsAsEvidence(t *testing.T) {
	d := newCompactionDetector()
	start := time.Now()

	d.Observe("...", start)
	d.Observe("...", start)
	d.Observe("...", start)
	state := d.Observe("...", start)
	assert.Equal(t, compactionNone, state, "burst just became evidence this instant, no time has elapsed yet")

	state = d.Observe("...", start.Add(suspectThreshold+time.Millisecond))
	assert.Equal(t, compactionSuspected, state)
	assert.True(t, state.DegradesConfidence())
}

func TestCompactionDetectorConfirmedEntersCooldownThenClearsAfterDuration(t *testing.T) {
	d := newCompactionDetector()
	start := time.Now()
	d.Observe("compacting", start)
	confirmedAt := start.Add(confirmThreshold + time.Millisecond)
	d.Observe("compacting", confirmedAt)
	assert.Equal(t, compactionConfirmed, d.State())

	state := d.Observe("normal output resumes", confirmedAt.Add(time.Millisecond))
	assert.Equal(t, compactionCooldown, state)
	assert.False(t, state.Blocks(), "cooldown no longer blocks new injects")

	state = d.Observe("normal output", confirmedAt.Add(cooldownDuration+time.Millisecond))
	assert.Equal(t, compactionNone, state)
}
