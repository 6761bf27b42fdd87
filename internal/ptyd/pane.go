package ptyd

import (
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/agentfleet/fleet/internal/types"
)

// ringBuffer is a bounded append-only byte ring, grounded on grove's
// Instance.logBuf and wingthing's replayBuffer (both cap a rolling copy
// of PTY output at a fixed byte budget, trimming from the front).
type ringBuffer struct {
	mu      sync.Mutex
	buf     []byte
	cap     int
	trimmed int64
}

func newRingBuffer(capBytes int) *ringBuffer {
	if capBytes <= 0 {
		capBytes = 1 << 20 // 1 MiB default scrollback, matching grove's maxLogBytes
	}
	return &ringBuffer{cap: capBytes}
}

func (r *ringBuffer) Write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, p...)
	if over := len(r.buf) - r.cap; over > 0 {
		r.buf = r.buf[over:]
		r.trimmed += int64(over)
	}
}

func (r *ringBuffer) Tail(n int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.buf) {
		n = len(r.buf)
	}
	out := make([]byte, n)
	copy(out, r.buf[len(r.buf)-n:])
	return out
}

func (r *ringBuffer) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out
}

// activityWindow is a per-pane idle clock used to derive the health
// cascade (spec §4.1 "Liveness and recovery").
type activityWindow struct {
	mu             sync.Mutex
	lastOutputAt   time.Time
	lastWriteOkAt  time.Time
	failedWriteStreak int
}

func (a *activityWindow) markOutput() {
	a.mu.Lock()
	a.lastOutputAt = time.Now()
	a.mu.Unlock()
}

func (a *activityWindow) markWriteResult(ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ok {
		a.lastWriteOkAt = time.Now()
		a.failedWriteStreak = 0
	} else {
		a.failedWriteStreak++
	}
}

func (a *activityWindow) idleFor() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastOutputAt.IsZero() {
		return 0
	}
	return time.Since(a.lastOutputAt)
}

func (a *activityWindow) streak() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failedWriteStreak
}

// Subscriber receives a pane's published stream (spec §4.1 "Published
// streams"). Channels are bounded and back-pressured: a slow subscriber
// has events dropped into a counted summary rather than blocking data
// delivery (spec "Channel overflow drops events into a counted 'dropped'
// summary rather than blocking data delivery").
type Subscriber struct {
	ID      string
	Events  chan Published
	Dropped int64
}

// Published is one item on a pane's event stream.
type Published struct {
	Channel string // "data", "lifecycle", "health"
	Pane    string
	Data    DataEvent
	Up      *UpEvent
	Down    *DownEvent
	Health  *HealthEvent
}

// DataEvent is pty.data.received metadata (spec §4.1). RawBytes always
// carries the chunk; a subscriber cannot ask for metadata only.
type DataEvent struct {
	ByteLen     int
	ChunkType   string
	Meaningful  bool
	RawBytes    []byte
}

// UpEvent is pty.up.
type UpEvent struct {
	PID int
}

// DownEvent is pty.down.
type DownEvent struct {
	ExitCode int
	Reason   string
}

// HealthEvent is pane.health.
type HealthEvent struct {
	Status types.HealthStatus
}

// Pane is the daemon's runtime handle on one alive (or recently alive)
// interactive process. It is exclusively owned by the daemon while alive
// (spec §3 "Ownership").
type Pane struct {
	mu sync.RWMutex

	ID       string
	Role     types.PaneRole
	Template []string
	Env      map[string]string
	Driver   Driver

	lifecycle types.PaneLifecycle
	health    types.HealthStatus

	cmd  *exec.Cmd
	ptmx *os.File
	pid  int

	cols, rows int

	scrollback *ringBuffer
	activity   *activityWindow

	subsMu sync.RWMutex
	subs   map[string]*Subscriber

	pendingResizeMu sync.Mutex
	pendingResize   *resizeRequest

	startedAt time.Time
	exitedAt  time.Time
	exitCode  int

	backgroundOwned bool
	parentPaneID    string

	wantWriteMode types.WriteMode

	doneCh chan struct{} // closed when the process loop exits
}

type resizeRequest struct {
	cols, rows int
}

func newPane(id string, role types.PaneRole, template []string, env map[string]string, driver Driver, scrollbackBytes int) *Pane {
	return &Pane{
		ID:         id,
		Role:       role,
		Template:   template,
		Env:        env,
		Driver:     driver,
		lifecycle:  types.PaneStarting,
		health:     types.HealthHealthy,
		scrollback: newRingBuffer(scrollbackBytes),
		activity:   &activityWindow{},
		subs:       map[string]*Subscriber{},
		doneCh:     make(chan struct{}),
	}
}

// Lifecycle returns the pane's current lifecycle state.
func (p *Pane) Lifecycle() types.PaneLifecycle {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lifecycle
}

func (p *Pane) setLifecycle(l types.PaneLifecycle) {
	p.mu.Lock()
	p.lifecycle = l
	p.mu.Unlock()
}

// Health returns the pane's current derived health status.
func (p *Pane) Health() types.HealthStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health
}

func (p *Pane) setHealth(h types.HealthStatus) {
	p.mu.Lock()
	p.health = h
	p.mu.Unlock()
}

// Snapshot converts the runtime pane into the persisted types.Pane record.
func (p *Pane) Snapshot() types.Pane {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var startedAt, exitedAt int64
	if !p.startedAt.IsZero() {
		startedAt = p.startedAt.UnixMilli()
	}
	if !p.exitedAt.IsZero() {
		exitedAt = p.exitedAt.UnixMilli()
	}
	return types.Pane{
		PaneID:          p.ID,
		Role:            p.Role,
		CommandTemplate: p.Template,
		Env:             p.Env,
		Lifecycle:       p.lifecycle,
		Health:          p.health,
		PID:             p.pid,
		Cols:            p.cols,
		Rows:            p.rows,
		StartedAt:       startedAt,
		ExitedAt:        exitedAt,
		ExitCode:        p.exitCode,
		BackgroundOwned: p.backgroundOwned,
		ParentPaneID:    p.parentPaneID,
	}
}

// publish fans Published out to every subscriber, dropping (and counting)
// on a full channel instead of blocking (spec §4.1 "Failure semantics").
func (p *Pane) publish(ev Published) {
	p.subsMu.RLock()
	defer p.subsMu.RUnlock()
	for _, sub := range p.subs {
		select {
		case sub.Events <- ev:
		default:
			sub.Dropped++
		}
	}
}

// ghostDedupWindow is how recently written bytes are compared against the
// live scrollback tail to reject a ghost re-write (spec §4.1 "Ghost
// dedup").
const ghostDedupWindow = 250 * time.Millisecond

func (p *Pane) looksLikeGhost(payload []byte) bool {
	if time.Since(p.activity.lastOutputSnapshot()) > ghostDedupWindow {
		return false
	}
	tail := p.scrollback.Tail(len(payload) * 2)
	return len(tail) > 0 && containsSubsequence(tail, payload)
}

func (a *activityWindow) lastOutputSnapshot() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastOutputAt
}

func containsSubsequence(haystack, needle []byte) bool {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
