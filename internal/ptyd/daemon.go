package ptyd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/agentfleet/fleet/internal/types"
)

// SpawnRequest is the input to Spawn (spec §4.1 "spawn(paneId,
// commandTemplate, env, initialGeometry, scrollbackBytes)").
type SpawnRequest struct {
	PaneID          string
	Role            types.PaneRole
	CommandTemplate []string
	Env             map[string]string
	WorkDir         string
	Driver          string
	Cols, Rows      int
	ScrollbackBytes int
	BackgroundOwned bool
	ParentPaneID    string
}

// SpawnResult is the daemon's reply to Spawn.
type SpawnResult struct {
	OK     bool
	PaneID string
	PID    int
	Error  string // "already-spawned" | "exec-failed" | ""
}

// WriteResult is the daemon's reply to Write.
type WriteResult struct {
	Status       types.WriteStatus
	AckedBytes   int
}

// ErrNotFound is returned by operations referencing an unknown pane.
var ErrNotFound = fmt.Errorf("pane not found")

// HealthPolicy controls the idle thresholds that drive the health
// cascade (spec §4.1 "Liveness and recovery").
type HealthPolicy struct {
	StaleAfter time.Duration
	StuckAfter time.Duration
	DeadAfter  time.Duration
	FailedWriteStreakForStuck int
}

// DefaultHealthPolicy returns reasonable defaults for the health cascade.
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{
		StaleAfter:                30 * time.Second,
		StuckAfter:                2 * time.Minute,
		DeadAfter:                 10 * time.Minute,
		FailedWriteStreakForStuck: 3,
	}
}

// Daemon owns interactive child processes behind PTYs (spec §4.1). It is
// an OS-level singleton per user in the full spec; in this repo it runs
// as one of fleetd's internal components, and additionally exposes the
// newline-JSON control channel described in spec §6 for out-of-process
// callers (the `fleet` CLI, the trigger-file watcher) via Serve.
type Daemon struct {
	mu     sync.RWMutex
	panes  map[string]*Pane
	driver *DriverRegistry
	health HealthPolicy

	restartPolicy func(paneID string) bool // returns true if a dead pane should auto-restart

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Daemon. restartPolicy may be nil; when set, it is called
// as a pane's process exits, and the daemon restarts nothing whatever it
// returns.
func New(health HealthPolicy, restartPolicy func(string) bool) *Daemon {
	d := &Daemon{
		panes:         map[string]*Pane{},
		driver:        NewDriverRegistry(),
		health:        health,
		restartPolicy: restartPolicy,
		stopCh:        make(chan struct{}),
	}
	d.wg.Add(1)
	go d.healthLoop()
	return d
}

// Drivers exposes the driver registry so callers can register custom
// per-role drivers before spawning.
func (d *Daemon) Drivers() *DriverRegistry { return d.driver }

// Stop tears down every pane and stops the health loop.
func (d *Daemon) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	d.mu.Lock()
	panes := make([]*Pane, 0, len(d.panes))
	for _, p := range d.panes {
		panes = append(panes, p)
	}
	d.mu.Unlock()
	for _, p := range panes {
		_ = d.Kill(context.Background(), p.ID, syscall.SIGTERM, "daemon_stop")
	}
}

// Spawn starts a new PTY-backed process for a pane (spec §4.1 spawn).
func (d *Daemon) Spawn(req SpawnRequest) SpawnResult {
	d.mu.Lock()
	if _, exists := d.panes[req.PaneID]; exists {
		d.mu.Unlock()
		return SpawnResult{OK: false, PaneID: req.PaneID, Error: "already-spawned"}
	}
	driverName := req.Driver
	if driverName == "" {
		driverName = "generic"
	}
	drv := d.driver.Resolve(driverName)
	pane := newPane(req.PaneID, req.Role, req.CommandTemplate, req.Env, drv, req.ScrollbackBytes)
	pane.backgroundOwned = req.BackgroundOwned
	pane.parentPaneID = req.ParentPaneID
	d.panes[req.PaneID] = pane
	d.mu.Unlock()

	cmd, err := drv.BuildCommand(req.CommandTemplate, req.Env, req.WorkDir)
	if err != nil {
		d.removePane(req.PaneID)
		return SpawnResult{OK: false, PaneID: req.PaneID, Error: "exec-failed"}
	}

	cols, rows := req.Cols, req.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		d.removePane(req.PaneID)
		return SpawnResult{OK: false, PaneID: req.PaneID, Error: "exec-failed"}
	}

	pane.mu.Lock()
	pane.cmd = cmd
	pane.ptmx = ptmx
	pane.pid = cmd.Process.Pid
	pane.cols, pane.rows = cols, rows
	pane.startedAt = time.Now()
	pane.mu.Unlock()
	pane.setLifecycle(types.PaneAlive)
	pane.activity.markOutput()

	d.wg.Add(1)
	go d.readLoop(pane)
	d.wg.Add(1)
	go d.waitLoop(pane)

	pane.publish(Published{Channel: "lifecycle", Pane: pane.ID, Up: &UpEvent{PID: pane.pid}})

	return SpawnResult{OK: true, PaneID: req.PaneID, PID: pane.pid}
}

func (d *Daemon) removePane(id string) {
	d.mu.Lock()
	delete(d.panes, id)
	d.mu.Unlock()
}

// pane loop: reads PTY output, feeds scrollback, marks activity, and
// publishes pty.data.received metadata with the raw chunk attached.
func (d *Daemon) readLoop(p *Pane) {
	defer d.wg.Done()
	reader := bufio.NewReaderSize(p.ptmx, 32*1024)
	buf := make([]byte, 32*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			p.scrollback.Write(chunk)
			p.activity.markOutput()
			p.publish(Published{
				Channel: "data",
				Pane:    p.ID,
				Data: DataEvent{
					ByteLen:    n,
					ChunkType:  "stdout",
					Meaningful: looksMeaningful(chunk),
					RawBytes:   chunk,
				},
			})
		}
		if err != nil {
			if err != io.EOF {
				_ = err
			}
			return
		}
	}
}

// looksMeaningful is a cheap signal used by the Delivery Engine's
// verification step: whitespace-only or empty chunks are not "activity".
func looksMeaningful(chunk []byte) bool {
	for _, b := range chunk {
		if b != ' ' && b != '\n' && b != '\r' && b != '\t' {
			return true
		}
	}
	return false
}

func (d *Daemon) waitLoop(p *Pane) {
	defer d.wg.Done()
	err := p.cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(interface{ ExitCode() int }); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	p.mu.Lock()
	p.exitedAt = time.Now()
	p.exitCode = exitCode
	p.mu.Unlock()
	p.setLifecycle(types.PaneDead)
	p.setHealth(types.HealthDead)
	close(p.doneCh)

	reason := "exited"
	if exitCode != 0 {
		reason = "crashed"
	}
	p.publish(Published{Channel: "lifecycle", Pane: p.ID, Down: &DownEvent{ExitCode: exitCode, Reason: reason}})

	if d.restartPolicy != nil && d.restartPolicy(p.ID) {
		// The policy's answer is not acted on: the daemon performs no
		// restart, and the exited pane stays registered under its ID, so
		// Spawn with the same PaneID returns already-spawned.
		_ = p
	}
}

// Write delivers bytes to a pane's PTY (spec §4.1 write).
func (d *Daemon) Write(ctx context.Context, paneID string, payload []byte, mode types.WriteMode) (WriteResult, error) {
	p, ok := d.pane(paneID)
	if !ok {
		return WriteResult{Status: types.WriteRejectedTerminalMissing}, ErrNotFound
	}
	if p.Lifecycle() != types.PaneAlive {
		return WriteResult{Status: types.WriteRejectedNotAlive}, nil
	}
	if mode == "" {
		mode = types.WriteChunked
	}

	if p.looksLikeGhost(payload) {
		return WriteResult{Status: types.WriteBlockedGhostDedup}, nil
	}

	p.mu.RLock()
	ptmx := p.ptmx
	p.mu.RUnlock()
	if ptmx == nil {
		return WriteResult{Status: types.WriteRejectedTerminalMissing}, ErrNotFound
	}

	n, err := ptmx.Write(payload)
	p.activity.markWriteResult(err == nil)
	if err != nil {
		return WriteResult{Status: types.WriteError, AckedBytes: n}, err
	}
	return WriteResult{Status: types.WriteAccepted, AckedBytes: n}, nil
}

// Resize coalesces with any pending resize and applies the latest one
// (spec §4.1 resize "coalesces with prior pending resize").
func (d *Daemon) Resize(paneID string, cols, rows int) error {
	p, ok := d.pane(paneID)
	if !ok {
		return ErrNotFound
	}
	p.pendingResizeMu.Lock()
	p.pendingResize = &resizeRequest{cols: cols, rows: rows}
	p.pendingResizeMu.Unlock()

	p.mu.RLock()
	ptmx := p.ptmx
	p.mu.RUnlock()
	if ptmx == nil {
		return ErrNotFound
	}
	if err := pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return err
	}
	p.mu.Lock()
	p.cols, p.rows = cols, rows
	p.mu.Unlock()
	p.pendingResizeMu.Lock()
	p.pendingResize = nil
	p.pendingResizeMu.Unlock()
	return nil
}

// Kill attempts graceful then forced termination, then tears down the PTY
// (spec §4.1 kill).
func (d *Daemon) Kill(ctx context.Context, paneID string, sig syscall.Signal, reason string) error {
	p, ok := d.pane(paneID)
	if !ok {
		return ErrNotFound
	}
	p.mu.RLock()
	cmd := p.cmd
	p.mu.RUnlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = cmd.Process.Signal(sig)
	select {
	case <-p.doneCh:
	case <-time.After(3 * time.Second):
		_ = cmd.Process.Kill()
		select {
		case <-p.doneCh:
		case <-time.After(2 * time.Second):
		}
	case <-ctx.Done():
	}

	p.mu.RLock()
	ptmx := p.ptmx
	p.mu.RUnlock()
	if ptmx != nil {
		_ = ptmx.Close()
	}
	return nil
}

// SendTrustedEnter dispatches a synthetic submit action (spec §4.1
// sendTrustedEnter): writes a carriage return on behalf of the caller and
// reports the write outcome after issuing it. Verification that the
// submit actually "took" is the Delivery Engine's job (spec §4.2 step 7),
// not the daemon's.
func (d *Daemon) SendTrustedEnter(ctx context.Context, paneID string) (WriteResult, error) {
	return d.Write(ctx, paneID, []byte("\r"), types.WriteRaw)
}

// Subscribe registers a bounded, back-pressured stream of a pane's
// published events (spec §4.1 subscribe).
func (d *Daemon) Subscribe(paneID string, bufSize int) (*Subscriber, error) {
	p, ok := d.pane(paneID)
	if !ok {
		return nil, ErrNotFound
	}
	if bufSize <= 0 {
		bufSize = 64
	}
	sub := &Subscriber{ID: uuid.NewString(), Events: make(chan Published, bufSize)}
	p.subsMu.Lock()
	p.subs[sub.ID] = sub
	p.subsMu.Unlock()
	return sub, nil
}

// Unsubscribe removes a previously registered subscriber.
func (d *Daemon) Unsubscribe(paneID, subID string) {
	p, ok := d.pane(paneID)
	if !ok {
		return
	}
	p.subsMu.Lock()
	delete(p.subs, subID)
	p.subsMu.Unlock()
}

func (d *Daemon) pane(paneID string) (*Pane, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.panes[paneID]
	return p, ok
}

// Pane returns a snapshot of pane metadata, or ok=false if unknown.
func (d *Daemon) Pane(paneID string) (types.Pane, bool) {
	p, ok := d.pane(paneID)
	if !ok {
		return types.Pane{}, false
	}
	return p.Snapshot(), true
}

// ListPanes returns a snapshot of every known pane.
func (d *Daemon) ListPanes() []types.Pane {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.Pane, 0, len(d.panes))
	for _, p := range d.panes {
		out = append(out, p.Snapshot())
	}
	return out
}

// ScrollbackTail returns up to n recent bytes of a pane's scrollback.
func (d *Daemon) ScrollbackTail(paneID string, n int) ([]byte, error) {
	p, ok := d.pane(paneID)
	if !ok {
		return nil, ErrNotFound
	}
	return p.scrollback.Tail(n), nil
}

// healthLoop runs the liveness cascade dead<-stuck<-stale<-healthy (spec
// §4.1 "Liveness and recovery").
func (d *Daemon) healthLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.evaluateHealth()
		}
	}
}

func (d *Daemon) evaluateHealth() {
	d.mu.RLock()
	panes := make([]*Pane, 0, len(d.panes))
	for _, p := range d.panes {
		panes = append(panes, p)
	}
	d.mu.RUnlock()

	for _, p := range panes {
		if p.Lifecycle() == types.PaneDead {
			continue
		}
		idle := p.activity.idleFor()
		streak := p.activity.streak()
		var status types.HealthStatus
		switch {
		case idle >= d.health.DeadAfter:
			status = types.HealthDead
		case idle >= d.health.StuckAfter || streak >= d.health.FailedWriteStreakForStuck:
			status = types.HealthStuck
		case idle >= d.health.StaleAfter:
			status = types.HealthStale
		default:
			status = types.HealthHealthy
		}
		if status != p.Health() {
			p.setHealth(status)
			p.publish(Published{Channel: "health", Pane: p.ID, Health: &HealthEvent{Status: status}})
		}
	}
}

// CheckSocketPath validates a control-channel path is under a
// user-private directory (spec §6 "the endpoint is placed under a
// user-private directory").
func CheckSocketPath(path string) error {
	dir := parentDir(path)
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if info.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("socket directory %s is not user-private (mode %o)", dir, info.Mode().Perm())
	}
	return nil
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
