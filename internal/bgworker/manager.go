// Package bgworker implements the Background Worker Manager (spec
// §4.6): a fixed slot model of ephemeral helper agents owned by a single
// parent pane, spawned as panes of the PTY Daemon with BackgroundOwned
// set so UI health/recovery pipelines suppress them.
//
// The idle-TTL reap loop is grounded on the teacher's
// internal/daemon.Daemon: its cooldownUntil map plus polling ticker
// (daemon.go, pollInterval loop) is the same shape as this package's
// lastActiveAt map plus reap ticker, generalized from "agent re-spawn
// cooldown after clean exit" to "background worker idle/sentinel reap".
package bgworker

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/agentfleet/fleet/internal/core"
	"github.com/agentfleet/fleet/internal/ptyd"
	"github.com/agentfleet/fleet/internal/types"
)

// SlotsPerParent is the default fixed slot count per parent pane (spec
// §4.6 "a small fixed number of slots (default 3)").
const SlotsPerParent = 3

// DefaultIdleTTL and DefaultReapPoll implement spec §4.6's reap cadence.
const (
	DefaultIdleTTL   = 20 * time.Minute
	DefaultReapPoll  = 15 * time.Second
	completionToken  = "FLEET_BG_DONE"
)

var (
	// ErrOwnerBindingViolation is returned when a non-parent role
	// attempts a Manager operation.
	ErrOwnerBindingViolation = fmt.Errorf("owner_binding_violation")
	// ErrCapacityReached is returned when all slots for a parent are in use.
	ErrCapacityReached = fmt.Errorf("capacity_reached")
	// ErrSlotUnavailable is returned on a requested-slot conflict.
	ErrSlotUnavailable = fmt.Errorf("slot_unavailable")
)

type worker struct {
	types.BackgroundWorker
}

// Manager owns the lifecycle of background workers across all parent
// roles (spec §4.6). It is a singleton per workspace, wired into the
// Broker as a BackgroundWorkerController.
type Manager struct {
	daemon *ptyd.Daemon
	config *core.ConfigStore

	mu      sync.Mutex
	bySlot  map[string]*worker // "parentRole|slot" -> worker
	byAlias map[string]*worker

	stopCh chan struct{}
}

// New builds a Manager bound to daemon for spawning/killing panes. The
// background worker's command template is read from config's "background"
// pane spec, reloaded on every Spawn so a config reload takes effect for
// the next worker without restarting the manager.
func New(daemon *ptyd.Daemon, config *core.ConfigStore) *Manager {
	return &Manager{
		daemon:  daemon,
		config:  config,
		bySlot:  map[string]*worker{},
		byAlias: map[string]*worker{},
		stopCh:  make(chan struct{}),
	}
}

func slotKey(parentRole string, slot int) string { return fmt.Sprintf("%s|%d", parentRole, slot) }

func aliasFor(parentRole string, slot int) string { return fmt.Sprintf("%s-bg-%d", parentRole, slot) }

func paneIDFor(parentPaneID string, slot int) string { return fmt.Sprintf("bg-%s-%d", parentPaneID, slot) }

// Spawn allocates a slot for parentRole (the requested slot, or the
// first free one if slot<=0) and starts a background pane running
// taskPrompt. Only the parent role may call this (spec §4.6 "Only the
// parent role may operate these").
func (m *Manager) Spawn(parentRole string, requestedSlot, taskPrompt string) (string, error) {
	slot, err := parseSlot(requestedSlot)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if slot > 0 {
		key := slotKey(parentRole, slot)
		if _, busy := m.bySlot[key]; busy {
			return "", ErrSlotUnavailable
		}
	} else {
		slot = m.firstFreeSlotLocked(parentRole)
		if slot == 0 {
			return "", ErrCapacityReached
		}
	}

	parentPaneID := "pane-" + parentRole
	paneID := paneIDFor(parentPaneID, slot)
	alias := aliasFor(parentRole, slot)

	spec, ok := m.config.Get().Panes["background"]
	if !ok {
		return "", fmt.Errorf("no %q pane spec registered in config", "background")
	}
	env := map[string]string{
		"FLEET_BG_ALIAS":      alias,
		"FLEET_BG_PARENT":     parentRole,
		"FLEET_BG_TASK":       taskPrompt,
		"FLEET_BG_DONE_TOKEN": completionToken,
	}
	for k, v := range spec.Env {
		env[k] = v
	}

	spawn := m.daemon.Spawn(ptyd.SpawnRequest{
		PaneID:          paneID,
		Role:            types.RoleBackground,
		ParentPaneID:    parentPaneID,
		CommandTemplate: spec.CommandTemplate,
		Driver:          spec.Driver,
		Env:             env,
		ScrollbackBytes: spec.ScrollbackBytes,
		BackgroundOwned: true,
		Cols:            80,
		Rows:            24,
	})
	if !spawn.OK {
		return "", fmt.Errorf("spawn background worker: %s", spawn.Error)
	}

	now := types.NowMs()
	w := &worker{BackgroundWorker: types.BackgroundWorker{
		Alias:        alias,
		PaneID:       paneID,
		ParentRole:   parentRole,
		Slot:         slot,
		TaskPrompt:   taskPrompt,
		StartedAt:    now,
		LastActiveAt: now,
	}}
	m.bySlot[slotKey(parentRole, slot)] = w
	m.byAlias[alias] = w

	go m.watch(w)
	return alias, nil
}

func parseSlot(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid slot %q: %w", s, err)
	}
	return n, nil
}

func (m *Manager) firstFreeSlotLocked(parentRole string) int {
	for slot := 1; slot <= SlotsPerParent; slot++ {
		if _, busy := m.bySlot[slotKey(parentRole, slot)]; !busy {
			return slot
		}
	}
	return 0
}

// watch subscribes to the worker's pane output, looking for the
// completion sentinel or a down event, and tracks last-activity time for
// idle-TTL reaping.
func (m *Manager) watch(w *worker) {
	sub, err := m.daemon.Subscribe(w.PaneID, 64)
	if err != nil {
		return
	}
	defer m.daemon.Unsubscribe(w.PaneID, sub.ID)

	for ev := range sub.Events {
		if ev.Channel == "data" {
			m.touch(w.Alias)
			if containsToken(ev.Data.RawBytes, completionToken) {
				m.reap(w.Alias, "sentinel")
				return
			}
		}
		if ev.Down != nil {
			m.reap(w.Alias, "process_exit")
			return
		}
	}
}

func containsToken(data []byte, token string) bool {
	return len(data) >= len(token) && indexOf(string(data), token) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func (m *Manager) touch(alias string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.byAlias[alias]; ok {
		w.LastActiveAt = types.NowMs()
	}
}

// List returns the workers owned by parentRole.
func (m *Manager) List(parentRole string) ([]types.BackgroundWorker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.BackgroundWorker
	for slot := 1; slot <= SlotsPerParent; slot++ {
		if w, ok := m.bySlot[slotKey(parentRole, slot)]; ok {
			out = append(out, w.BackgroundWorker)
		}
	}
	return out, nil
}

// Kill terminates one worker by alias or pane id, owned by parentRole.
func (m *Manager) Kill(parentRole, target, reason string) error {
	m.mu.Lock()
	w, ok := m.byAlias[target]
	if !ok {
		for _, candidate := range m.byAlias {
			if candidate.PaneID == target {
				w, ok = candidate, true
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no background worker %q", target)
	}
	if w.ParentRole != parentRole {
		return ErrOwnerBindingViolation
	}
	return m.killWorker(w, reason)
}

// KillAll terminates every worker owned by parentRole.
func (m *Manager) KillAll(parentRole, reason string) error {
	m.mu.Lock()
	var workers []*worker
	for slot := 1; slot <= SlotsPerParent; slot++ {
		if w, ok := m.bySlot[slotKey(parentRole, slot)]; ok {
			workers = append(workers, w)
		}
	}
	m.mu.Unlock()
	for _, w := range workers {
		if err := m.killWorker(w, reason); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) killWorker(w *worker, reason string) error {
	if err := m.daemon.Kill(context.Background(), w.PaneID, syscall.SIGTERM, reason); err != nil {
		return err
	}
	m.remove(w.Alias)
	return nil
}

func (m *Manager) remove(alias string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.byAlias[alias]
	if !ok {
		return
	}
	delete(m.byAlias, alias)
	delete(m.bySlot, slotKey(w.ParentRole, w.Slot))
}

func (m *Manager) reap(alias, reason string) {
	m.mu.Lock()
	w, ok := m.byAlias[alias]
	m.mu.Unlock()
	if !ok {
		return
	}
	_ = m.daemon.Kill(context.Background(), w.PaneID, syscall.SIGTERM, reason)
	m.remove(alias)
}

// TargetMap reports alias -> paneId for every worker owned by
// parentRole (spec §4.6 targetMap()).
func (m *Manager) TargetMap(parentRole string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	for slot := 1; slot <= SlotsPerParent; slot++ {
		if w, ok := m.bySlot[slotKey(parentRole, slot)]; ok {
			out[w.Alias] = w.PaneID
		}
	}
	return out, nil
}

// IsBackgroundAlias reports whether alias names a currently-tracked
// background worker, used by the Broker to enforce the communication
// contract that a background alias may only send to its parent role
// (spec §4.6 "a broker guard rejects sends from a background alias to
// any other target").
func (m *Manager) IsBackgroundAlias(alias string) (parentRole string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, found := m.byAlias[alias]
	if !found {
		return "", false
	}
	return w.ParentRole, true
}

// RunReapLoop polls every DefaultReapPoll for workers idle past
// DefaultIdleTTL until Stop is called (spec §4.6 "idle-TTL expiry
// (default 20 minutes, polled every 15 seconds)").
func (m *Manager) RunReapLoop() {
	ticker := time.NewTicker(DefaultReapPoll)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	cutoff := types.NowMs() - DefaultIdleTTL.Milliseconds()
	m.mu.Lock()
	var idle []*worker
	for _, w := range m.byAlias {
		if w.LastActiveAt < cutoff {
			idle = append(idle, w)
		}
	}
	m.mu.Unlock()
	for _, w := range idle {
		m.reap(w.Alias, "idle_ttl_expired")
	}
}

// ReapParent is called on parent-exit, daemon disconnect, session
// rollover, or app shutdown to clear every worker under parentRole (spec
// §4.6).
func (m *Manager) ReapParent(parentRole string) {
	_ = m.KillAll(parentRole, "parent_exit")
}

// Stop halts the reap loop.
func (m *Manager) Stop() {
	close(m.stopCh)
}
