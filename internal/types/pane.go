package types

// PaneRole tags the logical purpose of a pane (spec §9 "Dynamic dispatch":
// "a variant over the small finite target kinds").
type PaneRole string

const (
	RoleCoordinator PaneRole = "coordinator"
	RoleBuilder     PaneRole = "builder"
	RoleOracle      PaneRole = "oracle"
	RoleBackground  PaneRole = "background"
)

// PaneLifecycle is a pane's daemon-tracked lifecycle state (spec §3).
type PaneLifecycle string

const (
	PaneStarting PaneLifecycle = "starting"
	PaneAlive    PaneLifecycle = "alive"
	PaneStuck    PaneLifecycle = "stuck"
	PaneDead     PaneLifecycle = "dead"
)

// HealthStatus is the derived health cascade of spec §4.1.
type HealthStatus string

const (
	HealthHealthy HealthStatus = "healthy"
	HealthStale   HealthStatus = "stale"
	HealthStuck   HealthStatus = "stuck"
	HealthDead    HealthStatus = "dead"
)

// WriteMode selects how bytes are delivered to a pane's PTY (spec §4.1).
type WriteMode string

const (
	WriteInteractive WriteMode = "interactive"
	WriteRaw         WriteMode = "raw"
	WriteChunked     WriteMode = "chunked"
)

// WriteStatus is the daemon's response to a write request.
type WriteStatus string

const (
	WriteAccepted                WriteStatus = "accepted"
	WriteRejectedTerminalMissing WriteStatus = "rejected_terminal_missing"
	WriteRejectedNotAlive        WriteStatus = "rejected_not_alive"
	WriteRejectedModeNoninteractive WriteStatus = "rejected_mode_noninteractive"
	WriteBlockedGhostDedup       WriteStatus = "blocked_ghost_dedup"
	WriteError                   WriteStatus = "error"
)

// Pane is a logical agent slot: a role paired with an interactive process
// (spec §3 "Pane", GLOSSARY).
type Pane struct {
	PaneID          string        `json:"paneId"`
	Role            PaneRole      `json:"role"`
	CommandTemplate []string      `json:"commandTemplate"`
	Env             map[string]string `json:"env,omitempty"`
	Lifecycle       PaneLifecycle `json:"lifecycle"`
	Health          HealthStatus  `json:"health"`
	PID             int           `json:"pid,omitempty"`
	Cols            int           `json:"cols"`
	Rows            int           `json:"rows"`
	ScrollbackBytes int           `json:"scrollbackBytes"`
	StartedAt       int64         `json:"startedAt,omitempty"`
	ExitedAt        int64         `json:"exitedAt,omitempty"`
	ExitCode        int           `json:"exitCode,omitempty"`
	// Background-owned panes are suppressed from UI health/recovery
	// pipelines (spec §4.6 "Side-effect suppression").
	BackgroundOwned bool   `json:"backgroundOwned,omitempty"`
	ParentPaneID    string `json:"parentPaneId,omitempty"`
}
