// Package ptyd implements the PTY Daemon (spec §4.1): it owns interactive
// child processes behind pseudo-terminals, forwards writes, streams
// output, and survives front-end restarts.
//
// PTY ownership is grounded on other_examples/3e5089af_GandalftheGUI-grove
// (internal/daemon/instance.go), which wraps exec.Cmd in a creack/pty
// master/slave pair, and other_examples/a4eee857_ehrlich-b-wingthing
// (internal/egg/server.go), which adds a replay buffer and a
// synchronized-update-aware trim strategy for terminal output. The
// per-pane goroutine / driver-registry shape is grounded on the teacher's
// internal/daemon package (Daemon.drivers map, driver_claude.go,
// driver_codex.go, driver_opencode.go), generalized from concrete product
// CLIs to the spec's abstract pane roles.
package ptyd

import (
	"os/exec"

	"github.com/agentfleet/fleet/internal/types"
)

// Driver builds the exec.Cmd for a pane's role and offers a role-specific
// Cleanup hook. Concrete drivers are selected by the
// pane's configured driver name (core.PaneSpec.Driver), not hardcoded.
type Driver interface {
	// BuildCommand returns the command to run inside the PTY for a pane
	// spawned with the given template, environment, and working directory.
	BuildCommand(template []string, env map[string]string, workDir string) (*exec.Cmd, error)
	// Cleanup performs driver-specific cleanup for pane; the Daemon does
	// not call it when the pane's process exits.
	Cleanup(pane *Pane)
	// SubmitTransform applies the text transforms this driver's CLI needs
	// before a submit and returns the transformed body, plus whether the
	// result is lossy relative to the original body (spec §4.2.2).
	SubmitTransform(body string) (transformed string, lossy bool)
}

// genericDriver runs the command template verbatim with no transform —
// the fallback for roles that don't need CLI-specific quirks.
type genericDriver struct{}

func (genericDriver) BuildCommand(template []string, env map[string]string, workDir string) (*exec.Cmd, error) {
	return buildCommand(template, env, workDir)
}

func (genericDriver) Cleanup(*Pane) {}

func (genericDriver) SubmitTransform(body string) (string, bool) { return body, false }

func buildCommand(template []string, env map[string]string, workDir string) (*exec.Cmd, error) {
	var args []string
	if len(template) > 1 {
		args = template[1:]
	}
	cmd := exec.Command(template[0], args...)
	cmd.Dir = workDir
	cmd.Env = mergeEnv(env)
	return cmd, nil
}

func mergeEnv(overrides map[string]string) []string {
	base := osEnviron()
	for k, v := range overrides {
		base = append(base, k+"="+v)
	}
	return base
}

// DriverRegistry resolves a driver by name, defaulting to genericDriver.
type DriverRegistry struct {
	drivers map[string]Driver
}

// NewDriverRegistry registers the built-in drivers (generalized from the
// teacher's claude/codex/opencode trio to role-agnostic line-join and
// dash-escape transforms, since this spec treats the wrapped CLIs as
// opaque — spec §1 "embedded AI command-line tools... treated as opaque
// interactive processes").
func NewDriverRegistry() *DriverRegistry {
	return &DriverRegistry{
		drivers: map[string]Driver{
			"generic":      genericDriver{},
			"line-joining": lineJoiningDriver{},
			"dash-escaping": dashEscapingDriver{},
		},
	}
}

// Register adds or overrides a named driver.
func (r *DriverRegistry) Register(name string, d Driver) {
	r.drivers[name] = d
}

// Resolve returns the driver for name, or genericDriver if unknown.
func (r *DriverRegistry) Resolve(name string) Driver {
	if d, ok := r.drivers[name]; ok {
		return d
	}
	return genericDriver{}
}

// PaneRoleOf converts a types.PaneRole to a plain string for logging.
func PaneRoleOf(role types.PaneRole) string { return string(role) }
