package command

import (
	"github.com/spf13/cobra"

	"github.com/agentfleet/fleet/internal/core"
	"github.com/agentfleet/fleet/internal/ledger"
	"github.com/agentfleet/fleet/internal/teammemory"
)

// CommandContext resolves the workspace and its stores for one CLI
// invocation, mirroring the teacher's per-command GetContext/CommandContext
// pair (internal/command/context.go) but opening sqlite stores directly
// instead of a single shared db.
type CommandContext struct {
	Workspace core.Workspace
	Config    *core.ConfigStore
	Evidence  *ledger.Store
	Memory    *teammemory.Store
}

// Close releases every store opened for this invocation.
func (c *CommandContext) Close() {
	if c.Memory != nil {
		_ = c.Memory.Close()
	}
	if c.Evidence != nil {
		_ = c.Evidence.Close()
	}
}

// GetContext discovers the workspace rooted at cwd and opens Team Memory
// (and its backing Evidence Ledger) for the duration of one command.
func GetContext(cmd *cobra.Command) (*CommandContext, error) {
	ws, err := core.DiscoverWorkspace("")
	if err != nil {
		return nil, err
	}
	config, err := core.NewConfigStore(ws.ConfigPath())
	if err != nil {
		return nil, err
	}
	evidence, err := ledger.Open(ws.EvidenceLedgerPath(), ws.EvidenceLedgerSpoolPath(), ledger.DefaultRetentionPolicy())
	if err != nil {
		return nil, err
	}
	memory, err := teammemory.Open(ws.TeamMemoryPath(), ws.TeamMemorySpoolPath(), evidence)
	if err != nil {
		_ = evidence.Close()
		return nil, err
	}
	return &CommandContext{Workspace: ws, Config: config, Evidence: evidence, Memory: memory}, nil
}

// BrokerAddr resolves the configured broker listen address.
func BrokerAddr(config *core.ConfigStore) string {
	if addr := config.Get().BrokerAddr; addr != "" {
		return addr
	}
	return core.DefaultBrokerAddr
}
