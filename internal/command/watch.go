package command

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/agentfleet/fleet/internal/core"
	"github.com/agentfleet/fleet/internal/ledger"
	"github.com/agentfleet/fleet/internal/ptyd"
	"github.com/agentfleet/fleet/internal/teammemory"
	"github.com/agentfleet/fleet/internal/types"
)

const watchPollInterval = time.Second

var (
	watchHealthyColor = lipgloss.Color("36")
	watchStaleColor   = lipgloss.Color("216")
	watchDeadColor    = lipgloss.Color("203")
	watchHeaderStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("111"))
	watchDimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
)

// NewWatchCmd implements spec §4.6/§9's live status dashboard: pane
// health, contested claims, and recent patterns, refreshed on a poll
// ticker (grounded on the teacher's internal/chat poll-tick convention).
func NewWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard of pane health and team-memory activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := core.DiscoverWorkspace("")
			if err != nil {
				return writeCommandError(cmd, err)
			}
			model, err := newWatchModel(ws)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer model.close()

			program := tea.NewProgram(model)
			_, err = program.Run()
			return err
		},
	}
	return cmd
}

type watchTickMsg struct{}

type watchModel struct {
	ws       core.Workspace
	evidence *ledger.Store
	memory   *teammemory.Store

	panes     []types.Pane
	contested []types.Claim
	patterns  []types.Pattern
	width     int
}

func newWatchModel(ws core.Workspace) (*watchModel, error) {
	evidence, err := ledger.Open(ws.EvidenceLedgerPath(), ws.EvidenceLedgerSpoolPath(), ledger.DefaultRetentionPolicy())
	if err != nil {
		return nil, err
	}
	memory, err := teammemory.Open(ws.TeamMemoryPath(), ws.TeamMemorySpoolPath(), evidence)
	if err != nil {
		_ = evidence.Close()
		return nil, err
	}
	return &watchModel{ws: ws, evidence: evidence, memory: memory}, nil
}

func (m *watchModel) close() {
	if m.memory != nil {
		_ = m.memory.Close()
	}
	if m.evidence != nil {
		_ = m.evidence.Close()
	}
}

func (m *watchModel) Init() tea.Cmd {
	return tea.Batch(m.refresh(), tea.Tick(watchPollInterval, func(time.Time) tea.Msg { return watchTickMsg{} }))
}

func (m *watchModel) refresh() tea.Cmd {
	return func() tea.Msg {
		var panes []types.Pane
		if client, err := ptyd.Dial(m.ws.ControlSocketPath()); err == nil {
			defer client.Close()
			_ = client.Call("listPanes", nil, &panes)
		}
		contested, _ := m.memory.QueryClaims(teammemory.ClaimQuery{Status: types.StatusContested, Limit: 20})
		patterns, _ := m.memory.RecentPatterns(10)
		return watchRefreshMsg{panes: panes, contested: contested, patterns: patterns}
	}
}

type watchRefreshMsg struct {
	panes     []types.Pane
	contested []types.Claim
	patterns  []types.Pattern
}

func (m *watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch v := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = v.Width
	case tea.KeyMsg:
		switch v.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case watchTickMsg:
		return m, tea.Batch(m.refresh(), tea.Tick(watchPollInterval, func(time.Time) tea.Msg { return watchTickMsg{} }))
	case watchRefreshMsg:
		m.panes = v.panes
		m.contested = v.contested
		m.patterns = v.patterns
	}
	return m, nil
}

func (m *watchModel) View() string {
	var b strings.Builder
	b.WriteString(watchHeaderStyle.Render("fleet watch") + watchDimStyle.Render("  (q to quit)") + "\n\n")

	b.WriteString(watchHeaderStyle.Render("Panes") + "\n")
	if len(m.panes) == 0 {
		b.WriteString(watchDimStyle.Render("  no panes (is fleetd running?)") + "\n")
	}
	for _, p := range m.panes {
		b.WriteString(fmt.Sprintf("  %s %s  %s\n", healthDot(p.Health), p.PaneID, watchDimStyle.Render(string(p.Lifecycle))))
	}

	b.WriteString("\n" + watchHeaderStyle.Render("Contested claims") + "\n")
	if len(m.contested) == 0 {
		b.WriteString(watchDimStyle.Render("  none") + "\n")
	}
	for _, c := range m.contested {
		b.WriteString(fmt.Sprintf("  %s %s\n", c.ClaimID, c.Statement))
	}

	b.WriteString("\n" + watchHeaderStyle.Render("Recent patterns") + "\n")
	if len(m.patterns) == 0 {
		b.WriteString(watchDimStyle.Render("  none") + "\n")
	}
	for _, pat := range m.patterns {
		b.WriteString(fmt.Sprintf("  %s x%d risk=%.2f\n", pat.Type, pat.Frequency, pat.RiskScore))
	}
	return b.String()
}

func healthDot(h types.HealthStatus) string {
	switch h {
	case types.HealthHealthy:
		return lipgloss.NewStyle().Foreground(watchHealthyColor).Render("●")
	case types.HealthStale:
		return lipgloss.NewStyle().Foreground(watchStaleColor).Render("●")
	default:
		return lipgloss.NewStyle().Foreground(watchDeadColor).Render("●")
	}
}
