// Package mcpserver exposes the same operations as the `fleet` CLI
// (send/claim/consensus/experiment/bg) as MCP tools, so a wrapped AI CLI
// can call them directly from inside a model turn instead of shelling
// out to the CLI (spec §0's expansion of the messaging surface). The
// server shape — one long-lived process per wrapped agent, opening its
// own stores and a broker connection at startup — follows the teacher's
// internal/mcp.Server (one process per `mm-mcp <project-path>`
// invocation), generalized from its hand-rolled JSON-RPC loop to
// modelcontextprotocol/go-sdk's typed tool registration.
package mcpserver

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agentfleet/fleet/internal/brokerclient"
	"github.com/agentfleet/fleet/internal/core"
	"github.com/agentfleet/fleet/internal/ledger"
	"github.com/agentfleet/fleet/internal/ptyd"
	"github.com/agentfleet/fleet/internal/teammemory"
	"github.com/agentfleet/fleet/internal/types"
)

// Server wires one role's stores and broker connection to a set of MCP
// tools. Role is fixed for the process lifetime (spec §0's "the embedded
// AI CLI... treated as an opaque interactive process" wrapped 1:1 by a
// dedicated fleet-mcp invocation).
type Server struct {
	role     string
	ws       core.Workspace
	config   *core.ConfigStore
	evidence *ledger.Store
	memory   *teammemory.Store
	broker   *brokerclient.Client

	mcp *mcp.Server
}

// New discovers the workspace, opens Team Memory, and dials the Broker
// as role. The returned Server owns all of these and must be closed.
func New(role, version string) (*Server, error) {
	ws, err := core.DiscoverWorkspace("")
	if err != nil {
		return nil, fmt.Errorf("discover workspace: %w", err)
	}
	config, err := core.NewConfigStore(ws.ConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	evidence, err := ledger.Open(ws.EvidenceLedgerPath(), ws.EvidenceLedgerSpoolPath(), ledger.DefaultRetentionPolicy())
	if err != nil {
		return nil, fmt.Errorf("open evidence ledger: %w", err)
	}
	memory, err := teammemory.Open(ws.TeamMemoryPath(), ws.TeamMemorySpoolPath(), evidence)
	if err != nil {
		_ = evidence.Close()
		return nil, fmt.Errorf("open team memory: %w", err)
	}
	broker, err := brokerclient.Dial(coreBrokerAddr(config), role, config.Get().CommsSecret)
	if err != nil {
		_ = memory.Close()
		_ = evidence.Close()
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	s := &Server{role: role, ws: ws, config: config, evidence: evidence, memory: memory, broker: broker}
	s.mcp = mcp.NewServer(&mcp.Implementation{Name: "fleet-mcp", Version: version}, nil)
	s.registerTools()
	return s, nil
}

func coreBrokerAddr(config *core.ConfigStore) string {
	if addr := config.Get().BrokerAddr; addr != "" {
		return addr
	}
	return core.DefaultBrokerAddr
}

// Close releases every resource opened by New.
func (s *Server) Close() error {
	_ = s.broker.Close()
	_ = s.memory.Close()
	return s.evidence.Close()
}

// Run serves MCP requests over stdio until ctx is canceled or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "send_message",
		Description: "Send a verified message to another role, with trigger-file fallback",
	}, s.sendMessage)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "create_claim",
		Description: "Record a new claim (fact, decision, hypothesis, or negative) in the shared team memory",
	}, s.createClaim)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "record_consensus",
		Description: "Record this role's consensus position (support, challenge, abstain) on a claim",
	}, s.recordConsensus)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "run_experiment",
		Description: "Run a registered experiment profile and bind its outcome to a claim as evidence",
	}, s.runExperiment)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "spawn_background_agent",
		Description: "Spawn a background worker agent under this role (coordinator only)",
	}, s.spawnBackgroundAgent)
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

// --- send_message ---

type SendMessageInput struct {
	TargetRole string `json:"targetRole" jsonschema:"role to send to"`
	Body       string `json:"body" jsonschema:"message body"`
	Priority   string `json:"priority,omitempty" jsonschema:"ack-required, fyi, urgent, or task"`
}

func (s *Server) sendMessage(ctx context.Context, req *mcp.CallToolRequest, in SendMessageInput) (*mcp.CallToolResult, any, error) {
	priority := types.PriorityTag(in.Priority)
	if priority == "" {
		priority = types.PriorityFYI
	}
	ack, err := s.broker.Send(in.TargetRole, in.Body, priority)
	if err != nil {
		return nil, nil, err
	}
	return textResult(fmt.Sprintf("%s %s", ack.Outcome, ack.Reason)), ack, nil
}

// --- create_claim ---

type CreateClaimInput struct {
	Statement  string   `json:"statement"`
	ClaimType  string   `json:"claimType" jsonschema:"fact, decision, hypothesis, or negative"`
	Confidence float64  `json:"confidence"`
	Scopes     []string `json:"scopes,omitempty"`
	TTLHours   float64  `json:"ttlHours,omitempty"`
}

func (s *Server) createClaim(ctx context.Context, req *mcp.CallToolRequest, in CreateClaimInput) (*mcp.CallToolResult, any, error) {
	r := teammemory.CreateClaimRequest{
		IdempotencyKey: uuid.NewString(),
		Statement:      in.Statement,
		ClaimType:      types.ClaimType(in.ClaimType),
		OwnerRole:      s.role,
		Confidence:     in.Confidence,
		Scopes:         in.Scopes,
	}
	if in.TTLHours > 0 {
		r.TTLHours = &in.TTLHours
	}
	claim, err := s.memory.CreateClaim(r)
	if err != nil && err != teammemory.ErrDuplicateIdempotencyKey {
		return nil, nil, err
	}
	return textResult(fmt.Sprintf("%s: %s", claim.ClaimID, claim.Statement)), claim, nil
}

// --- record_consensus ---

type RecordConsensusInput struct {
	ClaimID  string `json:"claimId"`
	Position string `json:"position" jsonschema:"support, challenge, or abstain"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) recordConsensus(ctx context.Context, req *mcp.CallToolRequest, in RecordConsensusInput) (*mcp.CallToolResult, any, error) {
	if err := s.memory.RecordConsensus(in.ClaimID, s.role, types.ConsensusPosition(in.Position), in.Reason); err != nil {
		return nil, nil, err
	}
	claim, err := s.memory.GetClaim(in.ClaimID)
	if err != nil {
		return nil, nil, err
	}
	return textResult(fmt.Sprintf("%s is now %s", in.ClaimID, claim.Status)), claim, nil
}

// --- run_experiment ---

type RunExperimentInput struct {
	ProfileID string         `json:"profileId"`
	Args      map[string]any `json:"args,omitempty"`
	ClaimID   string         `json:"claimId,omitempty"`
	Relation  string         `json:"relation,omitempty" jsonschema:"supports, contradicts, or causedBy"`
}

func (s *Server) runExperiment(ctx context.Context, req *mcp.CallToolRequest, in RunExperimentInput) (*mcp.CallToolResult, any, error) {
	profile, ok := s.config.Get().Experiments[in.ProfileID]
	if !ok {
		return nil, nil, fmt.Errorf("no experiment profile %q registered", in.ProfileID)
	}
	daemon := ptyd.New(ptyd.DefaultHealthPolicy(), nil)
	defer daemon.Stop()
	runner := teammemory.NewExperimentRunner(s.memory, daemon, s.ws)
	experiment, err := runner.RunExperiment(ctx, teammemory.RunExperimentRequest{
		ProfileID:      in.ProfileID,
		Profile:        profile,
		Args:           in.Args,
		ClaimID:        in.ClaimID,
		Relation:       types.EvidenceRelation(in.Relation),
		RequestedBy:    s.role,
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		return nil, nil, err
	}
	return textResult(fmt.Sprintf("run %s: %s", experiment.RunID, experiment.Status)), experiment, nil
}

// --- spawn_background_agent ---

type SpawnBackgroundAgentInput struct {
	Slot       string `json:"slot,omitempty"`
	TaskPrompt string `json:"taskPrompt"`
}

func (s *Server) spawnBackgroundAgent(ctx context.Context, req *mcp.CallToolRequest, in SpawnBackgroundAgentInput) (*mcp.CallToolResult, any, error) {
	var out struct {
		Alias string `json:"alias"`
	}
	err := s.broker.BackgroundAgent("spawn", map[string]string{
		"parentRole": s.role, "slot": in.Slot, "taskPrompt": in.TaskPrompt,
	}, &out)
	if err != nil {
		return nil, nil, err
	}
	return textResult(out.Alias), out, nil
}
