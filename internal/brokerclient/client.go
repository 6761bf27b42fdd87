// Package brokerclient is the CLI/MCP-side counterpart to internal/broker's
// Hub: it dials the daemon's websocket listener, registers under a role,
// and round-trips send/background-agent frames. The register-then-frame
// handshake mirrors the Hub's own expectations in internal/broker/hub.go;
// the JSON-over-websocket framing is the client half of
// codeready-toolchain-tarsy's pkg/api/websocket.go server pattern already
// grounding the Hub.
package brokerclient

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentfleet/fleet/internal/broker"
	"github.com/agentfleet/fleet/internal/types"
)

// Client is one registered broker connection: dial and register, then send
// requests and read each response. The CLI uses one per invocation;
// fleet-mcp holds one for the life of its process.
type Client struct {
	ws   *websocket.Conn
	role string
}

// Dial connects to addr (host:port, no scheme) over ws:// and registers
// as role using secret. The connection is closed by Close.
func Dial(addr, role, secret string) (*Client, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial broker %s: %w", addr, err)
	}
	deviceID := uuid.NewString()
	if err := ws.WriteJSON(broker.Frame{
		Type:     broker.FrameRegister,
		DeviceID: deviceID,
		Role:     role,
		Secret:   secret,
	}); err != nil {
		ws.Close()
		return nil, fmt.Errorf("register: %w", err)
	}
	var ack broker.Frame
	if err := ws.ReadJSON(&ack); err != nil {
		ws.Close()
		return nil, fmt.Errorf("register-ack: %w", err)
	}
	if !ack.OK {
		ws.Close()
		return nil, fmt.Errorf("broker rejected registration: %s", ack.Error)
	}
	return &Client{ws: ws, role: role}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.ws.Close()
}

// Send submits one message and blocks for its ack (spec §6 messaging
// utility: "send <targetRole> \"<body>\"").
func (c *Client) Send(targetRole, body string, priority types.PriorityTag) (types.Ack, error) {
	messageID := uuid.NewString()
	if err := c.ws.WriteJSON(broker.Frame{
		Type:       broker.FrameSend,
		MessageID:  messageID,
		FromRole:   c.role,
		TargetRole: targetRole,
		Body:       body,
		Priority:   string(priority),
	}); err != nil {
		return types.Ack{}, err
	}
	c.ws.SetReadDeadline(time.Now().Add(15 * time.Second))
	var f broker.Frame
	if err := c.ws.ReadJSON(&f); err != nil {
		return types.Ack{}, fmt.Errorf("await ack: %w", err)
	}
	if f.Type != broker.FrameAck {
		return types.Ack{}, fmt.Errorf("unexpected frame type %q awaiting ack", f.Type)
	}
	return types.Ack{MessageID: f.MessageID, Outcome: types.Outcome(f.Outcome), Reason: f.Reason}, nil
}

// HealthCheck queries the health of target (spec §6 health-check frame).
func (c *Client) HealthCheck(target string) (string, error) {
	if err := c.ws.WriteJSON(broker.Frame{Type: broker.FrameHealthCheck, Target: target}); err != nil {
		return "", err
	}
	c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f broker.Frame
	if err := c.ws.ReadJSON(&f); err != nil {
		return "", err
	}
	return f.Status, nil
}

// BackgroundAgent dispatches one background-agent action (spawn, list,
// kill, killAll, targetMap) and decodes its result into out (nil to
// discard it). Only the coordinator role may call this successfully.
func (c *Client) BackgroundAgent(action string, params any, out any) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return err
	}
	if err := c.ws.WriteJSON(broker.Frame{Type: broker.FrameBackgroundAgent, Action: action, Params: payload}); err != nil {
		return err
	}
	c.ws.SetReadDeadline(time.Now().Add(30 * time.Second))
	var f broker.Frame
	if err := c.ws.ReadJSON(&f); err != nil {
		return err
	}
	if f.Type == broker.FrameError {
		return fmt.Errorf("%s", f.Error)
	}
	if !f.OK {
		return fmt.Errorf("background-agent action %q failed", action)
	}
	if out == nil || len(f.Params) == 0 {
		return nil
	}
	return json.Unmarshal(f.Params, out)
}
