package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentfleet/fleet/internal/core"
	"github.com/agentfleet/fleet/internal/ptyd"
	"github.com/agentfleet/fleet/internal/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // loopback-only listener, no cross-origin exposure
}

// BackgroundWorkerController is satisfied by internal/bgworker's manager,
// kept as an interface so broker does not import that package directly.
type BackgroundWorkerController interface {
	Spawn(parentRole, slot, taskPrompt string) (alias string, err error)
	List(parentRole string) ([]types.BackgroundWorker, error)
	Kill(parentRole, target, reason string) error
	KillAll(parentRole, reason string) error
	TargetMap(parentRole string) (map[string]string, error)
	// IsBackgroundAlias reports whether role names a tracked background
	// worker and, if so, the only role it may send to (spec §4.6
	// "Background workers may only send to their parent role").
	IsBackgroundAlias(role string) (parentRole string, ok bool)
}

// conn is one registered websocket connection.
type conn struct {
	ws       *websocket.Conn
	deviceID string
	role     string
	writeMu  sync.Mutex
}

func (c *conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// Hub is the Broker's websocket message bus (spec §6). One role may have
// at most one live connection; a later register for the same role
// replaces the earlier one (spec §4 "last-writer" convention used
// elsewhere for reload-safety applies here too).
type Hub struct {
	daemon *ptyd.Daemon
	ws     core.Workspace
	secret string
	bg     BackgroundWorkerController

	mu      sync.RWMutex
	byRole  map[string]*conn
	inbound chan inboundFrame

	deliver DeliverFunc
}

// DeliverFunc hands a normalized send frame to the Delivery Engine and
// returns the resulting outcome/reason to report back as an ack.
type DeliverFunc func(ctx context.Context, envelope types.Envelope) types.Ack

type inboundFrame struct {
	c *conn
	f Frame
}

// New builds a Hub. secret is the shared comms secret loaded from the
// workspace's user-private file (spec §6 "shared secret loaded from a
// user-private file"). deliver stays nil until SetDeliver wires it, since
// cmd/fleetd constructs the Delivery Engine after the Hub.
func New(daemon *ptyd.Daemon, ws core.Workspace, secret string) *Hub {
	return &Hub{
		daemon:  daemon,
		ws:      ws,
		secret:  secret,
		byRole:  map[string]*conn{},
		inbound: make(chan inboundFrame, 256),
	}
}

// SetDeliver wires the Delivery Engine's Send as the handler for inbound
// "send" frames, resolving the Hub/Engine construction cycle (the Engine
// needs the Daemon the Hub also shares; the Hub needs the Engine as its
// inbound handler).
func (h *Hub) SetDeliver(deliver DeliverFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliver = deliver
}

// SetBackgroundWorkerController wires the Background Worker Manager after
// construction; until it is called, background-agent frames are answered
// with background_worker_unavailable.
func (h *Hub) SetBackgroundWorkerController(bg BackgroundWorkerController) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bg = bg
}

// ServeHTTP upgrades the connection and runs its read loop until the
// client disconnects. Registered via net/http.ServeMux at e.g. "/ws" on
// a loopback-only listener (spec §6 "Local loopback websocket").
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("broker: websocket upgrade failed", "error", err)
		return
	}
	c := &conn{ws: wsConn}
	defer h.disconnect(c)

	for {
		var f Frame
		if err := wsConn.ReadJSON(&f); err != nil {
			return
		}
		h.handle(c, f)
	}
}

// Run drains the inbound queue so slow handlers (background-agent
// actions, health checks) never block a connection's read loop.
func (h *Hub) Run() {
	for item := range h.inbound {
		h.process(item.c, item.f)
	}
}

func (h *Hub) handle(c *conn, f Frame) {
	select {
	case h.inbound <- inboundFrame{c: c, f: f}:
	default:
		_ = c.writeJSON(Frame{Type: FrameError, Error: "broker_backpressure"})
	}
}

func (h *Hub) process(c *conn, f Frame) {
	switch f.Type {
	case FrameRegister:
		h.handleRegister(c, f)
	case FrameSend:
		h.handleSend(c, f)
	case FrameHealthCheck:
		h.handleHealthCheck(c, f)
	case FrameBackgroundAgent:
		h.handleBackgroundAgent(c, f)
	default:
		_ = c.writeJSON(Frame{Type: FrameError, Error: "unknown_frame_type"})
	}
}

func (h *Hub) handleRegister(c *conn, f Frame) {
	if h.secret == "" || f.Secret != h.secret {
		_ = c.writeJSON(Frame{Type: FrameRegisterAck, OK: false, Error: ErrAuthFailed})
		return
	}
	if f.Role == "" {
		_ = c.writeJSON(Frame{Type: FrameRegisterAck, OK: false, Error: ErrInvalidPayload})
		return
	}
	c.deviceID = f.DeviceID
	c.role = f.Role

	h.mu.Lock()
	h.byRole[f.Role] = c
	roles := make([]string, 0, len(h.byRole))
	for r := range h.byRole {
		roles = append(roles, r)
	}
	h.mu.Unlock()

	_ = c.writeJSON(Frame{Type: FrameRegisterAck, OK: true, Role: f.Role, ConnectedRoles: roles})
}

func (h *Hub) disconnect(c *conn) {
	h.mu.Lock()
	if c.role != "" && h.byRole[c.role] == c {
		delete(h.byRole, c.role)
	}
	h.mu.Unlock()
	_ = c.ws.Close()
}

func (h *Hub) handleSend(c *conn, f Frame) {
	if c.role == "" {
		_ = c.writeJSON(Frame{Type: FrameAck, MessageID: f.MessageID, Outcome: string(types.OutcomeDroppedPrecondition), Reason: ErrAuthFailed})
		return
	}
	h.mu.RLock()
	bg := h.bg
	h.mu.RUnlock()
	if bg != nil {
		if parentRole, isBackground := bg.IsBackgroundAlias(c.role); isBackground && f.TargetRole != parentRole {
			_ = c.writeJSON(Frame{Type: FrameAck, MessageID: f.MessageID, Outcome: string(types.OutcomeDroppedOwnerConflict), Reason: ErrOwnerBindingViolation})
			return
		}
	}
	h.mu.RLock()
	deliver := h.deliver
	h.mu.RUnlock()
	if deliver == nil {
		_ = c.writeJSON(Frame{Type: FrameAck, MessageID: f.MessageID, Outcome: string(types.OutcomeDroppedPrecondition), Reason: "delivery_unavailable"})
		return
	}
	envelope := types.Envelope{
		MessageID:       f.MessageID,
		FromRole:        f.FromRole,
		TargetRole:      f.TargetRole,
		Body:            f.Body,
		SequenceNumber:  f.Sequence,
		SenderSessionID: c.deviceID,
		PriorityTag:     types.PriorityTag(f.Priority),
		CreatedAt:       types.NowMs(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ack := deliver(ctx, envelope)
	_ = c.writeJSON(Frame{Type: FrameAck, MessageID: ack.MessageID, Outcome: string(ack.Outcome), Reason: ack.Reason})
}

func (h *Hub) handleHealthCheck(c *conn, f Frame) {
	status := h.healthOf(f.Target)
	_ = c.writeJSON(Frame{Type: FrameHealthStatus, Target: f.Target, Status: status})
}

func (h *Hub) healthOf(target string) string {
	if target == "" {
		return HealthInvalidTarget
	}
	pane, ok := h.daemon.Pane("pane-" + target)
	if !ok {
		h.mu.RLock()
		_, registered := h.byRole[target]
		h.mu.RUnlock()
		if registered {
			return HealthHealthy
		}
		return HealthNoRoute
	}
	switch pane.Health {
	case types.HealthHealthy:
		return HealthHealthy
	case types.HealthStale:
		return HealthStale
	default:
		return HealthNoRoute
	}
}

// handleBackgroundAgent dispatches background-agent frames (spec §6,
// "coordinator role only"); owner binding is enforced by requiring the
// connection's registered role to be the coordinator.
func (h *Hub) handleBackgroundAgent(c *conn, f Frame) {
	if c.role != string(types.RoleCoordinator) {
		_ = c.writeJSON(Frame{Type: FrameError, Error: ErrOwnerBindingViolation})
		return
	}
	h.mu.RLock()
	bg := h.bg
	h.mu.RUnlock()
	if bg == nil {
		_ = c.writeJSON(Frame{Type: FrameError, Error: "background_worker_unavailable"})
		return
	}

	var p struct {
		ParentRole string `json:"parentRole"`
		Slot       string `json:"slot"`
		TaskPrompt string `json:"taskPrompt"`
		Target     string `json:"target"`
		Reason     string `json:"reason"`
	}
	if len(f.Params) > 0 {
		if err := json.Unmarshal(f.Params, &p); err != nil {
			_ = c.writeJSON(Frame{Type: FrameError, Error: ErrInvalidPayload})
			return
		}
	}

	var result any
	var err error
	switch f.Action {
	case "spawn":
		var alias string
		alias, err = bg.Spawn(p.ParentRole, p.Slot, p.TaskPrompt)
		result = map[string]string{"alias": alias}
	case "list":
		result, err = bg.List(p.ParentRole)
	case "kill":
		err = bg.Kill(p.ParentRole, p.Target, p.Reason)
	case "killAll":
		err = bg.KillAll(p.ParentRole, p.Reason)
	case "targetMap":
		result, err = bg.TargetMap(p.ParentRole)
	default:
		err = fmt.Errorf("unknown background-agent action %q", f.Action)
	}

	if err != nil {
		_ = c.writeJSON(Frame{Type: FrameError, Action: f.Action, Error: err.Error()})
		return
	}
	payload, merr := json.Marshal(result)
	if merr != nil {
		_ = c.writeJSON(Frame{Type: FrameError, Action: f.Action, Error: merr.Error()})
		return
	}
	_ = c.writeJSON(Frame{Type: FrameBackgroundAgent, Action: f.Action, OK: true, Params: payload})
}

