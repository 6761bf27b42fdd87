// Package broker implements the local websocket message bus (spec §6
// "Broker websocket"): CLI wrappers and the coordinator register by
// logical role, then send/health-check/background-agent frames flow
// over the same connection. The hub queues every inbound frame on one
// channel drained by a single goroutine (Hub.Run), with the role table
// guarded by a mutex; the websocket server shape is grounded on
// codeready-toolchain-tarsy's pkg/api/websocket.go; the JSON
// frame dispatch convention mirrors internal/ptyd's control-channel
// Server so both of this repo's external surfaces read the same way.
package broker

import "encoding/json"

// Frame is one websocket JSON message, used for both directions.
// Type selects which of the fields below apply.
type Frame struct {
	Type string `json:"type"`

	// register
	DeviceID string `json:"deviceId,omitempty"`
	Role     string `json:"role,omitempty"`
	Secret   string `json:"secret,omitempty"`

	// register-ack
	OK             bool     `json:"ok,omitempty"`
	ConnectedRoles []string `json:"connectedRoles,omitempty"`

	// send
	MessageID  string          `json:"messageId,omitempty"`
	FromRole   string          `json:"fromRole,omitempty"`
	TargetRole string          `json:"targetRole,omitempty"`
	Body       string          `json:"body,omitempty"`
	Sequence   int64           `json:"sequence,omitempty"`
	Priority   string          `json:"priority,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`

	// ack
	Outcome string `json:"outcome,omitempty"`
	Reason  string `json:"reason,omitempty"`

	// health-check / status
	Target string `json:"target,omitempty"`
	Status string `json:"status,omitempty"`

	// background-agent
	Action string          `json:"action,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

const (
	FrameRegister        = "register"
	FrameRegisterAck     = "register-ack"
	FrameSend            = "send"
	FrameAck             = "ack"
	FrameHealthCheck     = "health-check"
	FrameHealthStatus    = "health-status"
	FrameBackgroundAgent = "background-agent"
	FrameError           = "error"
)

// Health statuses reported by health-check (spec §6).
const (
	HealthHealthy       = "healthy"
	HealthStale         = "stale"
	HealthNoRoute       = "noRoute"
	HealthInvalidTarget = "invalidTarget"
)

// Transport-level error codes (spec §7 taxonomy, transport kind).
const (
	ErrAuthFailed           = "auth_failed"
	ErrOwnerBindingViolation = "owner_binding_violation"
	ErrTargetOffline        = "target_offline"
	ErrInvalidPayload       = "invalid_payload"
)
