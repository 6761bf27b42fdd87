package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/fleet/internal/core"
	"github.com/agentfleet/fleet/internal/ptyd"
	"github.com/agentfleet/fleet/internal/types"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server, string) {
	t.Helper()
	daemon := ptyd.New(ptyd.DefaultHealthPolicy(), nil)
	t.Cleanup(daemon.Stop)

	hub := New(daemon, core.Workspace{}, "shared-secret")
	go hub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeHTTP)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	return hub, server, wsURL
}

func dialAndRegister(t *testing.T, wsURL, role, secret string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameRegister, Role: role, Secret: secret}))
	var ack Frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, FrameRegisterAck, ack.Type)
	require.True(t, ack.OK)
	return conn
}

func TestRegisterRejectsWrongSecret(t *testing.T) {
	_, _, wsURL := newTestHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameRegister, Role: "worker-1", Secret: "wrong"}))
	var ack Frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, FrameRegisterAck, ack.Type)
	assert.False(t, ack.OK)
	assert.Equal(t, ErrAuthFailed, ack.Error)
}

func TestSendRoutesThroughDeliverAndReturnsAck(t *testing.T) {
	hub, _, wsURL := newTestHub(t)

	var seen types.Envelope
	hub.SetDeliver(func(ctx context.Context, envelope types.Envelope) types.Ack {
		seen = envelope
		return types.Ack{MessageID: envelope.MessageID, Outcome: types.OutcomeDeliveredVerified}
	})

	conn := dialAndRegister(t, wsURL, "worker-1", "shared-secret")

	require.NoError(t, conn.WriteJSON(Frame{
		Type: FrameSend, MessageID: "msg-1", FromRole: "worker-1", TargetRole: "coordinator", Body: "hi", Sequence: 1,
	}))

	var ack Frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, FrameAck, ack.Type)
	assert.Equal(t, string(types.OutcomeDeliveredVerified), ack.Outcome)
	assert.Equal(t, "hi", seen.Body)
	assert.Equal(t, "worker-1", seen.FromRole)
}

func TestSendWithoutDeliverWiredReportsUnavailable(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	conn := dialAndRegister(t, wsURL, "worker-1", "shared-secret")

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameSend, MessageID: "msg-1", TargetRole: "coordinator", Body: "hi"}))

	var ack Frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, FrameAck, ack.Type)
	assert.Equal(t, "delivery_unavailable", ack.Reason)
}

type stubBackgroundController struct {
	parentOf map[string]string
}

func (s stubBackgroundController) Spawn(parentRole, slot, taskPrompt string) (string, error) {
	return parentRole + "-bg-1", nil
}
func (s stubBackgroundController) List(parentRole string) ([]types.BackgroundWorker, error) {
	return nil, nil
}
func (s stubBackgroundController) Kill(parentRole, target, reason string) error     { return nil }
func (s stubBackgroundController) KillAll(parentRole, reason string) error          { return nil }
func (s stubBackgroundController) TargetMap(parentRole string) (map[string]string, error) {
	return nil, nil
}
func (s stubBackgroundController) IsBackgroundAlias(role string) (string, bool) {
	parent, ok := s.parentOf[role]
	return parent, ok
}

func TestSendFromBackgroundAliasToNonParentIsRejected(t *testing.T) {
	hub, _, wsURL := newTestHub(t)
	hub.SetBackgroundWorkerController(stubBackgroundController{parentOf: map[string]string{"worker-1-bg-1": "worker-1"}})
	hub.SetDeliver(func(ctx context.Context, envelope types.Envelope) types.Ack {
		return types.Ack{MessageID: envelope.MessageID, Outcome: types.OutcomeDeliveredVerified}
	})

	conn := dialAndRegister(t, wsURL, "worker-1-bg-1", "shared-secret")
	require.NoError(t, conn.WriteJSON(Frame{
		Type: FrameSend, MessageID: "msg-1", FromRole: "worker-1-bg-1", TargetRole: "someone-else", Body: "hi",
	}))

	var ack Frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, string(types.OutcomeDroppedOwnerConflict), ack.Outcome)
	assert.Equal(t, ErrOwnerBindingViolation, ack.Reason)
}

func TestHealthCheckReportsNoRouteForUnknownTarget(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	conn := dialAndRegister(t, wsURL, "worker-1", "shared-secret")

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameHealthCheck, Target: "ghost-role"}))
	var status Frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, FrameHealthStatus, status.Type)
	assert.Equal(t, HealthNoRoute, status.Status)
}

func TestHealthCheckReportsHealthyForRegisteredRole(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	conn := dialAndRegister(t, wsURL, "worker-1", "shared-secret")

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameHealthCheck, Target: "worker-1"}))
	var status Frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, HealthHealthy, status.Status)
}

func TestBackgroundAgentRejectsNonCoordinatorRole(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	conn := dialAndRegister(t, wsURL, "worker-1", "shared-secret")

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameBackgroundAgent, Action: "spawn"}))
	var resp Frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, FrameError, resp.Type)
	assert.Equal(t, ErrOwnerBindingViolation, resp.Error)
}
