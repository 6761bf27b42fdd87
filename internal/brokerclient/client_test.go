package brokerclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/fleet/internal/broker"
	"github.com/agentfleet/fleet/internal/core"
	"github.com/agentfleet/fleet/internal/ptyd"
	"github.com/agentfleet/fleet/internal/types"
)

func newTestBroker(t *testing.T) string {
	t.Helper()
	daemon := ptyd.New(ptyd.DefaultHealthPolicy(), nil)
	t.Cleanup(daemon.Stop)

	hub := broker.New(daemon, core.Workspace{}, "shared-secret")
	go hub.Run()
	hub.SetDeliver(func(ctx context.Context, envelope types.Envelope) types.Ack {
		return types.Ack{MessageID: envelope.MessageID, Outcome: types.OutcomeDeliveredVerified}
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeHTTP)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return strings.TrimPrefix(server.URL, "http://")
}

func TestDialRejectsWrongSecret(t *testing.T) {
	addr := newTestBroker(t)
	_, err := Dial(addr, "worker-1", "wrong-secret")
	assert.Error(t, err)
}

func TestDialSendRoundTripsAck(t *testing.T) {
	addr := newTestBroker(t)

	c, err := Dial(addr, "worker-1", "shared-secret")
	require.NoError(t, err)
	defer c.Close()

	ack, err := c.Send("coordinator", "hello", types.PriorityFYI)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeDeliveredVerified, ack.Outcome)
}

func TestHealthCheckReportsNoRouteForUnregisteredRole(t *testing.T) {
	addr := newTestBroker(t)

	c, err := Dial(addr, "worker-1", "shared-secret")
	require.NoError(t, err)
	defer c.Close()

	status, err := c.HealthCheck("ghost-role")
	require.NoError(t, err)
	assert.Equal(t, broker.HealthNoRoute, status)
}

func TestBackgroundAgentSurfacesErrorFrame(t *testing.T) {
	addr := newTestBroker(t)

	c, err := Dial(addr, "worker-1", "shared-secret")
	require.NoError(t, err)
	defer c.Close()

	err = c.BackgroundAgent("spawn", map[string]string{"parentRole": "worker-1"}, nil)
	assert.Error(t, err, "non-coordinator role must be rejected by the hub")
}
