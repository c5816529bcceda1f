package comm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBaseRequestWire tests that byte payloads travel as base64.
func TestBaseRequestWire(t *testing.T) {
	req := BaseRequest{NodeID: 3, NodeType: "worker", Data: []byte("payload")}

	data, err := Marshal(req)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "cGF5bG9hZA==", raw["data"])

	var decoded BaseRequest
	require.NoError(t, Unmarshal(data, &decoded))
	assert.Equal(t, req, decoded)
}

// TestRendezvousState tests the world map round trip.
func TestRendezvousState(t *testing.T) {
	state := RendezvousState{
		World:      map[int]int{0: 8, 1: 8},
		WaitingNum: 2,
		Round:      3,
		Group:      1,
	}
	data, err := Marshal(state)
	require.NoError(t, err)

	var decoded RendezvousState
	require.NoError(t, Unmarshal(data, &decoded))
	assert.Equal(t, state, decoded)
}

// TestAddrConnected tests the probe's input validation; reachability needs
// a live endpoint and stays out of unit scope.
func TestAddrConnected(t *testing.T) {
	assert.False(t, AddrConnected(""))
	assert.False(t, AddrConnected("   "))
	assert.False(t, AddrConnected("no-port"))
}

// TestBuildChannelDeadEndpoint tests fail-fast on an unreachable address.
func TestBuildChannelDeadEndpoint(t *testing.T) {
	_, err := BuildChannel("127.0.0.1:1")
	assert.Error(t, err)
}
