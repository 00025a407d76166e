package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeInfoAddressAndWSURL(t *testing.T) {
	n := NewNodeInfo("node-1", "10.0.0.5", 7000)
	assert.Equal(t, "10.0.0.5:7000", n.Address())
	assert.Equal(t, "ws://10.0.0.5:7000", n.WSURL())
}

func TestNodeInfoIsHealthyRequiresActiveAndFreshHeartbeat(t *testing.T) {
	n := NewNodeInfo("node-1", "localhost", 7000)
	assert.False(t, n.IsHealthy(30*time.Second), "a STARTING node is never healthy")

	n.SetState(StateActive)
	n.Touch()
	assert.True(t, n.IsHealthy(30*time.Second))

	n.mu.Lock()
	n.lastHeartbeat = time.Now().Add(-time.Hour)
	n.mu.Unlock()
	assert.False(t, n.IsHealthy(30*time.Second), "a stale heartbeat makes the node unhealthy even if ACTIVE")
}

func TestNodeInfoWireRoundTrip(t *testing.T) {
	n := NewNodeInfo("node-1", "10.0.0.5", 7000)
	n.SetState(StateActive)
	n.PartitionCount = 42
	n.LoadFactor = 0.75
	n.ClusterID = "us-east"
	n.Weight = 2.5
	n.DataPort = 8081

	wire := n.toWire()
	back := nodeFromWire(wire)

	assert.Equal(t, n.NodeID, back.NodeID)
	assert.Equal(t, n.Host, back.Host)
	assert.Equal(t, n.Port, back.Port)
	assert.Equal(t, StateActive, back.State())
	assert.Equal(t, 42, back.PartitionCount)
	assert.InDelta(t, 0.75, back.LoadFactor, 0.0001)
	assert.Equal(t, "us-east", back.ClusterID)
	assert.InDelta(t, 2.5, back.Weight, 0.0001)
	assert.Equal(t, 8081, back.DataPort)
}

func TestNodeFromWireDefaultsVersionAndWeight(t *testing.T) {
	back := nodeFromWire(wireNode{NodeID: "n", Host: "h", Port: 1})
	require.Equal(t, "1.0.0", back.Version)
	assert.InDelta(t, 1.0, back.Weight, 0.0001)
}

func TestStateStringRoundTrip(t *testing.T) {
	cases := []State{StateStarting, StateActive, StateDraining, StateOffline}
	for _, s := range cases {
		assert.Equal(t, s, stateFromString(s.String()))
	}
}
