// Package cluster implements node discovery, inter-node communication,
// and CDN-style distributed caching on top of the consistent hash ring
// (spec.md §4.17-§4.20).
package cluster

import (
	"fmt"
	"sync"
	"time"
)

// State is a node's lifecycle phase within the cluster.
type State int

const (
	StateStarting State = iota
	StateActive
	StateDraining
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateActive:
		return "ACTIVE"
	case StateDraining:
		return "DRAINING"
	case StateOffline:
		return "OFFLINE"
	default:
		return "UNKNOWN"
	}
}

func stateFromString(s string) State {
	switch s {
	case "ACTIVE":
		return StateActive
	case "DRAINING":
		return StateDraining
	case "OFFLINE":
		return StateOffline
	default:
		return StateStarting
	}
}

// NodeInfo describes one member of the cluster.
type NodeInfo struct {
	NodeID        string
	Host          string
	Port          int
	mu            sync.RWMutex
	state         State
	lastHeartbeat time.Time
	PartitionCount int
	LoadFactor    float64
	Version       string
	ClusterID     string
	Weight        float64
	DataPort      int
}

// NewNodeInfo constructs a node starting in StateStarting with the
// heartbeat clock set to now.
func NewNodeInfo(nodeID, host string, port int) *NodeInfo {
	return &NodeInfo{
		NodeID:        nodeID,
		Host:          host,
		Port:          port,
		state:         StateStarting,
		lastHeartbeat: time.Now(),
		Version:       "1.0.0",
		Weight:        1.0,
	}
}

// Address is the node's host:port dial target.
func (n *NodeInfo) Address() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// WSURL is the node's websocket base URL.
func (n *NodeInfo) WSURL() string {
	return fmt.Sprintf("ws://%s:%d", n.Host, n.Port)
}

// State returns the node's current lifecycle phase.
func (n *NodeInfo) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// SetState updates the node's lifecycle phase.
func (n *NodeInfo) SetState(s State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = s
}

// LastHeartbeat returns the timestamp of the most recent heartbeat seen
// from this node.
func (n *NodeInfo) LastHeartbeat() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastHeartbeat
}

// Touch records a heartbeat as received now.
func (n *NodeInfo) Touch() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastHeartbeat = time.Now()
}

// IsHealthy reports whether the node is active and has heartbeated
// within timeout.
func (n *NodeInfo) IsHealthy(timeout time.Duration) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state == StateActive && time.Since(n.lastHeartbeat) < timeout
}

// wireNode is the JSON-on-the-wire representation of a NodeInfo,
// exchanged during registration and cluster-state sync.
type wireNode struct {
	NodeID         string  `json:"node_id"`
	Host           string  `json:"host"`
	Port           int     `json:"port"`
	State          string  `json:"state"`
	LastHeartbeat  float64 `json:"last_heartbeat"`
	PartitionCount int     `json:"partition_count"`
	LoadFactor     float64 `json:"load_factor"`
	Version        string  `json:"version"`
	ClusterID      string  `json:"cluster_id"`
	Weight         float64 `json:"weight"`
	DataPort       int     `json:"data_port"`
}

func (n *NodeInfo) toWire() wireNode {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return wireNode{
		NodeID:         n.NodeID,
		Host:           n.Host,
		Port:           n.Port,
		State:          n.state.String(),
		LastHeartbeat:  float64(n.lastHeartbeat.UnixNano()) / 1e9,
		PartitionCount: n.PartitionCount,
		LoadFactor:     n.LoadFactor,
		Version:        n.Version,
		ClusterID:      n.ClusterID,
		Weight:         n.Weight,
		DataPort:       n.DataPort,
	}
}

func nodeFromWire(w wireNode) *NodeInfo {
	sec := int64(w.LastHeartbeat)
	nsec := int64((w.LastHeartbeat - float64(sec)) * 1e9)
	n := &NodeInfo{
		NodeID:         w.NodeID,
		Host:           w.Host,
		Port:           w.Port,
		state:          stateFromString(w.State),
		lastHeartbeat:  time.Unix(sec, nsec),
		PartitionCount: w.PartitionCount,
		LoadFactor:     w.LoadFactor,
		Version:        w.Version,
		ClusterID:      w.ClusterID,
		Weight:         w.Weight,
		DataPort:       w.DataPort,
	}
	if n.Version == "" {
		n.Version = "1.0.0"
	}
	if n.Weight == 0 {
		n.Weight = 1.0
	}
	return n
}
