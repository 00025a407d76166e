package cluster

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/coldb/coldb/pkg/ring"
)

const (
	HeartbeatInterval = 5 * time.Second
	HeartbeatTimeout   = 15 * time.Second
	CleanupInterval    = 30 * time.Second
)

// wireMessage is the envelope every registry message is wrapped in.
type wireMessage struct {
	Type        string          `json:"type"`
	Node        json.RawMessage `json:"node,omitempty"`
	Nodes       []json.RawMessage `json:"nodes,omitempty"`
	NodeID      string          `json:"node_id,omitempty"`
	Timestamp   float64         `json:"timestamp,omitempty"`
	LoadFactor  float64         `json:"load_factor,omitempty"`
	GuildCount  int             `json:"guild_count,omitempty"`
}

// peerConn is a registry-level connection to one peer, guarded by its
// own mutex since gorilla/websocket conns may not be written from
// multiple goroutines concurrently.
type peerConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *peerConn) send(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteJSON(v)
}

// NodeChangeFunc is invoked when a peer joins or leaves the cluster.
type NodeChangeFunc func(event string, node *NodeInfo)

// Registry tracks cluster membership, exchanges heartbeats with peers,
// and evicts nodes that stop heartbeating. Grounded on
// original_source/src/databse/cluster.py's NodeRegistry, re-expressed
// over the teacher's pkg/health.Status liveness-tracking shape
// (ConsecutiveFailures/Healthy/timestamps repurposed as peer heartbeat
// staleness tracking instead of container health checks).
type Registry struct {
	Local         *NodeInfo
	Ring          *ring.Ring
	DefaultWeight float64
	log           zerolog.Logger

	mu        sync.RWMutex
	peers     map[string]*NodeInfo
	conns     map[string]*peerConn
	callbacks []NodeChangeFunc
	upgrader  websocket.Upgrader

	running bool
	stopCh  chan struct{}
	loopWG  sync.WaitGroup // heartbeatLoop, cleanupLoop
	connWG  sync.WaitGroup // handleConn goroutines
}

// NewRegistry constructs a registry for local, backed by hashRing.
func NewRegistry(local *NodeInfo, hashRing *ring.Ring, defaultWeight float64, log zerolog.Logger) *Registry {
	return &Registry{
		Local:         local,
		Ring:          hashRing,
		DefaultWeight: defaultWeight,
		log:           log.With().Str("component", "cluster-registry").Logger(),
		peers:         make(map[string]*NodeInfo),
		conns:         make(map[string]*peerConn),
		upgrader:      websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

// OnNodeChange registers a callback invoked on peer join/leave.
func (r *Registry) OnNodeChange(fn NodeChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Start marks the local node active on the ring and begins the
// heartbeat and eviction loops.
func (r *Registry) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	weight := r.Local.Weight
	if weight == 0 {
		weight = r.DefaultWeight
	}
	r.Ring.AddNode(r.Local.NodeID, weight)
	r.Local.SetState(StateActive)

	r.loopWG.Add(2)
	go r.heartbeatLoop()
	go r.cleanupLoop()
}

// Stop marks the node draining, halts the background loops, and closes
// every peer connection. Connections are closed (and their reader
// goroutines awaited) only after the loops stop, since a live
// connection's handleConn goroutine only returns once its socket
// closes.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.Local.SetState(StateDraining)
	r.loopWG.Wait()

	r.mu.Lock()
	for addr, pc := range r.conns {
		pc.conn.Close()
		delete(r.conns, addr)
	}
	r.mu.Unlock()

	r.connWG.Wait()
}

// ServeWS upgrades an inbound HTTP request to a peer connection and
// processes its messages until it closes.
func (r *Registry) ServeWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	r.connWG.Add(1)
	r.handleConn(req.RemoteAddr, conn)
}

// JoinCluster dials each seed address in turn, stopping at the first
// one that accepts the connection, and requests its cluster state.
func (r *Registry) JoinCluster(seeds []string) {
	for _, seed := range seeds {
		if err := r.connectToPeer(seed); err != nil {
			r.log.Warn().Err(err).Str("seed", seed).Msg("failed to connect to seed")
			continue
		}
		r.requestClusterState(seed)
		return
	}
}

func (r *Registry) connectToPeer(address string) error {
	r.mu.RLock()
	_, exists := r.conns[address]
	r.mu.RUnlock()
	if exists {
		return nil
	}

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/cluster", address), nil)
	if err != nil {
		return err
	}

	nodeJSON, _ := json.Marshal(r.Local.toWire())
	pc := &peerConn{conn: conn}
	if err := pc.send(wireMessage{Type: "register", Node: nodeJSON}); err != nil {
		conn.Close()
		return err
	}

	r.mu.Lock()
	r.conns[address] = pc
	r.mu.Unlock()

	r.connWG.Add(1)
	go r.handleConn(address, conn)
	return nil
}

func (r *Registry) requestClusterState(address string) {
	r.mu.RLock()
	pc, ok := r.conns[address]
	r.mu.RUnlock()
	if !ok {
		return
	}
	_ = pc.send(wireMessage{Type: "request_cluster_state"})
}

// handleConn reads messages from conn until it closes, dispatching
// each to processMessage, and removes the connection on exit.
func (r *Registry) handleConn(address string, conn *websocket.Conn) {
	defer r.connWG.Done()
	defer func() {
		r.mu.Lock()
		delete(r.conns, address)
		r.mu.Unlock()
		conn.Close()
	}()

	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		r.processMessage(address, conn, msg)
	}
}

func (r *Registry) processMessage(address string, conn *websocket.Conn, msg wireMessage) {
	switch msg.Type {
	case "register":
		var w wireNode
		if err := json.Unmarshal(msg.Node, &w); err != nil {
			return
		}
		node := nodeFromWire(w)

		r.mu.Lock()
		if _, tracked := r.conns[address]; !tracked {
			r.conns[address] = &peerConn{conn: conn}
		}
		r.mu.Unlock()

		r.addPeer(node)

	case "heartbeat":
		r.mu.Lock()
		if node, ok := r.peers[msg.NodeID]; ok {
			node.Touch()
			node.LoadFactor = msg.LoadFactor
			node.PartitionCount = msg.GuildCount
		}
		r.mu.Unlock()

	case "cluster_state":
		for _, raw := range msg.Nodes {
			var w wireNode
			if err := json.Unmarshal(raw, &w); err != nil {
				continue
			}
			node := nodeFromWire(w)
			if node.NodeID != r.Local.NodeID {
				r.addPeer(node)
			}
		}

	case "request_cluster_state":
		r.mu.RLock()
		nodes := make([]json.RawMessage, 0, len(r.peers)+1)
		self, _ := json.Marshal(r.Local.toWire())
		nodes = append(nodes, self)
		for _, p := range r.peers {
			raw, _ := json.Marshal(p.toWire())
			nodes = append(nodes, raw)
		}
		pc, ok := r.conns[address]
		r.mu.RUnlock()
		if ok {
			_ = pc.send(wireMessage{Type: "cluster_state", Nodes: nodes})
		}

	case "node_leave":
		if msg.NodeID != "" {
			r.removePeer(msg.NodeID)
		}
	}
}

func (r *Registry) addPeer(node *NodeInfo) {
	if node.NodeID == r.Local.NodeID {
		return
	}

	r.mu.Lock()
	_, existed := r.peers[node.NodeID]
	r.peers[node.NodeID] = node
	r.mu.Unlock()

	weight := node.Weight
	if weight == 0 {
		weight = r.DefaultWeight
	}
	r.Ring.AddNode(node.NodeID, weight)

	if !existed {
		r.fireCallbacks("join", node)
	}
}

func (r *Registry) removePeer(nodeID string) {
	r.mu.Lock()
	node, ok := r.peers[nodeID]
	if ok {
		delete(r.peers, nodeID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.Ring.RemoveNode(nodeID)
	r.fireCallbacks("leave", node)
}

func (r *Registry) fireCallbacks(event string, node *NodeInfo) {
	r.mu.RLock()
	callbacks := make([]NodeChangeFunc, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.RUnlock()

	for _, cb := range callbacks {
		func() {
			defer func() { recover() }()
			cb(event, node)
		}()
	}
}

func (r *Registry) heartbeatLoop() {
	defer r.loopWG.Done()
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sendHeartbeats()
		}
	}
}

func (r *Registry) sendHeartbeats() {
	msg := wireMessage{
		Type:       "heartbeat",
		NodeID:     r.Local.NodeID,
		Timestamp:  float64(time.Now().UnixNano()) / 1e9,
		LoadFactor: r.Local.LoadFactor,
		GuildCount: r.Local.PartitionCount,
	}

	r.mu.RLock()
	conns := make(map[string]*peerConn, len(r.conns))
	for addr, pc := range r.conns {
		conns[addr] = pc
	}
	r.mu.RUnlock()

	for _, pc := range conns {
		_ = pc.send(msg)
	}
	r.Local.Touch()
}

func (r *Registry) cleanupLoop() {
	defer r.loopWG.Done()
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.evictStalePeers()
		}
	}
}

func (r *Registry) evictStalePeers() {
	r.mu.RLock()
	var stale []string
	for id, node := range r.peers {
		if time.Since(node.LastHeartbeat()) > HeartbeatTimeout {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.removePeer(id)
	}
}

// Broadcast sends message to every connected peer.
func (r *Registry) Broadcast(message any) {
	r.mu.RLock()
	conns := make([]*peerConn, 0, len(r.conns))
	for _, pc := range r.conns {
		conns = append(conns, pc)
	}
	r.mu.RUnlock()

	for _, pc := range conns {
		_ = pc.send(message)
	}
}

// GetPeer returns a peer by id.
func (r *Registry) GetPeer(nodeID string) (*NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.peers[nodeID]
	return n, ok
}

// AllPeers returns a snapshot of every known peer.
func (r *Registry) AllPeers() []*NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*NodeInfo, 0, len(r.peers))
	for _, n := range r.peers {
		out = append(out, n)
	}
	return out
}

// Stats reports registry membership counts for diagnostics.
type Stats struct {
	LocalNodeID     string
	PeerCount       int
	ConnectionCount int
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		LocalNodeID:     r.Local.NodeID,
		PeerCount:       len(r.peers),
		ConnectionCount: len(r.conns),
	}
}
