package cluster

import (
	"crypto/md5"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coldb/coldb/pkg/ring"
)

// LocalReader executes a local (owner-side) query and returns matched
// rows.
type LocalReader func(tableName string, params map[string]any) ([]map[string]any, error)

// LocalGetter fetches a partition's data from local storage.
type LocalGetter func(partitionKey uint64, tableName string) (map[string]any, error)

// LocalWriter writes a partition's data to local storage.
type LocalWriter func(partitionKey uint64, tableName string, data map[string]any) error

// MergeStrategy controls how Manager.FanOutRead combines per-cluster
// responses.
type MergeStrategy string

const (
	MergeUnion        MergeStrategy = "union"
	MergeFirstPositive MergeStrategy = "first_positive"
	MergeFastest       MergeStrategy = "fastest"
)

// Manager wires together the ring, registry, node client, and
// distributed cache into the cluster's public operations: ownership
// routing, read/write forwarding, and cluster-aware fan-out queries.
// Grounded on original_source/src/databse/cluster.py's ClusterManager.
type Manager struct {
	Local *NodeInfo
	Ring  *ring.Ring

	Registry *Registry
	Client   *Client
	Cache    *DistributedCache

	log zerolog.Logger

	mu       sync.RWMutex
	running  bool
	rng      *rand.Rand
	rngMu    sync.Mutex
}

// NewManager constructs a cluster manager for the local node.
func NewManager(nodeID, host string, port, dataPort int, virtualNodes int, nodeWeight float64, log zerolog.Logger) *Manager {
	local := NewNodeInfo(nodeID, host, port)
	local.Weight = nodeWeight
	local.DataPort = dataPort

	hashRing := ring.New(virtualNodes)
	registry := NewRegistry(local, hashRing, nodeWeight, log)
	client := NewClient(log)
	distCache := NewDistributedCache(client, hashRing, nodeID, DistCacheDefaultTTL)

	m := &Manager{
		Local:    local,
		Ring:     hashRing,
		Registry: registry,
		Client:   client,
		Cache:    distCache,
		log:      log.With().Str("component", "cluster-manager").Logger(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	registry.OnNodeChange(m.onNodeChange)
	return m
}

// Start brings up the node client, registry, and distributed cache, and
// optionally joins an existing cluster through seedNodes.
func (m *Manager) Start(seedNodes []string) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.Client.Start()
	m.Registry.Start()
	m.Cache.Start()

	if len(seedNodes) > 0 {
		m.Registry.JoinCluster(seedNodes)
	}
}

// Stop tears down the cluster manager's background services.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.Cache.Stop()
	m.Registry.Stop()
	m.Client.Stop()
}

func (m *Manager) onNodeChange(event string, node *NodeInfo) {
	if event == "leave" {
		m.Cache.InvalidateFromNode(node.NodeID)
	}
}

// IsOwner reports whether this node owns partitionKey.
func (m *Manager) IsOwner(partitionKey uint64) bool {
	owner, ok := m.Ring.OwnerForKey(partitionKey)
	return ok && owner == m.Local.NodeID
}

// peerByID resolves a ring node id to its full NodeInfo, looking at the
// local node first and then the registry's peer table.
func (m *Manager) peerByID(nodeID string) (*NodeInfo, bool) {
	if nodeID == m.Local.NodeID {
		return m.Local, true
	}
	return m.Registry.GetPeer(nodeID)
}

// GetOwnerNode returns the NodeInfo that owns partitionKey.
func (m *Manager) GetOwnerNode(partitionKey uint64) (*NodeInfo, bool) {
	ownerID, ok := m.Ring.OwnerForKey(partitionKey)
	if !ok {
		return nil, false
	}
	return m.peerByID(ownerID)
}

// GetData returns a partition's data from local storage if this node
// owns it, otherwise from the distributed cache (fetching from the
// owner on a miss).
func (m *Manager) GetData(partitionKey uint64, tableName string, localGetter LocalGetter) (map[string]any, error) {
	if m.IsOwner(partitionKey) {
		return localGetter(partitionKey, tableName)
	}
	return m.Cache.Get(partitionKey, tableName, true)
}

// WriteData writes a partition's data locally if this node owns it
// (then invalidates peers' caches for that partition), or forwards the
// write to the owner node.
func (m *Manager) WriteData(partitionKey uint64, tableName string, data map[string]any, localWriter LocalWriter) (bool, error) {
	if !m.IsOwner(partitionKey) {
		owner, ok := m.GetOwnerNode(partitionKey)
		if !ok {
			return false, nil
		}
		resp, err := m.Client.Request(owner, "write_data", map[string]any{
			"guild_id":   partitionKey,
			"table_name": tableName,
			"data":       data,
		})
		if err != nil {
			return false, err
		}
		return resp.Success, nil
	}

	if err := localWriter(partitionKey, tableName, data); err != nil {
		return false, err
	}

	for _, peer := range m.Registry.AllPeers() {
		_ = m.Client.InvalidateCache(peer, partitionKey, tableName)
	}
	return true, nil
}

// invalidateCacheMessage is the broadcast frame peers receive to drop a
// partition's cached data.
type invalidateCacheMessage struct {
	Type         string `json:"type"`
	PartitionKey uint64 `json:"guild_id"`
	TableName    string `json:"table_name,omitempty"`
}

// BroadcastInvalidation tells every peer to drop its cached copy of a
// partition's data.
func (m *Manager) BroadcastInvalidation(partitionKey uint64, tableName string) {
	m.Registry.Broadcast(invalidateCacheMessage{
		Type:         "invalidate_cache",
		PartitionKey: partitionKey,
		TableName:    tableName,
	})
}

func (m *Manager) groupByCluster(nodes []*NodeInfo) map[string][]*NodeInfo {
	groups := make(map[string][]*NodeInfo)
	for _, n := range nodes {
		clusterID := n.ClusterID
		if clusterID == "" {
			clusterID = n.Host
		}
		groups[clusterID] = append(groups[clusterID], n)
	}
	return groups
}

func (m *Manager) pickOnePerCluster(groups map[string][]*NodeInfo) []*NodeInfo {
	var selected []*NodeInfo
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	for _, nodes := range groups {
		var healthy []*NodeInfo
		for _, n := range nodes {
			if n.IsHealthy(HeartbeatTimeout * 2) {
				healthy = append(healthy, n)
			}
		}
		if len(healthy) == 0 {
			continue
		}
		selected = append(selected, healthy[m.rng.Intn(len(healthy))])
	}
	return selected
}

func rowKey(row map[string]any) string {
	if id, ok := row["id"]; ok {
		return fmt.Sprintf("id:%v", id)
	}
	if id, ok := row["row_id"]; ok {
		return fmt.Sprintf("row_id:%v", id)
	}
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := ""
	for _, k := range keys {
		parts += fmt.Sprintf("(%s,%v)", k, row[k])
	}
	sum := md5.Sum([]byte(parts))
	return fmt.Sprintf("%x", sum)
}

// FanOutRead broadcasts a query to one randomly selected healthy peer
// per cluster (plus this node's own data), merging the responses per
// strategy. Grounded on ClusterManager.fan_out_read.
func (m *Manager) FanOutRead(tableName string, params map[string]any, localReader LocalReader, strategy MergeStrategy, timeout time.Duration) []map[string]any {
	if strategy == "" {
		strategy = MergeUnion
	}

	peers := m.Registry.AllPeers()
	groups := m.groupByCluster(peers)
	selected := m.pickOnePerCluster(groups)

	type result struct {
		rows []map[string]any
	}
	resultCh := make(chan result, len(selected)+1)

	runLocal := func() {
		rows, err := withTimeout(timeout, func() ([]map[string]any, error) { return localReader(tableName, params) })
		if err != nil {
			rows = nil
		}
		resultCh <- result{rows: rows}
	}
	runRemote := func(node *NodeInfo) {
		rows, err := withTimeout(timeout, func() ([]map[string]any, error) { return m.Client.QueryRemote(node, tableName, params) })
		if err != nil {
			rows = nil
		}
		resultCh <- result{rows: rows}
	}

	total := 1 + len(selected)
	go runLocal()
	for _, node := range selected {
		go runRemote(node)
	}

	switch strategy {
	case MergeFirstPositive:
		for i := 0; i < total; i++ {
			r := <-resultCh
			if len(r.rows) > 0 {
				return r.rows
			}
		}
		return nil

	case MergeFastest:
		r := <-resultCh
		return r.rows

	default: // union
		merged := []map[string]any{}
		seen := map[string]struct{}{}
		for i := 0; i < total; i++ {
			r := <-resultCh
			for _, row := range r.rows {
				key := rowKey(row)
				if _, dup := seen[key]; !dup {
					seen[key] = struct{}{}
					merged = append(merged, row)
				}
			}
		}
		return merged
	}
}

func withTimeout(timeout time.Duration, fn func() ([]map[string]any, error)) ([]map[string]any, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	type res struct {
		rows []map[string]any
		err  error
	}
	ch := make(chan res, 1)
	go func() {
		rows, err := fn()
		ch <- res{rows: rows, err: err}
	}()
	select {
	case r := <-ch:
		return r.rows, r.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out")
	}
}

// ManagerStats bundles sub-component stats for diagnostics endpoints.
type ManagerStats struct {
	LocalNodeID string
	RingStats   []ring.NodeStats
	Registry    Stats
	Cache       DistCacheStats
}

func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		LocalNodeID: m.Local.NodeID,
		RingStats:   m.Ring.Stats(),
		Registry:    m.Registry.Stats(),
		Cache:       m.Cache.Stats(),
	}
}
