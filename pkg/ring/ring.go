// Package ring implements the weighted-virtual-node consistent hash
// ring used to assign partition keys to cluster nodes (spec.md §4.16).
package ring

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/coldb/coldb/pkg/snowflake"
)

// DefaultVirtualNodes is the number of ring points a node of weight 1.0
// contributes.
const DefaultVirtualNodes = 150

// point is one virtual node's position on the ring.
type point struct {
	hash   snowflake.Digest
	nodeID string
}

// Ring is a consistent hash ring over 128-bit BLAKE2b vnode digests,
// weighted so a node with higher capacity claims proportionally more
// ring segments.
type Ring struct {
	DefaultVirtualNodes int

	mu          sync.RWMutex
	points      []point // sorted by hash
	nodeWeights map[string]float64
	nodeVnodes  map[string]int
	partitionCache map[uint64]string
}

// New constructs an empty ring using virtualNodes points per unit of
// node weight (DefaultVirtualNodes if <= 0).
func New(virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	return &Ring{
		DefaultVirtualNodes: virtualNodes,
		nodeWeights:         make(map[string]float64),
		nodeVnodes:          make(map[string]int),
		partitionCache:      make(map[uint64]string),
	}
}

// hashVnode places one virtual node on the ring by taking the
// BLAKE2b-128 digest of "node_id:vnode:i" directly, the same
// construction the partition-key hash uses after Whiten, so both kinds
// of ring point live in the same 128-bit space.
func hashVnode(nodeID string, vnodeIndex int) snowflake.Digest {
	data := []byte(fmt.Sprintf("%s:vnode:%d", nodeID, vnodeIndex))
	h, err := blake2b.New(snowflake.DigestSize, nil)
	if err != nil {
		panic(err) // DigestSize is always a valid blake2b size
	}
	h.Write(data)
	var out snowflake.Digest
	copy(out[:], h.Sum(nil))
	return out
}

// AddNode inserts node with the given capacity weight (1.0 = normal),
// contributing max(1, round(virtualNodes*weight)) ring points. A
// node_id already present is left untouched.
func (r *Ring) AddNode(nodeID string, weight float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodeWeights[nodeID]; ok {
		return
	}
	r.addNodeLocked(nodeID, weight)
}

func (r *Ring) addNodeLocked(nodeID string, weight float64) {
	vnodeCount := int(float64(r.DefaultVirtualNodes)*weight + 0.5)
	if vnodeCount < 1 {
		vnodeCount = 1
	}
	r.nodeWeights[nodeID] = weight
	r.nodeVnodes[nodeID] = vnodeCount

	for i := 0; i < vnodeCount; i++ {
		r.points = append(r.points, point{hash: hashVnode(nodeID, i), nodeID: nodeID})
	}
	sort.Slice(r.points, func(i, j int) bool { return r.points[i].hash.Less(r.points[j].hash) })
	r.partitionCache = make(map[uint64]string)
}

// UpdateNodeWeight rebuilds nodeID's virtual node points under
// newWeight. A no-op if nodeID isn't present.
func (r *Ring) UpdateNodeWeight(nodeID string, newWeight float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodeWeights[nodeID]; !ok {
		return
	}
	r.removePointsLocked(nodeID)
	r.addNodeLocked(nodeID, newWeight)
}

// RemoveNode drops nodeID and every one of its ring points.
func (r *Ring) RemoveNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodeWeights[nodeID]; !ok {
		return
	}
	delete(r.nodeWeights, nodeID)
	delete(r.nodeVnodes, nodeID)
	r.removePointsLocked(nodeID)
	r.partitionCache = make(map[uint64]string)
}

func (r *Ring) removePointsLocked(nodeID string) {
	kept := r.points[:0]
	for _, p := range r.points {
		if p.nodeID != nodeID {
			kept = append(kept, p)
		}
	}
	r.points = kept
}

// OwnerForKey returns the node id owning partitionKey, memoizing the
// result until the next AddNode/RemoveNode/UpdateNodeWeight call.
func (r *Ring) OwnerForKey(partitionKey uint64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if nodeID, ok := r.partitionCache[partitionKey]; ok {
		if _, stillPresent := r.nodeWeights[nodeID]; stillPresent {
			return nodeID, true
		}
	}
	if len(r.points) == 0 {
		return "", false
	}

	hash := snowflake.Hash(partitionKey, 0)
	idx := sort.Search(len(r.points), func(i int) bool { return !r.points[i].hash.Less(hash) })
	if idx >= len(r.points) {
		idx = 0
	}
	nodeID := r.points[idx].nodeID
	r.partitionCache[partitionKey] = nodeID
	return nodeID, true
}

// ReplicaNodes returns up to replicaCount distinct node ids following
// partitionKey's owner on the ring, in successor order, skipping
// duplicates caused by a node's multiple virtual nodes and excluding
// the owner itself.
func (r *Ring) ReplicaNodes(partitionKey uint64, replicaCount int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.points) == 0 {
		return nil
	}

	hash := snowflake.Hash(partitionKey, 0)
	idx := sort.Search(len(r.points), func(i int) bool { return !r.points[i].hash.Less(hash) })

	seen := make(map[string]struct{})
	var nodes []string
	for i := 0; i < len(r.points); i++ {
		if len(nodes) >= replicaCount+1 {
			break
		}
		actualIdx := (idx + i) % len(r.points)
		nodeID := r.points[actualIdx].nodeID
		if _, ok := seen[nodeID]; !ok {
			seen[nodeID] = struct{}{}
			nodes = append(nodes, nodeID)
		}
	}

	if len(nodes) <= 1 {
		return nil
	}
	return nodes[1:]
}

// NodeCount returns the number of distinct nodes on the ring.
func (r *Ring) NodeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodeWeights)
}

// Nodes returns every node id currently on the ring.
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.nodeWeights))
	for id := range r.nodeWeights {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// NodeStats is a snapshot of one node's ring configuration.
type NodeStats struct {
	NodeID string
	Weight float64
	Vnodes int
}

// Stats returns the ring's size and per-node weight/vnode counts.
func (r *Ring) Stats() []NodeStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeStats, 0, len(r.nodeWeights))
	ids := make([]string, 0, len(r.nodeWeights))
	for id := range r.nodeWeights {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out = append(out, NodeStats{NodeID: id, Weight: r.nodeWeights[id], Vnodes: r.nodeVnodes[id]})
	}
	return out
}

// DistributionStats summarizes how a sample of partition keys would
// spread across the ring's current nodes.
type DistributionStats struct {
	TotalKeys        int
	NumNodes         int
	ExpectedPerNode  float64
	StdDeviation     float64
	DeviationPercent float64
	MaxCount         int
	MinCount         int
	PerNode          map[string]NodeDistribution
}

// NodeDistribution is one node's share of a distribution sample.
type NodeDistribution struct {
	Count            int
	Percentage       float64
	Weight           float64
	Expected         float64
	DeviationPercent float64
}

// AnalyzeDistribution hashes each of sampleKeys onto the ring and
// reports the resulting per-node load, weighted by each node's
// configured capacity.
func (r *Ring) AnalyzeDistribution(sampleKeys []uint64) (DistributionStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.nodeWeights) == 0 {
		return DistributionStats{}, fmt.Errorf("ring: no nodes registered")
	}
	if len(r.points) == 0 {
		return DistributionStats{}, fmt.Errorf("ring: no ring points")
	}

	counts := make(map[string]int, len(r.nodeWeights))
	for id := range r.nodeWeights {
		counts[id] = 0
	}

	for _, key := range sampleKeys {
		hash := snowflake.Hash(key, 0)
		idx := sort.Search(len(r.points), func(i int) bool { return !r.points[i].hash.Less(hash) })
		if idx >= len(r.points) {
			idx = 0
		}
		counts[r.points[idx].nodeID]++
	}

	total := len(sampleKeys)
	numNodes := len(r.nodeWeights)
	expected := 0.0
	if numNodes > 0 {
		expected = float64(total) / float64(numNodes)
	}

	perNode := make(map[string]NodeDistribution, numNodes)
	maxCount, minCount := 0, 0
	first := true
	var variance float64
	for id, count := range counts {
		weight := r.nodeWeights[id]
		expectedWeighted := expected * weight
		deviation := 0.0
		if expectedWeighted > 0 {
			deviation = (float64(count) - expectedWeighted) / expectedWeighted * 100
		}
		pct := 0.0
		if total > 0 {
			pct = float64(count) / float64(total) * 100
		}
		perNode[id] = NodeDistribution{
			Count:            count,
			Percentage:       pct,
			Weight:           weight,
			Expected:         expectedWeighted,
			DeviationPercent: deviation,
		}
		d := float64(count) - expected
		variance += d * d
		if first || count > maxCount {
			maxCount = count
		}
		if first || count < minCount {
			minCount = count
		}
		first = false
	}
	if numNodes > 0 {
		variance /= float64(numNodes)
	}

	stdDev := math.Sqrt(variance)
	devPct := 0.0
	if expected > 0 {
		devPct = stdDev / expected * 100
	}

	return DistributionStats{
		TotalKeys:        total,
		NumNodes:         numNodes,
		ExpectedPerNode:  expected,
		StdDeviation:     stdDev,
		DeviationPercent: devPct,
		MaxCount:         maxCount,
		MinCount:         minCount,
		PerNode:          perNode,
	}, nil
}
