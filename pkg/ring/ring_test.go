package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOwnerForKeyStableAcrossInsertionOrder(t *testing.T) {
	r1 := New(150)
	r1.AddNode("a", 1)
	r1.AddNode("b", 1)
	r1.AddNode("c", 2)

	r2 := New(150)
	r2.AddNode("c", 2)
	r2.AddNode("b", 1)
	r2.AddNode("a", 1)

	for key := uint64(0); key < 2000; key++ {
		o1, ok1 := r1.OwnerForKey(key)
		o2, ok2 := r2.OwnerForKey(key)
		require.True(t, ok1)
		require.True(t, ok2)
		assert.Equal(t, o1, o2, "key %d should have a stable owner regardless of node insertion order", key)
	}
}

func TestWeightedNodeGetsLargerShare(t *testing.T) {
	r := New(150)
	r.AddNode("a", 1)
	r.AddNode("b", 1)
	r.AddNode("c", 2)

	counts := map[string]int{}
	const n = 20000
	for key := uint64(0); key < n; key++ {
		owner, _ := r.OwnerForKey(key)
		counts[owner]++
	}

	shareC := float64(counts["c"]) / float64(n)
	assert.InDelta(t, 0.5, shareC, 0.1, "node c has weight 2 out of total weight 4, so it should own roughly half the keys")
}

func TestRemoveNodeRedistributes(t *testing.T) {
	r := New(150)
	r.AddNode("a", 1)
	r.AddNode("b", 1)

	before := make(map[uint64]string)
	for key := uint64(0); key < 500; key++ {
		owner, _ := r.OwnerForKey(key)
		before[key] = owner
	}

	r.RemoveNode("b")
	for key, owner := range before {
		if owner == "a" {
			got, ok := r.OwnerForKey(key)
			require.True(t, ok)
			assert.Equal(t, "a", got, "keys already owned by a must stay on a after b leaves")
		}
	}
	assert.Equal(t, 1, r.NodeCount())
}

func TestReplicaNodesExcludesOwnerAndDuplicates(t *testing.T) {
	r := New(150)
	r.AddNode("a", 1)
	r.AddNode("b", 1)
	r.AddNode("c", 1)

	owner, _ := r.OwnerForKey(42)
	replicas := r.ReplicaNodes(42, 2)
	require.Len(t, replicas, 2)
	assert.NotContains(t, replicas, owner)

	seen := map[string]bool{}
	for _, id := range replicas {
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestReplicaNodesEmptyRing(t *testing.T) {
	r := New(150)
	assert.Nil(t, r.ReplicaNodes(1, 2))
}

func TestUpdateNodeWeightRebuildsPoints(t *testing.T) {
	r := New(150)
	r.AddNode("a", 1)
	r.AddNode("b", 1)

	statsBefore := r.Stats()
	var beforeVnodes int
	for _, s := range statsBefore {
		if s.NodeID == "a" {
			beforeVnodes = s.Vnodes
		}
	}

	r.UpdateNodeWeight("a", 3)
	statsAfter := r.Stats()
	var afterVnodes int
	for _, s := range statsAfter {
		if s.NodeID == "a" {
			afterVnodes = s.Vnodes
		}
	}
	assert.Greater(t, afterVnodes, beforeVnodes)
}

func TestAnalyzeDistributionNoNodesErrors(t *testing.T) {
	r := New(150)
	_, err := r.AnalyzeDistribution([]uint64{1, 2, 3})
	assert.Error(t, err)
}

func TestAnalyzeDistributionEqualWeightIsBalanced(t *testing.T) {
	r := New(150)
	r.AddNode("a", 1)
	r.AddNode("b", 1)
	r.AddNode("c", 1)

	keys := make([]uint64, 9000)
	for i := range keys {
		keys[i] = uint64(i)
	}

	stats, err := r.AnalyzeDistribution(keys)
	require.NoError(t, err)
	assert.Equal(t, 9000, stats.TotalKeys)
	assert.Equal(t, 3, stats.NumNodes)
	assert.Less(t, stats.DeviationPercent, 30.0)
}
