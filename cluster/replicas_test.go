package cluster

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNodes = []string{
	"10.0.0.1:9999",
	"10.0.0.2:9999",
	"10.0.0.3:9999",
	"10.0.0.4:9999",
	"10.0.0.5:9999",
}

func TestReplicasForDeterministic(t *testing.T) {
	for id := uint64(1); id <= 100; id++ {
		first := ReplicasFor(id, testNodes, 3)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, ReplicasFor(id, testNodes, 3))
		}
	}
}

func TestReplicasForOrderIndependentOfInput(t *testing.T) {
	shuffled := []string{
		"10.0.0.3:9999",
		"10.0.0.5:9999",
		"10.0.0.1:9999",
		"10.0.0.4:9999",
		"10.0.0.2:9999",
	}
	for id := uint64(1); id <= 100; id++ {
		assert.Equal(t, ReplicasFor(id, testNodes, 3), ReplicasFor(id, shuffled, 3))
	}
}

func TestReplicasForLength(t *testing.T) {
	assert.Len(t, ReplicasFor(42, testNodes, 2), 2)
	assert.Len(t, ReplicasFor(42, testNodes, 5), 5)
	// count beyond the node set is clipped
	assert.Len(t, ReplicasFor(42, testNodes[:2], 3), 2)
	assert.Nil(t, ReplicasFor(42, nil, 3))
	assert.Nil(t, ReplicasFor(42, testNodes, 0))
}

func TestReplicasForNoDuplicates(t *testing.T) {
	withDup := append([]string{"10.0.0.1:9999"}, testNodes...)
	for id := uint64(1); id <= 50; id++ {
		replicas := ReplicasFor(id, withDup, 5)
		seen := map[string]bool{}
		for _, n := range replicas {
			require.False(t, seen[n], "node %s repeated for id %d", n, id)
			seen[n] = true
		}
	}
}

// Removing one node must only move the timers that listed it; everything
// else keeps its replica list intact.
func TestReplicasForStableUnderNodeRemoval(t *testing.T) {
	without := testNodes[:4] // drop 10.0.0.5
	for id := uint64(1); id <= 200; id++ {
		before := ReplicasFor(id, testNodes, 2)
		after := ReplicasFor(id, without, 2)
		if !contains(before, "10.0.0.5:9999") {
			assert.Equal(t, before, after, "id %d moved without cause", id)
		}
	}
}

func TestReplicasForSpreadsPrimaries(t *testing.T) {
	counts := map[string]int{}
	for id := uint64(1); id <= 1000; id++ {
		counts[PrimaryFor(id, testNodes)]++
	}
	for _, n := range testNodes {
		assert.Greater(t, counts[n], 0, "node %s never primary", n)
	}
}

func TestPrimaryForEmptySet(t *testing.T) {
	assert.Equal(t, "", PrimaryFor(42, nil))
}

func contains(nodes []string, node string) bool {
	for _, n := range nodes {
		if n == node {
			return true
		}
	}
	return false
}

func BenchmarkReplicasFor(b *testing.B) {
	nodes := make([]string, 20)
	for i := range nodes {
		nodes[i] = fmt.Sprintf("10.0.1.%d:7253", i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ReplicasFor(uint64(i), nodes, 3)
	}
}
