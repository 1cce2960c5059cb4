package cluster

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"sort"
)

// ReplicasFor returns the ordered replica list for a timer id over the given
// node set: the count highest-scoring nodes under rendezvous hashing, most
// preferred first. The result depends only on (id, nodes, count), so every
// node in the cluster computes the same list, and adding or removing one
// node only changes the lists in which that node ranks among the top count.
func ReplicasFor(id uint64, nodes []string, count int) []string {
	if len(nodes) == 0 || count <= 0 {
		return nil
	}

	type scored struct {
		node  string
		score uint64
	}
	candidates := make([]scored, 0, len(nodes))
	seen := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		candidates = append(candidates, scored{node: n, score: hash64(fmt.Sprintf("%d#%s", id, n))})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].node < candidates[j].node
	})

	if count > len(candidates) {
		count = len(candidates)
	}
	out := make([]string, count)
	for i := 0; i < count; i++ {
		out[i] = candidates[i].node
	}
	return out
}

// PrimaryFor returns the primary replica for a timer id, or "" if the node
// set is empty.
func PrimaryFor(id uint64, nodes []string) string {
	replicas := ReplicasFor(id, nodes, 1)
	if len(replicas) == 0 {
		return ""
	}
	return replicas[0]
}

func hash64(s string) uint64 {
	sum := sha1.Sum([]byte(s))
	// Take the first 8 bytes to map into uint64.
	return binary.BigEndian.Uint64(sum[:8])
}
