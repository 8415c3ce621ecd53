package router

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestRoutingPartition checks that every key maps to exactly one node and
// repeated calls are deterministic.
func TestRoutingPartition(t *testing.T) {
	r := NewRouter(1, []uint64{1, 2, 3}, 64)
	seen := map[uint64]bool{}
	for key := uint64(0); key < 5000; key++ {
		node := r.RouteSparse(1, 1, key)
		seen[node] = true
		require.Equal(t, node, r.RouteSparse(1, 1, key), "routing not deterministic for key %d", key)
	}
	require.NotEmpty(t, seen, "no node ever selected")
	for n := range seen {
		require.Contains(t, r.NodeIDs(), n, "route returned node outside the router's node set")
	}
}

// TestRouteDistributionRoughlyUniform checks that with a uniform key
// population and 3 nodes, each node owns roughly a third of the keys.
func TestRouteDistributionRoughlyUniform(t *testing.T) {
	r := NewRouter(1, []uint64{1, 2, 3}, 128)
	counts := map[uint64]int{}
	const n = 30000
	for key := uint64(0); key < n; key++ {
		counts[r.RouteSparse(7, 1, key)]++
	}
	for node, c := range counts {
		frac := float64(c) / float64(n)
		require.InDeltaf(t, 1.0/3.0, frac, 0.09, "node %d got %.3f of keys, expected roughly 1/3", node, frac)
	}
}

// TestDenseTableSingleOwner: a dense table (no sparse key) always resolves
// to the same single PS under one router version.
func TestDenseTableSingleOwner(t *testing.T) {
	r := NewRouter(1, []uint64{1, 2, 3}, 128)
	owner := r.Route(1, 42)
	for i := 0; i < 100; i++ {
		require.Equal(t, owner, r.Route(1, 42), "dense route not stable")
	}
}

// TestVersionMonotonicity checks that router versions strictly increase.
func TestVersionMonotonicity(t *testing.T) {
	versions := []uint64{1, 2, 3, 4}
	var last uint64
	for i, v := range versions {
		r := NewRouter(v, []uint64{1}, 16)
		if i > 0 {
			require.Greater(t, r.Version(), last, "router version did not increase")
		}
		last = r.Version()
	}
}
