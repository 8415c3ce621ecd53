// Package router implements the versioned consistent-hash ring workers use
// to resolve (model_id, table_id, sparse_key?) to an owning PS.
package router

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// DefaultReplicas is the virtual-replica count per PS node on the ring.
const DefaultReplicas = 128

type ringEntry struct {
	hash   uint64
	nodeID uint64
}

// Router is an immutable snapshot of cluster membership: a monotonically
// versioned consistent-hash ring over PS node ids. A new membership produces
// a new Router with version = previous + 1; Router itself is never mutated
// after NewRouter returns.
type Router struct {
	version  uint64
	nodeIDs  []uint64
	replicas int
	ring     []ringEntry
}

// NewRouter builds a Router at the given version over nodeIDs, with
// replicas virtual points per node (0 selects DefaultReplicas).
func NewRouter(version uint64, nodeIDs []uint64, replicas int) *Router {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	nodes := append([]uint64(nil), nodeIDs...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	ring := make([]ringEntry, 0, len(nodes)*replicas)
	for _, id := range nodes {
		for r := 0; r < replicas; r++ {
			ring = append(ring, ringEntry{hash: hashVirtualPoint(id, r), nodeID: id})
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })

	return &Router{version: version, nodeIDs: nodes, replicas: replicas, ring: ring}
}

func hashVirtualPoint(nodeID uint64, replica int) uint64 {
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[0:8], nodeID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(replica))
	return xxhash.Sum64(buf[:])
}

// Version returns the router's monotonic version.
func (r *Router) Version() uint64 { return r.version }

// NodeIDs returns the PS node ids covered by this router, sorted.
func (r *Router) NodeIDs() []uint64 { return append([]uint64(nil), r.nodeIDs...) }

// successor returns the owning node for hash key: the first ring point at
// or after key, wrapping to the first point if key is past the last one.
func (r *Router) successor(key uint64) uint64 {
	if len(r.ring) == 0 {
		return 0
	}
	i := sort.Search(len(r.ring), func(i int) bool { return r.ring[i].hash >= key })
	if i == len(r.ring) {
		i = 0
	}
	return r.ring[i].nodeID
}

// Route resolves a dense table: (model_id, table_id) maps to exactly one PS
// under this router version.
func (r *Router) Route(modelID, tableID uint64) uint64 {
	return r.successor(mixTable(modelID, tableID))
}

// RouteSparse resolves a sparse key within a table by additionally mixing
// sparseKey into the hash.
func (r *Router) RouteSparse(modelID, tableID, sparseKey uint64) uint64 {
	return r.successor(mixSparseKey(modelID, tableID, sparseKey))
}

func mixTable(modelID, tableID uint64) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], modelID)
	binary.LittleEndian.PutUint64(buf[8:16], tableID)
	return xxhash.Sum64(buf[:])
}

func mixSparseKey(modelID, tableID, sparseKey uint64) uint64 {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:8], modelID)
	binary.LittleEndian.PutUint64(buf[8:16], tableID)
	binary.LittleEndian.PutUint64(buf[16:24], sparseKey)
	return xxhash.Sum64(buf[:])
}
