// Package worker implements the client-side half of the parameter server:
// it resolves (model_id, table_id) to the owning PS via a cached router,
// fans out pull/push requests one per destination PS, and refreshes its
// view of the cluster whenever a PS reports it is using a stale partition.
package worker

import (
	"context"
	"fmt"
	"sync"

	"kraken-go/internal/router"
	"kraken-go/internal/rpc"
	"kraken-go/internal/tensor"
)

// clusterView is the worker's cached copy of cluster membership: the
// current router plus the node-id-to-address mapping needed to dial PS
// nodes the router names (the router itself only carries ids).
type clusterView struct {
	router *router.Router
	addrs  map[uint64]string
}

func (v *clusterView) addr(nodeID uint64) (string, bool) {
	a, ok := v.addrs[nodeID]
	return a, ok
}

// Worker caches the current router and cluster view from the scheduler and
// issues data-plane RPCs directly against PS nodes, refreshing and retrying
// once whenever a PS rejects a request as stale.
type Worker struct {
	schedulerAddr string
	pool          *rpc.ConnPool
	dev           tensor.Device
	emitter       Emitter

	mu   sync.RWMutex
	view *clusterView
}

// New constructs a Worker that dials schedulerAddr to learn cluster
// membership and pool for outbound PS connections. Pulled tensors are
// decoded onto dev; pushed gradients are passed through emitter first (nil
// selects EmitterDefault).
func New(schedulerAddr string, pool *rpc.ConnPool, dev tensor.Device, emitter Emitter) *Worker {
	if emitter == nil {
		emitter = NewEmitter(EmitterDefault)
	}
	return &Worker{schedulerAddr: schedulerAddr, pool: pool, dev: dev, emitter: emitter}
}

// Refresh fetches the current router and node-address mapping from the
// scheduler and installs it as the worker's active view.
func (w *Worker) Refresh(ctx context.Context) error {
	reply, err := rpc.CallAt(ctx, w.pool, w.schedulerAddr, rpc.OpGetClusterView, 0, nil)
	if err != nil {
		return fmt.Errorf("worker: refresh cluster view: %w", err)
	}
	resp, err := rpc.UnmarshalGetClusterViewResponse(reply.Body)
	if err != nil {
		return fmt.Errorf("worker: decode cluster view: %w", err)
	}
	nodeIDs := make([]uint64, len(resp.Nodes))
	addrs := make(map[uint64]string, len(resp.Nodes))
	for i, n := range resp.Nodes {
		nodeIDs[i] = n.NodeID
		addrs[n.NodeID] = n.Addr
	}
	view := &clusterView{
		router: router.NewRouter(resp.Version, nodeIDs, int(resp.Replicas)),
		addrs:  addrs,
	}

	w.mu.Lock()
	w.view = view
	w.mu.Unlock()
	return nil
}

func (w *Worker) current() (*clusterView, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.view == nil {
		return nil, fmt.Errorf("worker: no cluster view loaded, call Refresh first")
	}
	return w.view, nil
}

// Close releases the worker's connection pool.
func (w *Worker) Close() { w.pool.Close() }
