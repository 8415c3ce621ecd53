package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"kraken-go/internal/kerr"
	"kraken-go/internal/router"
	"kraken-go/internal/rpc"
	"kraken-go/internal/tensor"
)

// pullRetryBaseBackoff/pullRetryMaxBackoff/pullRetryMaxAttempts bound the
// §7 NodeUnreachable retry policy for pulls: retried with exponential
// backoff, capped. call uses the same bounds for ErrClusterBusy retries.
const (
	pullRetryBaseBackoff = 50 * time.Millisecond
	pullRetryMaxBackoff  = 2 * time.Second
	pullRetryMaxAttempts = 5
)

// call issues one RPC against whatever node route resolves to under the
// worker's current view, refreshing and retrying exactly once if the PS
// reports the version as stale. route is re-evaluated against the
// post-refresh view on retry, since a refresh can itself change which node
// owns the target. A request rejected with ErrClusterBusy is retried after a
// capped exponential backoff, up to pullRetryMaxAttempts attempts in all.
func (w *Worker) call(ctx context.Context, route func(*router.Router) uint64, opcode rpc.Opcode, body []byte) (rpc.Reply, error) {
	backoff := pullRetryBaseBackoff
	for attempt := 1; ; attempt++ {
		reply, err := w.callOnce(ctx, route, opcode, body)
		if err != nil && errors.Is(err, kerr.ErrStaleRouterVersion) {
			if rerr := w.Refresh(ctx); rerr != nil {
				return rpc.Reply{}, rerr
			}
			reply, err = w.callOnce(ctx, route, opcode, body)
		}
		if err == nil || !errors.Is(err, kerr.ErrClusterBusy) || attempt >= pullRetryMaxAttempts {
			return reply, err
		}
		select {
		case <-ctx.Done():
			return rpc.Reply{}, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > pullRetryMaxBackoff {
			backoff = pullRetryMaxBackoff
		}
	}
}

// callPull wraps call with the §7 NodeUnreachable retry policy for pulls:
// retried with exponential backoff, capped at pullRetryMaxBackoff, up to
// pullRetryMaxAttempts. Any other error (including a stale router version
// that survives call's own single refresh-and-retry) is surfaced directly.
func (w *Worker) callPull(ctx context.Context, route func(*router.Router) uint64, opcode rpc.Opcode, body []byte) (rpc.Reply, error) {
	backoff := pullRetryBaseBackoff
	var lastErr error
	for attempt := 0; attempt < pullRetryMaxAttempts; attempt++ {
		reply, err := w.call(ctx, route, opcode, body)
		if err == nil || !errors.Is(err, kerr.ErrNodeUnreachable) {
			return reply, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return rpc.Reply{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > pullRetryMaxBackoff {
			backoff = pullRetryMaxBackoff
		}
	}
	return rpc.Reply{}, lastErr
}

// callPush wraps call with the §7 NodeUnreachable retry policy for pushes:
// one retry, then the gradient is dropped (the error is still returned so
// the caller can observe it, but the worker itself does not retry further).
func (w *Worker) callPush(ctx context.Context, route func(*router.Router) uint64, opcode rpc.Opcode, body []byte) (rpc.Reply, error) {
	reply, err := w.call(ctx, route, opcode, body)
	if err != nil && errors.Is(err, kerr.ErrNodeUnreachable) {
		reply, err = w.call(ctx, route, opcode, body)
	}
	return reply, err
}

func (w *Worker) callOnce(ctx context.Context, route func(*router.Router) uint64, opcode rpc.Opcode, body []byte) (rpc.Reply, error) {
	v, err := w.current()
	if err != nil {
		return rpc.Reply{}, err
	}
	owner := route(v.router)
	addr, ok := v.addr(owner)
	if !ok {
		return rpc.Reply{}, fmt.Errorf("worker: no address cached for node %d", owner)
	}
	return rpc.CallAt(ctx, w.pool, addr, opcode, v.router.Version(), body)
}

// PullDense fetches one dense table's current value.
func (w *Worker) PullDense(ctx context.Context, modelID, tableID uint64) (tensor.Tensor, error) {
	route := func(r *router.Router) uint64 { return r.Route(modelID, tableID) }
	req := rpc.PullDenseTableRequest{ModelID: modelID, TableIDs: []uint64{tableID}}
	reply, err := w.callPull(ctx, route, rpc.OpPullDenseTable, req.Marshal())
	if err != nil {
		return tensor.Tensor{}, err
	}
	resp, err := rpc.UnmarshalPullDenseTableResponse(reply.Body, w.device())
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("worker: decode pull dense table %d: %w", tableID, err)
	}
	if len(resp.Tensors) != 1 {
		return tensor.Tensor{}, fmt.Errorf("worker: pull dense table %d: expected 1 tensor, got %d", tableID, len(resp.Tensors))
	}
	return resp.Tensors[0], nil
}

// PushDense applies grad to one dense table with the given learning rate,
// passing it through the worker's emitter first.
func (w *Worker) PushDense(ctx context.Context, modelID, tableID uint64, grad tensor.Tensor, lr float64) error {
	emitted, err := w.emitter.Emit(grad)
	if err != nil {
		return fmt.Errorf("worker: emit dense gradient for table %d: %w", tableID, err)
	}
	route := func(r *router.Router) uint64 { return r.Route(modelID, tableID) }
	req := rpc.PushDenseTableRequest{ModelID: modelID, TableID: tableID, Grad: emitted, LR: lr}
	_, err = w.callPush(ctx, route, rpc.OpPushDenseTable, req.Marshal())
	return err
}

// PullSparse fetches a batch of sparse keys from one table, partitioned by
// owning PS and reassembled in the caller's key order.
func (w *Worker) PullSparse(ctx context.Context, modelID, tableID uint64, keys []uint64) ([]tensor.Value, error) {
	v, err := w.current()
	if err != nil {
		return nil, err
	}
	byOwner := make(map[uint64][]int)
	for i, k := range keys {
		owner := v.router.RouteSparse(modelID, tableID, k)
		byOwner[owner] = append(byOwner[owner], i)
	}

	out := make([]tensor.Value, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	for owner, idxs := range byOwner {
		owner, idxs := owner, idxs
		g.Go(func() error {
			subKeys := make([]uint64, len(idxs))
			for j, i := range idxs {
				subKeys[j] = keys[i]
			}
			req := rpc.CombinePullSparseTableRequest{ModelID: modelID, TableID: tableID, Keys: subKeys}
			route := func(r *router.Router) uint64 { return r.RouteSparse(modelID, tableID, subKeys[0]) }
			reply, err := w.callPull(gctx, route, rpc.OpCombinePullSparseTable, req.Marshal())
			if err != nil {
				return fmt.Errorf("worker: pull sparse table %d from node %d: %w", tableID, owner, err)
			}
			resp, err := rpc.UnmarshalCombinePullSparseTableResponse(reply.Body, w.device())
			if err != nil {
				return fmt.Errorf("worker: decode pull sparse table %d: %w", tableID, err)
			}
			if len(resp.Values) != len(idxs) {
				return fmt.Errorf("worker: pull sparse table %d: expected %d values, got %d", tableID, len(idxs), len(resp.Values))
			}
			for j, i := range idxs {
				out[i] = resp.Values[j]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// PushSparse applies a batch of per-key gradients to one table, partitioned
// by owning PS.
func (w *Worker) PushSparse(ctx context.Context, modelID, tableID uint64, keys []uint64, grads []tensor.Tensor, lr float64) error {
	if len(keys) != len(grads) {
		return fmt.Errorf("worker: push sparse table %d: %d keys but %d grads", tableID, len(keys), len(grads))
	}
	v, err := w.current()
	if err != nil {
		return err
	}
	byOwner := make(map[uint64][]int)
	for i, k := range keys {
		owner := v.router.RouteSparse(modelID, tableID, k)
		byOwner[owner] = append(byOwner[owner], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	for owner, idxs := range byOwner {
		owner, idxs := owner, idxs
		g.Go(func() error {
			subKeys := make([]uint64, len(idxs))
			subGrads := make([]tensor.Tensor, len(idxs))
			for j, i := range idxs {
				subKeys[j] = keys[i]
				subGrads[j] = grads[i]
			}
			req := rpc.CombinePushSparseTableRequest{
				ModelID: modelID,
				Items:   []rpc.SparseItemWire{{TableID: tableID, Keys: subKeys, Grads: subGrads}},
				LR:      lr,
			}
			route := func(r *router.Router) uint64 { return r.RouteSparse(modelID, tableID, subKeys[0]) }
			_, err := w.callPush(gctx, route, rpc.OpCombinePushSparseTable, req.Marshal())
			if err != nil {
				return fmt.Errorf("worker: push sparse table %d to node %d: %w", tableID, owner, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) device() tensor.Device { return w.dev }
