package scheduler

import (
	"context"
	"errors"
	"fmt"

	"kraken-go/internal/kerr"
	"kraken-go/internal/router"
	"kraken-go/internal/rpc"
)

// transferTable moves one dense table from its current owner to newOwner:
// fetch the full table from the source, ensure the model and destination
// are ready to receive it, then restore it there. The caller holds s.mu and
// has already put the cluster in StatusTransfer.
func (s *Scheduler) transferTable(ctx context.Context, modelID uint64, tr *tableRecord, newOwner uint64) error {
	rec, err := s.models.model(modelID)
	if err != nil {
		return err
	}
	srcAddr, ok := s.nodes.addr(tr.Owner)
	if !ok {
		return fmt.Errorf("scheduler: source node %d not registered", tr.Owner)
	}
	dstAddr, ok := s.nodes.addr(newOwner)
	if !ok {
		return fmt.Errorf("scheduler: destination node %d not registered", newOwner)
	}

	if err := s.ensureModelOn(ctx, rec, newOwner); err != nil {
		return fmt.Errorf("ensure model on destination: %w", err)
	}

	version := s.router.Load().Version()
	return s.transferDense(ctx, modelID, tr, srcAddr, dstAddr, version)
}

func (s *Scheduler) transferDense(ctx context.Context, modelID uint64, tr *tableRecord, srcAddr, dstAddr string, version uint64) error {
	fetchReq := rpc.TryCombineFetchDenseTableRequest{ModelID: modelID, TableID: tr.ID}
	reply, err := rpc.CallAt(ctx, s.pool, srcAddr, rpc.OpTryCombineFetchDenseTable, version, fetchReq.Marshal())
	if err != nil {
		return fmt.Errorf("fetch dense table %d from source: %w", tr.ID, err)
	}
	fetched, err := rpc.UnmarshalTryCombineFetchDenseTableResponse(reply.Body, s.device())
	if err != nil {
		return fmt.Errorf("decode dense table %d: %w", tr.ID, err)
	}
	if !fetched.Exists {
		return nil // nothing materialized yet on the source
	}

	restoreReq := rpc.RestoreDenseTableRequest{
		ModelID: modelID, TableID: tr.ID, Name: tr.Name, Shape: tr.Shape.Dims(), EType: tr.EType, Value: fetched.Value,
	}
	if _, err := rpc.CallAt(ctx, s.pool, dstAddr, rpc.OpRestoreDenseTable, version, restoreReq.Marshal()); err != nil {
		return fmt.Errorf("restore dense table %d on destination: %w", tr.ID, err)
	}
	return nil
}

// ensureSparseTableOn registers tr's schema on nodeID if it isn't already
// there. Unlike dense tables, a sparse table's schema must live on every
// node in the cluster — any node can end up owning any individual key —
// so this is called both when a table is first created and whenever a new
// node joins.
func (s *Scheduler) ensureSparseTableOn(ctx context.Context, modelID uint64, tr *tableRecord, nodeID uint64) error {
	addr, ok := s.nodes.addr(nodeID)
	if !ok {
		return fmt.Errorf("scheduler: node %d not registered", nodeID)
	}
	req := rpc.ApplySparseTableRequest{
		ModelID: modelID, TableID: tr.ID, Name: tr.Name, Dimension: tr.Dim,
		EType: tr.EType, InitKind: tr.InitKind, InitConfig: tr.InitConfig,
	}
	_, err := rpc.CallAt(ctx, s.pool, addr, rpc.OpApplySparseTable, s.router.Load().Version(), req.Marshal())
	if err != nil && !errors.Is(err, kerr.ErrDuplicateName) {
		return fmt.Errorf("apply sparse table %d on node %d: %w", tr.ID, nodeID, err)
	}
	return nil
}

// migrateSparseTable moves individual keys of a sparse table between nodes
// after a membership change: every currently registered node is asked to
// dump whatever rows of tr it holds, each row is re-routed under newRouter,
// and any row whose owner changed is restored on its new owner and evicted
// from its old one. A sparse table has no single "owner" to compare against
// a router the way a dense table does, so every node must be checked.
func (s *Scheduler) migrateSparseTable(ctx context.Context, modelID uint64, tr *tableRecord, newRouter *router.Router) error {
	version := newRouter.Version()
	for _, srcID := range s.nodes.ids() {
		srcAddr, ok := s.nodes.addr(srcID)
		if !ok {
			continue
		}
		dumpReq := rpc.DumpSparseTableRequest{ModelID: modelID, TableID: tr.ID}
		reply, err := rpc.CallAt(ctx, s.pool, srcAddr, rpc.OpDumpSparseTable, version, dumpReq.Marshal())
		if err != nil {
			return fmt.Errorf("dump sparse table %d from node %d: %w", tr.ID, srcID, err)
		}
		dump, err := rpc.UnmarshalDumpSparseTableResponse(reply.Body, s.device())
		if err != nil {
			return fmt.Errorf("decode sparse table %d from node %d: %w", tr.ID, srcID, err)
		}
		if len(dump.Rows) == 0 {
			continue
		}

		byNewOwner := make(map[uint64][]rpc.SparseRowWire)
		for _, row := range dump.Rows {
			newOwner := newRouter.RouteSparse(modelID, tr.ID, row.Key)
			if newOwner == srcID {
				continue
			}
			byNewOwner[newOwner] = append(byNewOwner[newOwner], row)
		}
		if len(byNewOwner) == 0 {
			continue
		}

		movedKeys := make([]uint64, 0)
		for destID, rows := range byNewOwner {
			destAddr, ok := s.nodes.addr(destID)
			if !ok {
				return fmt.Errorf("scheduler: destination node %d not registered", destID)
			}
			restoreReq := rpc.RestoreSparseTableRequest{
				ModelID: modelID, TableID: tr.ID, Name: tr.Name, Dimension: tr.Dim, EType: tr.EType,
				InitKind: tr.InitKind, InitConfig: tr.InitConfig, Rows: rows,
			}
			if _, err := rpc.CallAt(ctx, s.pool, destAddr, rpc.OpRestoreSparseTable, version, restoreReq.Marshal()); err != nil {
				return fmt.Errorf("restore sparse table %d on node %d: %w", tr.ID, destID, err)
			}
			for _, row := range rows {
				movedKeys = append(movedKeys, row.Key)
			}
		}

		evictReq := rpc.EvictSparseKeysRequest{ModelID: modelID, TableID: tr.ID, Keys: movedKeys}
		if _, err := rpc.CallAt(ctx, s.pool, srcAddr, rpc.OpEvictSparseKeys, version, evictReq.Marshal()); err != nil {
			return fmt.Errorf("evict migrated keys of sparse table %d from node %d: %w", tr.ID, srcID, err)
		}
	}
	return nil
}
