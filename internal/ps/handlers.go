package ps

import (
	"context"
	"errors"
	"fmt"

	"kraken-go/internal/kerr"
	"kraken-go/internal/rpc"
	"kraken-go/internal/table"
	"kraken-go/internal/tensor"
)

func errStaleRouterVersion(got, want uint64) error {
	return fmt.Errorf("ps: request router_version %d behind current %d: %w", got, want, kerr.ErrStaleRouterVersion)
}

// Handle dispatches one decoded envelope to the matching table.Store
// operation and returns its marshaled response body, implementing
// rpc.Handler. Every data-plane opcode checks router_version first.
func (s *Server) Handle(ctx context.Context, env rpc.Envelope) ([]byte, error) {
	requestsTotal.WithLabelValues(env.Opcode.String()).Inc()
	switch env.Opcode {
	case rpc.OpEnsureModel:
		req, err := rpc.UnmarshalEnsureModelRequest(env.Body)
		if err != nil {
			return nil, err
		}
		s.store.EnsureModel(table.ModelMeta{
			ID: req.ModelID, Name: req.Name, OptimKind: req.OptimKind, OptimConfig: req.OptimConfig,
			Tables: map[uint64]table.TableMeta{},
		})
		return nil, nil

	case rpc.OpApplyDenseTable:
		req, err := rpc.UnmarshalApplyDenseTableRequest(env.Body)
		if err != nil {
			return nil, err
		}
		initial := zeroTensor(s.device, req.Shape, req.EType)
		if _, err := s.store.RegisterDenseTable(req.ModelID, req.TableID, req.Name, shapeOf(req.Shape), req.EType, initial); err != nil {
			return nil, err
		}
		return rpc.ApplyDenseTableResponse{TableID: req.TableID}.Marshal(), nil

	case rpc.OpApplySparseTable:
		req, err := rpc.UnmarshalApplySparseTableRequest(env.Body)
		if err != nil {
			return nil, err
		}
		init := tensor.NewInitializer(req.InitKind, req.InitConfig, nil)
		if _, err := s.store.RegisterSparseTable(req.ModelID, req.TableID, req.Name, req.Dimension, req.EType, init); err != nil {
			return nil, err
		}
		return rpc.ApplySparseTableResponse{TableID: req.TableID}.Marshal(), nil

	case rpc.OpPullDenseTable:
		if err := s.checkRouterVersion(env.RouterVersion); err != nil {
			return nil, err
		}
		req, err := rpc.UnmarshalPullDenseTableRequest(env.Body)
		if err != nil {
			return nil, err
		}
		tensors, err := s.store.PullDense(req.ModelID, req.TableIDs)
		if err != nil {
			return nil, err
		}
		return rpc.PullDenseTableResponse{Tensors: tensors}.Marshal(), nil

	case rpc.OpPushDenseTable:
		if err := s.checkRouterVersion(env.RouterVersion); err != nil {
			return nil, err
		}
		req, err := rpc.UnmarshalPushDenseTableRequest(env.Body, s.device)
		if err != nil {
			return nil, err
		}
		done, err := s.quiescing.AdmitPush(req.ModelID)
		if err != nil {
			return nil, err
		}
		defer done()
		if err := s.store.PushDense(req.ModelID, req.TableID, req.Grad, req.LR); err != nil {
			return nil, err
		}
		return nil, nil

	case rpc.OpCombinePullSparseTable:
		if err := s.checkRouterVersion(env.RouterVersion); err != nil {
			return nil, err
		}
		req, err := rpc.UnmarshalCombinePullSparseTableRequest(env.Body)
		if err != nil {
			return nil, err
		}
		values, err := s.store.CombinePullSparse(req.ModelID, req.TableID, req.Keys)
		if err != nil {
			return nil, err
		}
		return rpc.CombinePullSparseTableResponse{Values: values}.Marshal(), nil

	case rpc.OpCombinePushSparseTable:
		if err := s.checkRouterVersion(env.RouterVersion); err != nil {
			return nil, err
		}
		req, err := rpc.UnmarshalCombinePushSparseTableRequest(env.Body, s.device)
		if err != nil {
			return nil, err
		}
		done, err := s.quiescing.AdmitPush(req.ModelID)
		if err != nil {
			return nil, err
		}
		defer done()
		items := make([]table.SparseItem, len(req.Items))
		for i, it := range req.Items {
			items[i] = table.SparseItem{TableID: it.TableID, Keys: it.Keys, Grads: it.Grads}
		}
		results := s.store.CombinePushSparse(req.ModelID, items, req.LR)
		return rpc.CombinePushSparseTableResponse{Results: rpc.FromPushResults(results)}.Marshal(), nil

	case rpc.OpTryCombineFetchDenseTable:
		req, err := rpc.UnmarshalTryCombineFetchDenseTableRequest(env.Body)
		if err != nil {
			return nil, err
		}
		_, val, ok := s.store.TryFetchDense(req.ModelID, req.TableID)
		return rpc.TryCombineFetchDenseTableResponse{Exists: ok, Value: val}.Marshal(), nil

	case rpc.OpTryFetchSparseValues:
		req, err := rpc.UnmarshalTryFetchSparseValuesRequest(env.Body)
		if err != nil {
			return nil, err
		}
		existing, values, err := s.store.TryFetchSparse(req.ModelID, req.TableID, req.Keys)
		if err != nil {
			return nil, err
		}
		return rpc.TryFetchSparseValuesResponse{ExistingKeys: existing, Values: values}.Marshal(), nil

	case rpc.OpTryFetchSparseMetaData:
		req, err := rpc.UnmarshalTryFetchSparseMetaDataRequest(env.Body)
		if err != nil {
			return nil, err
		}
		st, err := s.store.SparseTableForTransfer(req.ModelID, req.TableID)
		if err != nil {
			return nil, err
		}
		meta := st.Meta()
		return rpc.TryFetchSparseMetaDataResponse{Dimension: meta.Dim, EType: meta.EType, Count: int64(st.Len())}.Marshal(), nil

	case rpc.OpNotifySaveModel, rpc.OpTrySaveModel:
		req, err := rpc.UnmarshalSaveLoadRequest(env.Body)
		if err != nil {
			return nil, err
		}
		saveErr := s.SaveModel(req.ModelID)
		if env.Opcode == rpc.OpNotifySaveModel {
			return nil, saveErr
		}
		return rpc.TrySaveLoadResponse{Success: saveErr == nil}.Marshal(), nil

	case rpc.OpNotifyLoadModel, rpc.OpTryLoadModel:
		req, err := rpc.UnmarshalSaveLoadRequest(env.Body)
		if err != nil {
			return nil, err
		}
		loadErr := s.LoadModel(req.ModelID)
		if env.Opcode == rpc.OpNotifyLoadModel {
			return nil, loadErr
		}
		return rpc.TrySaveLoadResponse{Success: loadErr == nil}.Marshal(), nil

	case rpc.OpIsAllPsWorking:
		return rpc.IsAllPsWorkingResponse{AllWorking: true}.Marshal(), nil

	case rpc.OpDumpSparseTable:
		req, err := rpc.UnmarshalDumpSparseTableRequest(env.Body)
		if err != nil {
			return nil, err
		}
		st, err := s.store.SparseTableForTransfer(req.ModelID, req.TableID)
		if err != nil {
			return nil, err
		}
		meta := st.Meta()
		snap := st.Snapshot()
		rows := make([]rpc.SparseRowWire, 0, len(snap))
		for key, val := range snap {
			rows = append(rows, rpc.SparseRowWire{Key: key, Value: val})
		}
		return rpc.DumpSparseTableResponse{
			Name: meta.Name, Dimension: meta.Dim, EType: meta.EType,
			InitKind: meta.InitKind, InitConfig: meta.InitConfig, Rows: rows,
		}.Marshal(), nil

	case rpc.OpRestoreDenseTable:
		req, err := rpc.UnmarshalRestoreDenseTableRequest(env.Body, s.device)
		if err != nil {
			return nil, err
		}
		if _, err := s.store.RegisterDenseTable(req.ModelID, req.TableID, req.Name, shapeOf(req.Shape), req.EType, req.Value.Param); err != nil && !errors.Is(err, kerr.ErrDuplicateName) {
			return nil, err
		}
		dt, err := s.store.DenseTableForTransfer(req.ModelID, req.TableID)
		if err != nil {
			return nil, err
		}
		dt.Restore(req.Value)
		return nil, nil

	case rpc.OpRestoreSparseTable:
		req, err := rpc.UnmarshalRestoreSparseTableRequest(env.Body, s.device)
		if err != nil {
			return nil, err
		}
		init := tensor.NewInitializer(req.InitKind, req.InitConfig, nil)
		if _, err := s.store.RegisterSparseTable(req.ModelID, req.TableID, req.Name, req.Dimension, req.EType, init); err != nil && !errors.Is(err, kerr.ErrDuplicateName) {
			return nil, err
		}
		st, err := s.store.SparseTableForTransfer(req.ModelID, req.TableID)
		if err != nil {
			return nil, err
		}
		for _, row := range req.Rows {
			st.Restore(row.Key, row.Value)
		}
		return nil, nil

	case rpc.OpEvictSparseKeys:
		req, err := rpc.UnmarshalEvictSparseKeysRequest(env.Body)
		if err != nil {
			return nil, err
		}
		if err := s.store.EvictSparseKeys(req.ModelID, req.TableID, req.Keys); err != nil {
			return nil, err
		}
		return nil, nil

	case rpc.OpUpdateRouter:
		req, err := rpc.UnmarshalUpdateRouterRequest(env.Body)
		if err != nil {
			return nil, err
		}
		s.ApplyRouter(newRouterFromWire(env.RouterVersion, req))
		return nil, nil

	default:
		return nil, fmt.Errorf("ps: unhandled opcode %d", env.Opcode)
	}
}
