package scheduler

import (
	"context"
	"fmt"

	"kraken-go/internal/rpc"
)

// Handle dispatches one decoded envelope to the matching Scheduler operation
// and returns its marshaled response body, implementing rpc.Handler. This is
// the control-plane counterpart to a PS's Handle: workers and PS nodes call
// through it for membership, naming, and save/load, never for data-plane
// pulls/pushes.
func (s *Scheduler) Handle(ctx context.Context, env rpc.Envelope) ([]byte, error) {
	switch env.Opcode {
	case rpc.OpRegisterPS:
		req, err := rpc.UnmarshalRegisterPSRequest(env.Body)
		if err != nil {
			return nil, err
		}
		nodeID, err := s.RegisterPS(ctx, req.Addr)
		if err != nil {
			return nil, err
		}
		return rpc.RegisterPSResponse{NodeID: nodeID}.Marshal(), nil

	case rpc.OpGetClusterView:
		r := s.Router()
		nodes := make([]rpc.NodeAddr, 0, len(r.NodeIDs()))
		for _, id := range r.NodeIDs() {
			if addr, ok := s.nodes.addr(id); ok {
				nodes = append(nodes, rpc.NodeAddr{NodeID: id, Addr: addr})
			}
		}
		return rpc.GetClusterViewResponse{Version: r.Version(), Replicas: int32(s.replicas), Nodes: nodes}.Marshal(), nil

	case rpc.OpApplyModelId:
		req, err := rpc.UnmarshalApplyModelIdRequest(env.Body)
		if err != nil {
			return nil, err
		}
		return rpc.ApplyModelIdResponse{ModelID: s.ApplyModelID(req.Name)}.Marshal(), nil

	case rpc.OpApplyDenseTable:
		req, err := rpc.UnmarshalApplyDenseTableRequest(env.Body)
		if err != nil {
			return nil, err
		}
		tableID, err := s.ApplyDenseTable(ctx, req.ModelID, req.Name, req.Shape, req.EType)
		if err != nil {
			return nil, err
		}
		return rpc.ApplyDenseTableResponse{TableID: tableID}.Marshal(), nil

	case rpc.OpApplySparseTable:
		req, err := rpc.UnmarshalApplySparseTableRequest(env.Body)
		if err != nil {
			return nil, err
		}
		tableID, err := s.ApplySparseTable(ctx, req.ModelID, req.Name, req.Dimension, req.EType, req.InitKind, req.InitConfig)
		if err != nil {
			return nil, err
		}
		return rpc.ApplySparseTableResponse{TableID: tableID}.Marshal(), nil

	case rpc.OpNotifySaveModel, rpc.OpTrySaveModel:
		req, err := rpc.UnmarshalSaveLoadRequest(env.Body)
		if err != nil {
			return nil, err
		}
		err = s.SaveModel(ctx, req.ModelID)
		if env.Opcode == rpc.OpNotifySaveModel {
			return nil, err
		}
		return rpc.TrySaveLoadResponse{Success: err == nil}.Marshal(), err

	case rpc.OpNotifyLoadModel, rpc.OpTryLoadModel:
		req, err := rpc.UnmarshalSaveLoadRequest(env.Body)
		if err != nil {
			return nil, err
		}
		err = s.LoadModel(ctx, req.ModelID)
		if env.Opcode == rpc.OpNotifyLoadModel {
			return nil, err
		}
		return rpc.TrySaveLoadResponse{Success: err == nil}.Marshal(), err

	case rpc.OpIsAllPsWorking:
		return rpc.IsAllPsWorkingResponse{AllWorking: s.Status() == StatusWork}.Marshal(), nil

	default:
		return nil, fmt.Errorf("scheduler: unhandled opcode %d", env.Opcode)
	}
}
