package ps

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"

	"kraken-go/internal/kerr"
	"kraken-go/internal/optim"
	"kraken-go/internal/rpc"
	"kraken-go/internal/tensor"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	s := New(1, tensor.NewCPUDevice(0), 0, t.TempDir(), logrus.NewEntry(logrus.New()))
	t.Cleanup(s.Close)
	return s
}

func mustHandle(t *testing.T, s *Server, env rpc.Envelope) []byte {
	t.Helper()
	body, err := s.Handle(context.Background(), env)
	if err != nil {
		t.Fatalf("Handle(opcode=%d): %v", env.Opcode, err)
	}
	return body
}

func ensureModel(t *testing.T, s *Server, modelID uint64) {
	t.Helper()
	req := rpc.EnsureModelRequest{ModelID: modelID, Name: "m", OptimKind: optim.SGD, OptimConfig: optim.Config{}}
	mustHandle(t, s, rpc.Envelope{Opcode: rpc.OpEnsureModel, Body: req.Marshal()})
}

func TestHandleRegistersAndRoundTripsDenseTable(t *testing.T) {
	s := testServer(t)
	ensureModel(t, s, 1)

	applyReq := rpc.ApplyDenseTableRequest{ModelID: 1, TableID: 7, Name: "w", Shape: []int64{2, 3}, EType: tensor.F32}
	body := mustHandle(t, s, rpc.Envelope{Opcode: rpc.OpApplyDenseTable, Body: applyReq.Marshal()})
	resp, err := rpc.UnmarshalApplyDenseTableResponse(body)
	if err != nil {
		t.Fatalf("UnmarshalApplyDenseTableResponse: %v", err)
	}
	if resp.TableID != 7 {
		t.Fatalf("TableID = %d, want 7", resp.TableID)
	}

	pullReq := rpc.PullDenseTableRequest{ModelID: 1, TableIDs: []uint64{7}}
	body = mustHandle(t, s, rpc.Envelope{Opcode: rpc.OpPullDenseTable, Body: pullReq.Marshal()})
	pullResp, err := rpc.UnmarshalPullDenseTableResponse(body, s.device)
	if err != nil {
		t.Fatalf("UnmarshalPullDenseTableResponse: %v", err)
	}
	if len(pullResp.Tensors) != 1 || pullResp.Tensors[0].Size() != 6 {
		t.Fatalf("pulled tensor shape wrong: %+v", pullResp.Tensors)
	}
}

func TestHandleRejectsStaleRouterVersion(t *testing.T) {
	s := testServer(t)
	ensureModel(t, s, 1)
	s.ApplyRouter(newRouterFromWire(5, rpc.UpdateRouterRequest{NodeIDs: []uint64{1}, Replicas: 4}))

	pullReq := rpc.PullDenseTableRequest{ModelID: 1, TableIDs: nil}
	_, err := s.Handle(context.Background(), rpc.Envelope{Opcode: rpc.OpPullDenseTable, RouterVersion: 1, Body: pullReq.Marshal()})
	if !errors.Is(err, kerr.ErrStaleRouterVersion) {
		t.Fatalf("want ErrStaleRouterVersion, got %v", err)
	}
}

func TestHandleUpdateRouterInstallsVersionFromEnvelope(t *testing.T) {
	s := testServer(t)
	req := rpc.UpdateRouterRequest{NodeIDs: []uint64{1, 2, 3}, Replicas: 8}
	mustHandle(t, s, rpc.Envelope{Opcode: rpc.OpUpdateRouter, RouterVersion: 3, Body: req.Marshal()})

	if got := s.routerVersion.Load(); got != 3 {
		t.Fatalf("routerVersion = %d, want 3", got)
	}
	if err := s.checkRouterVersion(2); !errors.Is(err, kerr.ErrStaleRouterVersion) {
		t.Fatalf("checkRouterVersion(2) = %v, want ErrStaleRouterVersion", err)
	}
	if err := s.checkRouterVersion(3); err != nil {
		t.Fatalf("checkRouterVersion(3) = %v, want nil", err)
	}
}

func TestHandleSaveLoadRoundTrip(t *testing.T) {
	s := testServer(t)
	ensureModel(t, s, 1)
	applyReq := rpc.ApplyDenseTableRequest{ModelID: 1, TableID: 7, Name: "w", Shape: []int64{3}, EType: tensor.F32}
	mustHandle(t, s, rpc.Envelope{Opcode: rpc.OpApplyDenseTable, Body: applyReq.Marshal()})

	saveReq := rpc.SaveLoadRequest{ModelID: 1}
	body := mustHandle(t, s, rpc.Envelope{Opcode: rpc.OpTrySaveModel, Body: saveReq.Marshal()})
	saveResp, err := rpc.UnmarshalTrySaveLoadResponse(body)
	if err != nil {
		t.Fatalf("UnmarshalTrySaveLoadResponse: %v", err)
	}
	if !saveResp.Success {
		t.Fatal("save did not report success")
	}

	s2 := testServer(t)
	s2.checkpointDir = s.checkpointDir
	ensureModel(t, s2, 1)
	body = mustHandle(t, s2, rpc.Envelope{Opcode: rpc.OpTryLoadModel, Body: rpc.SaveLoadRequest{ModelID: 1}.Marshal()})
	loadResp, err := rpc.UnmarshalTrySaveLoadResponse(body)
	if err != nil {
		t.Fatalf("UnmarshalTrySaveLoadResponse: %v", err)
	}
	if !loadResp.Success {
		t.Fatal("load did not report success")
	}
}

func TestHandlePullServedButPushRejectedDuringQuiescence(t *testing.T) {
	s := testServer(t)
	ensureModel(t, s, 1)
	applyReq := rpc.ApplyDenseTableRequest{ModelID: 1, TableID: 7, Name: "w", Shape: []int64{2}, EType: tensor.F32}
	mustHandle(t, s, rpc.Envelope{Opcode: rpc.OpApplyDenseTable, Body: applyReq.Marshal()})

	end := s.quiescing.Enter(1)
	defer end()

	pullReq := rpc.PullDenseTableRequest{ModelID: 1, TableIDs: []uint64{7}}
	if _, err := s.Handle(context.Background(), rpc.Envelope{Opcode: rpc.OpPullDenseTable, Body: pullReq.Marshal()}); err != nil {
		t.Fatalf("pull during quiescence must be served, got: %v", err)
	}

	grad := tensor.New(s.device, tensor.NewShape(2), tensor.F32)
	copy(grad.Float32(), []float32{1, 1})
	pushReq := rpc.PushDenseTableRequest{ModelID: 1, TableID: 7, Grad: grad, LR: 0.1}
	_, err := s.Handle(context.Background(), rpc.Envelope{Opcode: rpc.OpPushDenseTable, Body: pushReq.Marshal()})
	if !errors.Is(err, kerr.ErrClusterBusy) {
		t.Fatalf("push during quiescence: want ErrClusterBusy, got %v", err)
	}
}

func TestHandleTryFetchSparseMetaData(t *testing.T) {
	s := testServer(t)
	ensureModel(t, s, 1)
	applyReq := rpc.ApplySparseTableRequest{ModelID: 1, TableID: 9, Name: "emb", Dimension: 4, EType: tensor.F32, InitKind: tensor.InitZero}
	mustHandle(t, s, rpc.Envelope{Opcode: rpc.OpApplySparseTable, Body: applyReq.Marshal()})

	pullReq := rpc.CombinePullSparseTableRequest{ModelID: 1, TableID: 9, Keys: []uint64{3, 5}}
	mustHandle(t, s, rpc.Envelope{Opcode: rpc.OpCombinePullSparseTable, Body: pullReq.Marshal()})

	body := mustHandle(t, s, rpc.Envelope{
		Opcode: rpc.OpTryFetchSparseMetaData,
		Body:   rpc.TryFetchSparseMetaDataRequest{ModelID: 1, TableID: 9}.Marshal(),
	})
	resp, err := rpc.UnmarshalTryFetchSparseMetaDataResponse(body)
	if err != nil {
		t.Fatalf("UnmarshalTryFetchSparseMetaDataResponse: %v", err)
	}
	if resp.Dimension != 4 || resp.EType != tensor.F32 || resp.Count != 2 {
		t.Fatalf("got %+v, want Dimension=4 EType=F32 Count=2", resp)
	}
}

func TestHandleUnknownOpcode(t *testing.T) {
	s := testServer(t)
	_, err := s.Handle(context.Background(), rpc.Envelope{Opcode: rpc.Opcode(255)})
	if err == nil {
		t.Fatal("want error for unhandled opcode")
	}
}
