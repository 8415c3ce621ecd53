package rpc

import (
	"testing"

	"kraken-go/internal/tensor"
)

func TestApplyDenseTableRequestRoundTrip(t *testing.T) {
	req := ApplyDenseTableRequest{ModelID: 1, Name: "w1", Shape: []int64{4, 8}, EType: tensor.F32}
	got, err := UnmarshalApplyDenseTableRequest(req.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ModelID != req.ModelID || got.Name != req.Name || got.EType != req.EType {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, req)
	}
	for i, d := range req.Shape {
		if got.Shape[i] != d {
			t.Fatalf("shape dim %d: got %v want %v", i, got.Shape[i], d)
		}
	}
}

func TestCombinePushSparseTableRequestRoundTrip(t *testing.T) {
	device := tensor.NewCPUDevice(0)
	grad := tensor.New(device, tensor.NewShape(2), tensor.F32)
	copy(grad.Float32(), []float32{0.5, -0.5})

	req := CombinePushSparseTableRequest{
		ModelID: 3,
		Items: []SparseItemWire{
			{TableID: 9, Keys: []uint64{1, 2}, Grads: []tensor.Tensor{grad, grad}},
		},
		LR: 0.01,
	}
	got, err := UnmarshalCombinePushSparseTableRequest(req.Marshal(), device)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ModelID != 3 || len(got.Items) != 1 || got.Items[0].TableID != 9 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.Items[0].Keys) != 2 || len(got.Items[0].Grads) != 2 {
		t.Fatalf("expected 2 keys and 2 grads, got %+v", got.Items[0])
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{Opcode: OpPushDenseTable, RouterVersion: 42, Body: []byte("payload")}
	env.RequestID[0] = 0xAB

	got, err := DecodeEnvelope(env.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Opcode != env.Opcode || got.RouterVersion != env.RouterVersion || string(got.Body) != "payload" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.RequestID[0] != 0xAB {
		t.Fatalf("request id not preserved: %v", got.RequestID)
	}
}

func TestReplyCarriesErrorMessage(t *testing.T) {
	reply := Reply{ErrMsg: "router version stale"}
	got, err := DecodeReply(reply.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ErrMsg != "router version stale" {
		t.Fatalf("got %q want %q", got.ErrMsg, "router version stale")
	}
}
