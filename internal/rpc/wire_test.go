package rpc

import (
	"testing"

	"kraken-go/internal/tensor"
)

func TestTensorRoundTrip(t *testing.T) {
	device := tensor.NewCPUDevice(0)
	orig := tensor.New(device, tensor.NewShape(2, 3), tensor.F32)
	copy(orig.Float32(), []float32{1, 2, 3, 4, 5, 6})

	w := NewWriter()
	WriteTensor(w, orig)

	r := NewReader(w.Bytes())
	got, err := ReadTensor(r, device)
	if err != nil {
		t.Fatalf("ReadTensor: %v", err)
	}
	if !got.Shape().Equal(orig.Shape()) {
		t.Fatalf("shape mismatch: got %v want %v", got.Shape().Dims(), orig.Shape().Dims())
	}
	gotVals, wantVals := got.Float32(), orig.Float32()
	for i := range wantVals {
		if gotVals[i] != wantVals[i] {
			t.Fatalf("elem %d: got %v want %v", i, gotVals[i], wantVals[i])
		}
	}
}

func TestValueRoundTrip(t *testing.T) {
	device := tensor.NewCPUDevice(0)
	param := tensor.New(device, tensor.NewShape(4), tensor.F32)
	copy(param.Float32(), []float32{1, 1, 1, 1})
	val := tensor.NewValue(param)
	_ = val.State(tensor.StateSum)
	val.Scalars[tensor.Step] = 7

	w := NewWriter()
	WriteValue(w, val)

	r := NewReader(w.Bytes())
	got, err := ReadValue(r, device)
	if err != nil {
		t.Fatalf("ReadValue: %v", err)
	}
	if !got.HasState(tensor.StateSum) {
		t.Fatalf("expected StateSum to round-trip")
	}
	if got.Scalars[tensor.Step] != 7 {
		t.Fatalf("expected Step scalar 7, got %d", got.Scalars[tensor.Step])
	}
}

func TestU64SliceRoundTrip(t *testing.T) {
	w := NewWriter()
	WriteU64Slice(w, []uint64{1, 2, 3, 18446744073709551615})

	r := NewReader(w.Bytes())
	got, err := ReadU64Slice(r)
	if err != nil {
		t.Fatalf("ReadU64Slice: %v", err)
	}
	want := []uint64{1, 2, 3, 18446744073709551615}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("elem %d: got %v want %v", i, got[i], want[i])
		}
	}
}

func TestReaderTruncated(t *testing.T) {
	r := NewReader([]byte{1, 2})
	if _, err := r.ReadU64(); err == nil {
		t.Fatalf("expected truncated-read error")
	}
}
