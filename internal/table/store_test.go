package table

import (
	"sync"
	"testing"

	"kraken-go/internal/optim"
	"kraken-go/internal/tensor"
)

func newTestStore() *Store {
	return NewStore(tensor.NewCPUDevice(0), 16)
}

func f32(device tensor.Device, vals ...float32) tensor.Tensor {
	t := tensor.New(device, tensor.NewShape(int64(len(vals))), tensor.F32)
	copy(t.Float32(), vals)
	return t
}

func TestDenseRegisterPushPull(t *testing.T) {
	s := newTestStore()
	s.EnsureModel(ModelMeta{ID: 1, Name: "m", OptimKind: optim.SGD, Tables: map[uint64]TableMeta{}})

	device := tensor.NewCPUDevice(0)
	initial := f32(device, 1, 1, 1, 1)
	if _, err := s.RegisterDenseTable(1, 10, "w", tensor.NewShape(4), tensor.F32, initial); err != nil {
		t.Fatalf("register: %v", err)
	}

	grad := f32(device, 1, 1, 1, 1)
	if err := s.PushDense(1, 10, grad, 0.1); err != nil {
		t.Fatalf("push: %v", err)
	}

	got, err := s.PullDense(1, []uint64{10})
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	for _, v := range got[0].Float32() {
		if v < 0.899 || v > 0.901 {
			t.Fatalf("got %v want ~0.9", v)
		}
	}
}

func TestDenseDuplicateName(t *testing.T) {
	s := newTestStore()
	s.EnsureModel(ModelMeta{ID: 1, Name: "m", Tables: map[uint64]TableMeta{}})
	device := tensor.NewCPUDevice(0)
	initial := f32(device, 1)
	if _, err := s.RegisterDenseTable(1, 10, "w", tensor.NewShape(1), tensor.F32, initial); err != nil {
		t.Fatalf("register 1: %v", err)
	}
	if _, err := s.RegisterDenseTable(1, 11, "w", tensor.NewShape(1), tensor.F32, initial); err == nil {
		t.Fatalf("expected duplicate name error")
	}
}

// TestConcurrentSparseUpsert checks that N goroutines concurrently pulling
// the same absent key materialize exactly one Value.
func TestConcurrentSparseUpsert(t *testing.T) {
	s := newTestStore()
	s.EnsureModel(ModelMeta{ID: 1, OptimKind: optim.SGD, Tables: map[uint64]TableMeta{}})
	init := tensor.NewInitializer(tensor.InitZero, nil, nil)
	if _, err := s.RegisterSparseTable(1, 20, "emb", 4, tensor.F32, init); err != nil {
		t.Fatalf("register: %v", err)
	}

	const n = 64
	results := make([][]tensor.Value, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			vals, err := s.CombinePullSparse(1, 20, []uint64{7})
			if err != nil {
				t.Errorf("pull: %v", err)
				return
			}
			results[i] = vals
		}()
	}
	wg.Wait()

	st, err := s.SparseTableForTransfer(1, 20)
	if err != nil {
		t.Fatalf("transfer lookup: %v", err)
	}
	if st.Len() != 1 {
		t.Fatalf("expected exactly one materialized key, got %d", st.Len())
	}
	for i, vals := range results {
		if len(vals) != 1 {
			t.Fatalf("goroutine %d: expected 1 value, got %d", i, len(vals))
		}
		for j, got := range vals[0].Param.Float32() {
			if got != 0 {
				t.Fatalf("goroutine %d elem %d: expected zero-init clone, got %v", i, j, got)
			}
		}
	}
}

func TestCombinePushSparsePartialFailure(t *testing.T) {
	s := newTestStore()
	s.EnsureModel(ModelMeta{ID: 1, OptimKind: optim.SGD, Tables: map[uint64]TableMeta{}})
	init := tensor.NewInitializer(tensor.InitZero, nil, nil)
	if _, err := s.RegisterSparseTable(1, 20, "emb", 2, tensor.F32, init); err != nil {
		t.Fatalf("register: %v", err)
	}
	device := tensor.NewCPUDevice(0)

	results := s.CombinePushSparse(1, []SparseItem{
		{TableID: 20, Keys: []uint64{1}, Grads: []tensor.Tensor{f32(device, 1, 1)}},
		{TableID: 999, Keys: []uint64{1}, Grads: []tensor.Tensor{f32(device, 1, 1)}}, // unknown table
	}, 1.0)

	if results[0].Err != nil {
		t.Fatalf("expected first item to succeed, got %v", results[0].Err)
	}
	if results[1].Err == nil {
		t.Fatalf("expected second item to fail for unknown table")
	}

	vals, err := s.CombinePullSparse(1, 20, []uint64{1})
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	for _, v := range vals[0].Param.Float32() {
		if v != -1 {
			t.Fatalf("expected sgd update -1, got %v", v)
		}
	}
}
