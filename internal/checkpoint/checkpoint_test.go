package checkpoint

import (
	"testing"

	"kraken-go/internal/optim"
	"kraken-go/internal/table"
	"kraken-go/internal/tensor"
)

func newPopulatedStore(t *testing.T, device tensor.Device) (*table.Store, uint64, uint64, uint64) {
	t.Helper()
	store := table.NewStore(device, 16)
	store.EnsureModel(table.ModelMeta{ID: 1, OptimKind: optim.SGD, Tables: map[uint64]table.TableMeta{}})

	initial := tensor.New(device, tensor.NewShape(3), tensor.F32)
	copy(initial.Float32(), []float32{1, 2, 3})
	if _, err := store.RegisterDenseTable(1, 10, "w", tensor.NewShape(3), tensor.F32, initial); err != nil {
		t.Fatalf("register dense: %v", err)
	}

	init := tensor.NewInitializer(tensor.InitZero, nil, nil)
	if _, err := store.RegisterSparseTable(1, 20, "emb", 4, tensor.F32, init); err != nil {
		t.Fatalf("register sparse: %v", err)
	}
	st, err := store.SparseTableForTransfer(1, 20)
	if err != nil {
		t.Fatalf("sparse table: %v", err)
	}
	st.Pull(7)

	return store, 1, 10, 20
}

func TestSaveLoadRoundTrip(t *testing.T) {
	device := tensor.NewCPUDevice(0)
	store, modelID, denseID, sparseID := newPopulatedStore(t, device)

	dir := t.TempDir()
	if err := Save(dir, store, device, modelID); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded := table.NewStore(device, 16)
	if err := Load(dir, loaded, device, modelID); err != nil {
		t.Fatalf("load: %v", err)
	}

	gotDense := loaded
	tensorOut, err := gotDense.PullDense(modelID, []uint64{denseID})
	if err != nil {
		t.Fatalf("pull dense: %v", err)
	}
	want := []float32{1, 2, 3}
	got := tensorOut[0].Float32()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dense elem %d: got %v want %v", i, got[i], want[i])
		}
	}

	existing, _, err := loaded.TryFetchSparse(modelID, sparseID, []uint64{7, 8})
	if err != nil {
		t.Fatalf("fetch sparse: %v", err)
	}
	if len(existing) != 1 || existing[0] != 7 {
		t.Fatalf("expected key 7 to survive round trip, got %v", existing)
	}
}
