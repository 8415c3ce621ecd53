package table

import (
	"fmt"
	"sync"

	"kraken-go/internal/kerr"
	"kraken-go/internal/optim"
	"kraken-go/internal/tensor"
)

// model is one PS's local view of a model: its metadata, its resolved
// optimizer instance, and the dense/sparse tables actually stored on this
// shard.
type model struct {
	mu     sync.RWMutex
	meta   ModelMeta
	optim  optim.Optimizer
	dense  map[uint64]*DenseTable
	sparse map[uint64]*SparseTable
}

// Store is the per-PS sharded table store: a mapping table_id -> {Dense |
// Sparse} per model, guarded by a read-mostly lock. Normal data-plane
// operations take the read lock; model/table registration takes the write
// lock.
type Store struct {
	mu      sync.RWMutex
	models  map[uint64]*model
	device  tensor.Device
	stripes int
}

// NewStore builds an empty Store. stripes configures every SparseTable's
// StripedMap width (0 selects DefaultStripes).
func NewStore(device tensor.Device, stripes int) *Store {
	return &Store{models: make(map[uint64]*model), device: device, stripes: stripes}
}

// EnsureModel registers model metadata the first time this PS hears about
// modelID. A second call with the same id is a no-op.
func (s *Store) EnsureModel(meta ModelMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[meta.ID]; ok {
		return
	}
	s.models[meta.ID] = &model{
		meta:   meta,
		optim:  optim.New(meta.OptimKind, meta.OptimConfig),
		dense:  make(map[uint64]*DenseTable),
		sparse: make(map[uint64]*SparseTable),
	}
}

func (s *Store) getModel(modelID uint64) (*model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[modelID]
	if !ok {
		return nil, fmt.Errorf("table: model %d: %w", modelID, kerr.ErrUnknownModel)
	}
	return m, nil
}

// RegisterDenseTable allocates a DenseTable under tableID within modelID,
// initialized from initial. Returns ErrDuplicateName if the name is already
// registered in this model.
func (s *Store) RegisterDenseTable(modelID, tableID uint64, name string, shape tensor.Shape, etype tensor.ElementType, initial tensor.Tensor) (uint64, error) {
	m, err := s.getModel(modelID)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dt := range m.dense {
		if dt.meta.Name == name {
			return 0, fmt.Errorf("table: dense table %q in model %d: %w", name, modelID, kerr.ErrDuplicateName)
		}
	}
	meta := TableMeta{ID: tableID, Name: name, Kind: Dense, EType: etype, Shape: shape}
	m.dense[tableID] = NewDenseTable(meta, initial)
	m.meta.Tables[tableID] = meta
	return tableID, nil
}

// RegisterSparseTable allocates a SparseTable under tableID within modelID.
func (s *Store) RegisterSparseTable(modelID, tableID uint64, name string, dim int64, etype tensor.ElementType, init tensor.Initializer) (uint64, error) {
	m, err := s.getModel(modelID)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.sparse {
		if st.meta.Name == name {
			return 0, fmt.Errorf("table: sparse table %q in model %d: %w", name, modelID, kerr.ErrDuplicateName)
		}
	}
	meta := TableMeta{ID: tableID, Name: name, Kind: Sparse, EType: etype, Dim: dim, InitKind: init.Kind, InitConfig: init.Config}
	m.sparse[tableID] = NewSparseTable(meta, s.device, init, s.stripes)
	m.meta.Tables[tableID] = meta
	return tableID, nil
}

func (s *Store) denseTable(modelID, tableID uint64) (*DenseTable, error) {
	m, err := s.getModel(modelID)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	dt, ok := m.dense[tableID]
	if !ok {
		return nil, fmt.Errorf("table: dense table %d in model %d: %w", tableID, modelID, kerr.ErrUnknownTable)
	}
	return dt, nil
}

func (s *Store) sparseTable(modelID, tableID uint64) (*SparseTable, error) {
	m, err := s.getModel(modelID)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.sparse[tableID]
	if !ok {
		return nil, fmt.Errorf("table: sparse table %d in model %d: %w", tableID, modelID, kerr.ErrUnknownTable)
	}
	return st, nil
}

// PullDense returns clones of the current parameter tensors for tableIDs,
// in request order.
func (s *Store) PullDense(modelID uint64, tableIDs []uint64) ([]tensor.Tensor, error) {
	out := make([]tensor.Tensor, len(tableIDs))
	for i, id := range tableIDs {
		dt, err := s.denseTable(modelID, id)
		if err != nil {
			return nil, err
		}
		out[i] = dt.Pull()
	}
	return out, nil
}

// PushDense applies grad to tableID's value via the model's optimizer.
func (s *Store) PushDense(modelID, tableID uint64, grad tensor.Tensor, lr float64) error {
	dt, err := s.denseTable(modelID, tableID)
	if err != nil {
		return err
	}
	m, err := s.getModel(modelID)
	if err != nil {
		return err
	}
	return dt.Push(m.optim, grad, lr)
}

// SparseItem is one (table_id, keys, grads) group within a combined push.
type SparseItem struct {
	TableID uint64
	Keys    []uint64
	Grads   []tensor.Tensor
}

// CombinePullSparse returns clones of keys' values within tableID, in
// request order, materializing absent keys.
func (s *Store) CombinePullSparse(modelID, tableID uint64, keys []uint64) ([]tensor.Value, error) {
	st, err := s.sparseTable(modelID, tableID)
	if err != nil {
		return nil, err
	}
	return st.PullMany(keys), nil
}

// PushResult records, per sub-item of a combined push, whether it
// succeeded: an error in one sub-item does not abort the others.
type PushResult struct {
	TableID uint64
	Err     error
}

// CombinePushSparse splits items into independent optimizer invocations per
// table/key. A failure in one sub-item does not prevent others from being
// applied; the caller inspects the returned per-item results.
func (s *Store) CombinePushSparse(modelID uint64, items []SparseItem, lr float64) []PushResult {
	results := make([]PushResult, 0, len(items))
	m, err := s.getModel(modelID)
	if err != nil {
		for _, it := range items {
			results = append(results, PushResult{TableID: it.TableID, Err: err})
		}
		return results
	}
	for _, it := range items {
		st, err := s.sparseTable(modelID, it.TableID)
		if err != nil {
			results = append(results, PushResult{TableID: it.TableID, Err: err})
			continue
		}
		var itemErr error
		for i, key := range it.Keys {
			if err := st.Push(m.optim, key, it.Grads[i], lr); err != nil {
				itemErr = err
			}
		}
		results = append(results, PushResult{TableID: it.TableID, Err: itemErr})
	}
	return results
}

// TryFetchDense returns the table's name and a clone of its full Value
// (parameter + optimizer state), or ok=false if tableID is unknown.
func (s *Store) TryFetchDense(modelID, tableID uint64) (name string, val tensor.Value, ok bool) {
	dt, err := s.denseTable(modelID, tableID)
	if err != nil {
		return "", tensor.Value{}, false
	}
	return dt.Meta().Name, dt.TryFetch(), true
}

// TryFetchSparse returns the subset of keys that exist and their values.
func (s *Store) TryFetchSparse(modelID, tableID uint64, keys []uint64) (existing []uint64, values []tensor.Value, err error) {
	st, err := s.sparseTable(modelID, tableID)
	if err != nil {
		return nil, nil, err
	}
	existing, values = st.TryFetch(keys)
	return existing, values, nil
}

// ModelMeta returns the model metadata for modelID (used by checkpointing
// and the debug-inspector plug point).
func (s *Store) ModelMeta(modelID uint64) (ModelMeta, error) {
	m, err := s.getModel(modelID)
	if err != nil {
		return ModelMeta{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta, nil
}

// ModelIDs returns every model this PS currently holds tables for.
func (s *Store) ModelIDs() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint64, 0, len(s.models))
	for id := range s.models {
		ids = append(ids, id)
	}
	return ids
}

// DenseTableForTransfer returns the table for snapshot/restore use by the
// checkpoint and shard-transfer code paths, which need direct access beyond
// the push/pull surface above.
func (s *Store) DenseTableForTransfer(modelID, tableID uint64) (*DenseTable, error) {
	return s.denseTable(modelID, tableID)
}

// SparseTableForTransfer is the sparse analogue of DenseTableForTransfer.
func (s *Store) SparseTableForTransfer(modelID, tableID uint64) (*SparseTable, error) {
	return s.sparseTable(modelID, tableID)
}

// EvictSparseKeys drops keys from tableID, used once shard transfer has
// restored them on their new owner.
func (s *Store) EvictSparseKeys(modelID, tableID uint64, keys []uint64) error {
	st, err := s.sparseTable(modelID, tableID)
	if err != nil {
		return err
	}
	st.DeleteKeys(keys)
	return nil
}
