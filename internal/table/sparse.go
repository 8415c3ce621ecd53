package table

import (
	"fmt"
	"sync/atomic"

	"kraken-go/internal/kerr"
	"kraken-go/internal/optim"
	"kraken-go/internal/tensor"
)

// SparseTable is a concurrent mapping from u64 sparse_key to Value, lazily
// initialized on first reference. The key map is lock-striped so
// pushes/pulls on disjoint keys don't contend.
type SparseTable struct {
	meta   TableMeta
	device tensor.Device
	init   tensor.Initializer
	keys   *StripedMap[tensor.Value]
	size   atomic.Int64
}

// NewSparseTable constructs an empty SparseTable. stripes is rounded up to
// a power of two by StripedMap; pass 0 for DefaultStripes.
func NewSparseTable(meta TableMeta, device tensor.Device, init tensor.Initializer, stripes int) *SparseTable {
	if stripes <= 0 {
		stripes = DefaultStripes
	}
	return &SparseTable{meta: meta, device: device, init: init, keys: NewStripedMap[tensor.Value](stripes)}
}

func (t *SparseTable) Meta() TableMeta { return t.meta }

// Len returns the number of materialized keys.
func (t *SparseTable) Len() int { return int(t.size.Load()) }

func (t *SparseTable) newValue() tensor.Value {
	param := tensor.New(t.device, tensor.NewShape(t.meta.Dim), t.meta.EType)
	t.init.Apply(param)
	return tensor.NewValue(param)
}

// Pull materializes key if absent (initializing via the table's
// initializer, exactly one of N concurrent callers wins) and returns a
// clone.
func (t *SparseTable) Pull(key uint64) tensor.Value {
	v, created := t.keys.UpsertWithInit(key, t.newValue)
	if created {
		t.size.Add(1)
	}
	return v.Clone()
}

// PullMany pulls a batch of keys, preserving request order.
func (t *SparseTable) PullMany(keys []uint64) []tensor.Value {
	out := make([]tensor.Value, len(keys))
	for i, k := range keys {
		out[i] = t.Pull(k)
	}
	return out
}

// Push upserts key (initializing if absent), validates the gradient row
// size, and applies o.Update under the key's stripe lock; concurrent pushes
// to different keys proceed in parallel, same-key pushes serialize.
func (t *SparseTable) Push(o optim.Optimizer, key uint64, gradRow tensor.Tensor, lr float64) error {
	if gradRow.Size() != t.meta.Dim {
		return fmt.Errorf("table: sparse push on %q key %d: %w", t.meta.Name, key, kerr.ErrShapeMismatch)
	}
	if gradRow.ElementType() != t.meta.EType {
		return fmt.Errorf("table: sparse push on %q key %d: %w", t.meta.Name, key, kerr.ErrElementTypeMismatch)
	}

	var created bool
	var updateErr error
	t.keys.WithLock(key, func() tensor.Value {
		created = true
		return t.newValue()
	}, func(v tensor.Value) tensor.Value {
		if err := o.Update(gradRow, lr, &v); err != nil {
			updateErr = err
		}
		return v
	})
	if created {
		t.size.Add(1)
	}
	if updateErr != nil {
		return fmt.Errorf("table: sparse push on %q key %d: %w", t.meta.Name, key, updateErr)
	}
	return nil
}

// TryFetch returns, for each requested key, whether it currently exists and
// its cloned Value if so — without materializing absent keys.
func (t *SparseTable) TryFetch(keys []uint64) (existing []uint64, values []tensor.Value) {
	for _, k := range keys {
		if v, ok := t.keys.Get(k); ok {
			existing = append(existing, k)
			values = append(values, v.Clone())
		}
	}
	return existing, values
}

// Snapshot returns every (key, Value) pair currently materialized, for
// checkpointing and shard transfer.
func (t *SparseTable) Snapshot() map[uint64]tensor.Value {
	return t.keys.Snapshot()
}

// Restore inserts key/value pairs wholesale, used when loading a checkpoint
// or receiving a shard-transfer stream.
func (t *SparseTable) Restore(key uint64, v tensor.Value) {
	t.keys.Set(key, v)
	t.size.Add(1)
}

// DeleteKeys drops keys, used once shard transfer has confirmed they were
// restored on their new owner.
func (t *SparseTable) DeleteKeys(keys []uint64) {
	for _, k := range keys {
		if t.keys.Contains(k) {
			t.keys.Delete(k)
			t.size.Add(-1)
		}
	}
}
