package table

import (
	"fmt"
	"sync"

	"kraken-go/internal/kerr"
	"kraken-go/internal/optim"
	"kraken-go/internal/tensor"
)

// DenseTable is a single fixed-shape tensor parameter plus optimizer state,
// living in full on exactly one PS and guarded by one read-mostly lock.
type DenseTable struct {
	meta TableMeta
	mu   sync.RWMutex
	val  tensor.Value
}

// NewDenseTable constructs a DenseTable already populated with an initial
// value tensor.
func NewDenseTable(meta TableMeta, initial tensor.Tensor) *DenseTable {
	return &DenseTable{meta: meta, val: tensor.NewValue(initial)}
}

func (t *DenseTable) Meta() TableMeta { return t.meta }

// Pull returns a deep copy of the current parameter tensor, taken under the
// table's read lock. Optimizer state is never returned from Pull.
func (t *DenseTable) Pull() tensor.Tensor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.val.Param.Clone()
}

// Push validates grad against the current value then applies o.Update in
// place under the table's write lock.
func (t *DenseTable) Push(o optim.Optimizer, grad tensor.Tensor, lr float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if grad.Shape().Size() != t.val.Param.Shape().Size() || grad.Shape().NDims() != t.val.Param.Shape().NDims() || !grad.Shape().Equal(t.val.Param.Shape()) {
		return fmt.Errorf("table: dense push on %q: %w", t.meta.Name, kerr.ErrShapeMismatch)
	}
	if grad.ElementType() != t.val.Param.ElementType() {
		return fmt.Errorf("table: dense push on %q: %w", t.meta.Name, kerr.ErrElementTypeMismatch)
	}
	if err := o.Update(grad, lr, &t.val); err != nil {
		return fmt.Errorf("table: dense push on %q: %w", t.meta.Name, err)
	}
	return nil
}

// TryFetch returns a clone of the full Value (parameter + state), used by
// the read-only debug-inspector plug point.
func (t *DenseTable) TryFetch() tensor.Value {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.val.Clone()
}

// Snapshot returns a deep copy of the value for checkpointing.
func (t *DenseTable) Snapshot() tensor.Value {
	return t.TryFetch()
}

// Restore replaces the table's value wholesale, used when loading a
// checkpoint.
func (t *DenseTable) Restore(val tensor.Value) {
	t.mu.Lock()
	t.val = val
	t.mu.Unlock()
}
