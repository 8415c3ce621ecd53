package tensor

import (
	"fmt"
	"unsafe"
)

// Tensor is (shape, element type, shared storage, byte offset). Storage may
// be shared by more than one Tensor view (e.g. Vector returns a row that
// aliases the parent's storage); mutating a view mutates the underlying
// bytes every other view over the same storage observes.
type Tensor struct {
	storage *Storage
	offset  int64 // byte offset into storage
	shape   Shape
	etype   ElementType
}

// New allocates a fresh, zeroed Tensor of shape on device.
func New(device Device, shape Shape, etype ElementType) Tensor {
	n := shape.Size() * int64(etype.ByteWidth())
	return Tensor{storage: NewStorage(device, n), offset: 0, shape: shape, etype: etype}
}

// FromStorage builds a Tensor view over an existing storage at a byte
// offset, mirroring kraken's Tensor::Create(storage, offset, shape, etype).
func FromStorage(storage *Storage, offset int64, shape Shape, etype ElementType) Tensor {
	return Tensor{storage: storage, offset: offset, shape: shape, etype: etype}
}

func (t Tensor) Shape() Shape             { return t.shape }
func (t Tensor) ElementType() ElementType { return t.etype }
func (t Tensor) Offset() int64            { return t.offset }
func (t Tensor) Size() int64              { return t.shape.Size() }
func (t Tensor) NumBytes() int64          { return t.Size() * int64(t.etype.ByteWidth()) }
func (t Tensor) Dim(axis int) int64       { return t.shape.Dim(axis) }

// IsValid reports whether the tensor has backing storage.
func (t Tensor) IsValid() bool { return t.storage != nil }

// raw returns the byte window this tensor occupies within its storage.
func (t Tensor) raw() []byte {
	return t.storage.Bytes()[t.offset : t.offset+t.NumBytes()]
}

// Float32 reinterprets the tensor's bytes as a []float32 view that aliases
// the underlying storage; writes through the slice mutate the tensor.
// Panics if the element type is not F32.
func (t Tensor) Float32() []float32 {
	if t.etype != F32 {
		panic(fmt.Sprintf("tensor: Float32 called on %s tensor", t.etype))
	}
	b := t.raw()
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), t.Size())
}

// Float64 reinterprets the tensor's bytes as a []float64 view, analogous to
// Float32.
func (t Tensor) Float64() []float64 {
	if t.etype != F64 {
		panic(fmt.Sprintf("tensor: Float64 called on %s tensor", t.etype))
	}
	b := t.raw()
	return unsafe.Slice((*float64)(unsafe.Pointer(&b[0])), t.Size())
}

// Reshape returns a view over the same storage with a new shape of equal
// size.
func (t Tensor) Reshape(shape Shape) (Tensor, error) {
	if shape.Size() != t.Size() {
		return Tensor{}, fmt.Errorf("tensor: reshape size mismatch: have %d want %d", t.Size(), shape.Size())
	}
	return Tensor{storage: t.storage, offset: t.offset, shape: shape, etype: t.etype}, nil
}

// Vector returns a row view of a matrix tensor: row idx of a [rows, cols]
// tensor, aliasing the parent's storage (kraken's Tensor::Vector). The
// tensor must be rank 2.
func (t Tensor) Vector(idx int64) (Tensor, error) {
	if t.shape.NDims() != 2 {
		return Tensor{}, fmt.Errorf("tensor: Vector requires rank-2 tensor, got rank %d", t.shape.NDims())
	}
	if idx < 0 || idx >= t.shape.Dim(0) {
		return Tensor{}, fmt.Errorf("tensor: Vector index %d out of range [0,%d)", idx, t.shape.Dim(0))
	}
	cols := t.shape.Dim(1)
	rowOffset := t.offset + idx*cols*int64(t.etype.ByteWidth())
	return Tensor{storage: t.storage, offset: rowOffset, shape: NewShape(cols), etype: t.etype}, nil
}

// Like returns a fresh zeroed tensor with the same shape/element type/device
// as t, with independent storage.
func (t Tensor) Like() Tensor {
	return New(t.storage.Device(), t.shape, t.etype)
}

// Clone returns a deep, independent copy of t.
func (t Tensor) Clone() Tensor {
	out := t.Like()
	copy(out.raw(), t.raw())
	return out
}

// Zero sets every element of t to zero in place and returns t.
func (t Tensor) Zero() Tensor {
	b := t.raw()
	for i := range b {
		b[i] = 0
	}
	return t
}

func (t Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, etype=%s)", t.shape.Dims(), t.etype)
}
