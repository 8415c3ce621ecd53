package worker

import (
	"errors"

	"kraken-go/internal/tensor"
)

// EmitterKind selects how a worker encodes a gradient before it leaves the
// process, independent of the PS-facing wire format.
type EmitterKind uint8

const (
	// EmitterDefault sends the gradient tensor as-is.
	EmitterDefault EmitterKind = iota
	// EmitterDCT applies a frequency-domain transform to the gradient
	// before sending it, trading bandwidth for reconstruction error.
	EmitterDCT
)

// Emitter transforms a gradient immediately before PushDense/PushSparse
// hands it to the wire. A non-default emitter may also accumulate part of
// the gradient locally (a residual) and emit only what it drops on this
// call, so Emit takes and returns the tensor that will actually be pushed.
type Emitter interface {
	Emit(grad tensor.Tensor) (tensor.Tensor, error)
}

type defaultEmitter struct{}

func (defaultEmitter) Emit(grad tensor.Tensor) (tensor.Tensor, error) { return grad, nil }

// dctEmitter is the plug point for discrete-cosine-transform gradient
// compression; encoding and residual accumulation are not implemented here.
type dctEmitter struct{}

func (dctEmitter) Emit(tensor.Tensor) (tensor.Tensor, error) {
	return tensor.Tensor{}, errors.New("worker: DCT emitter is not implemented")
}

// NewEmitter constructs the Emitter for kind.
func NewEmitter(kind EmitterKind) Emitter {
	switch kind {
	case EmitterDCT:
		return dctEmitter{}
	default:
		return defaultEmitter{}
	}
}
