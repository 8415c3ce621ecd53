// Package optim implements the optimizer kernels that transform a gradient,
// a value's current parameter tensor, and that value's optimizer state in
// place. Optimizers are a tagged variant with a single Update operation
// rather than a dynamic-dispatch hierarchy of optimizer types.
package optim

import (
	"fmt"

	"kraken-go/internal/kerr"
	"kraken-go/internal/tensor"
)

// Kind is the closed enumeration of supported optimizers.
type Kind uint8

const (
	SGD Kind = iota
	Adagrad
	RMSprop
	Adam
)

func (k Kind) String() string {
	switch k {
	case SGD:
		return "sgd"
	case Adagrad:
		return "adagrad"
	case RMSprop:
		return "rmsprop"
	case Adam:
		return "adam"
	default:
		return fmt.Sprintf("optim.Kind(%d)", uint8(k))
	}
}

// Config holds the hyperparameters for every optimizer kind; only the
// fields relevant to Kind are read. Defaults match common framework
// defaults and are applied by New when a zero value is supplied for a field
// that must not be zero (Eps, Beta1, Beta2).
type Config struct {
	Eps         float64
	Beta1       float64 // RMSprop square_avg/grad_avg smoothing / Adam first-moment decay
	Beta2       float64 // Adam second-moment decay
	WeightDecay float64
	Centered    bool // RMSprop: also track GradAvg
	AMSGrad     bool // Adam: also track VSqMax
}

// Optimizer is a constructed, ready-to-apply instance of one Kind with its
// hyperparameters resolved from the model's optimizer config at
// construction time.
type Optimizer struct {
	Kind Kind
	Cfg  Config
}

// New builds an Optimizer, filling in standard defaults for any hyperparameter
// left at its zero value.
func New(kind Kind, cfg Config) Optimizer {
	if cfg.Eps == 0 {
		cfg.Eps = 1e-8
	}
	if cfg.Beta1 == 0 {
		switch kind {
		case RMSprop:
			cfg.Beta1 = 0.99
		case Adam:
			cfg.Beta1 = 0.9
		}
	}
	if cfg.Beta2 == 0 && kind == Adam {
		cfg.Beta2 = 0.999
	}
	return Optimizer{Kind: kind, Cfg: cfg}
}

// Update applies one optimizer step to value in place: value.Param is
// mutated using grad and lr, lazily allocating any missing state tensors
// shaped like value.Param. It validates that grad and value.Param agree on
// size and element type before touching state.
func (o Optimizer) Update(grad tensor.Tensor, lr float64, value *tensor.Value) error {
	if grad.Size() != value.Param.Size() {
		return fmt.Errorf("optim: %w: grad size %d != value size %d", kerr.ErrShapeMismatch, grad.Size(), value.Param.Size())
	}
	if grad.ElementType() != value.Param.ElementType() {
		return fmt.Errorf("optim: %w: grad %s != value %s", kerr.ErrElementTypeMismatch, grad.ElementType(), value.Param.ElementType())
	}
	switch o.Kind {
	case SGD:
		return o.updateSGD(grad, lr, value)
	case Adagrad:
		return o.updateAdagrad(grad, lr, value)
	case RMSprop:
		return o.updateRMSprop(grad, lr, value)
	case Adam:
		return o.updateAdam(grad, lr, value)
	default:
		return fmt.Errorf("optim: unknown kind %v", o.Kind)
	}
}
