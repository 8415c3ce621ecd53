package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// This file is the minimal numeric kernel surface the optimizer package
// consumes: element-wise add/sub/mul/div/sqrt/max plus random initializers,
// not a general tensor library, so it only supports the float element types
// optimizer state actually uses.

// AddInPlace computes dst += src elementwise. dst and src must share shape
// and element type.
func AddInPlace(dst, src Tensor) error {
	return binaryInPlace(dst, src, func(a, b float64) float64 { return a + b })
}

// SubInPlace computes dst -= src elementwise.
func SubInPlace(dst, src Tensor) error {
	return binaryInPlace(dst, src, func(a, b float64) float64 { return a - b })
}

// MulInPlace computes dst *= src elementwise.
func MulInPlace(dst, src Tensor) error {
	return binaryInPlace(dst, src, func(a, b float64) float64 { return a * b })
}

// DivInPlace computes dst /= src elementwise.
func DivInPlace(dst, src Tensor) error {
	return binaryInPlace(dst, src, func(a, b float64) float64 { return a / b })
}

// MaxInPlace computes dst = max(dst, src) elementwise.
func MaxInPlace(dst, src Tensor) error {
	return binaryInPlace(dst, src, math.Max)
}

// ScaleInPlace computes dst *= scalar elementwise.
func ScaleInPlace(dst Tensor, scalar float64) error {
	return unaryInPlace(dst, func(a float64) float64 { return a * scalar })
}

// AddConstInPlace computes dst += scalar elementwise.
func AddConstInPlace(dst Tensor, scalar float64) error {
	return unaryInPlace(dst, func(a float64) float64 { return a + scalar })
}

// AddScaledInPlace computes dst += src * scalar elementwise (used by SGD and
// as a building block by the other kernels).
func AddScaledInPlace(dst, src Tensor, scalar float64) error {
	return binaryInPlace(dst, src, func(a, b float64) float64 { return a + b*scalar })
}

// SquareInPlace computes dst = dst^2 elementwise.
func SquareInPlace(dst Tensor) error {
	return unaryInPlace(dst, func(a float64) float64 { return a * a })
}

// SqrtInPlace computes dst = sqrt(dst) elementwise.
func SqrtInPlace(dst Tensor) error {
	return unaryInPlace(dst, math.Sqrt)
}

func binaryInPlace(dst, src Tensor, f func(a, b float64) float64) error {
	if dst.etype != src.etype {
		return fmt.Errorf("tensor: element type mismatch: %s vs %s", dst.etype, src.etype)
	}
	if dst.Size() != src.Size() {
		return fmt.Errorf("tensor: size mismatch: %d vs %d", dst.Size(), src.Size())
	}
	switch dst.etype {
	case F32:
		d, s := dst.Float32(), src.Float32()
		for i := range d {
			d[i] = float32(f(float64(d[i]), float64(s[i])))
		}
	case F64:
		d, s := dst.Float64(), src.Float64()
		for i := range d {
			d[i] = f(d[i], s[i])
		}
	default:
		return fmt.Errorf("tensor: arithmetic unsupported for element type %s", dst.etype)
	}
	return nil
}

func unaryInPlace(dst Tensor, f func(a float64) float64) error {
	switch dst.etype {
	case F32:
		d := dst.Float32()
		for i := range d {
			d[i] = float32(f(float64(d[i])))
		}
	case F64:
		d := dst.Float64()
		for i := range d {
			d[i] = f(d[i])
		}
	default:
		return fmt.Errorf("tensor: arithmetic unsupported for element type %s", dst.etype)
	}
	return nil
}

// InitializerKind is the closed set of sparse-table initializers.
type InitializerKind uint8

const (
	InitZero InitializerKind = iota
	InitConstant
	InitUniform
	InitNormal
)

// Initializer produces the parameter tensor for a freshly materialized
// sparse entry. Config keys are read once at table registration.
type Initializer struct {
	Kind   InitializerKind
	Config map[string]float64 // "value" for Constant, "lower"/"upper" for Uniform, "mean"/"std" for Normal
	rng    *rand.Rand
}

// NewInitializer builds an Initializer; a nil rng defaults to a
// package-seeded source (tests usually supply a deterministic *rand.Rand).
func NewInitializer(kind InitializerKind, config map[string]float64, rng *rand.Rand) Initializer {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return Initializer{Kind: kind, Config: config, rng: rng}
}

// Apply fills t in place per the initializer's kind and returns t.
func (init Initializer) Apply(t Tensor) Tensor {
	switch init.Kind {
	case InitZero:
		return t.Zero()
	case InitConstant:
		v := init.Config["value"]
		fillConstant(t, v)
	case InitUniform:
		lower, upper := init.Config["lower"], init.Config["upper"]
		fillFunc(t, init.rng, func(r *rand.Rand) float64 { return lower + r.Float64()*(upper-lower) })
	case InitNormal:
		mean, std := init.Config["mean"], init.Config["std"]
		fillFunc(t, init.rng, func(r *rand.Rand) float64 { return mean + r.NormFloat64()*std })
	default:
		t.Zero()
	}
	return t
}

func fillConstant(t Tensor, v float64) {
	switch t.etype {
	case F32:
		d := t.Float32()
		for i := range d {
			d[i] = float32(v)
		}
	case F64:
		d := t.Float64()
		for i := range d {
			d[i] = v
		}
	}
}

func fillFunc(t Tensor, rng *rand.Rand, f func(*rand.Rand) float64) {
	switch t.etype {
	case F32:
		d := t.Float32()
		for i := range d {
			d[i] = float32(f(rng))
		}
	case F64:
		d := t.Float64()
		for i := range d {
			d[i] = f(rng)
		}
	}
}
