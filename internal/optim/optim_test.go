package optim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"kraken-go/internal/tensor"
)

func vec(device tensor.Device, vals ...float32) tensor.Tensor {
	t := tensor.New(device, tensor.NewShape(int64(len(vals))), tensor.F32)
	copy(t.Float32(), vals)
	return t
}

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// TestSGDDenseRoundTrip pushes [1,1,1,1] with lr=0.1 onto an initial
// [1,1,1,1] value and expects [0.9,0.9,0.9,0.9].
func TestSGDDenseRoundTrip(t *testing.T) {
	device := tensor.NewCPUDevice(0)
	param := vec(device, 1, 1, 1, 1)
	value := tensor.NewValue(param)

	grad := vec(device, 1, 1, 1, 1)
	o := New(SGD, Config{})
	if err := o.Update(grad, 0.1, &value); err != nil {
		t.Fatalf("update: %v", err)
	}

	got := value.Param.Float32()
	for i, g := range got {
		if !almostEqual(float64(g), 0.9, 1e-6) {
			t.Fatalf("elem %d: got %v want 0.9", i, g)
		}
	}
}

// TestAdagradSparse checks the accumulated-squared-gradient update across
// two successive pushes onto the same sparse row.
func TestAdagradSparse(t *testing.T) {
	device := tensor.NewCPUDevice(0)
	param := vec(device, 0, 0)
	value := tensor.NewValue(param)

	o := New(Adagrad, Config{Eps: 1e-8})
	grad := vec(device, 2, 2)

	if err := o.Update(grad, 1.0, &value); err != nil {
		t.Fatalf("update 1: %v", err)
	}
	got := value.Param.Float32()
	for i, g := range got {
		if !almostEqual(float64(g), -1.0, 1e-5) {
			t.Fatalf("after first push, elem %d: got %v want -1", i, g)
		}
	}

	grad2 := vec(device, 2, 2)
	if err := o.Update(grad2, 1.0, &value); err != nil {
		t.Fatalf("update 2: %v", err)
	}
	got = value.Param.Float32()
	want := -1.707107
	for i, g := range got {
		if !almostEqual(float64(g), want, 1e-4) {
			t.Fatalf("after second push, elem %d: got %v want %v", i, g, want)
		}
	}
}

// TestOptimizerPurity checks that repeated Update calls from an identical
// starting state yield an identical resulting value.
func TestOptimizerPurity(t *testing.T) {
	device := tensor.NewCPUDevice(0)
	o := New(Adam, Config{})

	run := func() []float32 {
		param := vec(device, 0.5, -0.25, 3)
		value := tensor.NewValue(param)
		grad := vec(device, 0.1, 0.2, -0.3)
		require.NoError(t, o.Update(grad, 0.01, &value))
		return append([]float32(nil), value.Param.Float32()...)
	}

	a, b := run(), run()
	require.Equal(t, a, b, "identical starting state must yield an identical result")
}

func TestUpdateShapeMismatch(t *testing.T) {
	device := tensor.NewCPUDevice(0)
	param := vec(device, 1, 2, 3)
	value := tensor.NewValue(param)
	grad := vec(device, 1, 2)

	o := New(SGD, Config{})
	if err := o.Update(grad, 0.1, &value); err == nil {
		t.Fatalf("expected shape mismatch error")
	}
}

func TestRMSpropCenteredAllocatesGradAvg(t *testing.T) {
	device := tensor.NewCPUDevice(0)
	param := vec(device, 1, 1)
	value := tensor.NewValue(param)
	grad := vec(device, 0.5, 0.5)

	o := New(RMSprop, Config{Centered: true})
	if err := o.Update(grad, 0.1, &value); err != nil {
		t.Fatalf("update: %v", err)
	}
	if !value.HasState(tensor.GradAvg) {
		t.Fatalf("expected GradAvg state to be allocated for centered rmsprop")
	}
}
