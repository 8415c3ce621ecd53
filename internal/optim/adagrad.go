package optim

import "kraken-go/internal/tensor"

// updateAdagrad applies:
//
//	state_sum += grad^2
//	v         -= lr * grad / (sqrt(state_sum) + eps)
func (o Optimizer) updateAdagrad(grad tensor.Tensor, lr float64, value *tensor.Value) error {
	stateSum := value.State(tensor.StateSum)

	gradSq := grad.Clone()
	if err := tensor.SquareInPlace(gradSq); err != nil {
		return err
	}
	if err := tensor.AddInPlace(stateSum, gradSq); err != nil {
		return err
	}

	denom := stateSum.Clone()
	if err := tensor.SqrtInPlace(denom); err != nil {
		return err
	}
	if err := tensor.AddConstInPlace(denom, o.Cfg.Eps); err != nil {
		return err
	}

	step := grad.Clone()
	if err := tensor.DivInPlace(step, denom); err != nil {
		return err
	}
	return tensor.AddScaledInPlace(value.Param, step, -lr)
}
