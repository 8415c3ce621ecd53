package optim

import "kraken-go/internal/tensor"

// updateSGD applies v <- v - lr*grad. SGD carries no optimizer state,
// grounded directly on kraken's ps/sgd_optim.cc: `*var -= (grad * lr)`.
func (o Optimizer) updateSGD(grad tensor.Tensor, lr float64, value *tensor.Value) error {
	return tensor.AddScaledInPlace(value.Param, grad, -lr)
}
