package optim

import (
	"math"

	"kraken-go/internal/tensor"
)

// updateAdam applies the bias-corrected Adam update:
//
//	grad      += weight_decay * param         (if weight_decay != 0, L2 form)
//	m          = beta1*m + (1-beta1)*grad
//	v_sq       = beta2*v_sq + (1-beta2)*grad^2
//	steps++
//	m_hat      = m / (1 - beta1^steps)
//	v_hat      = (amsgrad ? max(v_sq_max, v_sq) : v_sq) / (1 - beta2^steps)
//	v         -= lr * m_hat / (sqrt(v_hat) + eps)
func (o Optimizer) updateAdam(grad tensor.Tensor, lr float64, value *tensor.Value) error {
	beta1, beta2 := o.Cfg.Beta1, o.Cfg.Beta2

	effGrad := grad
	if o.Cfg.WeightDecay != 0 {
		effGrad = grad.Clone()
		decayed := value.Param.Clone()
		if err := tensor.ScaleInPlace(decayed, o.Cfg.WeightDecay); err != nil {
			return err
		}
		if err := tensor.AddInPlace(effGrad, decayed); err != nil {
			return err
		}
	}

	m := value.State(tensor.M)
	if err := tensor.ScaleInPlace(m, beta1); err != nil {
		return err
	}
	if err := tensor.AddScaledInPlace(m, effGrad, 1-beta1); err != nil {
		return err
	}

	vSq := value.State(tensor.VSq)
	if err := tensor.ScaleInPlace(vSq, beta2); err != nil {
		return err
	}
	gradSq := effGrad.Clone()
	if err := tensor.SquareInPlace(gradSq); err != nil {
		return err
	}
	if err := tensor.AddScaledInPlace(vSq, gradSq, 1-beta2); err != nil {
		return err
	}

	value.Scalars[tensor.Step]++
	steps := float64(value.Scalars[tensor.Step])

	denomSrc := vSq
	if o.Cfg.AMSGrad {
		vSqMax := value.State(tensor.VSqMax)
		if err := tensor.MaxInPlace(vSqMax, vSq); err != nil {
			return err
		}
		denomSrc = vSqMax
	}

	mHat := m.Clone()
	if err := tensor.ScaleInPlace(mHat, 1/(1-math.Pow(beta1, steps))); err != nil {
		return err
	}

	vHat := denomSrc.Clone()
	if err := tensor.ScaleInPlace(vHat, 1/(1-math.Pow(beta2, steps))); err != nil {
		return err
	}
	if err := tensor.SqrtInPlace(vHat); err != nil {
		return err
	}
	if err := tensor.AddConstInPlace(vHat, o.Cfg.Eps); err != nil {
		return err
	}

	step := mHat
	if err := tensor.DivInPlace(step, vHat); err != nil {
		return err
	}
	return tensor.AddScaledInPlace(value.Param, step, -lr)
}
