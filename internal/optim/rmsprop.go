package optim

import "kraken-go/internal/tensor"

// updateRMSprop applies the standard exponential-moving-average update:
//
//	square_avg <- beta1*square_avg + (1-beta1)*grad^2
//	if centred:
//	  grad_avg  <- beta1*grad_avg + (1-beta1)*grad
//	  avg       =  square_avg - grad_avg^2
//	else:
//	  avg       =  square_avg
//	v <- v - lr * grad / (sqrt(avg) + eps)
func (o Optimizer) updateRMSprop(grad tensor.Tensor, lr float64, value *tensor.Value) error {
	beta1 := o.Cfg.Beta1
	squareAvg := value.State(tensor.SquareAvg)

	if err := tensor.ScaleInPlace(squareAvg, beta1); err != nil {
		return err
	}
	gradSq := grad.Clone()
	if err := tensor.SquareInPlace(gradSq); err != nil {
		return err
	}
	if err := tensor.AddScaledInPlace(squareAvg, gradSq, 1-beta1); err != nil {
		return err
	}

	avg := squareAvg.Clone()
	if o.Cfg.Centered {
		gradAvg := value.State(tensor.GradAvg)
		if err := tensor.ScaleInPlace(gradAvg, beta1); err != nil {
			return err
		}
		if err := tensor.AddScaledInPlace(gradAvg, grad, 1-beta1); err != nil {
			return err
		}
		gradAvgSq := gradAvg.Clone()
		if err := tensor.SquareInPlace(gradAvgSq); err != nil {
			return err
		}
		if err := tensor.SubInPlace(avg, gradAvgSq); err != nil {
			return err
		}
	}

	if err := tensor.SqrtInPlace(avg); err != nil {
		return err
	}
	if err := tensor.AddConstInPlace(avg, o.Cfg.Eps); err != nil {
		return err
	}

	step := grad.Clone()
	if err := tensor.DivInPlace(step, avg); err != nil {
		return err
	}
	return tensor.AddScaledInPlace(value.Param, step, -lr)
}
