package transformer

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/tsultan16/GPT-Arithmetic/optimizations"
	"github.com/tsultan16/GPT-Arithmetic/utils"
)

// MLP is the position-wise feed-forward half of a block:
// relu(W1*x + b1) expanded to the hidden width, projected back to dModel,
// with train-mode dropout on the projection output.
type MLP struct {
	Inputs, Hiddens, Outputs  int
	Drop                      float64
	HiddenWeights, HiddenBias *mat.Dense // (hidden x in), (hidden x 1)
	OutputWeights, OutputBias *mat.Dense // (out x hidden), (out x 1)

	// gradient accumulators, summed across a batch
	DHiddenW, DHiddenB *mat.Dense
	DOutputW, DOutputB *mat.Dense

	// Adam moments
	MHiddenW, VHiddenW *mat.Dense
	MHiddenB, VHiddenB *mat.Dense
	MOutputW, VOutputW *mat.Dense
	MOutputB, VOutputB *mat.Dense

	// cache for backprop
	lastInput     *mat.Dense
	hiddenPreAct  *mat.Dense
	hiddenOutputs *mat.Dense
	dropMaskOut   *mat.Dense

	rng *rand.Rand
}

func NewMLP(inputs, hiddens, outputs int, drop float64, rng *rand.Rand) *MLP {
	return &MLP{
		Inputs:  inputs,
		Hiddens: hiddens,
		Outputs: outputs,
		Drop:    drop,

		HiddenWeights: mat.NewDense(hiddens, inputs, utils.RandomArray(hiddens*inputs, float64(inputs))),
		HiddenBias:    mat.NewDense(hiddens, 1, nil),
		OutputWeights: mat.NewDense(outputs, hiddens, utils.RandomArray(outputs*hiddens, float64(hiddens))),
		OutputBias:    mat.NewDense(outputs, 1, nil),

		DHiddenW: mat.NewDense(hiddens, inputs, nil),
		DHiddenB: mat.NewDense(hiddens, 1, nil),
		DOutputW: mat.NewDense(outputs, hiddens, nil),
		DOutputB: mat.NewDense(outputs, 1, nil),

		MHiddenW: mat.NewDense(hiddens, inputs, nil),
		VHiddenW: mat.NewDense(hiddens, inputs, nil),
		MHiddenB: mat.NewDense(hiddens, 1, nil),
		VHiddenB: mat.NewDense(hiddens, 1, nil),
		MOutputW: mat.NewDense(outputs, hiddens, nil),
		VOutputW: mat.NewDense(outputs, hiddens, nil),
		MOutputB: mat.NewDense(outputs, 1, nil),
		VOutputB: mat.NewDense(outputs, 1, nil),

		rng: rng,
	}
}

func (mlp *MLP) Forward(X *mat.Dense, mode Mode) *mat.Dense {
	train := mode == Train

	hiddenLin := utils.ToDense(utils.Dot(mlp.HiddenWeights, X)) // (h x T)
	hiddenPre := utils.AddBias(hiddenLin, mlp.HiddenBias)
	hidden := utils.Apply(utils.ReluApply, hiddenPre).(*mat.Dense)
	finalLin := utils.ToDense(utils.Dot(mlp.OutputWeights, hidden)) // (d x T)
	out := utils.AddBias(finalLin, mlp.OutputBias)

	var dropOut *mat.Dense
	if train && mlp.Drop > 0 {
		r, c := out.Dims()
		dropOut = dropoutMask(mlp.rng, r, c, mlp.Drop)
		out = utils.ToDense(utils.Multiply(out, dropOut))
	}

	if train {
		mlp.lastInput = X
		mlp.hiddenPreAct = hiddenPre
		mlp.hiddenOutputs = hidden
		mlp.dropMaskOut = dropOut
	}
	return out
}

// Backward accumulates weight and bias gradients (biases sum over time) and
// returns dX.
func (mlp *MLP) Backward(grad *mat.Dense) *mat.Dense {
	if mlp.dropMaskOut != nil {
		grad = utils.ToDense(utils.Multiply(grad, mlp.dropMaskOut))
	}

	mlp.DOutputW.Add(mlp.DOutputW, utils.ToDense(utils.Dot(grad, mlp.hiddenOutputs.T())))
	_, T := grad.Dims()
	for i := 0; i < mlp.Outputs; i++ {
		s := 0.0
		for t := 0; t < T; t++ {
			s += grad.At(i, t)
		}
		mlp.DOutputB.Set(i, 0, mlp.DOutputB.At(i, 0)+s)
	}

	hiddenGradOut := utils.ToDense(utils.Dot(mlp.OutputWeights.T(), grad))
	hiddenErrors := utils.Multiply(hiddenGradOut, utils.ReluPrime(mlp.hiddenPreAct)).(*mat.Dense)

	mlp.DHiddenW.Add(mlp.DHiddenW, utils.ToDense(utils.Dot(hiddenErrors, mlp.lastInput.T())))
	for i := 0; i < mlp.Hiddens; i++ {
		s := 0.0
		for t := 0; t < T; t++ {
			s += hiddenErrors.At(i, t)
		}
		mlp.DHiddenB.Set(i, 0, mlp.DHiddenB.At(i, 0)+s)
	}

	return utils.ToDense(utils.Dot(mlp.HiddenWeights.T(), hiddenErrors))
}

func (mlp *MLP) ZeroGrads() {
	mlp.DHiddenW.Zero()
	mlp.DHiddenB.Zero()
	mlp.DOutputW.Zero()
	mlp.DOutputB.Zero()
}

func (mlp *MLP) Grads() []*mat.Dense {
	return []*mat.Dense{mlp.DHiddenW, mlp.DHiddenB, mlp.DOutputW, mlp.DOutputB}
}

// Step applies one Adam update; weight decay touches weights only, never
// biases.
func (mlp *MLP) Step(t int, lr, beta1, beta2, eps, weightDecay float64) {
	optimizations.AdamUpdateInPlace(mlp.HiddenWeights, mlp.DHiddenW, mlp.MHiddenW, mlp.VHiddenW,
		t, lr, beta1, beta2, eps, weightDecay)
	optimizations.AdamUpdateInPlace(mlp.HiddenBias, mlp.DHiddenB, mlp.MHiddenB, mlp.VHiddenB,
		t, lr, beta1, beta2, eps, 0)
	optimizations.AdamUpdateInPlace(mlp.OutputWeights, mlp.DOutputW, mlp.MOutputW, mlp.VOutputW,
		t, lr, beta1, beta2, eps, weightDecay)
	optimizations.AdamUpdateInPlace(mlp.OutputBias, mlp.DOutputB, mlp.MOutputB, mlp.VOutputB,
		t, lr, beta1, beta2, eps, 0)
}

// dropoutMask draws an inverted-dropout mask: entries are 1/(1-p) with
// probability 1-p, else 0, so train-time expectations match eval.
func dropoutMask(rng *rand.Rand, r, c int, p float64) *mat.Dense {
	keep := 1.0 - p
	scale := 1.0 / keep
	m := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if rng.Float64() < keep {
				m.Set(i, j, scale)
			}
		}
	}
	return m
}
