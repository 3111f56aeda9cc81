package optimizations

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/tsultan16/GPT-Arithmetic/utils"
)

// LayerNorm normalizes each column of a (d x T) activation to zero mean and
// unit variance, then applies the learned affine gamma*xhat + beta.
type LayerNorm struct {
	D     int
	Eps   float64
	Gamma *mat.Dense // (d x 1)
	Beta  *mat.Dense // (d x 1)

	// gradient accumulators, summed across a batch
	DGamma *mat.Dense
	DBeta  *mat.Dense

	// cache from the last train-mode forward
	Xhat   *mat.Dense // (d x T)
	InvStd []float64  // per column

	// Adam moments
	MGamma, VGamma *mat.Dense
	MBeta, VBeta   *mat.Dense
}

func NewLayerNorm(d int, eps float64) *LayerNorm {
	return &LayerNorm{
		D:      d,
		Eps:    eps,
		Gamma:  utils.OnesLike(mat.NewDense(d, 1, nil)),
		Beta:   mat.NewDense(d, 1, nil),
		DGamma: mat.NewDense(d, 1, nil),
		DBeta:  mat.NewDense(d, 1, nil),
		MGamma: mat.NewDense(d, 1, nil),
		VGamma: mat.NewDense(d, 1, nil),
		MBeta:  mat.NewDense(d, 1, nil),
		VBeta:  mat.NewDense(d, 1, nil),
	}
}

// Forward normalizes X (d x T). With train set it caches what Backward
// needs; otherwise it leaves no state behind.
func (ln *LayerNorm) Forward(X *mat.Dense, train bool) *mat.Dense {
	d, T := X.Dims()
	out := mat.NewDense(d, T, nil)
	var xhat *mat.Dense
	var inv []float64
	if train {
		xhat = mat.NewDense(d, T, nil)
		inv = make([]float64, T)
	}
	for t := 0; t < T; t++ {
		mu := 0.0
		for i := 0; i < d; i++ {
			mu += X.At(i, t)
		}
		mu /= float64(d)
		var v float64
		for i := 0; i < d; i++ {
			diff := X.At(i, t) - mu
			v += diff * diff
		}
		v /= float64(d)
		istd := 1.0 / math.Sqrt(v+ln.Eps)
		if train {
			inv[t] = istd
		}
		for i := 0; i < d; i++ {
			n := (X.At(i, t) - mu) * istd
			if train {
				xhat.Set(i, t, n)
			}
			out.Set(i, t, ln.Gamma.At(i, 0)*n+ln.Beta.At(i, 0))
		}
	}
	if train {
		ln.Xhat = xhat
		ln.InvStd = inv
	}
	return out
}

// Backward consumes the cache of the matching train-mode Forward, adds the
// gamma/beta gradients into the accumulators, and returns dX.
func (ln *LayerNorm) Backward(dY *mat.Dense) *mat.Dense {
	d, T := dY.Dims()
	for i := 0; i < d; i++ {
		sumDG := 0.0
		sumDB := 0.0
		for t := 0; t < T; t++ {
			sumDG += dY.At(i, t) * ln.Xhat.At(i, t)
			sumDB += dY.At(i, t)
		}
		ln.DGamma.Set(i, 0, ln.DGamma.At(i, 0)+sumDG)
		ln.DBeta.Set(i, 0, ln.DBeta.At(i, 0)+sumDB)
	}

	dX := mat.NewDense(d, T, nil)
	for t := 0; t < T; t++ {
		istd := ln.InvStd[t]
		sum1 := 0.0
		sum2 := 0.0
		for i := 0; i < d; i++ {
			gy := dY.At(i, t) * ln.Gamma.At(i, 0)
			sum1 += gy
			sum2 += gy * ln.Xhat.At(i, t)
		}
		for i := 0; i < d; i++ {
			gy := dY.At(i, t) * ln.Gamma.At(i, 0)
			dxi := (float64(d)*gy - sum1 - ln.Xhat.At(i, t)*sum2) * (istd / float64(d))
			dX.Set(i, t, dxi)
		}
	}
	return dX
}

// ZeroGrads clears the accumulators before a new batch.
func (ln *LayerNorm) ZeroGrads() {
	ln.DGamma.Zero()
	ln.DBeta.Zero()
}

// Grads lists the accumulators for global-norm clipping.
func (ln *LayerNorm) Grads() []*mat.Dense {
	return []*mat.Dense{ln.DGamma, ln.DBeta}
}

// Step applies one Adam update to gamma and beta. Norm parameters are never
// weight-decayed.
func (ln *LayerNorm) Step(t int, lr, beta1, beta2, eps float64) {
	AdamUpdateInPlace(ln.Gamma, ln.DGamma, ln.MGamma, ln.VGamma, t, lr, beta1, beta2, eps, 0)
	AdamUpdateInPlace(ln.Beta, ln.DBeta, ln.MBeta, ln.VBeta, t, lr, beta1, beta2, eps, 0)
}
