package transformer

import (
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/tsultan16/GPT-Arithmetic/optimizations"
	"github.com/tsultan16/GPT-Arithmetic/utils"
)

// Attention is causal multi-head self-attention over a (dModel x T)
// activation. Heads keep separate projection matrices; their outputs are
// concatenated to (H*dHead x T) and projected back to dModel. Projections
// carry no bias.
type Attention struct {
	H      int
	DModel int
	DHead  int // per-head size
	Drop   float64

	Wquery  []*mat.Dense // per head (dHead x dModel)
	Wkey    []*mat.Dense
	Wvalue  []*mat.Dense
	Woutput *mat.Dense // (dModel x H*dHead)

	// gradient accumulators, summed across a batch
	DWq, DWk, DWv []*mat.Dense
	DWo           *mat.Dense

	// Adam moments
	MWq, VWq []*mat.Dense
	MWk, VWk []*mat.Dense
	MWv, VWv []*mat.Dense
	MWo, VWo *mat.Dense

	// cache for backprop, valid between a train-mode Forward and its
	// Backward
	X       *mat.Dense
	Q, K, V []*mat.Dense
	A       []*mat.Dense // post-softmax attention weights
	AD      []*mat.Dense // weights actually applied (post-dropout)
	DropA   []*mat.Dense // per-head {0, 1/(1-p)} masks, nil without dropout
	OCat    *mat.Dense
	DropO   *mat.Dense

	rng      *rand.Rand
	parallel bool // fan heads out across goroutines
}

// NewAttention builds one attention layer. headSize is the total across
// heads and must divide evenly; callers validate configuration beforehand,
// so a violation here is a programmer error.
func NewAttention(dModel, nHeads, headSize int, drop float64, rng *rand.Rand, parallel bool) *Attention {
	if nHeads < 1 || headSize%nHeads != 0 {
		panic("NewAttention: headSize must divide evenly across heads")
	}
	dHead := headSize / nHeads

	attn := &Attention{
		H:        nHeads,
		DModel:   dModel,
		DHead:    dHead,
		Drop:     drop,
		Wquery:   make([]*mat.Dense, nHeads),
		Wkey:     make([]*mat.Dense, nHeads),
		Wvalue:   make([]*mat.Dense, nHeads),
		DWq:      make([]*mat.Dense, nHeads),
		DWk:      make([]*mat.Dense, nHeads),
		DWv:      make([]*mat.Dense, nHeads),
		MWq:      make([]*mat.Dense, nHeads),
		VWq:      make([]*mat.Dense, nHeads),
		MWk:      make([]*mat.Dense, nHeads),
		VWk:      make([]*mat.Dense, nHeads),
		MWv:      make([]*mat.Dense, nHeads),
		VWv:      make([]*mat.Dense, nHeads),
		Q:        make([]*mat.Dense, nHeads),
		K:        make([]*mat.Dense, nHeads),
		V:        make([]*mat.Dense, nHeads),
		A:        make([]*mat.Dense, nHeads),
		AD:       make([]*mat.Dense, nHeads),
		DropA:    make([]*mat.Dense, nHeads),
		rng:      rng,
		parallel: parallel,
	}
	for h := 0; h < nHeads; h++ {
		attn.Wquery[h] = mat.NewDense(dHead, dModel, utils.RandomArray(dHead*dModel, float64(dModel)))
		attn.Wkey[h] = mat.NewDense(dHead, dModel, utils.RandomArray(dHead*dModel, float64(dModel)))
		attn.Wvalue[h] = mat.NewDense(dHead, dModel, utils.RandomArray(dHead*dModel, float64(dModel)))
		attn.DWq[h] = mat.NewDense(dHead, dModel, nil)
		attn.DWk[h] = mat.NewDense(dHead, dModel, nil)
		attn.DWv[h] = mat.NewDense(dHead, dModel, nil)
		attn.MWq[h] = mat.NewDense(dHead, dModel, nil)
		attn.VWq[h] = mat.NewDense(dHead, dModel, nil)
		attn.MWk[h] = mat.NewDense(dHead, dModel, nil)
		attn.VWk[h] = mat.NewDense(dHead, dModel, nil)
		attn.MWv[h] = mat.NewDense(dHead, dModel, nil)
		attn.VWv[h] = mat.NewDense(dHead, dModel, nil)
	}
	total := nHeads * dHead
	attn.Woutput = mat.NewDense(dModel, total, utils.RandomArray(dModel*total, float64(total)))
	attn.DWo = mat.NewDense(dModel, total, nil)
	attn.MWo = mat.NewDense(dModel, total, nil)
	attn.VWo = mat.NewDense(dModel, total, nil)
	return attn
}

// Forward computes attention over X (dModel x T) under the shared causal
// mask (T x T). Train mode draws dropout masks and caches activations for
// Backward; eval mode touches no state and draws no randomness, so outputs
// at position t depend only on inputs at positions <= t, bit-identically
// across calls.
func (attn *Attention) Forward(X *mat.Dense, mask mat.Matrix, mode Mode) *mat.Dense {
	_, T := X.Dims()
	train := mode == Train
	total := attn.H * attn.DHead
	headsCat := mat.NewDense(total, T, nil)
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	// Dropout masks are drawn serially before fanning out so the head
	// goroutines never touch the RNG.
	dropA := make([]*mat.Dense, attn.H)
	if train && attn.Drop > 0 {
		for h := 0; h < attn.H; h++ {
			dropA[h] = dropoutMask(attn.rng, T, T, attn.Drop)
		}
	}

	Q := make([]*mat.Dense, attn.H)
	K := make([]*mat.Dense, attn.H)
	V := make([]*mat.Dense, attn.H)
	A := make([]*mat.Dense, attn.H)
	AD := make([]*mat.Dense, attn.H)

	work := func(h int) {
		q := mat.NewDense(attn.DHead, T, nil)
		k := mat.NewDense(attn.DHead, T, nil)
		v := mat.NewDense(attn.DHead, T, nil)
		q.Mul(attn.Wquery[h], X)
		k.Mul(attn.Wkey[h], X)
		v.Mul(attn.Wvalue[h], X)

		scores := mat.NewDense(T, T, nil)
		scores.Mul(q.T(), k)
		scores.Scale(rescale, scores)

		a := mat.NewDense(T, T, nil)
		utils.RowSoftmaxMaskedInPlace(a, scores, mask)

		applied := a
		if dropA[h] != nil {
			applied = utils.ToDense(utils.Multiply(a, dropA[h]))
		}

		o := mat.NewDense(attn.DHead, T, nil)
		o.Mul(v, applied.T())
		base := h * attn.DHead
		dst := headsCat.Slice(base, base+attn.DHead, 0, T).(*mat.Dense)
		dst.Copy(o)

		Q[h], K[h], V[h], A[h], AD[h] = q, k, v, a, applied
	}
	if attn.parallel && attn.H > 1 {
		var wg sync.WaitGroup
		wg.Add(attn.H)
		for h := 0; h < attn.H; h++ {
			hh := h
			go func() { defer wg.Done(); work(hh) }()
		}
		wg.Wait()
	} else {
		for h := 0; h < attn.H; h++ {
			work(h)
		}
	}

	Y := utils.ToDense(utils.Dot(attn.Woutput, headsCat)) // (dModel x T)
	var dropO *mat.Dense
	if train && attn.Drop > 0 {
		dropO = dropoutMask(attn.rng, attn.DModel, T, attn.Drop)
		Y = utils.ToDense(utils.Multiply(Y, dropO))
	}

	if train {
		attn.X = X
		attn.Q, attn.K, attn.V = Q, K, V
		attn.A, attn.AD = A, AD
		attn.DropA = dropA
		attn.OCat = headsCat
		attn.DropO = dropO
	}
	return Y
}

// Backward consumes the cache of the matching train-mode Forward,
// accumulates weight gradients, and returns dX.
func (attn *Attention) Backward(dY *mat.Dense) *mat.Dense {
	_, T := attn.X.Dims()
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	if attn.DropO != nil {
		dY = utils.ToDense(utils.Multiply(dY, attn.DropO))
	}

	// Y = Wout * Ocat
	attn.DWo.Add(attn.DWo, utils.ToDense(utils.Dot(dY, attn.OCat.T())))
	dOcat := utils.ToDense(utils.Dot(attn.Woutput.T(), dY))

	dXtotal := mat.NewDense(attn.DModel, T, nil)
	row := 0
	for h := 0; h < attn.H; h++ {
		dO := dOcat.Slice(row, row+attn.DHead, 0, T).(*mat.Dense)
		row += attn.DHead

		// O = V * AD^T
		dV := utils.ToDense(utils.Dot(dO, attn.AD[h]))      // (dHead x T)
		dADt := utils.ToDense(utils.Dot(attn.V[h].T(), dO)) // (T x T)
		var dA mat.Matrix = dADt.T()
		if attn.DropA[h] != nil {
			dA = utils.Multiply(dA, attn.DropA[h])
		}

		// A = softmax_row(S)
		dS := utils.SoftmaxBackward(dA, attn.A[h])

		// S = Q^T K / sqrt(dHead)
		dQ := utils.ToDense(utils.Scale(rescale, utils.Dot(attn.K[h], dS.T())))
		dK := utils.ToDense(utils.Scale(rescale, utils.Dot(attn.Q[h], dS)))

		attn.DWq[h].Add(attn.DWq[h], utils.ToDense(utils.Dot(dQ, attn.X.T())))
		attn.DWk[h].Add(attn.DWk[h], utils.ToDense(utils.Dot(dK, attn.X.T())))
		attn.DWv[h].Add(attn.DWv[h], utils.ToDense(utils.Dot(dV, attn.X.T())))

		dXq := utils.ToDense(utils.Dot(attn.Wquery[h].T(), dQ))
		dXk := utils.ToDense(utils.Dot(attn.Wkey[h].T(), dK))
		dXv := utils.ToDense(utils.Dot(attn.Wvalue[h].T(), dV))
		dXtotal.Add(dXtotal, utils.ToDense(utils.Add(utils.Add(dXq, dXk), dXv)))
	}
	return dXtotal
}

func (attn *Attention) ZeroGrads() {
	for h := 0; h < attn.H; h++ {
		attn.DWq[h].Zero()
		attn.DWk[h].Zero()
		attn.DWv[h].Zero()
	}
	attn.DWo.Zero()
}

// Grads lists every accumulator for global-norm clipping.
func (attn *Attention) Grads() []*mat.Dense {
	out := []*mat.Dense{attn.DWo}
	for h := 0; h < attn.H; h++ {
		out = append(out, attn.DWq[h], attn.DWk[h], attn.DWv[h])
	}
	return out
}

// Step applies one Adam update to every projection.
func (attn *Attention) Step(t int, lr, beta1, beta2, eps, weightDecay float64) {
	for h := 0; h < attn.H; h++ {
		optimizations.AdamUpdateInPlace(attn.Wquery[h], attn.DWq[h], attn.MWq[h], attn.VWq[h],
			t, lr, beta1, beta2, eps, weightDecay)
		optimizations.AdamUpdateInPlace(attn.Wkey[h], attn.DWk[h], attn.MWk[h], attn.VWk[h],
			t, lr, beta1, beta2, eps, weightDecay)
		optimizations.AdamUpdateInPlace(attn.Wvalue[h], attn.DWv[h], attn.MWv[h], attn.VWv[h],
			t, lr, beta1, beta2, eps, weightDecay)
	}
	optimizations.AdamUpdateInPlace(attn.Woutput, attn.DWo, attn.MWo, attn.VWo,
		t, lr, beta1, beta2, eps, weightDecay)
}
