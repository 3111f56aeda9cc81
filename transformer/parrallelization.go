package transformer

import (
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/tsultan16/GPT-Arithmetic/data"
	"github.com/tsultan16/GPT-Arithmetic/optimizations"
	"github.com/tsultan16/GPT-Arithmetic/utils"
)

// CloneForGrads builds a worker view of the model: weights, Adam moments
// and the causal mask are shared read-only, while gradient accumulators,
// forward caches and the dropout RNG are private. Clones accumulate in
// parallel and never Step; per-head fan-out is disabled in clones because
// the workers already saturate the cores.
func (g *GPT) CloneForGrads(seed int64) *GPT {
	rng := rand.New(rand.NewSource(seed))
	out := &GPT{
		Cfg:    g.Cfg,
		TokEmb: g.TokEmb,
		PosEmb: g.PosEmb,
		Whead:  g.Whead,
		Mask:   g.Mask,
		Blocks: make([]Block, len(g.Blocks)),
		LnF:    cloneLayerNormForGrads(g.LnF),
		DTok:   utils.ZerosLike(g.DTok),
		DPos:   utils.ZerosLike(g.DPos),
		DWhead: utils.ZerosLike(g.DWhead),
		rng:    rng,
	}
	for i := range g.Blocks {
		src := &g.Blocks[i]
		out.Blocks[i] = Block{
			Attn: cloneAttentionForGrads(src.Attn, rng),
			Mlp:  cloneMLPForGrads(src.Mlp, rng),
			Ln1:  cloneLayerNormForGrads(src.Ln1),
			Ln2:  cloneLayerNormForGrads(src.Ln2),
		}
	}
	return out
}

func cloneAttentionForGrads(src *Attention, rng *rand.Rand) *Attention {
	return &Attention{
		H:        src.H,
		DModel:   src.DModel,
		DHead:    src.DHead,
		Drop:     src.Drop,
		Wquery:   src.Wquery,
		Wkey:     src.Wkey,
		Wvalue:   src.Wvalue,
		Woutput:  src.Woutput,
		DWq:      zerosLikeSlice(src.DWq),
		DWk:      zerosLikeSlice(src.DWk),
		DWv:      zerosLikeSlice(src.DWv),
		DWo:      utils.ZerosLike(src.DWo),
		rng:      rng,
		parallel: false,
	}
}

func cloneMLPForGrads(src *MLP, rng *rand.Rand) *MLP {
	return &MLP{
		Inputs:        src.Inputs,
		Hiddens:       src.Hiddens,
		Outputs:       src.Outputs,
		Drop:          src.Drop,
		HiddenWeights: src.HiddenWeights,
		HiddenBias:    src.HiddenBias,
		OutputWeights: src.OutputWeights,
		OutputBias:    src.OutputBias,
		DHiddenW:      utils.ZerosLike(src.DHiddenW),
		DHiddenB:      utils.ZerosLike(src.DHiddenB),
		DOutputW:      utils.ZerosLike(src.DOutputW),
		DOutputB:      utils.ZerosLike(src.DOutputB),
		rng:           rng,
	}
}

func cloneLayerNormForGrads(src *optimizations.LayerNorm) *optimizations.LayerNorm {
	return &optimizations.LayerNorm{
		D:      src.D,
		Eps:    src.Eps,
		Gamma:  src.Gamma,
		Beta:   src.Beta,
		DGamma: utils.ZerosLike(src.DGamma),
		DBeta:  utils.ZerosLike(src.DBeta),
	}
}

func zerosLikeSlice(ms []*mat.Dense) []*mat.Dense {
	out := make([]*mat.Dense, len(ms))
	for i, m := range ms {
		out[i] = utils.ZerosLike(m)
	}
	return out
}

// accumulateParallel shards the batch rows across Workers clones, runs
// forward/backward in each, and folds the clone accumulators back into the
// owner. The loss denominator stays batch-global so the result matches the
// serial path exactly (up to dropout draws).
func (g *GPT) accumulateParallel(b data.Batch) (float64, error) {
	denom := countValid(b)
	if denom == 0 {
		return 0, nil
	}
	inv := 1.0 / float64(denom)

	workers := g.Cfg.Workers
	if workers > len(b.Inputs) {
		workers = len(b.Inputs)
	}

	// clone seeds come off the owner RNG before any goroutine starts
	clones := make([]*GPT, workers)
	for w := range clones {
		clones[w] = g.CloneForGrads(g.rng.Int63())
	}

	sums := make([]float64, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo := w * len(b.Inputs) / workers
		hi := (w + 1) * len(b.Inputs) / workers
		wg.Add(1)
		go func(w, lo, hi int) {
			defer wg.Done()
			shard := data.Batch{Inputs: b.Inputs[lo:hi], Targets: b.Targets[lo:hi]}
			sums[w], errs[w] = clones[w].accumulateScaled(shard, inv)
		}(w, lo, hi)
	}
	wg.Wait()

	total := 0.0
	for w := range clones {
		if errs[w] != nil {
			return 0, errs[w]
		}
		total += sums[w]
		g.mergeGradsFrom(clones[w])
	}
	return total * inv, nil
}

// mergeGradsFrom adds a clone's accumulators into the owner's. Both Grads
// lists walk the same structure, so entries align pairwise.
func (g *GPT) mergeGradsFrom(c *GPT) {
	dst, src := g.Grads(), c.Grads()
	for i := range dst {
		floats.Add(dst[i].RawMatrix().Data, src[i].RawMatrix().Data)
	}
}
