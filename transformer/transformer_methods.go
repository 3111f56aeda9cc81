// Package transformer implements the decoder-only stack: embeddings,
// pre-norm residual blocks, the language-model head, training with
// hand-written backpropagation, and sampling.
package transformer

import (
	"errors"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/tsultan16/GPT-Arithmetic/data"
	"github.com/tsultan16/GPT-Arithmetic/optimizations"
	"github.com/tsultan16/GPT-Arithmetic/params"
	"github.com/tsultan16/GPT-Arithmetic/utils"
)

// Mode selects forward behavior explicitly; there is no ambient global
// state. Train caches activations and draws dropout; Eval is a pure
// function of the inputs and leaves no state behind.
type Mode int

const (
	Train Mode = iota
	Eval
)

// ErrContextOverflow is wrapped when a forward pass receives more tokens
// than the configured context window.
var ErrContextOverflow = errors.New("context window overflow")

// Block is one pre-norm residual layer: x + Attn(LN1(x)), then
// a + MLP(LN2(a)). Residuals are plain sums.
type Block struct {
	Attn *Attention
	Mlp  *MLP
	Ln1  *optimizations.LayerNorm
	Ln2  *optimizations.LayerNorm
}

func (b *Block) Forward(X *mat.Dense, mask mat.Matrix, mode Mode) *mat.Dense {
	train := mode == Train
	a := utils.ToDense(utils.Add(X, b.Attn.Forward(b.Ln1.Forward(X, train), mask, mode)))
	return utils.ToDense(utils.Add(a, b.Mlp.Forward(b.Ln2.Forward(a, train), mode)))
}

// Backward mirrors the two residual junctions: the incoming gradient flows
// both straight through and through each sub-layer.
func (b *Block) Backward(grad *mat.Dense) *mat.Dense {
	dA := utils.ToDense(utils.Add(grad, b.Ln2.Backward(b.Mlp.Backward(grad))))
	return utils.ToDense(utils.Add(dA, b.Ln1.Backward(b.Attn.Backward(dA))))
}

func (b *Block) ZeroGrads() {
	b.Attn.ZeroGrads()
	b.Mlp.ZeroGrads()
	b.Ln1.ZeroGrads()
	b.Ln2.ZeroGrads()
}

func (b *Block) Grads() []*mat.Dense {
	out := b.Attn.Grads()
	out = append(out, b.Mlp.Grads()...)
	out = append(out, b.Ln1.Grads()...)
	out = append(out, b.Ln2.Grads()...)
	return out
}

func (b *Block) Step(t int, lr, beta1, beta2, eps, weightDecay float64) {
	b.Attn.Step(t, lr, beta1, beta2, eps, weightDecay)
	b.Mlp.Step(t, lr, beta1, beta2, eps, weightDecay)
	b.Ln1.Step(t, lr, beta1, beta2, eps)
	b.Ln2.Step(t, lr, beta1, beta2, eps)
}

// GPT owns every parameter: token and position embeddings, the block stack,
// the final LayerNorm, and the vocabulary head. Activations are
// (dModel x T) per sequence, one column per position.
type GPT struct {
	Cfg params.Config

	TokEmb *mat.Dense // (dModel x vocab)
	PosEmb *mat.Dense // (dModel x seqLen)
	Blocks []Block
	LnF    *optimizations.LayerNorm
	Whead  *mat.Dense // (vocab x dModel), no bias

	// gradient accumulators and Adam moments for the parameters owned
	// directly by the model
	DTok, DPos, DWhead *mat.Dense
	MTok, VTok         *mat.Dense
	MPos, VPos         *mat.Dense
	MWhead, VWhead     *mat.Dense

	// causal mask, allocated once and shared read-only with every
	// attention layer and every clone
	Mask *mat.Dense

	AdamT int // shared optimizer step counter

	rng *rand.Rand

	// cache between a train-mode forward and its backward
	lastIDs  []int
	lastNorm *mat.Dense // final LayerNorm output feeding the head
}

// NewGPT validates the configuration eagerly and builds the model. All
// randomness (init, dropout, sampling) flows from cfg.Seed.
func NewGPT(cfg params.Config) (*GPT, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	d, v, T := cfg.DModel, cfg.VocabSize, cfg.SeqLen

	g := &GPT{
		Cfg:    cfg,
		TokEmb: mat.NewDense(d, v, utils.RandomArray(d*v, float64(d))),
		PosEmb: mat.NewDense(d, T, utils.RandomArray(d*T, float64(d))),
		Blocks: make([]Block, cfg.Layers),
		LnF:    optimizations.NewLayerNorm(d, 1e-5),
		Whead:  mat.NewDense(v, d, utils.RandomArray(v*d, float64(d))),
		DTok:   mat.NewDense(d, v, nil),
		DPos:   mat.NewDense(d, T, nil),
		DWhead: mat.NewDense(v, d, nil),
		MTok:   mat.NewDense(d, v, nil),
		VTok:   mat.NewDense(d, v, nil),
		MPos:   mat.NewDense(d, T, nil),
		VPos:   mat.NewDense(d, T, nil),
		MWhead: mat.NewDense(v, d, nil),
		VWhead: mat.NewDense(v, d, nil),
		Mask:   utils.CausalMask(T),
		rng:    rng,
	}
	for i := range g.Blocks {
		g.Blocks[i] = Block{
			Attn: NewAttention(d, cfg.NumHeads, cfg.HeadSize, cfg.Dropout, rng, true),
			Mlp:  NewMLP(d, cfg.HiddenSize, d, cfg.Dropout, rng),
			Ln1:  optimizations.NewLayerNorm(d, 1e-5),
			Ln2:  optimizations.NewLayerNorm(d, 1e-5),
		}
	}
	return g, nil
}

// Forward runs the stack over one id sequence and returns logits
// (vocab x T). Ids must come from the tokenizer; the length must not exceed
// the context window.
func (g *GPT) Forward(ids []int, mode Mode) (*mat.Dense, error) {
	T := len(ids)
	if T == 0 {
		return nil, fmt.Errorf("forward: empty sequence")
	}
	if T > g.Cfg.SeqLen {
		return nil, fmt.Errorf("%w: sequence length %d exceeds window %d",
			ErrContextOverflow, T, g.Cfg.SeqLen)
	}
	train := mode == Train

	X := g.embed(ids)
	mask := g.Mask.Slice(0, T, 0, T)
	Y := X
	for i := range g.Blocks {
		Y = g.Blocks[i].Forward(Y, mask, mode)
	}
	Y = g.LnF.Forward(Y, train)
	logits := utils.ToDense(utils.Dot(g.Whead, Y))

	if train {
		g.lastIDs = append(g.lastIDs[:0], ids...)
		g.lastNorm = Y
	}
	return logits, nil
}

func (g *GPT) embed(ids []int) *mat.Dense {
	d := g.Cfg.DModel
	X := mat.NewDense(d, len(ids), nil)
	for t, id := range ids {
		for i := 0; i < d; i++ {
			X.Set(i, t, g.TokEmb.At(i, id)+g.PosEmb.At(i, t))
		}
	}
	return X
}

// countValid is the loss denominator: non-ignored targets across the batch.
func countValid(b data.Batch) int {
	n := 0
	for _, row := range b.Targets {
		for _, gold := range row {
			if gold != data.Ignore {
				n++
			}
		}
	}
	return n
}

// AccumulateGrads runs train-mode forward/backward over the whole batch,
// summing parameter gradients into the accumulators without updating
// anything. It returns the masked mean cross-entropy: ignored positions
// contribute exactly zero loss and zero gradient. A batch with no valid
// targets returns 0 and leaves the accumulators untouched.
func (g *GPT) AccumulateGrads(b data.Batch) (float64, error) {
	denom := countValid(b)
	if denom == 0 {
		return 0, nil
	}
	sum, err := g.accumulateScaled(b, 1.0/float64(denom))
	if err != nil {
		return 0, err
	}
	return sum / float64(denom), nil
}

// accumulateScaled sums per-position losses over the batch rows; logit
// gradients are scaled by invDenom so accumulators hold the gradient of the
// batch-mean loss.
func (g *GPT) accumulateScaled(b data.Batch, invDenom float64) (float64, error) {
	total := 0.0
	for s := range b.Inputs {
		loss, err := g.accumulateOne(b.Inputs[s], b.Targets[s], invDenom)
		if err != nil {
			return 0, err
		}
		total += loss
	}
	return total, nil
}

func (g *GPT) accumulateOne(ids, targets []int, invDenom float64) (float64, error) {
	if len(targets) != len(ids) {
		return 0, fmt.Errorf("targets length %d does not match inputs length %d",
			len(targets), len(ids))
	}
	logits, err := g.Forward(ids, Train)
	if err != nil {
		return 0, err
	}

	V := g.Cfg.VocabSize
	T := len(ids)
	dLogits := mat.NewDense(V, T, nil)
	lossSum := 0.0
	for t := 0; t < T; t++ {
		gold := targets[t]
		if gold == data.Ignore {
			continue
		}
		col := logits.Slice(0, V, t, t+1).(*mat.Dense)
		loss, grad := utils.CrossEntropyWithIndex(col, gold)
		lossSum += loss
		for i := 0; i < V; i++ {
			dLogits.Set(i, t, grad.At(i, 0)*invDenom)
		}
	}

	// head: logits = Whead * LnF(Y)
	g.DWhead.Add(g.DWhead, utils.ToDense(utils.Dot(dLogits, g.lastNorm.T())))
	dY := utils.ToDense(utils.Dot(g.Whead.T(), dLogits))
	dY = g.LnF.Backward(dY)
	for i := len(g.Blocks) - 1; i >= 0; i-- {
		dY = g.Blocks[i].Backward(dY)
	}

	// X = TokEmb[:,id] + PosEmb[:,t]
	d := g.Cfg.DModel
	for t, id := range g.lastIDs {
		for i := 0; i < d; i++ {
			g.DTok.Set(i, id, g.DTok.At(i, id)+dY.At(i, t))
			g.DPos.Set(i, t, g.DPos.At(i, t)+dY.At(i, t))
		}
	}
	return lossSum, nil
}

// TrainStep is one atomic optimization step: zero accumulators, accumulate
// batch gradients (fanned across workers when configured), clip by global
// norm, and Adam-update every parameter at the scheduled learning rate.
func (g *GPT) TrainStep(b data.Batch) (float64, error) {
	if countValid(b) == 0 {
		return 0, nil
	}
	g.ZeroGrads()

	var loss float64
	var err error
	if g.Cfg.Workers > 0 && len(b.Inputs) > 1 {
		loss, err = g.accumulateParallel(b)
	} else {
		loss, err = g.AccumulateGrads(b)
	}
	if err != nil {
		return 0, err
	}

	utils.ClipGrads(g.Cfg.GradClip, g.Grads()...)

	g.AdamT++
	lr := utils.LRSchedule(g.AdamT, g.Cfg.LearningRate, g.Cfg.WarmupSteps,
		g.Cfg.MaxSteps-g.Cfg.WarmupSteps)
	g.step(lr)
	return loss, nil
}

func (g *GPT) step(lr float64) {
	c := g.Cfg
	optimizations.AdamUpdateInPlace(g.TokEmb, g.DTok, g.MTok, g.VTok,
		g.AdamT, lr, c.AdamBeta1, c.AdamBeta2, c.AdamEps, c.WeightDecay)
	optimizations.AdamUpdateInPlace(g.PosEmb, g.DPos, g.MPos, g.VPos,
		g.AdamT, lr, c.AdamBeta1, c.AdamBeta2, c.AdamEps, 0)
	for i := range g.Blocks {
		g.Blocks[i].Step(g.AdamT, lr, c.AdamBeta1, c.AdamBeta2, c.AdamEps, c.WeightDecay)
	}
	g.LnF.Step(g.AdamT, lr, c.AdamBeta1, c.AdamBeta2, c.AdamEps)
	optimizations.AdamUpdateInPlace(g.Whead, g.DWhead, g.MWhead, g.VWhead,
		g.AdamT, lr, c.AdamBeta1, c.AdamBeta2, c.AdamEps, c.WeightDecay)
}

func (g *GPT) ZeroGrads() {
	g.DTok.Zero()
	g.DPos.Zero()
	g.DWhead.Zero()
	for i := range g.Blocks {
		g.Blocks[i].ZeroGrads()
	}
	g.LnF.ZeroGrads()
}

// Grads lists every accumulator in a fixed order shared with clones.
func (g *GPT) Grads() []*mat.Dense {
	out := []*mat.Dense{g.DTok, g.DPos, g.DWhead}
	for i := range g.Blocks {
		out = append(out, g.Blocks[i].Grads()...)
	}
	out = append(out, g.LnF.Grads()...)
	return out
}

// BatchLoss is the read-only masked mean cross-entropy: eval-mode forward,
// no caches, no updates, no randomness. Repeated calls on the same batch
// return bit-identical values.
func (g *GPT) BatchLoss(b data.Batch) (float64, error) {
	denom := countValid(b)
	if denom == 0 {
		return 0, nil
	}
	total := 0.0
	for s := range b.Inputs {
		ids, targets := b.Inputs[s], b.Targets[s]
		if len(targets) != len(ids) {
			return 0, fmt.Errorf("targets length %d does not match inputs length %d",
				len(targets), len(ids))
		}
		logits, err := g.Forward(ids, Eval)
		if err != nil {
			return 0, err
		}
		V := g.Cfg.VocabSize
		for t, gold := range targets {
			if gold == data.Ignore {
				continue
			}
			col := logits.Slice(0, V, t, t+1).(*mat.Dense)
			loss, _ := utils.CrossEntropyWithIndex(col, gold)
			total += loss
		}
	}
	return total / float64(denom), nil
}

// EvalAccuracy is teacher-forcing argmax accuracy over non-ignored
// positions.
func (g *GPT) EvalAccuracy(b data.Batch) (float64, error) {
	correct, total := 0, 0
	for s := range b.Inputs {
		logits, err := g.Forward(b.Inputs[s], Eval)
		if err != nil {
			return 0, err
		}
		for t, gold := range b.Targets[s] {
			if gold == data.Ignore {
				continue
			}
			if floats.MaxIdx(mat.Col(nil, t, logits)) == gold {
				correct++
			}
			total++
		}
	}
	if total == 0 {
		return 0, nil
	}
	return float64(correct) / float64(total), nil
}

// Generate extends seed by steps sampled tokens. The stack runs entirely in
// eval mode, so training state cannot be corrupted regardless of what the
// caller was doing. Each iteration truncates the running sequence to the
// last SeqLen ids, forwards, softmaxes the final position, and draws one id
// by pure multinomial sampling. Sampling an <eos> or <pad> does not stop
// the loop: the result always holds exactly len(seed)+steps raw ids.
func (g *GPT) Generate(seed []int, steps int) ([]int, error) {
	if len(seed) == 0 {
		return nil, fmt.Errorf("generate: empty seed")
	}
	out := append([]int(nil), seed...)
	for n := 0; n < steps; n++ {
		ctx := out
		if len(ctx) > g.Cfg.SeqLen {
			ctx = ctx[len(ctx)-g.Cfg.SeqLen:]
		}
		logits, err := g.Forward(ctx, Eval)
		if err != nil {
			return nil, err
		}
		probs := utils.ColVectorSoftmax(utils.LastCol(logits))
		out = append(out, utils.SampleFromProbs(g.rng, probs))
	}
	return out, nil
}

// NumParams counts learned scalars, for the startup log.
func (g *GPT) NumParams() int {
	count := func(m *mat.Dense) int {
		r, c := m.Dims()
		return r * c
	}
	n := count(g.TokEmb) + count(g.PosEmb) + count(g.Whead)
	n += count(g.LnF.Gamma) + count(g.LnF.Beta)
	for i := range g.Blocks {
		b := &g.Blocks[i]
		for h := 0; h < b.Attn.H; h++ {
			n += count(b.Attn.Wquery[h]) + count(b.Attn.Wkey[h]) + count(b.Attn.Wvalue[h])
		}
		n += count(b.Attn.Woutput)
		n += count(b.Mlp.HiddenWeights) + count(b.Mlp.HiddenBias)
		n += count(b.Mlp.OutputWeights) + count(b.Mlp.OutputBias)
		n += count(b.Ln1.Gamma) + count(b.Ln1.Beta)
		n += count(b.Ln2.Gamma) + count(b.Ln2.Beta)
	}
	return n
}
