package transformer

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/tsultan16/GPT-Arithmetic/data"
	"github.com/tsultan16/GPT-Arithmetic/optimizations"
	"github.com/tsultan16/GPT-Arithmetic/params"
	"github.com/tsultan16/GPT-Arithmetic/utils"
)

func finiteDiffCheck(t *testing.T, name string, param *mat.Dense, grad *mat.Dense,
	forward func() float64, i, j int) {

	eps := 1e-5
	w0 := param.At(i, j)

	param.Set(i, j, w0+eps)
	lp := forward()

	param.Set(i, j, w0-eps)
	lm := forward()

	param.Set(i, j, w0)

	numGrad := (lp - lm) / (2.0 * eps)
	anaGrad := grad.At(i, j)

	if math.Abs(numGrad-anaGrad) > 1e-4 {
		t.Fatalf("%s[%d,%d] grad mismatch: num=%.6g ana=%.6g",
			name, i, j, numGrad, anaGrad)
	}
}

func testModelCfg() params.Config {
	cfg := params.DefaultConfig()
	cfg.DModel = 8
	cfg.HiddenSize = 12
	cfg.VocabSize = 15
	cfg.NumHeads = 2
	cfg.HeadSize = 8
	cfg.SeqLen = 13
	cfg.Layers = 2
	cfg.Dropout = 0
	cfg.MaxDigits = 2
	cfg.BatchSize = 4
	cfg.Workers = 0
	cfg.Seed = 123
	return cfg
}

func testBatch(t *testing.T, cfg params.Config) data.Batch {
	g, err := data.NewProblemGenerator(cfg, data.NewVocabulary(), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	return g.NextBatch()
}

// ---- Transformer Block ----
func TestBlockGradCheck(t *testing.T) {
	rng := rand.New(rand.NewSource(123))
	dModel, T := 4, 3
	blk := Block{
		Attn: NewAttention(dModel, 2, 4, 0.0, rng, false),
		Mlp:  NewMLP(dModel, 6, dModel, 0.0, rng),
		Ln1:  optimizations.NewLayerNorm(dModel, 1e-5),
		Ln2:  optimizations.NewLayerNorm(dModel, 1e-5),
	}
	mask := utils.CausalMask(T)
	x := mat.NewDense(dModel, T, utils.RandomArray(dModel*T, float64(dModel)))
	gold := 1

	forward := func() float64 {
		y := blk.Forward(x, mask, Eval)
		loss, _ := utils.CrossEntropyWithIndex(utils.LastCol(y), gold)
		return loss
	}

	blk.ZeroGrads()
	y := blk.Forward(x, mask, Train)
	_, dL := utils.CrossEntropyWithIndex(utils.LastCol(y), gold)
	dY := mat.NewDense(dModel, T, nil)
	for i := 0; i < dModel; i++ {
		dY.Set(i, T-1, dL.At(i, 0))
	}
	blk.Backward(dY)

	finiteDiffCheck(t, "Block.Wquery", blk.Attn.Wquery[0], blk.Attn.DWq[0], forward, 0, 0)
	finiteDiffCheck(t, "Block.HiddenWeights", blk.Mlp.HiddenWeights, blk.Mlp.DHiddenW, forward, 0, 0)
	finiteDiffCheck(t, "Block.Ln1.Gamma", blk.Ln1.Gamma, blk.Ln1.DGamma, forward, 1, 0)
	finiteDiffCheck(t, "Block.Ln2.Beta", blk.Ln2.Beta, blk.Ln2.DBeta, forward, 2, 0)
}

// ---- Full model ----
func TestGPTGradCheck(t *testing.T) {
	cfg := testModelCfg()
	cfg.BatchSize = 2
	gpt, err := NewGPT(cfg)
	if err != nil {
		t.Fatal(err)
	}
	b := testBatch(t, cfg)

	forward := func() float64 {
		loss, err := gpt.BatchLoss(b)
		if err != nil {
			t.Fatal(err)
		}
		return loss
	}

	gpt.ZeroGrads()
	loss, err := gpt.AccumulateGrads(b)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(loss-forward()) > 1e-9 {
		t.Fatalf("train loss %.6g != eval loss %.6g without dropout", loss, forward())
	}

	// one element from every parameter family; token column 12 is <bos>,
	// present in every row
	finiteDiffCheck(t, "TokEmb", gpt.TokEmb, gpt.DTok, forward, 1, 12)
	finiteDiffCheck(t, "PosEmb", gpt.PosEmb, gpt.DPos, forward, 2, 0)
	finiteDiffCheck(t, "Whead", gpt.Whead, gpt.DWhead, forward, 3, 1)
	finiteDiffCheck(t, "Blocks[0].Wquery", gpt.Blocks[0].Attn.Wquery[0], gpt.Blocks[0].Attn.DWq[0], forward, 0, 2)
	finiteDiffCheck(t, "Blocks[1].HiddenWeights", gpt.Blocks[1].Mlp.HiddenWeights, gpt.Blocks[1].Mlp.DHiddenW, forward, 1, 1)
	finiteDiffCheck(t, "Blocks[0].Ln1.Gamma", gpt.Blocks[0].Ln1.Gamma, gpt.Blocks[0].Ln1.DGamma, forward, 1, 0)
	finiteDiffCheck(t, "LnF.Gamma", gpt.LnF.Gamma, gpt.LnF.DGamma, forward, 0, 0)
}

func TestGPTForwardShapes(t *testing.T) {
	cfg := testModelCfg()
	gpt, err := NewGPT(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ids := []int{12, 1, 2, 10, 3, 4, 11}
	logits, err := gpt.Forward(ids, Eval)
	if err != nil {
		t.Fatal(err)
	}
	r, c := logits.Dims()
	if r != cfg.VocabSize || c != len(ids) {
		t.Fatalf("logits %dx%d, want %dx%d", r, c, cfg.VocabSize, len(ids))
	}
}

func TestGPTForwardErrors(t *testing.T) {
	cfg := testModelCfg()
	gpt, err := NewGPT(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := gpt.Forward(nil, Eval); err == nil {
		t.Fatal("expected an error on an empty sequence")
	}
	long := make([]int, cfg.SeqLen+1)
	if _, err := gpt.Forward(long, Eval); !errors.Is(err, ErrContextOverflow) {
		t.Fatalf("error %v does not wrap ErrContextOverflow", err)
	}
}

func TestNewGPTValidates(t *testing.T) {
	cfg := testModelCfg()
	cfg.HeadSize = 7
	if _, err := NewGPT(cfg); !errors.Is(err, params.ErrInvalidConfig) {
		t.Fatalf("error %v does not wrap ErrInvalidConfig", err)
	}
}

func TestAllIgnoredBatch(t *testing.T) {
	cfg := testModelCfg()
	gpt, err := NewGPT(cfg)
	if err != nil {
		t.Fatal(err)
	}
	b := testBatch(t, cfg)
	for i := range b.Targets {
		for j := range b.Targets[i] {
			b.Targets[i][j] = data.Ignore
		}
	}

	gpt.ZeroGrads()
	loss, err := gpt.AccumulateGrads(b)
	if err != nil {
		t.Fatal(err)
	}
	if loss != 0 {
		t.Fatalf("loss = %g, want 0 with no valid targets", loss)
	}
	for _, g := range gpt.Grads() {
		if utils.MatrixNorm(g) != 0 {
			t.Fatal("accumulators should stay zero with no valid targets")
		}
	}

	before := gpt.TokEmb.At(0, 0)
	if _, err := gpt.TrainStep(b); err != nil {
		t.Fatal(err)
	}
	if gpt.TokEmb.At(0, 0) != before || gpt.AdamT != 0 {
		t.Fatal("TrainStep should be a no-op with no valid targets")
	}
}

func TestBatchLossDeterministicWithDropout(t *testing.T) {
	cfg := testModelCfg()
	cfg.Dropout = 0.5
	gpt, err := NewGPT(cfg)
	if err != nil {
		t.Fatal(err)
	}
	b := testBatch(t, cfg)
	l1, err := gpt.BatchLoss(b)
	if err != nil {
		t.Fatal(err)
	}
	l2, err := gpt.BatchLoss(b)
	if err != nil {
		t.Fatal(err)
	}
	if l1 != l2 {
		t.Fatalf("eval loss not reproducible: %.12g vs %.12g", l1, l2)
	}
}

func TestEvalForwardLeavesNoCache(t *testing.T) {
	cfg := testModelCfg()
	gpt, err := NewGPT(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := gpt.Forward([]int{12, 3, 4}, Eval); err != nil {
		t.Fatal(err)
	}
	if gpt.lastNorm != nil {
		t.Fatal("eval forward should not cache")
	}
}

// Interleaved read-only evaluation must not disturb gradient accumulation.
func TestEvalDoesNotDisturbGrads(t *testing.T) {
	cfg := testModelCfg()
	gpt, err := NewGPT(cfg)
	if err != nil {
		t.Fatal(err)
	}
	b := testBatch(t, cfg)

	gpt.ZeroGrads()
	if _, err := gpt.AccumulateGrads(b); err != nil {
		t.Fatal(err)
	}
	want := mat.DenseCopyOf(gpt.DWhead)

	if _, err := gpt.BatchLoss(b); err != nil {
		t.Fatal(err)
	}
	if _, err := gpt.Generate([]int{12, 1, 2}, 3); err != nil {
		t.Fatal(err)
	}
	if !mat.Equal(want, gpt.DWhead) {
		t.Fatal("eval calls changed the accumulated gradients")
	}
}

func TestGenerate(t *testing.T) {
	cfg := testModelCfg()
	gpt, err := NewGPT(cfg)
	if err != nil {
		t.Fatal(err)
	}

	seed := []int{12, 1, 2, 10}
	out, err := gpt.Generate(seed, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(seed)+5 {
		t.Fatalf("generated %d ids, want %d", len(out), len(seed)+5)
	}
	for i, id := range seed {
		if out[i] != id {
			t.Fatal("seed prefix was modified")
		}
	}
	for _, id := range out {
		if id < 0 || id >= cfg.VocabSize {
			t.Fatalf("sampled id %d outside the vocabulary", id)
		}
	}

	if _, err := gpt.Generate(nil, 3); err == nil {
		t.Fatal("expected an error on an empty seed")
	}
}

// Seeds longer than the window slide rather than overflow.
func TestGenerateSlidesWindow(t *testing.T) {
	cfg := testModelCfg()
	gpt, err := NewGPT(cfg)
	if err != nil {
		t.Fatal(err)
	}
	seed := make([]int, cfg.SeqLen+3)
	for i := range seed {
		seed[i] = i % 10
	}
	out, err := gpt.Generate(seed, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(seed)+2 {
		t.Fatalf("generated %d ids, want %d", len(out), len(seed)+2)
	}
}

func TestParallelMatchesSerial(t *testing.T) {
	cfg := testModelCfg()
	gpt, err := NewGPT(cfg)
	if err != nil {
		t.Fatal(err)
	}
	b := testBatch(t, cfg)

	gpt.ZeroGrads()
	lossSerial, err := gpt.AccumulateGrads(b)
	if err != nil {
		t.Fatal(err)
	}
	var want []*mat.Dense
	for _, g := range gpt.Grads() {
		want = append(want, mat.DenseCopyOf(g))
	}

	gpt.ZeroGrads()
	gpt.Cfg.Workers = 2
	lossParallel, err := gpt.accumulateParallel(b)
	if err != nil {
		t.Fatal(err)
	}

	if math.Abs(lossSerial-lossParallel) > 1e-12 {
		t.Fatalf("loss differs: serial %.12g parallel %.12g", lossSerial, lossParallel)
	}
	got := gpt.Grads()
	for k := range got {
		r, c := got[k].Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				if math.Abs(got[k].At(i, j)-want[k].At(i, j)) > 1e-12 {
					t.Fatalf("grad %d[%d,%d] differs: serial %.12g parallel %.12g",
						k, i, j, want[k].At(i, j), got[k].At(i, j))
				}
			}
		}
	}
}

// A few hundred steps on one fixed batch should drive the loss well below
// its ln(15) starting point.
func TestTrainStepOverfitsOneBatch(t *testing.T) {
	cfg := testModelCfg()
	cfg.DModel = 16
	cfg.HiddenSize = 32
	cfg.NumHeads = 2
	cfg.HeadSize = 16
	cfg.Layers = 1
	cfg.BatchSize = 8
	cfg.LearningRate = 3e-3
	cfg.WarmupSteps = 20
	cfg.MaxSteps = 400
	gpt, err := NewGPT(cfg)
	if err != nil {
		t.Fatal(err)
	}
	b := testBatch(t, cfg)

	initial, err := gpt.BatchLoss(b)
	if err != nil {
		t.Fatal(err)
	}
	for step := 0; step < cfg.MaxSteps; step++ {
		if _, err := gpt.TrainStep(b); err != nil {
			t.Fatal(err)
		}
	}
	final, err := gpt.BatchLoss(b)
	if err != nil {
		t.Fatal(err)
	}
	if final >= initial {
		t.Fatalf("loss did not improve: %.4f -> %.4f", initial, final)
	}
	if final > 0.5 {
		t.Fatalf("loss %.4f after %d steps, want < 0.5 (from %.4f)", final, cfg.MaxSteps, initial)
	}
	if gpt.AdamT != cfg.MaxSteps {
		t.Fatalf("optimizer stepped %d times, want %d", gpt.AdamT, cfg.MaxSteps)
	}
}
