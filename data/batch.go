package data

import (
	"fmt"
	"math/rand"

	"github.com/tsultan16/GPT-Arithmetic/params"
)

// Ignore marks target positions excluded from the loss: everything up to and
// including the "=" symbol, so the model is only graded on the answer.
const Ignore = -1

// Batch is one training batch: Inputs[b][t] is a token id, Targets[b][t] is
// Inputs[b][t+1] or Ignore. Both are (BatchSize x SeqLen).
type Batch struct {
	Inputs  [][]int
	Targets [][]int
}

// ProblemGenerator produces an endless stream of zero-padded addition
// problems "<bos> a + b = c <eos> <pad>...". Operands are drawn uniformly
// from [0, 10^MaxDigits). With Reversed set, answer digits are stored least
// significant first, which makes the carry locally computable and speeds up
// convergence noticeably on multi-digit problems.
type ProblemGenerator struct {
	cfg   params.Config
	vocab Vocabulary
	rng   *rand.Rand

	limit int // 10^MaxDigits
	eqPos int // index of "=" in every encoded sequence

	bos, eos, pad, plus, eq int
}

// NewProblemGenerator validates the static configuration eagerly. A full
// problem occupies 3*MaxDigits+5 tokens; the window rule requires
// SeqLen >= 3*MaxDigits+7 so every problem fits with slack after the shift.
func NewProblemGenerator(cfg params.Config, vocab Vocabulary, rng *rand.Rand) (*ProblemGenerator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if min := 3*cfg.MaxDigits + 7; cfg.SeqLen < min {
		return nil, fmt.Errorf("%w: SeqLen %d below minimum %d for MaxDigits %d",
			params.ErrInvalidConfig, cfg.SeqLen, min, cfg.MaxDigits)
	}
	if cfg.VocabSize != vocab.Size() {
		return nil, fmt.Errorf("%w: VocabSize %d does not match table size %d",
			params.ErrInvalidConfig, cfg.VocabSize, vocab.Size())
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(cfg.Seed))
	}

	limit := 1
	for i := 0; i < cfg.MaxDigits; i++ {
		limit *= 10
	}
	return &ProblemGenerator{
		cfg:   cfg,
		vocab: vocab,
		rng:   rng,
		limit: limit,
		eqPos: 2*cfg.MaxDigits + 2,
		bos:   vocab.TokenToID[TokenBOS],
		eos:   vocab.TokenToID[TokenEOS],
		pad:   vocab.TokenToID[TokenPad],
		plus:  vocab.TokenToID[TokenPlus],
		eq:    vocab.TokenToID[TokenEq],
	}, nil
}

// NextBatch draws BatchSize fresh problems. It never fails after
// construction.
func (g *ProblemGenerator) NextBatch() Batch {
	T := g.cfg.SeqLen
	b := Batch{
		Inputs:  make([][]int, g.cfg.BatchSize),
		Targets: make([][]int, g.cfg.BatchSize),
	}
	for i := range b.Inputs {
		seq := g.encode(g.rng.Intn(g.limit), g.rng.Intn(g.limit))
		y := make([]int, T)
		copy(y, seq[1:T+1])
		for t := 0; t < g.eqPos; t++ {
			y[t] = Ignore
		}
		b.Inputs[i] = seq[:T]
		b.Targets[i] = y
	}
	return b
}

// Problem draws one operand pair for demo solves.
func (g *ProblemGenerator) Problem() (int, int) {
	return g.rng.Intn(g.limit), g.rng.Intn(g.limit)
}

// Prompt returns the ids of "<bos> a + b =", the seed for generation.
func (g *ProblemGenerator) Prompt(a, b int) []int {
	seq := g.encode(a, b)
	return append([]int(nil), seq[:g.eqPos+1]...)
}

// ReadAnswer extracts the MaxDigits+1 answer digits following the first "="
// in ids and returns the decoded integer, un-reversing when configured. It
// fails when the sequence is malformed or any answer position is not a
// digit.
func (g *ProblemGenerator) ReadAnswer(ids []int) (int, error) {
	start := -1
	for i, id := range ids {
		if id == g.eq {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return 0, fmt.Errorf("no %q in sequence", TokenEq)
	}
	n := g.cfg.MaxDigits + 1
	if start+n > len(ids) {
		return 0, fmt.Errorf("sequence ends before %d answer digits", n)
	}
	digits := ids[start : start+n]
	val := 0
	for i := 0; i < n; i++ {
		d := digits[i]
		if g.cfg.Reversed {
			d = digits[n-1-i]
		}
		if d < 0 || d > 9 {
			return 0, fmt.Errorf("answer position %d holds non-digit id %d", i, d)
		}
		val = val*10 + d
	}
	return val, nil
}

// encode lays out one problem over SeqLen+1 tokens; the caller slices the
// shifted input/target views out of it.
func (g *ProblemGenerator) encode(a, b int) []int {
	m := g.cfg.MaxDigits
	sc := fmt.Sprintf("%0*d", m+1, a+b)
	if g.cfg.Reversed {
		sc = reverseString(sc)
	}

	seq := make([]int, 0, g.cfg.SeqLen+1)
	seq = append(seq, g.bos)
	seq = g.appendDigits(seq, fmt.Sprintf("%0*d", m, a))
	seq = append(seq, g.plus)
	seq = g.appendDigits(seq, fmt.Sprintf("%0*d", m, b))
	seq = append(seq, g.eq)
	seq = g.appendDigits(seq, sc)
	seq = append(seq, g.eos)
	for len(seq) < g.cfg.SeqLen+1 {
		seq = append(seq, g.pad)
	}
	return seq
}

func (g *ProblemGenerator) appendDigits(seq []int, s string) []int {
	for _, r := range s {
		seq = append(seq, g.vocab.TokenToID[string(r)])
	}
	return seq
}

func reverseString(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}
