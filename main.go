package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tsultan16/GPT-Arithmetic/data"
	"github.com/tsultan16/GPT-Arithmetic/params"
	"github.com/tsultan16/GPT-Arithmetic/transformer"
)

func main() {
	cfg := params.DefaultConfig()

	digits := flag.Int("digits", cfg.MaxDigits, "operand width in digits")
	reversed := flag.Bool("reversed", cfg.Reversed, "store answer digits least significant first")
	seqlen := flag.Int("seqlen", 0, "context window (0 = smallest legal for -digits)")
	layers := flag.Int("layers", cfg.Layers, "transformer blocks")
	dmodel := flag.Int("dmodel", cfg.DModel, "model width")
	heads := flag.Int("heads", cfg.NumHeads, "attention heads")
	headsize := flag.Int("headsize", cfg.HeadSize, "total attention size across heads")
	hidden := flag.Int("hidden", cfg.HiddenSize, "MLP hidden size")
	dropout := flag.Float64("dropout", cfg.Dropout, "dropout probability")
	steps := flag.Int("steps", cfg.MaxSteps, "training steps")
	batch := flag.Int("batch", cfg.BatchSize, "sequences per step")
	lr := flag.Float64("lr", cfg.LearningRate, "peak learning rate")
	warmup := flag.Int("warmup", cfg.WarmupSteps, "linear warmup steps")
	clip := flag.Float64("clip", cfg.GradClip, "gradient clip norm (0 disables)")
	evalEvery := flag.Int("evalevery", cfg.EvalEvery, "steps between evaluations")
	evalIters := flag.Int("evaliters", cfg.EvalIters, "batches per evaluation")
	workers := flag.Int("workers", cfg.Workers, "parallel batch workers (0 = serial)")
	seed := flag.Int64("seed", cfg.Seed, "RNG seed")
	demo := flag.Int("demo", 10, "random problems to solve after training")
	prompt := flag.String("prompt", "", "one extra problem to solve after training, e.g. 123+45")
	flag.Parse()

	cfg.MaxDigits = *digits
	cfg.Reversed = *reversed
	cfg.Layers = *layers
	cfg.DModel = *dmodel
	cfg.NumHeads = *heads
	cfg.HeadSize = *headsize
	cfg.HiddenSize = *hidden
	cfg.Dropout = *dropout
	cfg.MaxSteps = *steps
	cfg.BatchSize = *batch
	cfg.LearningRate = *lr
	cfg.WarmupSteps = *warmup
	cfg.GradClip = *clip
	cfg.EvalEvery = *evalEvery
	cfg.EvalIters = *evalIters
	cfg.Workers = *workers
	cfg.Seed = *seed
	if *seqlen > 0 {
		cfg.SeqLen = *seqlen
	} else {
		cfg.SeqLen = 3*cfg.MaxDigits + 7
	}

	vocab := data.NewVocabulary()
	cfg.VocabSize = vocab.Size()

	gpt, err := transformer.NewGPT(cfg)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	trainGen, err := data.NewProblemGenerator(cfg, vocab, rand.New(rand.NewSource(cfg.Seed)))
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	// held-out stream on a different seed
	evalGen, err := data.NewProblemGenerator(cfg, vocab, rand.New(rand.NewSource(cfg.Seed+1)))
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	fmt.Printf("Training %d-digit addition: %d params, %d layers, window %d, batch %d, %d steps\n",
		cfg.MaxDigits, gpt.NumParams(), cfg.Layers, cfg.SeqLen, cfg.BatchSize, cfg.MaxSteps)

	t1 := time.Now()
	if err := TrainGPT(gpt, trainGen, evalGen); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	fmt.Printf("\nTime taken to train: %s\n", time.Since(t1))

	if *prompt != "" {
		a, b, err := parseProblem(*prompt, cfg.MaxDigits)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		got, raw, err := SolveOne(gpt, evalGen, vocab, a, b)
		if err != nil {
			fmt.Printf("%d + %d: %v (%s)\n", a, b, err, raw)
		} else {
			fmt.Printf("%d + %d = %d (want %d)  %s\n", a, b, got, a+b, raw)
		}
	}

	if *demo > 0 {
		fmt.Printf("\nSolving %d random problems:\n", *demo)
		correct := SolveProblems(gpt, evalGen, vocab, *demo)
		fmt.Printf("Solved %d/%d.\n", correct, *demo)
	}
}

// parseProblem reads "a+b" and checks both operands fit the digit width.
func parseProblem(s string, maxDigits int) (int, int, error) {
	parts := strings.Split(s, "+")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("prompt %q: want a+b", s)
	}
	a, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("prompt %q: %w", s, err)
	}
	b, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("prompt %q: %w", s, err)
	}
	limit := 1
	for i := 0; i < maxDigits; i++ {
		limit *= 10
	}
	if a < 0 || a >= limit || b < 0 || b >= limit {
		return 0, 0, fmt.Errorf("prompt %q: operands must be in [0, %d)", s, limit)
	}
	return a, b, nil
}
