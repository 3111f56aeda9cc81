package main

import (
	"fmt"
	"time"

	"github.com/tsultan16/GPT-Arithmetic/data"
	"github.com/tsultan16/GPT-Arithmetic/transformer"
	"github.com/tsultan16/GPT-Arithmetic/utils"
)

// TrainGPT runs the fixed-step loop: draw a fresh batch, take one atomic
// optimizer step, and every EvalEvery steps score held-out batches. There
// is no early stopping; the schedule runs to MaxSteps.
func TrainGPT(gpt *transformer.GPT, trainGen, evalGen *data.ProblemGenerator) error {
	cfg := gpt.Cfg
	start := time.Now()

	for step := 1; step <= cfg.MaxSteps; step++ {
		loss, err := gpt.TrainStep(trainGen.NextBatch())
		if err != nil {
			return err
		}

		if step%cfg.EvalEvery == 0 || step == cfg.MaxSteps {
			evalLoss, acc, err := evaluate(gpt, evalGen, cfg.EvalIters)
			if err != nil {
				return err
			}
			lr := utils.LRSchedule(step, cfg.LearningRate, cfg.WarmupSteps,
				cfg.MaxSteps-cfg.WarmupSteps)
			fmt.Printf("Step %d - LR: %.2e, TrainLoss: %.4f, EvalLoss: %.4f, Acc: %.4f, Time: %v\n",
				step, lr, loss, evalLoss, acc, time.Since(start))
		}
	}
	return nil
}

// evaluate averages loss and teacher-forcing accuracy over iters held-out
// batches.
func evaluate(gpt *transformer.GPT, gen *data.ProblemGenerator, iters int) (float64, float64, error) {
	if iters <= 0 {
		iters = 1
	}
	var lossSum, accSum float64
	for i := 0; i < iters; i++ {
		b := gen.NextBatch()
		loss, err := gpt.BatchLoss(b)
		if err != nil {
			return 0, 0, err
		}
		acc, err := gpt.EvalAccuracy(b)
		if err != nil {
			return 0, 0, err
		}
		lossSum += loss
		accSum += acc
	}
	return lossSum / float64(iters), accSum / float64(iters), nil
}

// SolveOne has the model complete one addition: seed with the prompt
// through "=", sample MaxDigits+2 tokens (answer digits plus <eos>), and
// decode them back to an integer. The rendered raw sequence comes back for
// display even when decoding fails.
func SolveOne(gpt *transformer.GPT, gen *data.ProblemGenerator, vocab data.Vocabulary, a, b int) (int, string, error) {
	out, err := gpt.Generate(gen.Prompt(a, b), gpt.Cfg.MaxDigits+2)
	if err != nil {
		return 0, "", err
	}
	raw := vocab.Render(out)
	got, err := gen.ReadAnswer(out)
	if err != nil {
		return 0, raw, err
	}
	return got, raw, nil
}

// SolveProblems samples n random problems and prints what the model wrote
// for each. Sequences that do not decode to a number count as wrong.
func SolveProblems(gpt *transformer.GPT, gen *data.ProblemGenerator, vocab data.Vocabulary, n int) int {
	correct := 0
	for i := 0; i < n; i++ {
		a, b := gen.Problem()
		got, raw, err := SolveOne(gpt, gen, vocab, a, b)
		if err != nil {
			if raw == "" {
				fmt.Println("generation failed:", err)
				return correct
			}
			fmt.Printf("  %d + %d = ?  [WRONG, %v]  %s\n", a, b, err, raw)
			continue
		}
		status := "WRONG"
		if got == a+b {
			correct++
			status = "ok"
		}
		fmt.Printf("  %d + %d = %d  [%s]  %s\n", a, b, got, status, raw)
	}
	return correct
}
