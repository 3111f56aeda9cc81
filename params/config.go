package params

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is wrapped by every static-configuration failure in the
// project: bad dimensions here, generator window violations in data, and
// construction errors in transformer. Match with errors.Is.
var ErrInvalidConfig = errors.New("invalid config")

// Config carries every knob for one run: model shape, data generation,
// optimizer, and training schedule. Values are passed by value to
// constructors; nothing reads a global.
type Config struct {
	// Transformer hyperparameters
	DModel     int // embedding dimension
	HiddenSize int // MLP hidden width, conventionally 4*DModel
	VocabSize  int
	NumHeads   int
	HeadSize   int // total across heads; per-head size is HeadSize/NumHeads
	SeqLen     int // context window
	Layers     int
	Dropout    float64

	// Problem generation
	MaxDigits int
	Reversed  bool // answer digits least-significant first
	BatchSize int

	// AdamW
	LearningRate float64
	AdamBeta1    float64
	AdamBeta2    float64
	AdamEps      float64
	WeightDecay  float64
	GradClip     float64 // global norm cap, 0 disables

	// Schedule
	WarmupSteps int // 0 keeps the learning rate constant
	MaxSteps    int
	EvalEvery   int
	EvalIters   int

	Workers int // batch-parallel gradient workers, 0 runs serially
	Seed    int64
}

// DefaultConfig is a small preset that learns 2-digit addition in a few
// thousand steps on a laptop CPU.
func DefaultConfig() Config {
	return Config{
		DModel:     64,
		HiddenSize: 256,
		VocabSize:  15,
		NumHeads:   4,
		HeadSize:   64,
		SeqLen:     32,
		Layers:     2,
		Dropout:    0.1,

		MaxDigits: 2,
		Reversed:  true,
		BatchSize: 32,

		LearningRate: 3e-4,
		AdamBeta1:    0.9,
		AdamBeta2:    0.99,
		AdamEps:      1e-8,
		WeightDecay:  0.01,
		GradClip:     1.0,

		WarmupSteps: 100,
		MaxSteps:    5000,
		EvalEvery:   250,
		EvalIters:   8,

		Workers: 0,
		Seed:    1337,
	}
}

// Validate checks every static constraint eagerly so that constructors fail
// at build time rather than mid-training.
func (c Config) Validate() error {
	switch {
	case c.DModel < 1:
		return fmt.Errorf("%w: DModel %d", ErrInvalidConfig, c.DModel)
	case c.HiddenSize < 1:
		return fmt.Errorf("%w: HiddenSize %d", ErrInvalidConfig, c.HiddenSize)
	case c.VocabSize < 1:
		return fmt.Errorf("%w: VocabSize %d", ErrInvalidConfig, c.VocabSize)
	case c.NumHeads < 1:
		return fmt.Errorf("%w: NumHeads %d", ErrInvalidConfig, c.NumHeads)
	case c.HeadSize < 1:
		return fmt.Errorf("%w: HeadSize %d", ErrInvalidConfig, c.HeadSize)
	case c.HeadSize%c.NumHeads != 0:
		return fmt.Errorf("%w: HeadSize %d not divisible by NumHeads %d",
			ErrInvalidConfig, c.HeadSize, c.NumHeads)
	case c.SeqLen < 1:
		return fmt.Errorf("%w: SeqLen %d", ErrInvalidConfig, c.SeqLen)
	case c.Layers < 1:
		return fmt.Errorf("%w: Layers %d", ErrInvalidConfig, c.Layers)
	case c.Dropout < 0 || c.Dropout >= 1:
		return fmt.Errorf("%w: Dropout %g outside [0,1)", ErrInvalidConfig, c.Dropout)
	case c.MaxDigits < 1:
		return fmt.Errorf("%w: MaxDigits %d", ErrInvalidConfig, c.MaxDigits)
	case c.BatchSize < 1:
		return fmt.Errorf("%w: BatchSize %d", ErrInvalidConfig, c.BatchSize)
	case c.LearningRate <= 0:
		return fmt.Errorf("%w: LearningRate %g", ErrInvalidConfig, c.LearningRate)
	case c.AdamBeta1 < 0 || c.AdamBeta1 >= 1:
		return fmt.Errorf("%w: AdamBeta1 %g", ErrInvalidConfig, c.AdamBeta1)
	case c.AdamBeta2 < 0 || c.AdamBeta2 >= 1:
		return fmt.Errorf("%w: AdamBeta2 %g", ErrInvalidConfig, c.AdamBeta2)
	case c.AdamEps <= 0:
		return fmt.Errorf("%w: AdamEps %g", ErrInvalidConfig, c.AdamEps)
	case c.WeightDecay < 0:
		return fmt.Errorf("%w: WeightDecay %g", ErrInvalidConfig, c.WeightDecay)
	case c.GradClip < 0:
		return fmt.Errorf("%w: GradClip %g", ErrInvalidConfig, c.GradClip)
	case c.WarmupSteps < 0:
		return fmt.Errorf("%w: WarmupSteps %d", ErrInvalidConfig, c.WarmupSteps)
	case c.MaxSteps < 1:
		return fmt.Errorf("%w: MaxSteps %d", ErrInvalidConfig, c.MaxSteps)
	case c.EvalEvery < 1:
		return fmt.Errorf("%w: EvalEvery %d", ErrInvalidConfig, c.EvalEvery)
	case c.EvalIters < 1:
		return fmt.Errorf("%w: EvalIters %d", ErrInvalidConfig, c.EvalIters)
	case c.Workers < 0:
		return fmt.Errorf("%w: Workers %d", ErrInvalidConfig, c.Workers)
	}
	return nil
}

// DHead is the per-head projection size.
func (c Config) DHead() int { return c.HeadSize / c.NumHeads }
