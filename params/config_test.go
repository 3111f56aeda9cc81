package params

import (
	"errors"
	"testing"
)

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero DModel", func(c *Config) { c.DModel = 0 }},
		{"zero HiddenSize", func(c *Config) { c.HiddenSize = 0 }},
		{"zero VocabSize", func(c *Config) { c.VocabSize = 0 }},
		{"zero NumHeads", func(c *Config) { c.NumHeads = 0 }},
		{"indivisible HeadSize", func(c *Config) { c.HeadSize = 63 }},
		{"zero SeqLen", func(c *Config) { c.SeqLen = 0 }},
		{"zero Layers", func(c *Config) { c.Layers = 0 }},
		{"dropout one", func(c *Config) { c.Dropout = 1.0 }},
		{"negative dropout", func(c *Config) { c.Dropout = -0.1 }},
		{"zero MaxDigits", func(c *Config) { c.MaxDigits = 0 }},
		{"zero BatchSize", func(c *Config) { c.BatchSize = 0 }},
		{"zero LearningRate", func(c *Config) { c.LearningRate = 0 }},
		{"beta1 one", func(c *Config) { c.AdamBeta1 = 1.0 }},
		{"negative WeightDecay", func(c *Config) { c.WeightDecay = -0.01 }},
		{"negative GradClip", func(c *Config) { c.GradClip = -1 }},
		{"negative WarmupSteps", func(c *Config) { c.WarmupSteps = -1 }},
		{"zero MaxSteps", func(c *Config) { c.MaxSteps = 0 }},
		{"zero EvalEvery", func(c *Config) { c.EvalEvery = 0 }},
		{"negative Workers", func(c *Config) { c.Workers = -1 }},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(&cfg)
		err := cfg.Validate()
		if err == nil {
			t.Errorf("%s: expected an error", tc.name)
			continue
		}
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: error %v does not wrap ErrInvalidConfig", tc.name, err)
		}
	}
}

func TestDHead(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumHeads = 4
	cfg.HeadSize = 64
	if got := cfg.DHead(); got != 16 {
		t.Fatalf("DHead = %d, want 16", got)
	}
}
