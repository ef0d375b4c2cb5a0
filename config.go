package clip_distill

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("clip_distill: invalid config")

// Config
// The hyperparameters of a mixed stream. A Config is passed by value to
// constructors and never mutated afterwards, so independently configured
// streams can coexist.
type Config struct {
	// Pile steps per CLIP macro-step.
	MixingRatio    int `yaml:"mixing_ratio"`
	PileBatchSize  int `yaml:"pile_batch_size"`
	PileContextLen int `yaml:"pile_context_len"`
	// Word budget, and token budget, of a CLIP caption.
	ClipTextLen int `yaml:"clip_text_len"`
	Micro       int `yaml:"micro"`
	Macro       int `yaml:"macro"`
	LatentDim   int `yaml:"latent_dim"`

	SpecialToken string `yaml:"special_token"`
	PadToken     string `yaml:"pad_token"`
	Steps        int    `yaml:"steps"`

	Lambda LambdaSchedule `yaml:"lambda"`

	// Carried for the training loop; not interpreted by the stream.
	Temperature  float64 `yaml:"temperature"`
	LearningRate float64 `yaml:"learning_rate"`
	WeightDecay  float64 `yaml:"weight_decay"`
	GradAccum    int     `yaml:"grad_accum"`
}

// DefaultConfig
// Returns the configuration the distillation runs were trained with.
func DefaultConfig() Config {
	return Config{
		MixingRatio:    10,
		PileBatchSize:  1,
		PileContextLen: 1024,
		ClipTextLen:    128,
		Micro:          10,
		Macro:          200,
		LatentDim:      512,
		SpecialToken:   "<|CLIP|>",
		PadToken:       "[PAD]",
		Steps:          1000000,
		Lambda: LambdaSchedule{
			Kind:   ScheduleConstant,
			Coeff:  1.0,
			Period: 1000,
		},
		Temperature:  1.0,
		LearningRate: 5e-5,
		WeightDecay:  0,
		GradAccum:    2,
	}
}

// Validate reports the first out of range field.
func (cfg Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"mixing_ratio", cfg.MixingRatio},
		{"pile_batch_size", cfg.PileBatchSize},
		{"pile_context_len", cfg.PileContextLen},
		{"clip_text_len", cfg.ClipTextLen},
		{"micro", cfg.Micro},
		{"macro", cfg.Macro},
		{"latent_dim", cfg.LatentDim},
		{"steps", cfg.Steps},
	}
	for _, field := range positive {
		if field.value < 1 {
			return fmt.Errorf("%w: %s must be positive, got %d",
				ErrInvalidConfig, field.name, field.value)
		}
	}
	if cfg.SpecialToken == "" {
		return fmt.Errorf("%w: special_token is empty", ErrInvalidConfig)
	}
	if cfg.PadToken == "" {
		return fmt.Errorf("%w: pad_token is empty", ErrInvalidConfig)
	}
	if cfg.PadToken == cfg.SpecialToken {
		return fmt.Errorf("%w: pad_token and special_token are both %q",
			ErrInvalidConfig, cfg.PadToken)
	}
	if err := cfg.Lambda.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// LoadConfig
// Reads a YAML file over DefaultConfig, so that a file only needs the
// fields it changes, and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return cfg, cfg.Validate()
}
