package training

import (
	"fmt"

	"github.com/tsawler/go-swalp/checkpoints"
	"github.com/tsawler/go-swalp/optimizer"
	"github.com/tsawler/go-swalp/quant"
)

// Config holds everything that controls a training run.
type Config struct {
	Epochs   int     // total epochs; resuming continues up to this count
	SaveFreq int     // checkpoint every N completed epochs, 0 disables
	EvalFreq int     // evaluate the main model every N epochs
	BaseLR   float64 // base rate for schedules that scale it
	Schedule string  // wage, const, step, exponential or cosine
	Momentum float64
	Seed     uint64

	SWA       bool
	SWAStart  int      // first completed epoch that is averaged
	SWACycle  int      // epochs between averages
	SWAModels []string // shadow names, empty for all four

	LogDistribution bool // per-epoch parameter and gradient histograms
	LogError        bool // per-batch histograms inside the epoch

	Dir              string // checkpoint directory
	CheckpointFormat checkpoints.CheckpointFormat
	MaxCheckpoints   int // 0 keeps every checkpoint

	Policy quant.Policy
}

// DefaultConfig mirrors the reference WAGE setup: 8-bit weights and
// gradients, the piecewise 8/1/0.125 schedule and averaging from epoch 161.
func DefaultConfig() Config {
	return Config{
		Epochs:           200,
		SaveFreq:         25,
		EvalFreq:         1,
		BaseLR:           0.1,
		Schedule:         "wage",
		Momentum:         0,
		Seed:             200,
		SWAStart:         161,
		SWACycle:         1,
		CheckpointFormat: checkpoints.FormatJSON,
		Policy:           quant.DefaultPolicy(),
	}
}

// Validate reports the first configuration error.
func (c Config) Validate() error {
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.SaveFreq < 0 {
		return fmt.Errorf("save frequency cannot be negative, got %d", c.SaveFreq)
	}
	if c.EvalFreq < 1 {
		return fmt.Errorf("eval frequency must be at least 1, got %d", c.EvalFreq)
	}
	if c.BaseLR <= 0 {
		return fmt.Errorf("base learning rate must be positive, got %v", c.BaseLR)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return fmt.Errorf("momentum must be in [0, 1), got %v", c.Momentum)
	}
	if c.SaveFreq > 0 && c.Dir == "" {
		return fmt.Errorf("checkpointing requires a directory")
	}
	if c.MaxCheckpoints < 0 {
		return fmt.Errorf("max checkpoints cannot be negative, got %d", c.MaxCheckpoints)
	}
	if c.SWA {
		if _, err := c.ShadowKinds(); err != nil {
			return err
		}
		if err := c.ensembleConfig(nil).Validate(); err != nil {
			return fmt.Errorf("invalid swa config: %w", err)
		}
	}
	return c.Policy.Validate()
}

// ShadowKinds parses SWAModels; an empty list selects all four.
func (c Config) ShadowKinds() ([]ShadowKind, error) {
	if len(c.SWAModels) == 0 {
		return AllShadowKinds(), nil
	}
	kinds := make([]ShadowKind, 0, len(c.SWAModels))
	for _, name := range c.SWAModels {
		k, err := ParseShadowKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// ensembleConfig averages the tern target at the weight bit width.
func (c Config) ensembleConfig(kinds []ShadowKind) EnsembleConfig {
	return EnsembleConfig{
		Start:   c.SWAStart,
		Cycle:   c.SWACycle,
		SWABits: c.Policy.WeightBits,
		Kinds:   kinds,
	}
}

// OptimizerConfig returns the update rule settings for the run.
func (c Config) OptimizerConfig() optimizer.WAGEConfig {
	return optimizer.WAGEConfig{Policy: c.Policy, Momentum: c.Momentum}
}
