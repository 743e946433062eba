package optimizer

import (
	"fmt"

	"github.com/tsawler/go-swalp/checkpoints"
	"github.com/tsawler/go-swalp/params"
)

// Optimizer updates the accumulators of a parameter set from the gradients
// attached by backward. Implementations never write materialized values.
type Optimizer interface {
	// Step applies one update to every parameter of set.
	Step(set *params.Set) error

	// SetLearningRate sets the learning rate used by subsequent steps.
	SetLearningRate(lr float64)

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64
}

// GradientObserver is implemented by optimizers that can report each final
// gradient, after quantization and momentum, before it is applied.
type GradientObserver interface {
	SetGradientHook(hook func(name string, grad []float64))
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
