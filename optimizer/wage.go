// Package optimizer implements the accumulator update rule for quantized
// training.
package optimizer

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-swalp/checkpoints"
	"github.com/tsawler/go-swalp/params"
	"github.com/tsawler/go-swalp/quant"
)

const wageStateType = "WAGE"

var (
	_ Optimizer        = (*WAGEOptimizer)(nil)
	_ GradientObserver = (*WAGEOptimizer)(nil)
)

// WAGEConfig holds configuration for the WAGE update rule
type WAGEConfig struct {
	Policy   quant.Policy
	Momentum float64
}

// DefaultWAGEConfig returns an 8-bit policy without momentum.
func DefaultWAGEConfig() WAGEConfig {
	return WAGEConfig{
		Policy:   quant.DefaultPolicy(),
		Momentum: 0,
	}
}

// WAGEOptimizer applies acc = Clip(acc, weightBits) - q(grad) to every
// parameter, where q is the stochastic gradient quantizer bound to the
// current learning rate. Parameters are updated one at a time in reverse
// declaration order, each read-modify-write completing before the next.
type WAGEOptimizer struct {
	policy   quant.Policy
	momentum float64
	rng      *rand.Rand

	lr        float64
	gq        quant.GradientQuantizer
	buffers   map[string][]float64
	stepCount uint64
	hook      func(name string, grad []float64)
}

// NewWAGEOptimizer validates cfg and creates the optimizer. rng is the only
// source of randomness for stochastic rounding.
func NewWAGEOptimizer(cfg WAGEConfig, rng *rand.Rand) (*WAGEOptimizer, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid quantization policy: %w", err)
	}
	if cfg.Momentum < 0 || cfg.Momentum >= 1 {
		return nil, fmt.Errorf("momentum must be in [0, 1), got %v", cfg.Momentum)
	}
	if rng == nil {
		return nil, fmt.Errorf("random source cannot be nil")
	}
	return &WAGEOptimizer{
		policy:   cfg.Policy,
		momentum: cfg.Momentum,
		rng:      rng,
		buffers:  make(map[string][]float64),
	}, nil
}

// SetLearningRate binds the gradient quantizer to lr.
func (o *WAGEOptimizer) SetLearningRate(lr float64) {
	o.lr = lr
	o.gq = o.policy.GradientQuantizer(lr, o.rng)
}

// LearningRate returns the current learning rate.
func (o *WAGEOptimizer) LearningRate() float64 {
	return o.lr
}

// SetGradientHook installs a hook that sees each final gradient right
// before it is subtracted. The hook must not modify the slice. nil removes
// it.
func (o *WAGEOptimizer) SetGradientHook(hook func(name string, grad []float64)) {
	o.hook = hook
}

// Step updates every parameter from last-declared to first. All gradients
// are checked before the first write, so a rejected step changes nothing.
func (o *WAGEOptimizer) Step(set *params.Set) error {
	if o.gq == nil {
		return fmt.Errorf("learning rate not set; call SetLearningRate before Step")
	}
	ps := set.Params()
	for _, p := range ps {
		if err := checkGradient(p); err != nil {
			return err
		}
	}
	for i := len(ps) - 1; i >= 0; i-- {
		if err := o.apply(set, ps[i]); err != nil {
			return err
		}
	}
	o.stepCount++
	return nil
}

func checkGradient(p *params.Param) error {
	if len(p.Grad) != len(p.Acc) {
		return fmt.Errorf("parameter %q: gradient has %d values, want %d", p.Name, len(p.Grad), len(p.Acc))
	}
	if !allFinite(p.Grad) {
		return fmt.Errorf("parameter %q: non-finite gradient", p.Name)
	}
	return nil
}

func (o *WAGEOptimizer) apply(set *params.Set, p *params.Param) error {
	var g []float64
	if o.policy.GradBits == quant.FullPrecision {
		g = append([]float64(nil), p.Grad...)
		floats.Scale(o.lr, g)
	} else {
		g = o.gq(p.Grad)
	}

	if o.momentum != 0 {
		buf, ok := o.buffers[p.Name]
		if !ok {
			buf = make([]float64, len(g))
			o.buffers[p.Name] = buf
		}
		floats.Scale(o.momentum, buf)
		floats.Add(buf, g)
		g = append(g[:0], buf...)
	}

	if o.hook != nil {
		o.hook(p.Name, g)
	}

	acc := quant.Clip(p.Acc, o.policy.WeightBits)
	floats.Sub(acc, g)
	return set.SetAccumulator(p.Name, acc)
}

// GetStepCount returns the current step count
func (o *WAGEOptimizer) GetStepCount() uint64 {
	return o.stepCount
}

// GetState extracts the momentum buffers for checkpointing
func (o *WAGEOptimizer) GetState() (*checkpoints.OptimizerState, error) {
	return &checkpoints.OptimizerState{
		Type:      wageStateType,
		StepCount: o.stepCount,
		Momentum:  o.momentum,
		StateData: extractBufferState(o.buffers, "momentum"),
	}, nil
}

// LoadState restores momentum buffers and the step counter.
func (o *WAGEOptimizer) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType(wageStateType, state); err != nil {
		return err
	}
	buffers, err := restoreBufferState(state.StateData, "momentum")
	if err != nil {
		return err
	}
	o.buffers = buffers
	o.stepCount = state.StepCount
	return nil
}

func allFinite(s []float64) bool {
	for _, v := range s {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
