package training

import (
	"errors"
	"fmt"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-swalp/params"
	"github.com/tsawler/go-swalp/quant"
)

// ErrUnknownShadow is returned for a shadow model name outside the four
// supported kinds.
var ErrUnknownShadow = errors.New("unknown shadow model")

// AverageTarget selects what a shadow model averages.
type AverageTarget int

const (
	// TargetAccumulator averages the raw accumulator.
	TargetAccumulator AverageTarget = iota
	// TargetQuantized averages QuantizeWeight(acc, swaBits, 1.0).
	TargetQuantized
)

func (t AverageTarget) String() string {
	if t == TargetQuantized {
		return "tern"
	}
	return "acc"
}

// EvalPrecision selects how a shadow model is evaluated.
type EvalPrecision int

const (
	// PrecisionFull evaluates with acc/scale.
	PrecisionFull EvalPrecision = iota
	// PrecisionLow evaluates through the weight quantizer.
	PrecisionLow
)

func (p EvalPrecision) String() string {
	if p == PrecisionLow {
		return "low"
	}
	return "full"
}

// ShadowKind is one of the four averaged models.
type ShadowKind struct {
	Target    AverageTarget
	Precision EvalPrecision
}

// Name returns the canonical name, e.g. "low_tern".
func (k ShadowKind) Name() string {
	return k.Precision.String() + "_" + k.Target.String()
}

// AllShadowKinds returns full_tern, full_acc, low_tern and low_acc.
func AllShadowKinds() []ShadowKind {
	return []ShadowKind{
		{TargetQuantized, PrecisionFull},
		{TargetAccumulator, PrecisionFull},
		{TargetQuantized, PrecisionLow},
		{TargetAccumulator, PrecisionLow},
	}
}

// ParseShadowKind maps a canonical name to its kind.
func ParseShadowKind(name string) (ShadowKind, error) {
	for _, k := range AllShadowKinds() {
		if k.Name() == name {
			return k, nil
		}
	}
	return ShadowKind{}, fmt.Errorf("%w: %q", ErrUnknownShadow, name)
}

// EnsembleConfig configures shadow averaging.
type EnsembleConfig struct {
	Start   int // first completed epoch that is averaged
	Cycle   int // epochs between averages
	SWABits int // bit width of the tern target
	Kinds   []ShadowKind
}

// Validate checks the schedule and bit width. An empty Kinds list means all
// four kinds.
func (c EnsembleConfig) Validate() error {
	if c.Start < 1 {
		return fmt.Errorf("swa start must be at least 1, got %d", c.Start)
	}
	if c.Cycle < 1 {
		return fmt.Errorf("swa cycle must be at least 1, got %d", c.Cycle)
	}
	if err := quant.ValidateBits("swa bits", c.SWABits); err != nil {
		return err
	}
	names := lo.Map(c.Kinds, func(k ShadowKind, _ int) string { return k.Name() })
	if dups := lo.FindDuplicates(names); len(dups) > 0 {
		return fmt.Errorf("duplicate shadow models: %v", dups)
	}
	return nil
}

// Shadow is one averaged model.
type Shadow struct {
	Kind  ShadowKind
	Model Model
}

// ShadowResult is the evaluation of one shadow after an update.
type ShadowResult struct {
	Name   string
	Result EpochResult
}

// Ensemble maintains the shadow models of a base model. All shadows share
// one update counter.
type Ensemble struct {
	base    Model
	cfg     EnsembleConfig
	shadows []Shadow
	count   int
}

// NewEnsemble creates one shadow per configured kind using newShadow, which
// must return a model of the base architecture. Shadow scales must equal the
// base scales; accumulators start at zero.
func NewEnsemble(base Model, newShadow func() Model, cfg EnsembleConfig) (*Ensemble, error) {
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = AllShadowKinds()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid swa config: %w", err)
	}
	baseScales := base.Params().Scales()
	e := &Ensemble{base: base, cfg: cfg}
	for _, k := range cfg.Kinds {
		m := newShadow()
		set := m.Params()
		if set.Len() != len(baseScales) {
			return nil, fmt.Errorf("shadow %s has %d parameters, base has %d", k.Name(), set.Len(), len(baseScales))
		}
		for _, p := range set.Params() {
			if s, ok := baseScales[p.Name]; !ok || s != p.Scale {
				return nil, fmt.Errorf("shadow %s: parameter %q does not match the base scale", k.Name(), p.Name)
			}
			if err := set.SetAccumulator(p.Name, make([]float64, len(p.Acc))); err != nil {
				return nil, err
			}
		}
		e.shadows = append(e.shadows, Shadow{Kind: k, Model: m})
	}
	return e, nil
}

// Eligible reports whether the shadows are updated after the given number
// of completed epochs.
func (e *Ensemble) Eligible(epoch int) bool {
	return epoch >= e.cfg.Start && (epoch-e.cfg.Start)%e.cfg.Cycle == 0
}

// Count returns the number of averaging updates so far.
func (e *Ensemble) Count() int {
	return e.count
}

// SetCount restores the update counter from a checkpoint.
func (e *Ensemble) SetCount(n int) {
	e.count = n
}

// Models returns the shadows in configuration order.
func (e *Ensemble) Models() []Shadow {
	return e.shadows
}

// Shadow looks up a shadow by canonical name.
func (e *Ensemble) Shadow(name string) (Shadow, bool) {
	return lo.Find(e.shadows, func(s Shadow) bool { return s.Kind.Name() == name })
}

// Update averages the base model into every shadow with decay 1/(n+1),
// increments the counter once and then evaluates each shadow on loader.
// It does nothing and returns nil when the epoch is not eligible.
func (e *Ensemble) Update(epoch int, loader Loader, wq quant.WeightQuantizer) ([]ShadowResult, error) {
	if !e.Eligible(epoch) {
		return nil, nil
	}
	decay := 1.0 / float64(e.count+1)
	for _, s := range e.shadows {
		if err := MovingAverage(s.Model.Params(), e.base.Params(), decay, s.Kind.Target, e.cfg.SWABits); err != nil {
			return nil, fmt.Errorf("shadow %s: %w", s.Kind.Name(), err)
		}
	}
	e.count++

	results := make([]ShadowResult, 0, len(e.shadows))
	for _, s := range e.shadows {
		evalWQ := wq
		if s.Kind.Precision == PrecisionFull {
			evalWQ = nil
		}
		res, err := Evaluate(loader, s.Model, evalWQ)
		if err != nil {
			return nil, fmt.Errorf("shadow %s: %w", s.Kind.Name(), err)
		}
		results = append(results, ShadowResult{Name: s.Kind.Name(), Result: res})
	}
	return results, nil
}

// MovingAverage sets dst.acc = dst.acc*(1-decay) + t*decay for every
// parameter of src, where t is the source accumulator or, for
// TargetQuantized, its bits-wide quantization at scale 1.
func MovingAverage(dst, src *params.Set, decay float64, target AverageTarget, bits int) error {
	if decay < 0 || decay > 1 {
		return fmt.Errorf("decay must be in [0, 1], got %v", decay)
	}
	for _, sp := range src.Params() {
		dp, ok := dst.Get(sp.Name)
		if !ok {
			return fmt.Errorf("average target has no parameter %q", sp.Name)
		}
		if len(dp.Acc) != len(sp.Acc) {
			return fmt.Errorf("parameter %q: size %d differs from source %d", sp.Name, len(dp.Acc), len(sp.Acc))
		}
		t := sp.Acc
		if target == TargetQuantized {
			t = quant.QuantizeWeight(sp.Acc, bits, 1.0)
		}
		acc := append([]float64(nil), dp.Acc...)
		floats.Scale(1-decay, acc)
		floats.AddScaled(acc, decay, t)
		if err := dst.SetAccumulator(sp.Name, acc); err != nil {
			return err
		}
	}
	return nil
}
