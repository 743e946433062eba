// Package params holds the accumulator store: for every trainable parameter
// an extended-precision accumulator, a fixed scale, and the materialized
// value read by forward and backward passes.
package params

import (
	"errors"
	"fmt"
	"math"

	"github.com/samber/lo"

	"github.com/tsawler/go-swalp/quant"
)

// ErrStaleWeights is returned when compute reads materialized values that
// no longer reflect the accumulators.
var ErrStaleWeights = errors.New("materialized weights are stale; call Materialize before forward")

// Param is a single named parameter.
type Param struct {
	Name  string
	Shape []int

	// Acc is the persistent weight state. Only the update rule, shadow
	// averaging and checkpoint restore write it.
	Acc []float64
	// Scale maps the fixed-point domain to the real-valued domain. It is
	// set once when the parameter is created.
	Scale float64
	// Value is derived from Acc and Scale by Materialize.
	Value []float64
	// Grad is filled by backward and consumed by the update rule.
	Grad []float64
}

// Size returns the number of elements.
func (p *Param) Size() int {
	return len(p.Acc)
}

// Set is an ordered collection of parameters. Declaration order is stable
// and defines traversal order everywhere.
type Set struct {
	params []*Param
	index  map[string]int
	stale  bool
}

// NewSet creates an empty parameter set.
func NewSet() *Set {
	return &Set{
		index: make(map[string]int),
		stale: true,
	}
}

// Add registers a parameter with an initial accumulator and scale.
func (s *Set) Add(name string, shape []int, acc []float64, scale float64) (*Param, error) {
	if name == "" {
		return nil, fmt.Errorf("parameter name cannot be empty")
	}
	if _, ok := s.index[name]; ok {
		return nil, fmt.Errorf("duplicate parameter %q", name)
	}
	if !(scale > 0) || math.IsInf(scale, 0) {
		return nil, fmt.Errorf("parameter %q: scale must be positive and finite, got %v", name, scale)
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return nil, fmt.Errorf("parameter %q: invalid shape %v", name, shape)
		}
		n *= d
	}
	if len(acc) != n {
		return nil, fmt.Errorf("parameter %q: accumulator has %d elements, shape %v needs %d", name, len(acc), shape, n)
	}

	p := &Param{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Acc:   append([]float64(nil), acc...),
		Scale: scale,
		Value: make([]float64, n),
		Grad:  make([]float64, n),
	}
	s.index[name] = len(s.params)
	s.params = append(s.params, p)
	s.stale = true
	return p, nil
}

// Len returns the number of parameters.
func (s *Set) Len() int {
	return len(s.params)
}

// Params returns the parameters in declaration order.
func (s *Set) Params() []*Param {
	return s.params
}

// Names returns parameter names in declaration order.
func (s *Set) Names() []string {
	return lo.Map(s.params, func(p *Param, _ int) string { return p.Name })
}

// Get looks up a parameter by name.
func (s *Set) Get(name string) (*Param, bool) {
	i, ok := s.index[name]
	if !ok {
		return nil, false
	}
	return s.params[i], true
}

// Stale reports whether accumulators changed since the last Materialize.
func (s *Set) Stale() bool {
	return s.stale
}

// Materialize recomputes every parameter's compute-visible value. With a
// nil quantizer the value is the descaled accumulator, acc/scale.
func (s *Set) Materialize(wq quant.WeightQuantizer) {
	for _, p := range s.params {
		if wq != nil {
			copy(p.Value, wq(p.Acc, p.Scale))
			continue
		}
		for i, a := range p.Acc {
			p.Value[i] = a / p.Scale
		}
	}
	s.stale = false
}

// CheckFresh returns ErrStaleWeights if Materialize has to run first.
func (s *Set) CheckFresh() error {
	if s.stale {
		return ErrStaleWeights
	}
	return nil
}

// SetAccumulator replaces one accumulator in place and marks the set stale.
func (s *Set) SetAccumulator(name string, acc []float64) error {
	p, ok := s.Get(name)
	if !ok {
		return fmt.Errorf("unknown parameter %q", name)
	}
	if len(acc) != len(p.Acc) {
		return fmt.Errorf("parameter %q: got %d values, want %d", name, len(acc), len(p.Acc))
	}
	copy(p.Acc, acc)
	s.stale = true
	return nil
}

// ZeroGrad clears all gradients.
func (s *Set) ZeroGrad() {
	for _, p := range s.params {
		clear(p.Grad)
	}
}

// Accumulators returns a deep copy of the accumulator map.
func (s *Set) Accumulators() map[string][]float64 {
	out := make(map[string][]float64, len(s.params))
	for _, p := range s.params {
		out[p.Name] = append([]float64(nil), p.Acc...)
	}
	return out
}

// Scales returns the scale map.
func (s *Set) Scales() map[string]float64 {
	out := make(map[string]float64, len(s.params))
	for _, p := range s.params {
		out[p.Name] = p.Scale
	}
	return out
}

// LoadAccumulators replaces every accumulator. The map must name exactly
// the parameters of the set with matching sizes; nothing is written unless
// the whole map is valid.
func (s *Set) LoadAccumulators(accs map[string][]float64) error {
	if len(accs) != len(s.params) {
		return fmt.Errorf("accumulator count mismatch: got %d, want %d", len(accs), len(s.params))
	}
	for _, p := range s.params {
		a, ok := accs[p.Name]
		if !ok {
			return fmt.Errorf("missing accumulator for parameter %q", p.Name)
		}
		if len(a) != len(p.Acc) {
			return fmt.Errorf("parameter %q: got %d values, want %d", p.Name, len(a), len(p.Acc))
		}
	}
	for _, p := range s.params {
		copy(p.Acc, accs[p.Name])
	}
	s.stale = true
	return nil
}

// CloneStructure returns a set with the same names, shapes and scales and
// zeroed accumulators. Scales are copied once and never shared afterwards.
func (s *Set) CloneStructure() *Set {
	out := NewSet()
	for _, p := range s.params {
		// shapes and scales were validated when p was added
		_, _ = out.Add(p.Name, p.Shape, make([]float64, len(p.Acc)), p.Scale)
	}
	return out
}
