package quant

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

// ErrInvalidBits is returned for bit widths that are neither FullPrecision
// nor a positive number of bits.
var ErrInvalidBits = errors.New("invalid bit width")

// Rounding selects how gradients are rounded onto the fixed-point grid.
type Rounding int

const (
	Stochastic Rounding = iota
	Nearest
)

func (r Rounding) String() string {
	switch r {
	case Stochastic:
		return "stochastic"
	case Nearest:
		return "nearest"
	default:
		return fmt.Sprintf("Unknown(%d)", int(r))
	}
}

// ParseRounding maps "stochastic" / "nearest" to a Rounding.
func ParseRounding(s string) (Rounding, error) {
	switch s {
	case "stochastic":
		return Stochastic, nil
	case "nearest":
		return Nearest, nil
	}
	return 0, fmt.Errorf("unknown rounding mode %q", s)
}

// NumberType names a quantization family.
type NumberType string

const (
	TypeWAGE  NumberType = "wage"
	TypeFixed NumberType = "fixed"
	TypeBlock NumberType = "block"
)

// WeightQuantizer turns an accumulator into a materialized weight.
type WeightQuantizer func(acc []float64, scale float64) []float64

// GradientQuantizer turns a raw gradient into the value subtracted from the
// accumulator.
type GradientQuantizer func(g []float64) []float64

// Policy is the full set of quantization settings for a run.
type Policy struct {
	WeightBits     int
	GradBits       int
	RandBits       int
	ActivationBits int
	ErrorBits      int
	Rounding       Rounding
	WeightType     NumberType
	GradType       NumberType
	LayerType      NumberType
}

// DefaultPolicy returns an 8-bit weight and gradient WAGE policy with
// full-precision activations and errors.
func DefaultPolicy() Policy {
	return Policy{
		WeightBits:     8,
		GradBits:       8,
		RandBits:       16,
		ActivationBits: FullPrecision,
		ErrorBits:      FullPrecision,
		Rounding:       Stochastic,
		WeightType:     TypeWAGE,
		GradType:       TypeWAGE,
		LayerType:      TypeWAGE,
	}
}

// ValidateBits checks a single width.
func ValidateBits(name string, bits int) error {
	if bits == FullPrecision || bits >= 1 {
		return nil
	}
	return fmt.Errorf("%s: %w: %d (want -1 or >= 1)", name, ErrInvalidBits, bits)
}

// Validate rejects configurations the training engine cannot run. It is
// meant to be called once at startup.
func (p Policy) Validate() error {
	checks := []struct {
		name string
		bits int
	}{
		{"weight bits", p.WeightBits},
		{"gradient bits", p.GradBits},
		{"random bits", p.RandBits},
		{"activation bits", p.ActivationBits},
		{"error bits", p.ErrorBits},
	}
	for _, c := range checks {
		if err := ValidateBits(c.name, c.bits); err != nil {
			return err
		}
	}
	if p.WeightType != TypeWAGE {
		return fmt.Errorf("unsupported weight quantization type %q", p.WeightType)
	}
	if p.GradType != TypeWAGE {
		return fmt.Errorf("unsupported gradient quantization type %q", p.GradType)
	}
	if p.LayerType != "" && p.LayerType != TypeWAGE {
		return fmt.Errorf("unsupported layer quantization type %q", p.LayerType)
	}
	if p.Rounding != Stochastic && p.Rounding != Nearest {
		return fmt.Errorf("unsupported rounding mode %v", p.Rounding)
	}
	return nil
}

// WeightQuantizer returns the forward weight quantizer, or nil when weights
// are kept at full precision.
func (p Policy) WeightQuantizer() WeightQuantizer {
	if p.WeightBits == FullPrecision {
		return nil
	}
	bits := p.WeightBits
	return func(acc []float64, scale float64) []float64 {
		return QuantizeWeight(acc, bits, scale)
	}
}

// GradientQuantizer binds the gradient settings to a learning rate and a
// random source for one epoch.
func (p Policy) GradientQuantizer(lr float64, rng *rand.Rand) GradientQuantizer {
	bits, randBits, mode := p.GradBits, p.RandBits, p.Rounding
	return func(g []float64) []float64 {
		return QuantizeGradient(g, bits, randBits, lr, mode, rng)
	}
}

// Summary renders a short description such as "W:wage-8 A:float G:wage-8 E:float".
func (p Policy) Summary() string {
	return fmt.Sprintf("%s rounding, W:%s, A:%s, G:%s, E:%s",
		p.Rounding,
		describe(p.WeightType, p.WeightBits),
		describe(p.LayerType, p.ActivationBits),
		describe(p.GradType, p.GradBits),
		describe(p.LayerType, p.ErrorBits))
}

func describe(t NumberType, bits int) string {
	if bits == FullPrecision {
		return "float"
	}
	if t == "" {
		t = TypeWAGE
	}
	return fmt.Sprintf("%s-%d", t, bits)
}
