// Package quant implements the fixed-point quantizers used for low-bit
// training: weight, activation, error and gradient quantization plus range
// clipping. All functions are pure; randomness for stochastic rounding is
// passed in explicitly.
package quant

import (
	"math"
	"math/rand/v2"
)

// FullPrecision is the bit-width sentinel meaning "do not quantize".
const FullPrecision = -1

// S returns the number of quantization steps per unit for the given width,
// 2^(bits-1). The smallest representable increment is 1/S(bits).
func S(bits int) float64 {
	return math.Exp2(float64(bits - 1))
}

// Shift rounds x to the nearest power of two in the log domain.
func Shift(x float64) float64 {
	return math.Exp2(math.Round(math.Log2(x)))
}

// Bounds returns the symmetric saturation range for a bit width.
// Widths of 1 or above 15 saturate at +-1.
func Bounds(bits int) (lower, upper float64) {
	delta := 0.0
	if bits != 1 && bits <= 15 {
		delta = 1.0 / S(bits)
	}
	return -1 + delta, 1 - delta
}

// ClipValue saturates a single value into the range representable at bits.
func ClipValue(v float64, bits int) float64 {
	if bits == FullPrecision {
		return v
	}
	lower, upper := Bounds(bits)
	if v < lower {
		return lower
	}
	if v > upper {
		return upper
	}
	return v
}

// Clip saturates every element of x into the representable range. It only
// limits range; precision is untouched. Clip is idempotent.
func Clip(x []float64, bits int) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = ClipValue(v, bits)
	}
	return out
}

// QuantizeValue rounds v onto the bits-wide fixed-point grid with
// round-half-to-even. One bit means sign; more than 15 bits is treated as
// lossless.
func QuantizeValue(v float64, bits int) float64 {
	switch {
	case bits == FullPrecision || bits > 15:
		return v
	case bits == 1:
		return sign(v)
	}
	s := S(bits)
	return math.RoundToEven(v*s) / s
}

// QuantizeWeight derives the compute-visible weight from an accumulator:
// clip, round to the grid and divide by the parameter's fixed scale.
// A FullPrecision width returns a copy of acc unchanged.
func QuantizeWeight(acc []float64, bits int, scale float64) []float64 {
	out := make([]float64, len(acc))
	if bits == FullPrecision {
		copy(out, acc)
		return out
	}
	for i, v := range acc {
		out[i] = QuantizeValue(ClipValue(v, bits), bits) / scale
	}
	return out
}

// QuantizeActivation clips and rounds a layer output.
func QuantizeActivation(x []float64, bits int) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = QuantizeValue(ClipValue(v, bits), bits)
	}
	return out
}

// QuantizeError normalizes a backward error by the power of two nearest its
// largest magnitude, then clips and rounds it. A zero tensor stays zero.
func QuantizeError(e []float64, bits int) []float64 {
	out := make([]float64, len(e))
	if bits == FullPrecision {
		copy(out, e)
		return out
	}
	m := maxAbs(e)
	if m == 0 {
		return out
	}
	shift := Shift(m)
	for i, v := range e {
		out[i] = QuantizeValue(ClipValue(v/shift, bits), bits)
	}
	return out
}

// QuantizeGradient normalizes g by Shift(max|g|), multiplies by lr and rounds
// every element to an integer number of 1/S(bits) steps. With Stochastic
// rounding an element rounds away from zero with probability equal to its
// fractional part, using one draw from rng per element; randBits > 0 limits
// that draw to randBits bits of resolution.
//
// A FullPrecision width returns g unchanged and unscaled; callers apply lr
// themselves in that case.
func QuantizeGradient(g []float64, bits, randBits int, lr float64, mode Rounding, rng *rand.Rand) []float64 {
	out := make([]float64, len(g))
	if bits == FullPrecision {
		copy(out, g)
		return out
	}
	m := maxAbs(g)
	if m == 0 {
		return out
	}
	shift := Shift(m)
	s := S(bits)
	for i, v := range g {
		norm := lr * v / shift
		var r float64
		if mode == Nearest {
			r = math.RoundToEven(norm)
		} else {
			r = stochasticRound(norm, randBits, rng)
		}
		out[i] = r / s
	}
	return out
}

func stochasticRound(v float64, randBits int, rng *rand.Rand) float64 {
	abs := math.Abs(v)
	whole := math.Floor(abs)
	frac := abs - whole
	u := rng.Float64()
	if randBits > 0 {
		levels := math.Exp2(float64(randBits))
		u = math.Floor(u*levels) / levels
	}
	if frac > u {
		whole++
	}
	return sign(v) * whole
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func maxAbs(x []float64) float64 {
	m := 0.0
	for _, v := range x {
		if a := math.Abs(v); a > m {
			m = a
		}
	}
	return m
}
