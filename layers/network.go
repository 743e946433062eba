package layers

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-swalp/params"
	"github.com/tsawler/go-swalp/quant"
)

// BuildConfig controls parameter initialization and in-network quantization.
type BuildConfig struct {
	WeightBits     int
	ActivationBits int
	ErrorBits      int
	Rng            *rand.Rand
}

// Network is a compiled model whose weights live in a params.Set. Forward
// reads materialized values only; it never touches accumulators.
type Network struct {
	spec       *ModelSpec
	params     *params.Set
	layers     []layer
	actBits    int
	errBits    int
	numClasses int
}

type layer interface {
	forward(x *mat.Dense, train bool) *mat.Dense
	backward(dy *mat.Dense) (*mat.Dense, error)
}

// Build creates a network from a compiled spec, initializing accumulators
// and scales for cfg.WeightBits.
func Build(spec *ModelSpec, cfg BuildConfig) (*Network, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model spec must be compiled")
	}
	if cfg.Rng == nil {
		return nil, fmt.Errorf("build config requires a random source")
	}
	for _, c := range []struct {
		name string
		bits int
	}{{"weight bits", cfg.WeightBits}, {"activation bits", cfg.ActivationBits}, {"error bits", cfg.ErrorBits}} {
		if err := quant.ValidateBits(c.name, c.bits); err != nil {
			return nil, err
		}
	}

	set := params.NewSet()
	for _, ls := range spec.Layers {
		if ls.Type != Dense {
			continue
		}
		fanIn := ls.InputSize
		acc, scale := InitAccumulator(ls.OutputSize*fanIn, fanIn, cfg.WeightBits, cfg.Rng)
		if _, err := set.Add(ls.Name+".weight", []int{ls.OutputSize, fanIn}, acc, scale); err != nil {
			return nil, fmt.Errorf("layer %s: %w", ls.Name, err)
		}
		if ls.UseBias {
			if _, err := set.Add(ls.Name+".bias", []int{ls.OutputSize}, make([]float64, ls.OutputSize), 1.0); err != nil {
				return nil, fmt.Errorf("layer %s: %w", ls.Name, err)
			}
		}
	}
	return assemble(spec, set, cfg.ActivationBits, cfg.ErrorBits)
}

func assemble(spec *ModelSpec, set *params.Set, actBits, errBits int) (*Network, error) {
	n := &Network{
		spec:       spec,
		params:     set,
		actBits:    actBits,
		errBits:    errBits,
		numClasses: spec.OutputSize,
	}
	for _, ls := range spec.Layers {
		switch ls.Type {
		case Dense:
			w, ok := set.Get(ls.Name + ".weight")
			if !ok {
				return nil, fmt.Errorf("missing weight for layer %s", ls.Name)
			}
			d := &dense{w: w, in: ls.InputSize, out: ls.OutputSize, errBits: errBits}
			if ls.UseBias {
				if d.b, ok = set.Get(ls.Name + ".bias"); !ok {
					return nil, fmt.Errorf("missing bias for layer %s", ls.Name)
				}
			}
			n.layers = append(n.layers, d)
		case ReLU:
			n.layers = append(n.layers, &relu{actBits: actBits})
		}
	}
	return n, nil
}

// InitAccumulator draws a uniform accumulator for a weight with the given
// fan-in and returns it with its fixed scale. For quantized weights the
// accumulator is widened to at least 1.5 grid steps and the scale is the
// power of two that maps it back to the He-uniform range.
func InitAccumulator(n, fanIn, bits int, rng *rand.Rand) ([]float64, float64) {
	floatLimit := math.Sqrt(6.0 / float64(fanIn))
	limit, scale := floatLimit, 1.0
	if bits != quant.FullPrecision {
		limit = math.Max(1.5/quant.S(bits), floatLimit)
		_, upper := quant.Bounds(bits)
		limit = math.Min(limit, upper)
		scale = math.Max(quant.Shift(limit/floatLimit), 1.0)
	}
	acc := make([]float64, n)
	for i := range acc {
		acc[i] = (rng.Float64()*2 - 1) * limit
	}
	return acc, scale
}

// Clone returns a network with the same architecture and scales and zeroed
// accumulators. The clone owns its own parameter set.
func (n *Network) Clone() *Network {
	// assemble cannot fail on a structure that already assembled once
	c, _ := assemble(n.spec, n.params.CloneStructure(), n.actBits, n.errBits)
	return c
}

// Params returns the parameter set backing the network.
func (n *Network) Params() *params.Set {
	return n.params
}

// Spec returns the compiled model spec.
func (n *Network) Spec() *ModelSpec {
	return n.spec
}

// NumClasses returns the logit width.
func (n *Network) NumClasses() int {
	return n.numClasses
}

// ZeroGrad clears parameter gradients.
func (n *Network) ZeroGrad() {
	n.params.ZeroGrad()
}

// Forward computes logits for a batch. With train set, layer inputs are
// kept for Backward; otherwise nothing is retained.
func (n *Network) Forward(x *mat.Dense, train bool) (*mat.Dense, error) {
	if err := n.params.CheckFresh(); err != nil {
		return nil, err
	}
	_, c := x.Dims()
	if c != n.spec.InputSize {
		return nil, fmt.Errorf("input has %d features, model expects %d", c, n.spec.InputSize)
	}
	out := x
	for _, l := range n.layers {
		out = l.forward(out, train)
	}
	return out, nil
}

// Backward propagates the loss gradient with respect to the logits and
// accumulates parameter gradients. It must follow a training Forward.
func (n *Network) Backward(gradLogits *mat.Dense) error {
	dy := gradLogits
	for i := len(n.layers) - 1; i >= 0; i-- {
		var err error
		if dy, err = n.layers[i].backward(dy); err != nil {
			return err
		}
	}
	return nil
}

type dense struct {
	w, b    *params.Param
	in, out int
	errBits int
	x       *mat.Dense
}

func (d *dense) forward(x *mat.Dense, train bool) *mat.Dense {
	w := mat.NewDense(d.out, d.in, d.w.Value)
	var y mat.Dense
	y.Mul(x, w.T())
	if d.b != nil {
		rows, _ := y.Dims()
		for r := 0; r < rows; r++ {
			floats.Add(y.RawRowView(r), d.b.Value)
		}
	}
	if train {
		d.x = x
	} else {
		d.x = nil
	}
	return &y
}

func (d *dense) backward(dy *mat.Dense) (*mat.Dense, error) {
	if d.x == nil {
		return nil, fmt.Errorf("backward called without a training forward pass")
	}
	if d.errBits != quant.FullPrecision {
		dy = mapDense(dy, func(v []float64) []float64 { return quant.QuantizeError(v, d.errBits) })
	}

	var gw mat.Dense
	gw.Mul(dy.T(), d.x)
	for r := 0; r < d.out; r++ {
		floats.Add(d.w.Grad[r*d.in:(r+1)*d.in], gw.RawRowView(r))
	}
	if d.b != nil {
		rows, _ := dy.Dims()
		for r := 0; r < rows; r++ {
			floats.Add(d.b.Grad, dy.RawRowView(r))
		}
	}

	w := mat.NewDense(d.out, d.in, d.w.Value)
	var dx mat.Dense
	dx.Mul(dy, w)
	d.x = nil
	return &dx, nil
}

type relu struct {
	actBits int
	mask    *mat.Dense
}

func (r *relu) forward(x *mat.Dense, train bool) *mat.Dense {
	rows, cols := x.Dims()
	y := mat.NewDense(rows, cols, nil)
	var mask *mat.Dense
	if train {
		mask = mat.NewDense(rows, cols, nil)
	}
	for i := 0; i < rows; i++ {
		src, dst := x.RawRowView(i), y.RawRowView(i)
		for j, v := range src {
			if v > 0 {
				dst[j] = v
				if mask != nil {
					mask.Set(i, j, 1)
				}
			}
		}
	}
	r.mask = mask
	if r.actBits != quant.FullPrecision {
		// straight-through: backward ignores the rounding
		y = mapDense(y, func(v []float64) []float64 { return quant.QuantizeActivation(v, r.actBits) })
	}
	return y
}

func (r *relu) backward(dy *mat.Dense) (*mat.Dense, error) {
	if r.mask == nil {
		return nil, fmt.Errorf("backward called without a training forward pass")
	}
	var dx mat.Dense
	dx.MulElem(dy, r.mask)
	r.mask = nil
	return &dx, nil
}

// mapDense applies fn to the whole matrix as one tensor.
func mapDense(m *mat.Dense, fn func([]float64) []float64) *mat.Dense {
	rows, cols := m.Dims()
	flat := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		flat = append(flat, m.RawRowView(i)...)
	}
	return mat.NewDense(rows, cols, fn(flat))
}
