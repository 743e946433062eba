package layers

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-swalp/params"
	"github.com/tsawler/go-swalp/quant"
)

func fullPrecisionConfig(seed uint64) BuildConfig {
	return BuildConfig{
		WeightBits:     quant.FullPrecision,
		ActivationBits: quant.FullPrecision,
		ErrorBits:      quant.FullPrecision,
		Rng:            rand.New(rand.NewPCG(seed, seed+1)),
	}
}

func TestCompile(t *testing.T) {
	spec, err := NewModelBuilder(3).
		AddDense(4, true, "fc1").
		AddReLU("relu1").
		AddDense(2, false, "fc2").
		Compile()
	require.NoError(t, err)
	assert.Equal(t, int64(3*4+4+4*2), spec.TotalParameters)
	assert.Equal(t, 2, spec.OutputSize)
	assert.Equal(t, [][]int{{4, 3}, {4}}, spec.Layers[0].ParameterShapes)
	assert.Contains(t, spec.Summary(), "Total Parameters: 24")
}

func TestCompileErrors(t *testing.T) {
	_, err := NewModelBuilder(3).Compile()
	assert.Error(t, err)
	_, err = NewModelBuilder(3).AddDense(2, false, "fc").AddReLU("r").Compile()
	assert.Error(t, err, "last layer must produce logits")
	_, err = NewModelBuilder(3).AddDense(2, false, "fc").AddDense(2, false, "fc").Compile()
	assert.Error(t, err, "duplicate names")
	_, err = NewModelBuilder(3).AddDense(0, false, "fc").Compile()
	assert.Error(t, err)
}

func TestBuildParameterOrder(t *testing.T) {
	spec, err := MLP(5, []int{8, 6}, 3)
	require.NoError(t, err)
	net, err := Build(spec, fullPrecisionConfig(1))
	require.NoError(t, err)
	assert.Equal(t, []string{"fc1.weight", "fc2.weight", "fc3.weight"}, net.Params().Names())
	assert.Equal(t, 3, net.NumClasses())
}

func TestInitAccumulatorScale(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))

	acc, scale := InitAccumulator(1000, 100, 2, rng)
	// 1.5 steps of 1/2 exceeds sqrt(6/100), so the weight is rescaled
	assert.Equal(t, 4.0, scale)
	for _, v := range acc {
		assert.LessOrEqual(t, v, 0.5)
		assert.GreaterOrEqual(t, v, -0.5)
	}

	_, scale = InitAccumulator(1000, 100, 8, rng)
	assert.Equal(t, 1.0, scale)

	_, scale = InitAccumulator(10, 100, quant.FullPrecision, rng)
	assert.Equal(t, 1.0, scale)
}

func TestForwardRequiresMaterialize(t *testing.T) {
	spec, err := MLP(2, []int{3}, 2)
	require.NoError(t, err)
	net, err := Build(spec, fullPrecisionConfig(2))
	require.NoError(t, err)

	x := mat.NewDense(1, 2, []float64{1, 2})
	_, err = net.Forward(x, false)
	assert.True(t, errors.Is(err, params.ErrStaleWeights))

	net.Params().Materialize(nil)
	out, err := net.Forward(x, false)
	require.NoError(t, err)
	r, c := out.Dims()
	assert.Equal(t, 1, r)
	assert.Equal(t, 2, c)

	_, err = net.Forward(mat.NewDense(1, 3, nil), false)
	assert.Error(t, err, "feature mismatch")
}

func TestBackwardNeedsTrainingForward(t *testing.T) {
	spec, err := MLP(2, []int{3}, 2)
	require.NoError(t, err)
	net, err := Build(spec, fullPrecisionConfig(3))
	require.NoError(t, err)
	net.Params().Materialize(nil)

	out, err := net.Forward(mat.NewDense(1, 2, []float64{1, 2}), false)
	require.NoError(t, err)
	assert.Error(t, net.Backward(out))
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	spec, err := NewModelBuilder(3).
		AddDense(4, true, "fc1").
		AddReLU("relu1").
		AddDense(2, true, "fc2").
		Compile()
	require.NoError(t, err)
	net, err := Build(spec, fullPrecisionConfig(4))
	require.NoError(t, err)

	// non-zero biases so the bias gradients are exercised through ReLU
	for _, p := range net.Params().Params() {
		for i := range p.Acc {
			if len(p.Shape) == 1 {
				p.Acc[i] = 0.1 * float64(i+1)
			}
		}
	}

	x := mat.NewDense(2, 3, []float64{0.5, -1.0, 0.25, 1.5, 0.3, -0.7})
	target := mat.NewDense(2, 2, []float64{1, 0, 0, 1})

	loss := func() float64 {
		net.Params().Materialize(nil)
		out, err := net.Forward(x, false)
		require.NoError(t, err)
		var diff mat.Dense
		diff.Sub(out, target)
		var sq mat.Dense
		sq.MulElem(&diff, &diff)
		return 0.5 * mat.Sum(&sq)
	}

	net.Params().Materialize(nil)
	net.ZeroGrad()
	out, err := net.Forward(x, true)
	require.NoError(t, err)
	var grad mat.Dense
	grad.Sub(out, target)
	require.NoError(t, net.Backward(&grad))

	const eps = 1e-6
	for _, p := range net.Params().Params() {
		for i := range p.Acc {
			orig := p.Acc[i]
			p.Acc[i] = orig + eps
			up := loss()
			p.Acc[i] = orig - eps
			down := loss()
			p.Acc[i] = orig
			numeric := (up - down) / (2 * eps)
			assert.InDelta(t, numeric, p.Grad[i], 1e-5, "%s[%d]", p.Name, i)
		}
	}
}

func TestCloneSharesScalesNotState(t *testing.T) {
	spec, err := MLP(4, []int{3}, 2)
	require.NoError(t, err)
	cfg := fullPrecisionConfig(5)
	cfg.WeightBits = 2
	net, err := Build(spec, cfg)
	require.NoError(t, err)

	clone := net.Clone()
	assert.Equal(t, net.Params().Scales(), clone.Params().Scales())
	p, _ := clone.Params().Get("fc1.weight")
	for _, v := range p.Acc {
		assert.Equal(t, 0.0, v)
	}
	p.Acc[0] = 1
	q, _ := net.Params().Get("fc1.weight")
	assert.NotSame(t, &p.Acc[0], &q.Acc[0])
}

func TestActivationQuantizationOnGrid(t *testing.T) {
	spec, err := MLP(2, []int{3}, 2)
	require.NoError(t, err)
	cfg := fullPrecisionConfig(6)
	cfg.ActivationBits = 4
	net, err := Build(spec, cfg)
	require.NoError(t, err)
	net.Params().Materialize(nil)

	x := mat.NewDense(1, 2, []float64{0.3, 0.7})
	relu := net.layers[1]
	h := relu.forward(net.layers[0].forward(x, false), false)
	for _, v := range h.RawRowView(0) {
		assert.Equal(t, quant.QuantizeValue(v, 4), v)
	}
}
