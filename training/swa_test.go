package training

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-swalp/params"
	"github.com/tsawler/go-swalp/quant"
)

func TestShadowKindNames(t *testing.T) {
	names := make([]string, 0, 4)
	for _, k := range AllShadowKinds() {
		names = append(names, k.Name())
		parsed, err := ParseShadowKind(k.Name())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	assert.Equal(t, []string{"full_tern", "full_acc", "low_tern", "low_acc"}, names)

	_, err := ParseShadowKind("mid_acc")
	assert.ErrorIs(t, err, ErrUnknownShadow)
}

func TestEligible(t *testing.T) {
	net := newTestNet(t, quant.DefaultPolicy(), 4, 3, 1)
	e, err := NewEnsemble(net, func() Model { return net.Clone() }, EnsembleConfig{Start: 5, Cycle: 2, SWABits: 8})
	require.NoError(t, err)

	tests := []struct {
		epoch int
		want  bool
	}{
		{4, false},
		{5, true},
		{6, false},
		{7, true},
		{9, true},
		{10, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.Eligible(tt.epoch), "epoch %d", tt.epoch)
	}
	assert.Len(t, e.Models(), 4)
}

func TestEnsembleConfigValidate(t *testing.T) {
	assert.Error(t, EnsembleConfig{Start: 0, Cycle: 1, SWABits: 8}.Validate())
	assert.Error(t, EnsembleConfig{Start: 1, Cycle: 0, SWABits: 8}.Validate())
	assert.ErrorIs(t, EnsembleConfig{Start: 1, Cycle: 1, SWABits: 0}.Validate(), quant.ErrInvalidBits)
	dup := []ShadowKind{AllShadowKinds()[0], AllShadowKinds()[0]}
	assert.Error(t, EnsembleConfig{Start: 1, Cycle: 1, SWABits: 8, Kinds: dup}.Validate())
}

func TestNewEnsembleRejectsMismatchedScales(t *testing.T) {
	lowBits := quant.DefaultPolicy()
	lowBits.WeightBits = 2
	// a wide fan-in at 2 bits forces a scale above 1
	net := newTestNet(t, lowBits, 100, 3, 1)
	other := newTestNet(t, fullPrecisionPolicy(), 100, 3, 1)
	_, err := NewEnsemble(net, func() Model { return other }, EnsembleConfig{Start: 1, Cycle: 1, SWABits: 8})
	assert.Error(t, err)
}

func setAll(t *testing.T, set *params.Set, v float64) {
	t.Helper()
	for _, p := range set.Params() {
		require.NoError(t, set.SetAccumulator(p.Name, fill(len(p.Acc), v)))
	}
}

func TestEnsembleUpdateIsRunningMean(t *testing.T) {
	net := newTestNet(t, quant.DefaultPolicy(), 4, 3, 2)
	e, err := NewEnsemble(net, func() Model { return net.Clone() }, EnsembleConfig{Start: 1, Cycle: 1, SWABits: 8})
	require.NoError(t, err)
	test := loaderFor(t, blobs(t, 3), 16, false, 0)
	wq := quant.DefaultPolicy().WeightQuantizer()

	// decays 1, 1/2, 1/3 make the shadow the mean of the three snapshots
	for i, v := range []float64{0.25, 0.5, 0.75} {
		setAll(t, net.Params(), v)
		results, err := e.Update(i+1, test, wq)
		require.NoError(t, err)
		require.Len(t, results, 4)
		assert.Equal(t, i+1, e.Count())
	}

	acc, ok := e.Shadow("full_acc")
	require.True(t, ok)
	for _, p := range acc.Model.Params().Params() {
		for _, a := range p.Acc {
			assert.InDelta(t, 0.5, a, 1e-12)
		}
	}

	tern, ok := e.Shadow("low_tern")
	require.True(t, ok)
	for _, p := range tern.Model.Params().Params() {
		for _, a := range p.Acc {
			// every snapshot is already on the 8-bit grid
			assert.InDelta(t, 0.5, a, 1e-12)
		}
	}
}

type brokenLoader struct{}

func (brokenLoader) Len() int              { return 1 }
func (brokenLoader) Reset()                {}
func (brokenLoader) Next() (*Batch, error) { return nil, errors.New("read failed") }

func TestEnsembleUpdateAveragesBeforeEvaluating(t *testing.T) {
	net := newTestNet(t, quant.DefaultPolicy(), 4, 3, 2)
	e, err := NewEnsemble(net, func() Model { return net.Clone() }, EnsembleConfig{Start: 1, Cycle: 1, SWABits: 8})
	require.NoError(t, err)
	setAll(t, net.Params(), 0.25)

	_, err = e.Update(1, brokenLoader{}, quant.DefaultPolicy().WeightQuantizer())
	require.Error(t, err)
	assert.Equal(t, 1, e.Count())
	for _, s := range e.Models() {
		for _, p := range s.Model.Params().Params() {
			assert.Equal(t, fill(len(p.Acc), 0.25), p.Acc, "shadow %s", s.Kind.Name())
		}
	}
}

func TestEnsembleUpdateSkipsIneligibleEpoch(t *testing.T) {
	net := newTestNet(t, quant.DefaultPolicy(), 4, 3, 2)
	e, err := NewEnsemble(net, func() Model { return net.Clone() }, EnsembleConfig{Start: 3, Cycle: 1, SWABits: 8})
	require.NoError(t, err)
	results, err := e.Update(2, loaderFor(t, blobs(t, 3), 16, false, 0), nil)
	require.NoError(t, err)
	assert.Nil(t, results)
	assert.Zero(t, e.Count())
}

func TestMovingAverageFullDecayIgnoresShadowState(t *testing.T) {
	src := params.NewSet()
	_, err := src.Add("w", []int{4}, []float64{0.3, -2, 0.01, -0.4}, 4)
	require.NoError(t, err)

	tests := []struct {
		target AverageTarget
		want   []float64
	}{
		{TargetAccumulator, []float64{0.3, -2, 0.01, -0.4}},
		{TargetQuantized, quant.QuantizeWeight([]float64{0.3, -2, 0.01, -0.4}, 8, 1)},
	}
	for _, tt := range tests {
		dst := src.CloneStructure()
		setAll(t, dst, 0.9)
		require.NoError(t, MovingAverage(dst, src, 1, tt.target, 8))
		p, _ := dst.Get("w")
		assert.Equal(t, tt.want, p.Acc)
	}
}

func TestMovingAverageTernTarget(t *testing.T) {
	src := params.NewSet()
	_, err := src.Add("w", []int{3}, []float64{0.3, -2, 0.01}, 4)
	require.NoError(t, err)
	dst := src.CloneStructure()

	require.NoError(t, MovingAverage(dst, src, 1, TargetQuantized, 2))
	p, _ := dst.Get("w")
	// 2 bits: grid step 0.5, range [-0.5, 0.5], scale ignored
	assert.Equal(t, []float64{0.5, -0.5, 0}, p.Acc)
	assert.True(t, dst.Stale())

	require.NoError(t, MovingAverage(dst, src, 0.5, TargetAccumulator, 2))
	assert.InDeltaSlice(t, []float64{0.4, -1.25, 0.005}, p.Acc, 1e-12)

	assert.Error(t, MovingAverage(dst, src, 1.5, TargetAccumulator, 2))
	assert.Error(t, MovingAverage(params.NewSet(), src, 1, TargetAccumulator, 2))
}
