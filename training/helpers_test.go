package training

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-swalp/layers"
	"github.com/tsawler/go-swalp/optimizer"
	"github.com/tsawler/go-swalp/quant"
)

func newRng(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x5bd1e995))
}

func fullPrecisionPolicy() quant.Policy {
	p := quant.DefaultPolicy()
	p.WeightBits = quant.FullPrecision
	p.GradBits = quant.FullPrecision
	return p
}

func newTestNet(t *testing.T, policy quant.Policy, features, classes int, seed uint64) *layers.Network {
	t.Helper()
	spec, err := layers.MLP(features, []int{16}, classes)
	require.NoError(t, err)
	net, err := layers.Build(spec, layers.BuildConfig{
		WeightBits:     policy.WeightBits,
		ActivationBits: policy.ActivationBits,
		ErrorBits:      policy.ErrorBits,
		Rng:            newRng(seed),
	})
	require.NoError(t, err)
	return net
}

func newTestOptimizer(t *testing.T, policy quant.Policy, seed uint64) *optimizer.WAGEOptimizer {
	t.Helper()
	cfg := optimizer.DefaultWAGEConfig()
	cfg.Policy = policy
	opt, err := optimizer.NewWAGEOptimizer(cfg, newRng(seed))
	require.NoError(t, err)
	return opt
}

func blobs(t *testing.T, seed uint64) *MemoryDataset {
	t.Helper()
	ds, err := SyntheticBlobs(BlobConfig{NumClasses: 3, NumFeatures: 4, PerClass: 20, Spread: 0.3}, newRng(seed))
	require.NoError(t, err)
	return ds
}

func loaderFor(t *testing.T, ds Dataset, batch int, shuffle bool, seed uint64) *DataLoader {
	t.Helper()
	dl, err := NewDataLoader(ds, batch, shuffle, newRng(seed))
	require.NoError(t, err)
	return dl
}

func fill(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
