package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-swalp/optimizer"
	"github.com/tsawler/go-swalp/quant"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = "checkpoints"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "wage", cfg.Schedule)
	assert.Equal(t, 161, cfg.SWAStart)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero epochs", func(c *Config) { c.Epochs = 0 }},
		{"negative save freq", func(c *Config) { c.SaveFreq = -1 }},
		{"zero eval freq", func(c *Config) { c.EvalFreq = 0 }},
		{"momentum one", func(c *Config) { c.Momentum = 1 }},
		{"missing dir", func(c *Config) { c.Dir = "" }},
		{"zero base lr", func(c *Config) { c.BaseLR = 0 }},
		{"swa cycle", func(c *Config) { c.SWA = true; c.SWACycle = 0 }},
		{"swa model", func(c *Config) { c.SWA = true; c.SWAModels = []string{"acc"} }},
		{"weight bits", func(c *Config) { c.Policy.WeightBits = 0 }},
		{"fixed point", func(c *Config) { c.Policy.WeightType = quant.TypeFixed }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Dir = "checkpoints"
			tt.modify(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestShadowKindsFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	kinds, err := cfg.ShadowKinds()
	require.NoError(t, err)
	assert.Len(t, kinds, 4)

	cfg.SWAModels = []string{"low_acc"}
	kinds, err = cfg.ShadowKinds()
	require.NoError(t, err)
	assert.Equal(t, []ShadowKind{{TargetAccumulator, PrecisionLow}}, kinds)
}

func TestOptimizerConfigCarriesMomentum(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Momentum = 0.9
	cfg.Policy.GradBits = 6

	oc := cfg.OptimizerConfig()
	assert.Equal(t, 0.9, oc.Momentum)
	assert.Equal(t, cfg.Policy, oc.Policy)

	opt, err := optimizer.NewWAGEOptimizer(oc, newRng(1))
	require.NoError(t, err)
	state, err := opt.GetState()
	require.NoError(t, err)
	assert.Equal(t, 0.9, state.Momentum)
}
