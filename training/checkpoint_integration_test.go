package training

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-swalp/checkpoints"
	"github.com/tsawler/go-swalp/quant"
)

func TestShouldSave(t *testing.T) {
	cm := NewCheckpointManager(CheckpointConfig{SaveFrequency: 25, SWAStart: 161})
	assert.False(t, cm.ShouldSave(1))
	assert.True(t, cm.ShouldSave(25))
	assert.True(t, cm.ShouldSave(50))
	assert.True(t, cm.ShouldSave(161))
	assert.False(t, cm.ShouldSave(162))

	disabled := NewCheckpointManager(CheckpointConfig{SWAStart: 3})
	assert.False(t, disabled.ShouldSave(3))
}

func TestCheckpointManagerProtoRoundTrip(t *testing.T) {
	policy := quant.DefaultPolicy()
	net := newTestNet(t, policy, 4, 3, 91)
	opt := newTestOptimizer(t, policy, 92)
	ens, err := NewEnsemble(net, func() Model { return net.Clone() }, EnsembleConfig{Start: 1, Cycle: 1, SWABits: 8})
	require.NoError(t, err)
	_, err = ens.Update(1, loaderFor(t, blobs(t, 93), 20, false, 0), policy.WeightQuantizer())
	require.NoError(t, err)

	dir := t.TempDir()
	cm := NewCheckpointManager(CheckpointConfig{SaveDirectory: dir, SaveFrequency: 1, Format: checkpoints.FormatProto})
	path, err := cm.SaveCheckpoint(7, TrainingState{Model: net, Optimizer: opt, Ensemble: ens}, "unit")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "checkpoint-7.pb"), path)

	other := newTestNet(t, policy, 4, 3, 94)
	otherEns, err := NewEnsemble(other, func() Model { return other.Clone() }, EnsembleConfig{Start: 1, Cycle: 1, SWABits: 8})
	require.NoError(t, err)
	epoch, err := cm.LoadCheckpoint(path, TrainingState{Model: other, Ensemble: otherEns})
	require.NoError(t, err)
	assert.Equal(t, 7, epoch)
	assert.Equal(t, net.Params().Accumulators(), other.Params().Accumulators())
	assert.Equal(t, 1, otherEns.Count())
	for i, s := range ens.Models() {
		assert.Equal(t, s.Model.Params().Accumulators(), otherEns.Models()[i].Model.Params().Accumulators())
	}
	assert.True(t, other.Params().Stale(), "restored accumulators must be materialized again")
}

func TestCheckpointManagerCleanup(t *testing.T) {
	policy := quant.DefaultPolicy()
	net := newTestNet(t, policy, 4, 3, 95)
	dir := t.TempDir()
	cm := NewCheckpointManager(CheckpointConfig{SaveDirectory: dir, SaveFrequency: 1, MaxCheckpoints: 2})
	for epoch := 1; epoch <= 4; epoch++ {
		_, err := cm.SaveCheckpoint(epoch, TrainingState{Model: net}, "")
		require.NoError(t, err)
	}
	assert.Equal(t, []string{filepath.Join(dir, "checkpoint-3.json"), filepath.Join(dir, "checkpoint-4.json")}, cm.SavedFiles())
	_, err := os.Stat(filepath.Join(dir, "checkpoint-1.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestLoadCheckpointRejectsOtherArchitecture(t *testing.T) {
	policy := quant.DefaultPolicy()
	net := newTestNet(t, policy, 4, 3, 96)
	cm := NewCheckpointManager(CheckpointConfig{SaveDirectory: t.TempDir(), SaveFrequency: 1})
	path, err := cm.SaveCheckpoint(1, TrainingState{Model: net}, "")
	require.NoError(t, err)

	wider := newTestNet(t, policy, 5, 3, 97)
	_, err = cm.LoadCheckpoint(path, TrainingState{Model: wider})
	assert.Error(t, err)
}
