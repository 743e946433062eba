package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-swalp/checkpoints"
)

func TestRunSynthetic(t *testing.T) {
	opts := defaultOptions()
	opts.dir = filepath.Join(t.TempDir(), "exp")
	opts.epochs = 2
	opts.saveFreq = 1
	opts.swa = true
	opts.swaStart = 1
	opts.numWorkers = 1
	opts.batchSize = 64
	opts.hidden = []int{16}

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), opts, &out, "swalp --dir exp"))

	runDir := opts.dir + "-seed-200"
	script, err := os.ReadFile(filepath.Join(runDir, "command.sh"))
	require.NoError(t, err)
	assert.Contains(t, string(script), "swalp --dir exp")

	ckpt, err := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).LoadCheckpoint(filepath.Join(runDir, "checkpoint-2.json"))
	require.NoError(t, err)
	assert.Equal(t, 2, ckpt.Epoch)
	require.NotNil(t, ckpt.SWA)
	assert.Equal(t, 2, ckpt.SWA.Count)
	assert.Len(t, ckpt.SWA.Models, 4)

	logs, err := filepath.Glob(filepath.Join(runDir, "runs", "swa-seed200-*", "events.log"))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	info, err := os.Stat(logs[0])
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	assert.Contains(t, out.String(), "stochastic rounding, W:wage-8")
	assert.Contains(t, out.String(), "swa_te_acc")

	// resume from the first checkpoint and finish the remaining epoch
	opts.resume = filepath.Join(runDir, "checkpoint-1.json")
	out.Reset()
	require.NoError(t, run(context.Background(), opts, &out, "swalp --dir exp --resume"))
	assert.NotContains(t, out.String(), "tr_loss", "resumed run starts past the header epoch")
}

func TestRootCommandFlags(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cli")
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{
		"--dir", dir, "--epochs", "1", "--save-freq", "0", "--num-workers", "0",
		"--hidden", "8,4", "--checkpoint-format", "proto", "--seed", "7", "--log-error",
	})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	script, err := os.ReadFile(filepath.Join(dir+"-seed-7", "command.sh"))
	require.NoError(t, err)
	assert.Contains(t, string(script), "--epochs=1")
	assert.Contains(t, string(script), "--hidden=8,4")
	assert.Contains(t, string(script), "--log-error")
}

func TestRootCommandRejectsBadConfig(t *testing.T) {
	tests := [][]string{
		{"--wl-weight", "0"},
		{"--weight-type", "fixed"},
		{"--quant-type", "truncate"},
		{"--lr-type", "plateau"},
		{"--checkpoint-format", "onnx"},
		{"--swa", "--swa-models", "mid_acc"},
	}
	for _, extra := range tests {
		cmd := newRootCommand()
		cmd.SetOut(&bytes.Buffer{})
		args := append([]string{"--dir", filepath.Join(t.TempDir(), "bad"), "--epochs", "1", "--num-workers", "0"}, extra...)
		cmd.SetArgs(args)
		assert.Error(t, cmd.ExecuteContext(context.Background()), "%v", extra)
	}

	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--epochs", "1"})
	assert.Error(t, cmd.ExecuteContext(context.Background()), "--dir is required")
}
