package training

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressTableHeaderEvery40Epochs(t *testing.T) {
	var buf bytes.Buffer
	pt := NewProgressTable(&buf, false)
	test := &EpochResult{Loss: 1, Accuracy: 50, SemiAccuracy: 60}
	for epoch := 1; epoch <= 41; epoch++ {
		require.NoError(t, pt.WriteRow(EpochRow{Epoch: epoch, LR: 8, Test: test, Duration: time.Second}))
	}
	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, "tr_loss"))
	assert.Equal(t, 41+2*3, strings.Count(out, "\n"))
}

func TestProgressTableRow(t *testing.T) {
	var buf bytes.Buffer
	pt := NewProgressTable(&buf, true)
	assert.Equal(t, []string{"ep", "lr", "tr_loss", "tr_acc", "tr_acc2", "te_loss", "te_acc", "te_acc2", "swa_te_loss", "swa_te_acc", "time"}, pt.Columns())

	require.NoError(t, pt.WriteRow(EpochRow{
		Epoch: 2,
		LR:    0.125,
		Train: EpochResult{Loss: 0.5, Accuracy: 75, SemiAccuracy: 80},
	}))
	row := strings.TrimRight(buf.String(), "\n")
	assert.NotContains(t, row, "tr_loss", "no header after the first epoch")
	fields := strings.Fields(row)
	// epoch, lr, three train values and the time; test and swa cells are blank
	assert.Equal(t, []string{"2", "0.1250", "0.5000", "75.0000", "80.0000", "0.0000"}, fields)

	header := NewProgressTable(&bytes.Buffer{}, true).header()
	assert.Len(t, row, len(header), "rows align with the header")
}
