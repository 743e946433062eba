package training

import (
	"fmt"
	"io"
	"math"
	"strings"
	"time"
)

const (
	progressColumnWidth = 10
	progressHeaderEvery = 40
)

// EpochRow is one line of the progress table. Nil results print blank.
type EpochRow struct {
	Epoch    int // 1-based completed epoch
	LR       float64
	Train    EpochResult
	Test     *EpochResult
	SWA      *EpochResult
	Duration time.Duration
}

// ProgressTable prints one fixed-width row per epoch and repeats the header
// every 40 epochs.
type ProgressTable struct {
	out     io.Writer
	columns []string
	swa     bool
}

// NewProgressTable creates a table. With swa set, shadow test loss and
// accuracy columns are added before the time column.
func NewProgressTable(out io.Writer, swa bool) *ProgressTable {
	columns := []string{"ep", "lr", "tr_loss", "tr_acc", "tr_acc2", "te_loss", "te_acc", "te_acc2"}
	if swa {
		columns = append(columns, "swa_te_loss", "swa_te_acc")
	}
	columns = append(columns, "time")
	return &ProgressTable{out: out, columns: columns, swa: swa}
}

// Columns returns the column names in print order.
func (pt *ProgressTable) Columns() []string {
	return pt.columns
}

// WriteRow prints row, preceded by the header when the 0-based epoch is a
// multiple of 40.
func (pt *ProgressTable) WriteRow(row EpochRow) error {
	var b strings.Builder
	if (row.Epoch-1)%progressHeaderEvery == 0 {
		rule := pt.rule()
		b.WriteString(rule)
		b.WriteByte('\n')
		b.WriteString(pt.header())
		b.WriteByte('\n')
		b.WriteString(rule)
		b.WriteByte('\n')
	}

	values := []float64{float64(row.Epoch), row.LR, row.Train.Loss, row.Train.Accuracy, row.Train.SemiAccuracy}
	values = append(values, resultValues(row.Test, true)...)
	if pt.swa {
		values = append(values, resultValues(row.SWA, false)...)
	}
	values = append(values, row.Duration.Seconds())

	cells := make([]string, len(values))
	for i, v := range values {
		w := pt.width(pt.columns[i])
		switch {
		case i == 0:
			cells[i] = fmt.Sprintf("%*d", w, row.Epoch)
		case math.IsNaN(v):
			cells[i] = strings.Repeat(" ", w)
		default:
			cells[i] = fmt.Sprintf("%*.4f", w, v)
		}
	}
	b.WriteString(strings.Join(cells, "  "))
	b.WriteByte('\n')

	_, err := io.WriteString(pt.out, b.String())
	return err
}

func (pt *ProgressTable) header() string {
	cells := make([]string, len(pt.columns))
	for i, c := range pt.columns {
		cells[i] = fmt.Sprintf("%*s", pt.width(c), c)
	}
	return strings.Join(cells, "  ")
}

func (pt *ProgressTable) rule() string {
	cells := make([]string, len(pt.columns))
	for i, c := range pt.columns {
		cells[i] = strings.Repeat("-", pt.width(c))
	}
	return strings.Join(cells, "  ")
}

func (pt *ProgressTable) width(column string) int {
	return max(progressColumnWidth, len(column))
}

// resultValues returns loss and accuracy, plus semi-accuracy when semi is
// set. A nil result yields NaN placeholders.
func resultValues(r *EpochResult, semi bool) []float64 {
	n := 2
	if semi {
		n = 3
	}
	if r == nil {
		out := make([]float64, n)
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	return []float64{r.Loss, r.Accuracy, r.SemiAccuracy}[:n]
}
