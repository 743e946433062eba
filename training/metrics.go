package training

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// EpochResult holds the metrics of one pass over a loader.
type EpochResult struct {
	Loss         float64 // mean per-sample loss
	Accuracy     float64 // percent of rows whose first argmax is the label
	SemiAccuracy float64 // percent of rows whose label logit equals the row max
	Samples      int
}

// ErrorRate returns 100 - Accuracy.
func (r EpochResult) ErrorRate() float64 {
	return 100 - r.Accuracy
}

// metricAccumulator sums batch statistics over an epoch.
type metricAccumulator struct {
	lossSum     float64
	correct     int
	semiCorrect int
	total       int
}

// add records one batch. loss is the batch loss, weighted by batch size as
// the per-batch SSE is accumulated.
func (m *metricAccumulator) add(loss float64, logits *mat.Dense, labels []int) {
	m.lossSum += loss * float64(len(labels))
	m.total += len(labels)
	for i, l := range labels {
		row := logits.RawRowView(i)
		if floats.MaxIdx(row) == l {
			m.correct++
		}
		if row[l] == floats.Max(row) {
			m.semiCorrect++
		}
	}
}

func (m *metricAccumulator) result() EpochResult {
	if m.total == 0 {
		return EpochResult{}
	}
	n := float64(m.total)
	return EpochResult{
		Loss:         m.lossSum / n,
		Accuracy:     float64(m.correct) / n * 100,
		SemiAccuracy: float64(m.semiCorrect) / n * 100,
		Samples:      m.total,
	}
}
