package training

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// SSELoss returns 0.5 * sum((logits - onehot)^2) over the whole batch and
// its gradient with respect to the logits, logits - onehot.
func SSELoss(logits *mat.Dense, labels []int) (float64, *mat.Dense, error) {
	rows, classes := logits.Dims()
	if rows != len(labels) {
		return 0, nil, fmt.Errorf("logits have %d rows but %d labels", rows, len(labels))
	}
	grad := mat.DenseCopyOf(logits)
	for i, l := range labels {
		if l < 0 || l >= classes {
			return 0, nil, fmt.Errorf("label %d at row %d out of range [0, %d)", l, i, classes)
		}
		grad.Set(i, l, grad.At(i, l)-1)
	}
	// DenseCopyOf packs rows contiguously
	d := grad.RawMatrix().Data
	return 0.5 * floats.Dot(d, d), grad, nil
}
