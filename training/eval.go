package training

import (
	"fmt"

	"github.com/tsawler/go-swalp/quant"
)

// Evaluate measures model on loader without training. Weights are
// materialized once with wq, or as acc/scale when wq is nil. Accumulators
// are never modified.
func Evaluate(loader Loader, model Model, wq quant.WeightQuantizer) (EpochResult, error) {
	model.Params().Materialize(wq)

	var metrics metricAccumulator
	loader.Reset()
	for i := 0; ; i++ {
		batch, err := loader.Next()
		if err != nil {
			return EpochResult{}, fmt.Errorf("eval batch %d: %w", i, err)
		}
		if batch == nil {
			break
		}
		if err := batch.Validate(model.NumClasses()); err != nil {
			return EpochResult{}, fmt.Errorf("eval batch %d: %w", i, err)
		}
		logits, err := model.Forward(batch.Inputs, false)
		if err != nil {
			return EpochResult{}, fmt.Errorf("eval batch %d: forward: %w", i, err)
		}
		loss, _, err := SSELoss(logits, batch.Labels)
		if err != nil {
			return EpochResult{}, fmt.Errorf("eval batch %d: %w", i, err)
		}
		metrics.add(loss, logits, batch.Labels)
	}
	return metrics.result(), nil
}
