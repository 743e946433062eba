package training

import (
	"fmt"

	"github.com/tsawler/go-swalp/logsink"
	"github.com/tsawler/go-swalp/optimizer"
	"github.com/tsawler/go-swalp/quant"
)

// EpochOptions controls per-batch distribution logging.
type EpochOptions struct {
	Epoch    int // 0-based epoch, used to derive the global step
	Sink     logsink.Sink
	LogError bool
}

// TrainEpoch runs one pass over loader. Each batch materializes weights
// with wq, computes the SSE loss, backpropagates and lets opt update the
// accumulators. The loader is reset first.
func TrainEpoch(loader Loader, model Model, opt optimizer.Optimizer, wq quant.WeightQuantizer, opts EpochOptions) (EpochResult, error) {
	sink := opts.Sink
	if sink == nil || !opts.LogError {
		sink = logsink.Nop{}
	}
	set := model.Params()
	numBatches := loader.Len()

	var step int
	if obs, ok := opt.(optimizer.GradientObserver); ok && opts.LogError {
		obs.SetGradientHook(func(name string, grad []float64) {
			sink.AddHistogram("gradient-after/"+name, grad, step)
		})
		defer obs.SetGradientHook(nil)
	}

	var metrics metricAccumulator
	loader.Reset()
	for i := 0; ; i++ {
		batch, err := loader.Next()
		if err != nil {
			return EpochResult{}, fmt.Errorf("epoch %d batch %d: %w", opts.Epoch, i, err)
		}
		if batch == nil {
			break
		}
		if err := batch.Validate(model.NumClasses()); err != nil {
			return EpochResult{}, fmt.Errorf("epoch %d batch %d: %w", opts.Epoch, i, err)
		}
		step = i + opts.Epoch*numBatches

		set.Materialize(wq)
		if opts.LogError {
			for _, p := range set.Params() {
				sink.AddHistogram("param-acc/"+p.Name, p.Acc, step)
				sink.AddHistogram("param-quant/"+p.Name, p.Value, step)
			}
		}

		logits, err := model.Forward(batch.Inputs, true)
		if err != nil {
			return EpochResult{}, fmt.Errorf("epoch %d batch %d: forward: %w", opts.Epoch, i, err)
		}
		loss, grad, err := SSELoss(logits, batch.Labels)
		if err != nil {
			return EpochResult{}, fmt.Errorf("epoch %d batch %d: %w", opts.Epoch, i, err)
		}
		if opts.LogError {
			sink.AddScalar("batch-train-loss", loss, step)
			sink.AddHistogram("output", logits.RawMatrix().Data, step)
		}

		model.ZeroGrad()
		if err := model.Backward(grad); err != nil {
			return EpochResult{}, fmt.Errorf("epoch %d batch %d: backward: %w", opts.Epoch, i, err)
		}
		if opts.LogError {
			for _, p := range set.Params() {
				sink.AddHistogram("gradient-before/"+p.Name, p.Grad, step)
			}
		}

		if err := opt.Step(set); err != nil {
			return EpochResult{}, fmt.Errorf("epoch %d batch %d: update: %w", opts.Epoch, i, err)
		}
		metrics.add(loss, logits, batch.Labels)
	}
	return metrics.result(), nil
}
