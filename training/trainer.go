package training

import (
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/tsawler/go-swalp/logsink"
	"github.com/tsawler/go-swalp/optimizer"
	"github.com/tsawler/go-swalp/quant"
)

// TrainerOptions carries the collaborators of a Trainer. Zero values are
// replaced with no-op implementations.
type TrainerOptions struct {
	Logger   *zap.SugaredLogger
	Sink     logsink.Sink
	Progress io.Writer
	RunID    string

	// NewShadow builds an empty model of the trained architecture. It is
	// required when Config.SWA is set.
	NewShadow func() Model
}

// EpochSummary is what one epoch of Fit produced. Test and TernTest are nil
// on epochs without evaluation; SWA is nil unless the shadows were updated.
type EpochSummary struct {
	Epoch    int // 1-based completed epoch
	LR       float64
	Train    EpochResult
	Test     *EpochResult // acc/scale weights
	TernTest *EpochResult // quantized weights
	SWA      []ShadowResult
	Duration time.Duration
}

// Trainer runs the epoch loop: schedule, train, average, evaluate, log and
// checkpoint.
type Trainer struct {
	config     Config
	model      Model
	opt        optimizer.Optimizer
	wq         quant.WeightQuantizer
	scheduler  LRScheduler
	ensemble   *Ensemble
	checkpoint *CheckpointManager
	sink       logsink.Sink
	logger     *zap.SugaredLogger
	progress   *ProgressTable
	startEpoch int
}

// NewTrainer validates config and wires the run.
func NewTrainer(config Config, model Model, opt optimizer.Optimizer, opts TrainerOptions) (*Trainer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid training config: %w", err)
	}
	if model == nil || opt == nil {
		return nil, fmt.Errorf("trainer requires a model and an optimizer")
	}
	scheduler, err := NewScheduler(config.Schedule, config.Epochs)
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		config:    config,
		model:     model,
		opt:       opt,
		wq:        config.Policy.WeightQuantizer(),
		scheduler: scheduler,
		sink:      opts.Sink,
		logger:    opts.Logger,
		checkpoint: NewCheckpointManager(CheckpointConfig{
			SaveDirectory:  config.Dir,
			SaveFrequency:  config.SaveFreq,
			SWAStart:       config.SWAStart,
			MaxCheckpoints: config.MaxCheckpoints,
			Format:         config.CheckpointFormat,
			RunID:          opts.RunID,
		}),
	}
	if t.sink == nil {
		t.sink = logsink.Nop{}
	}
	if t.logger == nil {
		t.logger = zap.NewNop().Sugar()
	}
	progress := opts.Progress
	if progress == nil {
		progress = io.Discard
	}
	t.progress = NewProgressTable(progress, config.SWA)

	if config.SWA {
		if opts.NewShadow == nil {
			return nil, fmt.Errorf("swa requires a shadow model constructor")
		}
		kinds, err := config.ShadowKinds()
		if err != nil {
			return nil, err
		}
		t.ensemble, err = NewEnsemble(model, opts.NewShadow, config.ensembleConfig(kinds))
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Ensemble returns the shadow ensemble, or nil without SWA.
func (t *Trainer) Ensemble() *Ensemble {
	return t.ensemble
}

// StartEpoch returns the 0-based epoch Fit starts from.
func (t *Trainer) StartEpoch() int {
	return t.startEpoch
}

// Resume restores a checkpoint and continues after the epoch it stores.
func (t *Trainer) Resume(path string) error {
	epoch, err := t.checkpoint.LoadCheckpoint(path, t.state())
	if err != nil {
		return err
	}
	if epoch < 0 || epoch > t.config.Epochs {
		return fmt.Errorf("checkpoint epoch %d outside [0, %d]", epoch, t.config.Epochs)
	}
	t.startEpoch = epoch
	swaCount := 0
	if t.ensemble != nil {
		swaCount = t.ensemble.Count()
	}
	t.logger.Infow("resumed from checkpoint", "path", path, "epoch", epoch, "swa_count", swaCount)
	return nil
}

// Fit trains from the start epoch through Config.Epochs. test is used for
// evaluation and shadow averaging.
func (t *Trainer) Fit(train, test Loader) ([]EpochSummary, error) {
	if train == nil || test == nil {
		return nil, fmt.Errorf("fit requires train and test loaders")
	}
	t.logger.Infow("training started",
		"policy", t.config.Policy.Summary(),
		"schedule", t.scheduler.GetName(),
		"epochs", t.config.Epochs,
		"start_epoch", t.startEpoch,
		"swa", t.config.SWA)

	var (
		history []EpochSummary
		lastSWA *EpochResult
	)
	for epoch := t.startEpoch; epoch < t.config.Epochs; epoch++ {
		summary, err := t.runEpoch(epoch, train, test)
		if err != nil {
			return history, err
		}
		if len(summary.SWA) > 0 {
			lastSWA = &summary.SWA[0].Result
		}
		history = append(history, summary)

		if err := t.progress.WriteRow(EpochRow{
			Epoch:    summary.Epoch,
			LR:       summary.LR,
			Train:    summary.Train,
			Test:     summary.TernTest,
			SWA:      lastSWA,
			Duration: summary.Duration,
		}); err != nil {
			return history, fmt.Errorf("failed to write progress: %w", err)
		}

		if t.checkpoint.ShouldSave(summary.Epoch) {
			path, err := t.checkpoint.SaveCheckpoint(summary.Epoch, t.state(), fmt.Sprintf("epoch %d", summary.Epoch))
			if err != nil {
				return history, err
			}
			t.logger.Infow("checkpoint saved", "path", path, "epoch", summary.Epoch)
		}
	}
	return history, nil
}

func (t *Trainer) runEpoch(epoch int, train, test Loader) (EpochSummary, error) {
	start := time.Now()
	completed := epoch + 1

	lr := t.scheduler.GetLR(epoch, 0, t.config.BaseLR)
	t.opt.SetLearningRate(lr)
	t.sink.AddScalar("lr", lr, epoch)

	trainRes, err := TrainEpoch(train, t.model, t.opt, t.wq, EpochOptions{
		Epoch:    epoch,
		Sink:     t.sink,
		LogError: t.config.LogError,
	})
	if err != nil {
		return EpochSummary{}, err
	}
	t.logResult("train", trainRes, completed)
	summary := EpochSummary{Epoch: completed, LR: lr, Train: trainRes}

	if t.ensemble != nil && t.ensemble.Eligible(completed) {
		results, err := t.ensemble.Update(completed, test, t.wq)
		if err != nil {
			return EpochSummary{}, fmt.Errorf("swa update after epoch %d: %w", completed, err)
		}
		for _, r := range results {
			t.logResult(r.Name+"-test", r.Result, completed)
		}
		summary.SWA = results
		t.logger.Infow("shadow models averaged", "epoch", completed, "count", t.ensemble.Count())
	}

	if t.config.LogDistribution {
		for _, p := range t.model.Params().Params() {
			t.sink.AddHistogram("param/"+p.Name, p.Value, epoch)
			t.sink.AddHistogram("gradient/"+p.Name, p.Grad, epoch)
		}
	}

	if t.shouldEvaluate(epoch) {
		accRes, err := Evaluate(test, t.model, nil)
		if err != nil {
			return EpochSummary{}, fmt.Errorf("evaluation after epoch %d: %w", completed, err)
		}
		t.logResult("acc-test", accRes, completed)
		ternRes, err := Evaluate(test, t.model, t.wq)
		if err != nil {
			return EpochSummary{}, fmt.Errorf("quantized evaluation after epoch %d: %w", completed, err)
		}
		t.logResult("tern-test", ternRes, completed)
		summary.Test, summary.TernTest = &accRes, &ternRes
	}

	summary.Duration = time.Since(start)
	return summary, nil
}

// shouldEvaluate is true every EvalFreq epochs and on the first and last
// epoch of the run.
func (t *Trainer) shouldEvaluate(epoch int) bool {
	return (epoch+1)%t.config.EvalFreq == 0 || epoch == t.startEpoch || epoch == t.config.Epochs-1
}

func (t *Trainer) logResult(name string, res EpochResult, step int) {
	t.sink.AddScalar(name+"/loss", res.Loss, step)
	t.sink.AddScalar(name+"/acc_perc", res.Accuracy, step)
	t.sink.AddScalar(name+"/err_perc", res.ErrorRate(), step)
}

func (t *Trainer) state() TrainingState {
	return TrainingState{Model: t.model, Optimizer: t.opt, Ensemble: t.ensemble}
}
