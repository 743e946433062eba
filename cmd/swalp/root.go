package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tsawler/go-swalp/checkpoints"
	"github.com/tsawler/go-swalp/quant"
	"github.com/tsawler/go-swalp/training"
)

// options collects every command-line flag.
type options struct {
	dir        string
	dataPath   string
	testPath   string
	batchSize  int
	valRatio   float64
	numWorkers int
	resume     string
	hidden     []int

	epochs    int
	saveFreq  int
	evalFreq  int
	lrInit    float64
	lrType    string
	momentum  float64
	seed      uint64
	swa       bool
	swaStart  int
	swaCycle  int
	swaModels []string

	logName         string
	logDistribution bool
	logError        bool

	wlWeight   int
	wlGrad     int
	wlActivate int
	wlError    int
	wlRand     int
	weightType string
	gradType   string
	layerType  string
	quantType  string

	checkpointFormat string
	maxCheckpoints   int
}

func defaultOptions() options {
	cfg := training.DefaultConfig()
	policy := quant.DefaultPolicy()
	return options{
		dataPath:         "synthetic",
		batchSize:        128,
		numWorkers:       2,
		hidden:           []int{64},
		epochs:           cfg.Epochs,
		saveFreq:         cfg.SaveFreq,
		evalFreq:         cfg.EvalFreq,
		lrInit:           cfg.BaseLR,
		lrType:           cfg.Schedule,
		momentum:         cfg.Momentum,
		seed:             cfg.Seed,
		swaStart:         cfg.SWAStart,
		swaCycle:         cfg.SWACycle,
		wlWeight:         policy.WeightBits,
		wlGrad:           policy.GradBits,
		wlActivate:       policy.ActivationBits,
		wlError:          policy.ErrorBits,
		wlRand:           policy.RandBits,
		weightType:       string(policy.WeightType),
		gradType:         string(policy.GradType),
		layerType:        string(policy.LayerType),
		quantType:        policy.Rounding.String(),
		checkpointFormat: "json",
	}
}

func newRootCommand() *cobra.Command {
	opts := defaultOptions()
	cmd := &cobra.Command{
		Use:           "swalp",
		Short:         "Quantized training with low-precision stochastic weight averaging",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, cmd.OutOrStdout(), commandLine(cmd))
		},
	}
	bindFlags(cmd.Flags(), &opts)
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}

func bindFlags(fs *pflag.FlagSet, o *options) {
	fs.StringVar(&o.dir, "dir", o.dir, "training directory; the seed is appended")
	fs.StringVar(&o.dataPath, "data-path", o.dataPath, `CSV dataset (label first), or "synthetic"`)
	fs.StringVar(&o.testPath, "test-path", o.testPath, "CSV test set; defaults to the validation split or the training set")
	fs.IntVar(&o.batchSize, "batch-size", o.batchSize, "input batch size")
	fs.Float64Var(&o.valRatio, "val-ratio", o.valRatio, "ratio of the training data held out for validation")
	fs.IntVar(&o.numWorkers, "num-workers", o.numWorkers, "batches prefetched in the background, 0 disables prefetching")
	fs.StringVar(&o.resume, "resume", o.resume, "checkpoint to resume training from")
	fs.IntSliceVar(&o.hidden, "hidden", o.hidden, "hidden layer widths")

	fs.IntVar(&o.epochs, "epochs", o.epochs, "number of epochs to train")
	fs.IntVar(&o.saveFreq, "save-freq", o.saveFreq, "checkpoint frequency in epochs, 0 disables")
	fs.IntVar(&o.evalFreq, "eval-freq", o.evalFreq, "evaluation frequency in epochs")
	fs.Float64Var(&o.lrInit, "lr-init", o.lrInit, "base learning rate for step, exponential, cosine and const schedules")
	fs.StringVar(&o.lrType, "lr-type", o.lrType, "learning rate schedule: wage, const, step, exponential, cosine")
	fs.Float64Var(&o.momentum, "momentum", o.momentum, "momentum applied to quantized gradients")
	fs.Uint64Var(&o.seed, "seed", o.seed, "random seed")
	fs.BoolVar(&o.swa, "swa", o.swa, "maintain shadow averaged models")
	fs.IntVar(&o.swaStart, "swa-start", o.swaStart, "first completed epoch that is averaged")
	fs.IntVar(&o.swaCycle, "swa-c-epochs", o.swaCycle, "epochs between averages")
	fs.StringSliceVar(&o.swaModels, "swa-models", o.swaModels, "shadow models to keep (full_tern, full_acc, low_tern, low_acc); all by default")

	fs.StringVar(&o.logName, "log-name", o.logName, "name prefix of the event log directory")
	fs.BoolVar(&o.logDistribution, "log-distribution", o.logDistribution, "log parameter and gradient histograms every epoch")
	fs.BoolVar(&o.logError, "log-error", o.logError, "log per-batch histograms during training")

	fs.IntVar(&o.wlWeight, "wl-weight", o.wlWeight, "weight word length in bits, -1 for full precision")
	fs.IntVar(&o.wlGrad, "wl-grad", o.wlGrad, "gradient word length in bits, -1 for full precision")
	fs.IntVar(&o.wlActivate, "wl-activate", o.wlActivate, "activation word length in bits, -1 for full precision")
	fs.IntVar(&o.wlError, "wl-error", o.wlError, "backward error word length in bits, -1 for full precision")
	fs.IntVar(&o.wlRand, "wl-rand", o.wlRand, "bits of the stochastic rounding draw, -1 for full precision")
	fs.StringVar(&o.weightType, "weight-type", o.weightType, "weight number format")
	fs.StringVar(&o.gradType, "grad-type", o.gradType, "gradient number format")
	fs.StringVar(&o.layerType, "layer-type", o.layerType, "activation and error number format")
	fs.StringVar(&o.quantType, "quant-type", o.quantType, "rounding: stochastic or nearest")

	fs.StringVar(&o.checkpointFormat, "checkpoint-format", o.checkpointFormat, "checkpoint encoding: json or proto")
	fs.IntVar(&o.maxCheckpoints, "max-checkpoints", o.maxCheckpoints, "checkpoints to keep, 0 keeps all")
}

// policy builds the quantization policy from the word-length flags.
func (o options) policy() (quant.Policy, error) {
	rounding, err := quant.ParseRounding(o.quantType)
	if err != nil {
		return quant.Policy{}, err
	}
	p := quant.Policy{
		WeightBits:     o.wlWeight,
		GradBits:       o.wlGrad,
		RandBits:       o.wlRand,
		ActivationBits: o.wlActivate,
		ErrorBits:      o.wlError,
		Rounding:       rounding,
		WeightType:     quant.NumberType(o.weightType),
		GradType:       quant.NumberType(o.gradType),
		LayerType:      quant.NumberType(o.layerType),
	}
	return p, p.Validate()
}

// config builds the training config for the run directory dir.
func (o options) config(dir string, policy quant.Policy) (training.Config, error) {
	format, err := checkpoints.ParseFormat(o.checkpointFormat)
	if err != nil {
		return training.Config{}, err
	}
	cfg := training.Config{
		Epochs:           o.epochs,
		SaveFreq:         o.saveFreq,
		EvalFreq:         o.evalFreq,
		BaseLR:           o.lrInit,
		Schedule:         o.lrType,
		Momentum:         o.momentum,
		Seed:             o.seed,
		SWA:              o.swa,
		SWAStart:         o.swaStart,
		SWACycle:         o.swaCycle,
		SWAModels:        o.swaModels,
		LogDistribution:  o.logDistribution,
		LogError:         o.logError,
		Dir:              dir,
		CheckpointFormat: format,
		MaxCheckpoints:   o.maxCheckpoints,
		Policy:           policy,
	}
	return cfg, cfg.Validate()
}

// commandLine reconstructs the invocation for command.sh.
func commandLine(cmd *cobra.Command) string {
	parts := []string{cmd.CommandPath()}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if f.Value.Type() == "bool" {
			parts = append(parts, "--"+f.Name)
			return
		}
		v := f.Value.String()
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			v = strings.Join(sv.GetSlice(), ",")
		}
		parts = append(parts, fmt.Sprintf("--%s=%s", f.Name, v))
	})
	return strings.Join(parts, " ")
}
