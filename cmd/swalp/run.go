package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tsawler/go-swalp/async"
	"github.com/tsawler/go-swalp/layers"
	"github.com/tsawler/go-swalp/logsink"
	"github.com/tsawler/go-swalp/optimizer"
	"github.com/tsawler/go-swalp/training"
)

const syntheticHoldout = 0.2

// Independent random streams derived from the seed.
const (
	streamData uint64 = iota + 1
	streamInit
	streamShuffle
	streamGrad
)

func stream(seed, id uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, id))
}

func run(ctx context.Context, opts options, out io.Writer, cmdline string) error {
	policy, err := opts.policy()
	if err != nil {
		return fmt.Errorf("invalid quantization flags: %w", err)
	}
	runDir := fmt.Sprintf("%s-seed-%d", opts.dir, opts.seed)
	cfg, err := opts.config(runDir, policy)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "command.sh"), []byte("#!/bin/sh\n"+cmdline+"\n"), 0o755); err != nil {
		return fmt.Errorf("failed to write command.sh: %w", err)
	}

	zl, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()
	logger := zl.Sugar()

	runID := uuid.NewString()
	logDir := filepath.Join(runDir, "runs", logName(opts, runID))
	zapSink, err := logsink.NewZapSink(logDir)
	if err != nil {
		return err
	}
	sink := logsink.NewAsyncSink(zapSink, 4096)
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warnf("failed to close event log: %v", err)
		}
		if n := sink.Dropped(); n > 0 {
			logger.Warnf("dropped %d log events", n)
		}
	}()
	logger.Infow("run prepared", "dir", runDir, "events", logDir, "run_id", runID)
	fmt.Fprintln(out, policy.Summary())

	trainSet, testSet, err := loadData(opts, stream(opts.seed, streamData))
	if err != nil {
		return err
	}

	spec, err := layers.MLP(trainSet.NumFeatures(), opts.hidden, trainSet.NumClasses())
	if err != nil {
		return fmt.Errorf("invalid model: %w", err)
	}
	net, err := layers.Build(spec, layers.BuildConfig{
		WeightBits:     policy.WeightBits,
		ActivationBits: policy.ActivationBits,
		ErrorBits:      policy.ErrorBits,
		Rng:            stream(opts.seed, streamInit),
	})
	if err != nil {
		return err
	}
	logger.Info(spec.Summary())

	opt, err := optimizer.NewWAGEOptimizer(cfg.OptimizerConfig(), stream(opts.seed, streamGrad))
	if err != nil {
		return err
	}

	trainLoader, testLoader, closeLoaders, err := buildLoaders(ctx, opts, trainSet, testSet)
	if err != nil {
		return err
	}
	defer closeLoaders()

	trainer, err := training.NewTrainer(cfg, net, opt, training.TrainerOptions{
		Logger:    logger,
		Sink:      sink,
		Progress:  out,
		RunID:     runID,
		NewShadow: func() training.Model { return net.Clone() },
	})
	if err != nil {
		return err
	}
	if opts.resume != "" {
		if err := trainer.Resume(opts.resume); err != nil {
			return err
		}
	}

	if _, err := trainer.Fit(trainLoader, testLoader); err != nil {
		return err
	}
	logger.Infow("training finished", "epochs", cfg.Epochs)
	return nil
}

func logName(opts options, runID string) string {
	mode := "sgd"
	if opts.swa {
		mode = "swa"
	}
	name := fmt.Sprintf("%s-seed%d-%s", mode, opts.seed, runID[:8])
	if opts.logName != "" {
		name = opts.logName + "-" + name
	}
	return name
}

// loadData returns the training and test sets. A validation ratio carves the
// test set out of the training data; synthetic data always holds out part
// of the generated samples.
func loadData(opts options, rng *rand.Rand) (*training.MemoryDataset, *training.MemoryDataset, error) {
	var (
		full *training.MemoryDataset
		err  error
	)
	ratio := opts.valRatio
	if opts.dataPath == "synthetic" {
		full, err = training.SyntheticBlobs(training.DefaultBlobConfig(), rng)
		if ratio == 0 && opts.testPath == "" {
			ratio = syntheticHoldout
		}
	} else {
		full, err = training.LoadCSV(opts.dataPath)
	}
	if err != nil {
		return nil, nil, err
	}

	if opts.testPath != "" && ratio == 0 {
		test, err := training.LoadCSV(opts.testPath)
		if err != nil {
			return nil, nil, err
		}
		if test.NumFeatures() != full.NumFeatures() {
			return nil, nil, fmt.Errorf("test set has %d features, training set has %d", test.NumFeatures(), full.NumFeatures())
		}
		return full, test, nil
	}
	if ratio == 0 {
		return full, full, nil
	}

	trainIdx, valIdx, err := training.SplitIndices(full.Len(), ratio, rng)
	if err != nil {
		return nil, nil, err
	}
	train, err := subset(full, trainIdx)
	if err != nil {
		return nil, nil, err
	}
	val, err := subset(full, valIdx)
	if err != nil {
		return nil, nil, err
	}
	return train, val, nil
}

// subset copies the selected samples into a new dataset.
func subset(full *training.MemoryDataset, indices []int) (*training.MemoryDataset, error) {
	view, err := training.NewSubsetDataset(full, indices)
	if err != nil {
		return nil, err
	}
	features := make([][]float64, view.Len())
	labels := make([]int, view.Len())
	for i := range features {
		if features[i], labels[i], err = view.Get(i); err != nil {
			return nil, err
		}
	}
	return training.NewMemoryDataset(features, labels, full.NumClasses())
}

func buildLoaders(ctx context.Context, opts options, trainSet, testSet training.Dataset) (training.Loader, training.Loader, func(), error) {
	trainDL, err := training.NewDataLoader(trainSet, opts.batchSize, true, stream(opts.seed, streamShuffle))
	if err != nil {
		return nil, nil, nil, err
	}
	testDL, err := training.NewDataLoader(testSet, opts.batchSize, false, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	if opts.numWorkers <= 0 {
		return trainDL, testDL, func() {}, nil
	}

	cfg := async.PrefetchConfig{PrefetchDepth: opts.numWorkers}
	trainPL, err := async.NewPrefetchLoader(ctx, trainDL, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	testPL, err := async.NewPrefetchLoader(ctx, testDL, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	closeAll := func() {
		_ = trainPL.Close()
		_ = testPL.Close()
	}
	return trainPL, testPL, closeAll, nil
}
