// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package siamese

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph/nanlogger"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/oneshot/omniglot"
)

// DType used by the model.
var DType = dtypes.Float32

const (
	// ParamWay is the N of the N-way one-shot evaluation episodes.
	ParamWay = "way"

	// ParamValidEpisodes is the number of episodes per validation round.
	ParamValidEpisodes = "valid_episodes"

	// ParamTestEpisodes is the number of episodes used by EvaluateModel.
	ParamTestEpisodes = "test_episodes"

	// ParamEvalSeed seeds episode sampling, so evaluations are reproducible
	// and validation accuracy is comparable across epochs.
	ParamEvalSeed = "eval_seed"

	// ParamEpochs is the epoch budget; ParamStepsPerEpoch the number of pair
	// batches per epoch.
	ParamEpochs        = "epochs"
	ParamStepsPerEpoch = "steps_per_epoch"

	// ParamPatience is the early-stopping patience: training stops after
	// this many consecutive epochs without validation improvement.
	ParamPatience = "patience"

	// ParamAugmentAngleStdDev is the standard deviation (degrees) of the
	// random rotations applied to training images. 0 disables augmentation.
	ParamAugmentAngleStdDev = "augmentation_angle_stddev"
)

// CreateDefaultContext sets the context with the default hyperparameters to
// use with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		"batch_size":      128,
		"num_checkpoints": 3,

		ParamEpochs:        50,
		ParamStepsPerEpoch: 300,
		ParamPatience:      7,

		ParamWay:           20,
		ParamValidEpisodes: 320,
		ParamTestEpisodes:  400,
		ParamEvalSeed:      int64(42),

		ParamEmbeddingSize:      4096,
		ParamCnnNormalization:   "none",
		ParamCnnDropoutRate:     -1.0,
		ParamAugmentAngleStdDev: 10.0,
		layers.ParamDropoutRate: 0.0,

		// Debug parameters.
		"nan_logger": false, // Trigger nan error as soon as it happens -- expensive, but helps debugging.

		// Adam with the weight decay used by the reference implementation.
		optimizers.ParamOptimizer:       "adamw",
		optimizers.ParamLearningRate:    3e-4,
		optimizers.ParamAdamEpsilon:     1e-7,
		optimizers.ParamAdamWeightDecay: 6e-5,
	})
	return ctx
}

// TrainModel trains the siamese network on the Omniglot train split,
// validating with N-way one-shot episodes on the validation split after
// every epoch, checkpointing on improvement and early-stopping when the
// validation accuracy stops improving.
//
// ctx carries all hyperparameters (see CreateDefaultContext); dataDir must
// hold the downloaded dataset (see omniglot.Download); checkpointPath, if
// not empty, is where checkpoints are kept. paramsSet lists the params
// overridden on the command line, which are then excluded from checkpoint
// loading.
func TrainModel(ctx *context.Context, dataDir, checkpointPath string, paramsSet []string) error {
	dataDir = data.ReplaceTildeInDir(dataDir)
	if !data.FileExists(dataDir) {
		if err := os.MkdirAll(dataDir, 0777); err != nil {
			return errors.Wrapf(err, "failed to create data directory %q", dataDir)
		}
	}

	trainStore, err := omniglot.LoadSplit(dataDir, "train")
	if err != nil {
		return err
	}
	validStore, err := omniglot.LoadSplit(dataDir, "validation")
	if err != nil {
		return err
	}
	fmt.Printf("Training on %s characters, validating on %s characters.\n",
		humanize.Comma(int64(trainStore.NumCharacters())),
		humanize.Comma(int64(validStore.NumCharacters())))

	// Checkpoint: it loads if it already exists, and it will save as we
	// train.
	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		numCheckpoints := context.GetParamOr(ctx, "num_checkpoints", 3)
		checkpoint, err = checkpoints.Build(ctx).
			DirFromBase(checkpointPath, dataDir).
			ExcludeParams(append(paramsSet,
				"nan_logger",
				"num_checkpoints",
				ParamEpochs,
				ParamStepsPerEpoch,
			)...).
			Keep(numCheckpoints).Done()
		if err != nil {
			return errors.WithMessagef(err, "failed to set up checkpoints in %q", checkpointPath)
		}
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
	}

	batchSize := context.GetParamOr(ctx, "batch_size", 0)
	if batchSize <= 0 {
		return errors.Errorf("batch_size must be > 0, got %d", batchSize)
	}
	rng := rand.New(rand.NewSource(time.Now().UTC().UnixNano()))
	augmenter := omniglot.NewAugmenter(
		context.GetParamOr(ctx, ParamAugmentAngleStdDev, 0.0), rng)
	pairsDS, err := omniglot.NewPairDataset("train-pairs", trainStore, batchSize, rng, augmenter, DType)
	if err != nil {
		return err
	}
	trainDS := data.CustomParallel(pairsDS).Buffer(32).Start()

	// Create a train.Trainer: this object will orchestrate running the
	// model, feeding results to the optimizer and evaluating the metrics.
	backend := backends.MustNew()
	meanAccuracyMetric := metrics.NewMeanBinaryLogitsAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageBinaryLogitsAccuracy("Moving Average Accuracy", "~acc", 0.01)
	trainer := train.NewTrainer(backend, ctx,
		PairModelGraph,
		losses.BinaryCrossentropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics

	// Debugging.
	if context.GetParamOr(ctx, "nan_logger", false) {
		nanlogger.New().AttachToTrainer(trainer)
	}

	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)

	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		fmt.Printf("Resuming training from global_step=%d\n", globalStep)
		trainer.SetContext(ctx.Reuse())
	}

	evaluator := NewEvaluator(backend, ctx)
	way := context.GetParamOr(ctx, ParamWay, 20)
	validEpisodes := context.GetParamOr(ctx, ParamValidEpisodes, 320)
	evalSeed := context.GetParamOr(ctx, ParamEvalSeed, int64(42))

	epochs := context.GetParamOr(ctx, ParamEpochs, 0)
	stepsPerEpoch := context.GetParamOr(ctx, ParamStepsPerEpoch, 0)
	patience := context.GetParamOr(ctx, ParamPatience, 0)

	bestAcc := math.Inf(-1)
	bestEpoch := -1
	badEpochs := 0
	for epoch := 0; epoch < epochs; epoch++ {
		stepMetrics, err := loop.RunSteps(trainDS, stepsPerEpoch)
		if err != nil {
			return errors.WithMessagef(err, "training epoch %d", epoch)
		}
		loss := float64(tensors.ToScalar[float32](stepMetrics[0]))
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return &NumericalDivergenceError{Epoch: epoch, Loss: loss}
		}

		// The same seed every epoch: validation accuracies are measured on
		// the same episodes and are directly comparable.
		episodeRng := rand.New(rand.NewSource(evalSeed))
		acc, err := evaluator.Evaluate(validStore, way, validEpisodes, episodeRng, false)
		if err != nil {
			return errors.WithMessagef(err, "validation after epoch %d", epoch)
		}
		fmt.Printf("Epoch %d: loss=%.4f, %d-way validation accuracy=%.2f%%\n",
			epoch, loss, way, 100*acc)

		if acc > bestAcc {
			bestAcc, bestEpoch, badEpochs = acc, epoch, 0
			if checkpoint != nil {
				if err := checkpoint.Save(); err != nil {
					return errors.WithMessagef(err, "failed to save checkpoint after epoch %d", epoch)
				}
			}
			continue
		}
		badEpochs++
		if badEpochs > patience {
			klog.Infof("No validation improvement in %d epochs, stopping early.", badEpochs)
			break
		}
	}
	fmt.Printf("Best %d-way validation accuracy: %.2f%% (epoch %d), median train step: %s\n",
		way, 100*bestAcc, bestEpoch, loop.MedianTrainStepDuration())

	// Pair-level accuracy on held-out pairs, to contrast with the episodic
	// numbers above.
	validPairsDS, err := omniglot.NewPairDataset("validation-pairs", validStore, batchSize,
		rand.New(rand.NewSource(evalSeed)), nil, DType)
	if err != nil {
		return err
	}
	validPairsDS.SetMaxBatches(validEpisodes)
	if err := commandline.ReportEval(trainer, validPairsDS); err != nil {
		return errors.WithMessage(err, "final pair-level evaluation")
	}
	return nil
}
