// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package siamese

import (
	"image"
	"math/rand"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"

	"github.com/gomlx/oneshot/omniglot"
)

// Evaluator runs the N-way one-shot evaluation protocol: for each episode it
// scores the query against every support image with the trained model and
// predicts the best-scoring support class.
//
// It does not mutate the model: given fixed parameters and a fixed episode
// seed, Evaluate always returns the same accuracy.
type Evaluator struct {
	exec *context.Exec
}

// NewEvaluator prepares the scoring executable for the model held in ctx.
// Compilation is lazy: by the first call to Scores or Evaluate the context
// must hold the model variables, from training or from a loaded checkpoint.
func NewEvaluator(backend backends.Backend, ctx *context.Context) *Evaluator {
	e := &Evaluator{}
	e.exec = context.NewExec(backend, ctx, func(ctx *context.Context, queries, supports *graph.Node) *graph.Node {
		logits := PairModelGraph(ctx, nil, []*graph.Node{queries, supports})[0]
		// One same-class probability per support image.
		return graph.Reshape(graph.Sigmoid(logits), -1)
	})
	return e
}

// Scores returns the same-class probability between the episode query and
// each of its support images, in support order.
func (e *Evaluator) Scores(episode *omniglot.Episode) ([]float64, error) {
	n := len(episode.Support)
	queries := make([]image.Image, n)
	for i := range queries {
		queries[i] = episode.Query
	}
	queryBatch := omniglot.BatchToTensor(queries, DType)
	supportBatch := omniglot.BatchToTensor(episode.Support, DType)

	var outputs []*tensors.Tensor
	err := exceptions.TryCatch[error](func() { outputs = e.exec.Call(queryBatch, supportBatch) })
	if err != nil {
		return nil, errors.WithMessage(err, "failed to execute scoring graph")
	}
	raw := tensors.CopyFlatData[float32](outputs[0])
	scores := make([]float64, n)
	for i, v := range raw {
		scores[i] = float64(v)
	}
	return scores, nil
}

// Evaluate measures top-1 accuracy over `episodes` way-way one-shot tasks
// sampled from store with rng. If verbose, it displays a progress bar.
func (e *Evaluator) Evaluate(store *omniglot.Store, way, episodes int, rng *rand.Rand, verbose bool) (float64, error) {
	sampler, err := omniglot.NewEpisodeSampler(store, way, rng)
	if err != nil {
		return 0, err
	}
	var pBar *progressbar.ProgressBar
	if verbose {
		pBar = progressbar.NewOptions(episodes,
			progressbar.OptionSetDescription("Evaluating"),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("episodes"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
	}
	correct := 0
	for k := 0; k < episodes; k++ {
		episode, err := sampler.Sample()
		if err != nil {
			return 0, errors.WithMessagef(err, "episode %d of %d-way evaluation on split %q",
				k, way, store.Split())
		}
		scores, err := e.Scores(episode)
		if err != nil {
			return 0, errors.WithMessagef(err, "episode %d of %d-way evaluation on split %q",
				k, way, store.Split())
		}
		if predict(scores) == episode.Target {
			correct++
		}
		if pBar != nil {
			_ = pBar.Add(1)
		}
	}
	if pBar != nil {
		_ = pBar.Close()
	}
	return float64(correct) / float64(episodes), nil
}

// predict returns the index of the highest score. Exact ties resolve to the
// lowest support index: the scan only replaces the best on a strictly
// greater score.
func predict(scores []float64) int {
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best
}

// LoadCheckpoint restores model variables and hyperparameters saved by
// TrainModel into ctx. It returns a CheckpointLoadError if the directory has
// no usable checkpoint.
func LoadCheckpoint(ctx *context.Context, checkpointDir string) error {
	handler, err := checkpoints.Load(ctx).Dir(checkpointDir).Done()
	if err != nil {
		return &CheckpointLoadError{Dir: checkpointDir, Err: err}
	}
	has, err := handler.HasCheckpoints()
	if err != nil {
		return &CheckpointLoadError{Dir: checkpointDir, Err: err}
	}
	if !has {
		return &CheckpointLoadError{Dir: checkpointDir,
			Err: errors.New("directory holds no saved checkpoints")}
	}
	return nil
}

// EvaluateModel is the standalone-testing entry point: it loads a trained
// checkpoint, loads the test split from dataDir and reports the N-way
// one-shot accuracy, using the "way", "test_episodes" and "eval_seed"
// hyperparameters stored in the checkpoint (overridable before the call).
func EvaluateModel(ctx *context.Context, checkpointDir, dataDir string) (float64, error) {
	if err := LoadCheckpoint(ctx, checkpointDir); err != nil {
		return 0, err
	}
	store, err := omniglot.LoadSplit(dataDir, "test")
	if err != nil {
		return 0, err
	}
	way := context.GetParamOr(ctx, ParamWay, 20)
	episodes := context.GetParamOr(ctx, ParamTestEpisodes, 400)
	seed := context.GetParamOr(ctx, ParamEvalSeed, int64(42))

	backend := backends.MustNew()
	evaluator := NewEvaluator(backend, ctx.Reuse())
	rng := rand.New(rand.NewSource(seed))
	return evaluator.Evaluate(store, way, episodes, rng, true)
}
