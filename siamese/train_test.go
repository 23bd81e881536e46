// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package siamese

import (
	"image"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/oneshot/omniglot"
)

// TestTrainSynthetic trains on trivially separable synthetic classes and
// checks one-shot accuracy ends well above the 1-in-N chance level, and that
// evaluation is reproducible.
func TestTrainSynthetic(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testing in short mode")
		return
	}

	store := newSyntheticStore(5, 6)
	ctx := newTestContext()
	ctx.SetParam("batch_size", 16)

	rng := rand.New(rand.NewSource(42))
	ds := must.M1(omniglot.NewPairDataset("synthetic-pairs", store, 16, rng, nil, DType))

	backend := backends.MustNew()
	trainer := train.NewTrainer(backend, ctx,
		PairModelGraph,
		losses.BinaryCrossentropyLogits,
		optimizers.FromContext(ctx),
		nil, nil)
	loop := train.NewLoop(trainer)

	// Snapshot of the similarity head weights, to check training moves them.
	headWeights := func() []float32 {
		var values []float32
		ctx.EnumerateVariables(func(v *context.Variable) {
			if v.Name() == "weights" && strings.Contains(v.Scope(), "similarity") {
				values = tensors.CopyFlatData[float32](v.Value())
			}
		})
		return values
	}
	must.M1(loop.RunSteps(ds, 1))
	initialWeights := headWeights()
	require.NotEmpty(t, initialWeights)

	stepMetrics := must.M1(loop.RunSteps(ds, 199))
	loss := float64(tensors.ToScalar[float32](stepMetrics[0]))
	require.False(t, math.IsNaN(loss) || math.IsInf(loss, 0), "loss=%v", loss)
	assert.NotEqual(t, initialWeights, headWeights())

	evaluator := NewEvaluator(backend, ctx.Reuse())
	accuracy := must.M1(evaluator.Evaluate(store, 5, 100, rand.New(rand.NewSource(7)), false))
	assert.Greater(t, accuracy, 0.5, "5-way accuracy after training, chance level is 0.2")

	// Same model, same episode seed: identical accuracy.
	again := must.M1(evaluator.Evaluate(store, 5, 100, rand.New(rand.NewSource(7)), false))
	assert.Equal(t, accuracy, again)

	// A support pixel-identical to the query has zero embedding distance;
	// after training it must win its episode.
	chars := store.Characters()
	episode := &omniglot.Episode{
		Query: chars[2].Images[0],
		Support: []image.Image{
			chars[0].Images[1],
			chars[1].Images[1],
			chars[2].Images[0],
			chars[3].Images[1],
			chars[4].Images[1],
		},
		Target: 2,
	}
	scores := must.M1(evaluator.Scores(episode))
	assert.Equal(t, episode.Target, predict(scores))
}
