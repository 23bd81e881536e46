// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package siamese implements one-shot image recognition with a siamese
// convolutional network, following Koch et al., "Siamese Neural Networks for
// One-shot Image Recognition": a single shared-weight embedding applied to
// both images of a pair, an absolute-difference similarity head trained with
// binary cross-entropy on same/different pairs, and an N-way one-shot
// evaluation protocol.
package siamese

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
	"github.com/pkg/errors"
)

const (
	// ParamEmbeddingSize is the context parameter with the dimension of the
	// embedding produced by EmbeddingGraph. Default is 4096.
	ParamEmbeddingSize = "embedding_size"

	// ParamCnnNormalization selects normalization of the convolutional
	// stages: "none", "layer" or "batch".
	ParamCnnNormalization = "cnn_normalization"

	// ParamCnnDropoutRate is the dropout rate applied after the last
	// convolution. If < 0 it falls back to layers.ParamDropoutRate.
	ParamCnnDropoutRate = "cnn_dropout_rate"
)

// EmbeddingGraph builds the convolutional feature extractor: it maps a batch
// of images shaped [batch_size, height, width, 1] to embeddings shaped
// [batch_size, embedding_size].
//
// Both images of a pair go through this same function under the same context
// scope, so there is exactly one set of weights, see PairModelGraph.
func EmbeddingGraph(ctx *context.Context, images *Node) *Node {
	images.AssertRank(4) // [batch_size, height, width, depth]
	batchSize := images.Shape().Dimensions[0]
	g := images.Graph()
	dtype := images.DType()

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	dropoutRate := context.GetParamOr(ctx, ParamCnnDropoutRate, -1.0)
	if dropoutRate < 0 {
		dropoutRate = context.GetParamOr(ctx, layers.ParamDropoutRate, 0.0)
	}
	var dropoutNode *Node
	if dropoutRate > 0.0 {
		dropoutNode = Scalar(g, dtype, dropoutRate)
	}

	x := layers.Convolution(nextCtx("conv"), images).Filters(64).KernelSize(10).Done()
	x = activations.Relu(x)
	x = normalizeCNN(nextCtx("norm"), x)
	x = MaxPool(x).Window(2).Done()

	x = layers.Convolution(nextCtx("conv"), x).Filters(128).KernelSize(7).Done()
	x = activations.Relu(x)
	x = normalizeCNN(nextCtx("norm"), x)
	x = MaxPool(x).Window(2).Done()

	x = layers.Convolution(nextCtx("conv"), x).Filters(128).KernelSize(4).Done()
	x = activations.Relu(x)
	x = normalizeCNN(nextCtx("norm"), x)
	x = MaxPool(x).Window(2).Done()

	x = layers.Convolution(nextCtx("conv"), x).Filters(256).KernelSize(4).Done()
	x = activations.Relu(x)

	// Flatten and project to the embedding dimension. The sigmoid keeps each
	// embedding coordinate in (0, 1), so the absolute difference used by the
	// similarity head is bounded.
	x = Reshape(x, batchSize, -1)
	if dropoutNode != nil {
		x = layers.DropoutNormalize(nextCtx("dropout"), x, dropoutNode, true)
	}
	embeddingSize := context.GetParamOr(ctx, ParamEmbeddingSize, 4096)
	return Sigmoid(layers.DenseWithBias(nextCtx("embedding"), x, embeddingSize))
}

// SimilarityGraph combines two embedding batches into one same-class logit
// per row: the element-wise absolute difference followed by a learned linear
// map to a scalar. The output is shaped [batch_size, 1]; apply a sigmoid for
// a probability.
func SimilarityGraph(ctx *context.Context, embA, embB *Node) *Node {
	diff := Abs(Sub(embA, embB))
	return layers.DenseWithBias(ctx.In("similarity"), diff, 1)
}

// PairModelGraph is the train.ModelFn of the siamese model. It takes two
// image batches as inputs (the two sides of each pair) and returns the
// same-class logits, shaped [batch_size, 1].
//
// The two sides are concatenated on the batch axis and embedded by a single
// EmbeddingGraph call under a single scope: the twin branches share weights
// by construction, not by synchronization, so the similarity of a pair is
// symmetric up to floating-point ordering.
func PairModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec // Not used.
	ctx = ctx.In("model")
	x1, x2 := inputs[0], inputs[1]
	batchSize := x1.Shape().Dimensions[0]

	stacked := Concatenate([]*Node{x1, x2}, 0)
	embeddings := EmbeddingGraph(ctx.In("twin"), stacked)
	embA := Slice(embeddings, AxisRange(0, batchSize))
	embB := Slice(embeddings, AxisRange(batchSize, 2*batchSize))

	logits := SimilarityGraph(ctx, embA, embB)
	return []*Node{logits}
}

func normalizeCNN(ctx *context.Context, x *Node) *Node {
	normalizationType := context.GetParamOr(ctx, ParamCnnNormalization, "none")
	switch normalizationType {
	case "layer":
		if x.Rank() == 2 {
			return layers.LayerNormalization(ctx, x, -1).Done()
		} else if x.Rank() == 4 {
			return layers.LayerNormalization(ctx, x, 2, 3).Done()
		}
		return x
	case "batch":
		return batchnorm.New(ctx, x, -1).Done()
	case "none", "":
		return x
	default:
		panic(errors.Errorf("invalid normalization type %q -- set it with parameter %q",
			normalizationType, ParamCnnNormalization))
	}
}
