// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package omniglot

import (
	"image"
	"io"
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairDrawInvariants(t *testing.T) {
	store := newTestStore("train", 10, 5)
	rng := rand.New(rand.NewSource(42))
	ds, err := NewPairDataset("pairs", store, 8, rng, nil, dtypes.Float32)
	require.NoError(t, err)

	const numDraws = 2000
	numSame := 0
	for i := 0; i < numDraws; i++ {
		draw, err := ds.drawPair()
		require.NoError(t, err)
		if draw.same {
			numSame++
			assert.Equal(t, draw.classA, draw.classB)
			assert.NotEqual(t, draw.instanceA, draw.instanceB,
				"same-class pair uses the identical instance on both sides")
		} else {
			assert.NotEqual(t, draw.classA, draw.classB)
		}
	}
	// Each draw is same-class with probability 0.5.
	assert.InDelta(t, numDraws/2, numSame, 0.1*numDraws)
}

func TestPairDrawSkipsSingleInstanceClasses(t *testing.T) {
	// Class 0 has a single rendering: it can appear in different-class
	// pairs, but never as the source of a same-class pair.
	singleton := &Character{Alphabet: "Synthetic", Name: "lonely",
		Images: []image.Image{grayImage(16, 7)}}
	store := NewStore("train", append([]*Character{singleton},
		newTestStore("train", 4, 3).Characters()...))
	rng := rand.New(rand.NewSource(42))
	ds, err := NewPairDataset("pairs", store, 8, rng, nil, dtypes.Float32)
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		draw, err := ds.drawPair()
		require.NoError(t, err)
		if draw.same {
			assert.NotEqual(t, 0, draw.classA)
		}
	}
}

func TestNewPairDatasetErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var integrityErr *DataIntegrityError

	// Invalid batch size.
	_, err := NewPairDataset("pairs", newTestStore("train", 4, 3), 0, rng, nil, dtypes.Float32)
	require.True(t, errors.As(err, &integrityErr))

	// A single class cannot produce different-class pairs.
	_, err = NewPairDataset("pairs", newTestStore("train", 1, 3), 8, rng, nil, dtypes.Float32)
	require.True(t, errors.As(err, &integrityErr))

	// No class with 2+ instances cannot produce same-class pairs.
	_, err = NewPairDataset("pairs", newTestStore("train", 4, 1), 8, rng, nil, dtypes.Float32)
	require.True(t, errors.As(err, &integrityErr))
}

func TestPairDatasetYield(t *testing.T) {
	store := newTestStore("train", 6, 4)
	rng := rand.New(rand.NewSource(42))
	batchSize := 16
	ds, err := NewPairDataset("pairs", store, batchSize, rng, nil, dtypes.Float32)
	require.NoError(t, err)
	assert.Equal(t, "pairs", ds.Name())

	for round := 0; round < 3; round++ {
		_, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		require.Len(t, inputs, 2)
		require.Len(t, labels, 1)
		inputs[0].Shape().AssertDims(batchSize, 16, 16, 1)
		inputs[1].Shape().AssertDims(batchSize, 16, 16, 1)
		labels[0].Shape().AssertDims(batchSize, 1)
		for _, label := range tensors.CopyFlatData[float32](labels[0]) {
			assert.Contains(t, []float32{0, 1}, label)
		}
	}
	ds.Reset() // No-op while the dataset is infinite.
}

func TestPairDatasetMaxBatches(t *testing.T) {
	store := newTestStore("validation", 4, 3)
	rng := rand.New(rand.NewSource(42))
	ds, err := NewPairDataset("pairs", store, 4, rng, nil, dtypes.Float32)
	require.NoError(t, err)
	ds.SetMaxBatches(2)

	for epoch := 0; epoch < 2; epoch++ {
		for i := 0; i < 2; i++ {
			_, _, _, err := ds.Yield()
			require.NoError(t, err)
		}
		_, _, _, err = ds.Yield()
		require.ErrorIs(t, err, io.EOF)
		ds.Reset()
	}
}
