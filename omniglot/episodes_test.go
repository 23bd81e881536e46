// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package omniglot

import (
	"image"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEpisodeSamplerErrors(t *testing.T) {
	store := newTestStore("validation", 10, 4)
	rng := rand.New(rand.NewSource(42))

	var integrityErr *DataIntegrityError
	_, err := NewEpisodeSampler(store, 1, rng)
	require.True(t, errors.As(err, &integrityErr))

	var classesErr *InsufficientClassesError
	_, err = NewEpisodeSampler(store, 11, rng)
	require.True(t, errors.As(err, &classesErr))
	assert.Equal(t, 10, classesErr.Have)
	assert.Equal(t, 11, classesErr.Want)
}

func TestEpisodeDrawInvariants(t *testing.T) {
	store := newTestStore("validation", 10, 4)
	rng := rand.New(rand.NewSource(42))
	way := 5
	sampler, err := NewEpisodeSampler(store, way, rng)
	require.NoError(t, err)
	assert.Equal(t, way, sampler.Way())

	for i := 0; i < 500; i++ {
		draw, err := sampler.draw()
		require.NoError(t, err)
		require.Len(t, draw.classes, way)
		require.Len(t, draw.supportInstances, way)
		require.GreaterOrEqual(t, draw.target, 0)
		require.Less(t, draw.target, way)

		seen := make(map[int]bool)
		for _, classIdx := range draw.classes {
			assert.False(t, seen[classIdx], "class %d appears twice in the support set", classIdx)
			seen[classIdx] = true
		}
		assert.NotEqual(t, draw.queryInstance, draw.supportInstances[draw.target],
			"query and true-class support use the identical instance")
	}
}

func TestEpisodeSampleMaterialization(t *testing.T) {
	store := newTestStore("validation", 6, 4)
	rng := rand.New(rand.NewSource(42))
	sampler, err := NewEpisodeSampler(store, 4, rng)
	require.NoError(t, err)

	episode, err := sampler.Sample()
	require.NoError(t, err)
	require.NotNil(t, episode.Query)
	require.Len(t, episode.Support, 4)
	require.GreaterOrEqual(t, episode.Target, 0)
	require.Less(t, episode.Target, 4)
	assert.NotSame(t, episode.Query, episode.Support[episode.Target])
}

func TestEpisodeSamplerDeterminism(t *testing.T) {
	store := newTestStore("validation", 10, 4)
	samplerA, err := NewEpisodeSampler(store, 5, rand.New(rand.NewSource(17)))
	require.NoError(t, err)
	samplerB, err := NewEpisodeSampler(store, 5, rand.New(rand.NewSource(17)))
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		drawA, err := samplerA.draw()
		require.NoError(t, err)
		drawB, err := samplerB.draw()
		require.NoError(t, err)
		assert.Equal(t, drawA, drawB)
	}
}

func TestEpisodeDrawSkipsSingleInstanceTrueClass(t *testing.T) {
	// A class with a single rendering can serve as a distractor, but never
	// as the true class: there would be no second instance for the query.
	singleton := &Character{Alphabet: "Synthetic", Name: "lonely",
		Images: []image.Image{grayImage(16, 7)}}
	store := NewStore("validation", append([]*Character{singleton},
		newTestStore("validation", 5, 4).Characters()...))
	rng := rand.New(rand.NewSource(42))
	sampler, err := NewEpisodeSampler(store, 4, rng)
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		draw, err := sampler.draw()
		require.NoError(t, err)
		assert.NotEqual(t, 0, draw.classes[draw.target])
	}
}
