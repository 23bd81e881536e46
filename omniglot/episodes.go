// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package omniglot

import (
	"fmt"
	"image"
	"math/rand"
)

// Episode is one N-way one-shot task: a query image, an ordered support set
// with one instance from each of N distinct character classes, and the index
// in Support of the class the query belongs to.
type Episode struct {
	Query   image.Image
	Support []image.Image
	Target  int
}

// episodeDraw is the index-level description of an episode, kept separate
// from image materialization so the exclusion constraints can be tested.
type episodeDraw struct {
	classes          []int // distinct class indices, one per support slot
	target           int   // slot of the true class
	queryInstance    int
	supportInstances []int // supportInstances[target] != queryInstance
}

// EpisodeSampler generates N-way one-shot evaluation episodes from a store.
// It is deterministic given the seeded rng it is constructed with.
type EpisodeSampler struct {
	store *Store
	way   int
	rng   *rand.Rand
}

// NewEpisodeSampler creates a sampler of way-way episodes. It fails with an
// InsufficientClassesError if the split has fewer than way classes.
func NewEpisodeSampler(store *Store, way int, rng *rand.Rand) (*EpisodeSampler, error) {
	if way < 2 {
		return nil, &DataIntegrityError{Split: store.Split(),
			Reason: fmt.Sprintf("%d-way episodes make no sense, way must be >= 2", way)}
	}
	if store.NumCharacters() < way {
		return nil, &InsufficientClassesError{Split: store.Split(), Have: store.NumCharacters(), Want: way}
	}
	return &EpisodeSampler{store: store, way: way, rng: rng}, nil
}

// Way returns N, the number of support classes per episode.
func (s *EpisodeSampler) Way() int { return s.way }

// Sample generates one episode. The query is never the same instance as the
// true class support image: the support of the true class is drawn from the
// remaining instances.
func (s *EpisodeSampler) Sample() (*Episode, error) {
	draw, err := s.draw()
	if err != nil {
		return nil, err
	}
	chars := s.store.Characters()
	episode := &Episode{
		Query:   chars[draw.classes[draw.target]].Images[draw.queryInstance],
		Support: make([]image.Image, s.way),
		Target:  draw.target,
	}
	for slot, classIdx := range draw.classes {
		episode.Support[slot] = chars[classIdx].Images[draw.supportInstances[slot]]
	}
	return episode, nil
}

// draw samples an episode at the index level: way distinct classes, one
// designated true class with two distinct instances (query and support).
// True classes with a single instance are rejected and the episode redrawn,
// up to maxDrawRetries.
func (s *EpisodeSampler) draw() (episodeDraw, error) {
	chars := s.store.Characters()
	var lastErr error
	for retry := 0; retry < maxDrawRetries; retry++ {
		perm := s.rng.Perm(len(chars))[:s.way]
		target := s.rng.Intn(s.way)
		trueChar := chars[perm[target]]
		if trueChar.NumInstances() < 2 {
			lastErr = &InsufficientDataError{Character: trueChar.ID(),
				Instances: trueChar.NumInstances(), Required: 2}
			continue
		}
		draw := episodeDraw{
			classes:          perm,
			target:           target,
			supportInstances: make([]int, s.way),
		}
		query, support := drawDistinct(s.rng, trueChar.NumInstances())
		draw.queryInstance = query
		for slot, classIdx := range perm {
			if slot == target {
				draw.supportInstances[slot] = support
				continue
			}
			draw.supportInstances[slot] = s.rng.Intn(chars[classIdx].NumInstances())
		}
		return draw, nil
	}
	return episodeDraw{}, &DataIntegrityError{Split: s.store.Split(),
		Reason: fmt.Sprintf("episode draw failed after %d attempts: %v", maxDrawRetries, lastErr)}
}

// drawDistinct returns two distinct indices uniformly drawn from [0, n).
// n must be >= 2.
func drawDistinct(rng *rand.Rand, n int) (int, int) {
	a := rng.Intn(n)
	b := rng.Intn(n - 1)
	if b >= a {
		b++
	}
	return a, b
}
