// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package omniglot

import (
	"fmt"
	"image"
	"io"
	"math/rand"
	"sync"

	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// maxDrawRetries bounds the rejection sampling of draw constraints (e.g., a
// same-class pair from a character with a single instance). Exhausting it
// means the split itself is degenerate, and it escalates to a
// DataIntegrityError.
const maxDrawRetries = 16

// pairDraw is the index-level description of a sampled pair, before images
// are materialized. Keeping draws separate from materialization lets the
// sampling invariants be tested directly.
type pairDraw struct {
	classA, instanceA int
	classB, instanceB int
	same              bool
}

// PairDataset implements train.Dataset, yielding a stream of balanced
// same/different image-pair batches for siamese training. By default the
// stream is infinite; see SetMaxBatches.
//
// Each pair is independently "same-class" with probability 0.5. Same-class
// pairs always use two distinct instances of one character, never the
// identical image on both sides, which would let the network learn a
// pixel-identity shortcut. Different-class pairs use two distinct characters
// drawn without replacement.
type PairDataset struct {
	name      string
	store     *Store
	batchSize int
	dtype     dtypes.DType
	augmenter *Augmenter

	// mu protects rng and batchCount: Yield may be called concurrently,
	// e.g. under data.CustomParallel.
	mu         sync.Mutex
	rng        *rand.Rand
	maxBatches int
	batchCount int
}

var _ train.Dataset = &PairDataset{}

// NewPairDataset creates the training pair sampler over the given store.
// The augmenter may be nil for no augmentation.
func NewPairDataset(name string, store *Store, batchSize int, rng *rand.Rand,
	augmenter *Augmenter, dtype dtypes.DType) (*PairDataset, error) {
	if batchSize <= 0 {
		return nil, &DataIntegrityError{Split: store.Split(),
			Reason: fmt.Sprintf("invalid batch size %d", batchSize)}
	}
	if err := store.Check(1); err != nil {
		return nil, err
	}
	if store.NumCharacters() < 2 {
		return nil, &DataIntegrityError{Split: store.Split(),
			Reason: "at least 2 character classes are required to draw different-class pairs"}
	}
	anyPositiveSource := false
	for _, c := range store.Characters() {
		if c.NumInstances() >= 2 {
			anyPositiveSource = true
			break
		}
	}
	if !anyPositiveSource {
		return nil, &DataIntegrityError{Split: store.Split(),
			Reason: "no character has the 2+ instances required for same-class pairs"}
	}
	return &PairDataset{
		name:      name,
		store:     store,
		batchSize: batchSize,
		dtype:     dtype,
		augmenter: augmenter,
		rng:       rng,
	}, nil
}

// Name implements train.Dataset.
func (ds *PairDataset) Name() string { return ds.name }

// SetMaxBatches makes the dataset finite: after n batches Yield returns
// io.EOF until Reset. Zero (the default) keeps it infinite. Useful to run a
// fixed-size pair-level evaluation with train.Trainer.Eval.
func (ds *PairDataset) SetMaxBatches(n int) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.maxBatches = n
	ds.batchCount = 0
}

// Reset implements train.Dataset, restarting a finite dataset. An infinite
// dataset has nothing to reset.
func (ds *PairDataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.batchCount = 0
}

// Yield implements train.Dataset. It returns:
//
//   - spec: not used, left as nil.
//   - inputs: two image batches shaped [batch_size, height, width, 1], the
//     two sides of each pair.
//   - labels: one tensor shaped [batch_size, 1], 1 for same-class pairs and
//     0 for different-class pairs.
func (ds *PairDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.maxBatches > 0 {
		if ds.batchCount >= ds.maxBatches {
			return nil, nil, nil, io.EOF
		}
		ds.batchCount++
	}

	sidesA := make([]image.Image, ds.batchSize)
	sidesB := make([]image.Image, ds.batchSize)
	labelValues := make([][]float64, ds.batchSize)
	for i := 0; i < ds.batchSize; i++ {
		draw, err := ds.drawPair()
		if err != nil {
			return nil, nil, nil, err
		}
		chars := ds.store.Characters()
		sidesA[i] = ds.augmenter.Apply(chars[draw.classA].Images[draw.instanceA])
		sidesB[i] = ds.augmenter.Apply(chars[draw.classB].Images[draw.instanceB])
		if draw.same {
			labelValues[i] = []float64{1}
		} else {
			labelValues[i] = []float64{0}
		}
	}
	inputs = []*tensors.Tensor{
		BatchToTensor(sidesA, ds.dtype),
		BatchToTensor(sidesB, ds.dtype),
	}
	labels = []*tensors.Tensor{tensors.FromAnyValue(shapes.CastAsDType(labelValues, ds.dtype))}
	return
}

// drawPair samples one pair at the index level. Must be called with ds.mu
// held.
func (ds *PairDataset) drawPair() (pairDraw, error) {
	if ds.rng.Intn(2) == 0 {
		return ds.drawSamePair()
	}
	return ds.drawDifferentPair(), nil
}

// drawSamePair picks one character and two distinct instances of it.
// Characters without enough instances are rejected and a fresh character is
// drawn, up to maxDrawRetries.
func (ds *PairDataset) drawSamePair() (pairDraw, error) {
	chars := ds.store.Characters()
	var lastErr error
	for retry := 0; retry < maxDrawRetries; retry++ {
		classIdx := ds.rng.Intn(len(chars))
		c := chars[classIdx]
		if c.NumInstances() < 2 {
			lastErr = &InsufficientDataError{Character: c.ID(), Instances: c.NumInstances(), Required: 2}
			continue
		}
		a, b := drawDistinct(ds.rng, c.NumInstances())
		return pairDraw{classA: classIdx, instanceA: a, classB: classIdx, instanceB: b, same: true}, nil
	}
	return pairDraw{}, &DataIntegrityError{Split: ds.store.Split(),
		Reason: fmt.Sprintf("same-class draw failed after %d attempts: %v", maxDrawRetries, lastErr)}
}

// drawDifferentPair picks two distinct characters (without replacement) and
// one instance of each.
func (ds *PairDataset) drawDifferentPair() pairDraw {
	chars := ds.store.Characters()
	classA, classB := drawDistinct(ds.rng, len(chars))
	return pairDraw{
		classA: classA, instanceA: ds.rng.Intn(chars[classA].NumInstances()),
		classB: classB, instanceB: ds.rng.Intn(chars[classB].NumInstances()),
		same: false,
	}
}
