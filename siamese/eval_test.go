// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package siamese

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredict(t *testing.T) {
	assert.Equal(t, 0, predict([]float64{0.9}))
	assert.Equal(t, 1, predict([]float64{0.1, 0.9, 0.3}))
	assert.Equal(t, 2, predict([]float64{0.1, 0.3, 0.9, 0.9}))

	// Exact ties resolve to the lowest support index.
	assert.Equal(t, 0, predict([]float64{0.5, 0.5, 0.5}))
	assert.Equal(t, 1, predict([]float64{0.1, 0.7, 0.7}))
}

func TestLoadCheckpointMissing(t *testing.T) {
	ctx := CreateDefaultContext()
	err := LoadCheckpoint(ctx, t.TempDir())
	require.Error(t, err)
	var loadErr *CheckpointLoadError
	require.True(t, errors.As(err, &loadErr))
	assert.Contains(t, loadErr.Error(), loadErr.Dir)
}

func TestNumericalDivergenceError(t *testing.T) {
	err := &NumericalDivergenceError{Epoch: 3, Loss: 0}
	assert.Contains(t, err.Error(), "epoch 3")
}
