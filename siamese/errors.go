// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package siamese

import "fmt"

// NumericalDivergenceError indicates the training loss became non-finite.
// Training halts immediately; the checkpoint of the last improving epoch is
// preserved on disk, since saving only happens on validation improvement.
type NumericalDivergenceError struct {
	Epoch int
	Loss  float64
}

func (e *NumericalDivergenceError) Error() string {
	return fmt.Sprintf("siamese: training diverged at epoch %d, loss=%v", e.Epoch, e.Loss)
}

// CheckpointLoadError indicates a checkpoint could not be loaded for
// evaluation: missing directory, no saved checkpoints or incompatible
// contents. It is surfaced before any computation happens.
type CheckpointLoadError struct {
	Dir string
	Err error
}

func (e *CheckpointLoadError) Error() string {
	return fmt.Sprintf("siamese: failed to load checkpoint from %q: %v", e.Dir, e.Err)
}

func (e *CheckpointLoadError) Unwrap() error { return e.Err }
