// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package omniglot

import "fmt"

// DataIntegrityError indicates the dataset on disk (or in memory) cannot
// support the requested operation: an empty split, characters with fewer
// instances than a sampler requires, or inconsistent image sizes.
// It is fatal: callers should not retry.
type DataIntegrityError struct {
	Split  string
	Reason string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("omniglot: data integrity error in split %q: %s", e.Split, e.Reason)
}

// InsufficientDataError indicates a character cannot satisfy a draw
// constraint, typically a same-class pair requested from a character with a
// single instance. The sampler recovers by redrawing a different character;
// it only surfaces wrapped in a DataIntegrityError once retries are
// exhausted.
type InsufficientDataError struct {
	Character string
	Instances int
	Required  int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("omniglot: character %q has %d instance(s), %d required",
		e.Character, e.Instances, e.Required)
}

// InsufficientClassesError indicates a split has fewer character classes
// than an N-way episode requires.
type InsufficientClassesError struct {
	Split string
	Have  int
	Want  int
}

func (e *InsufficientClassesError) Error() string {
	return fmt.Sprintf("omniglot: split %q has %d classes, %d-way episodes require %d",
		e.Split, e.Have, e.Want, e.Want)
}
