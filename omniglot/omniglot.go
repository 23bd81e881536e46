// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package omniglot handles the Omniglot handwritten-characters dataset: the
// download of the original zip files, an in-memory read-only store of
// character classes per split, and the episodic samplers (training pairs and
// N-way one-shot evaluation episodes) used by the siamese model.
//
// The dataset is organized hierarchically, alphabet / character / drawers
// (20 stylistic renderings of each character, 105x105 grayscale). Splits are
// carved at the alphabet level, so character classes never leak across
// train/validation/test.
package omniglot

import (
	"image"
	_ "image/png"
	"os"
	"path"
	"sort"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/pkg/errors"
)

const (
	downloadURLBase = "https://raw.githubusercontent.com/brendenlake/omniglot/master/python"

	// BackgroundZip holds the 30 "background" alphabets, used for training
	// and validation. EvaluationZip holds the 20 held-out alphabets used
	// only for one-shot testing.
	BackgroundZip = "images_background.zip"
	EvaluationZip = "images_evaluation.zip"

	// BackgroundDir and EvaluationDir are the directories the zips expand to.
	BackgroundDir = "images_background"
	EvaluationDir = "images_evaluation"

	// ImageSize is the width and height in pixels of every Omniglot drawer.
	ImageSize = 105

	// NumValidationAlphabets of the background set (last in sorted order)
	// are held out as the validation split.
	NumValidationAlphabets = 5
)

// Download fetches and unzips the Omniglot background and evaluation sets
// into baseDir, if they are not there already.
func Download(baseDir string) error {
	baseDir = data.ReplaceTildeInDir(baseDir)
	for _, zipFile := range []string{BackgroundZip, EvaluationZip} {
		url := downloadURLBase + "/" + zipFile
		zipPath := path.Join(baseDir, zipFile)
		targetDir := path.Join(baseDir, zipFile[:len(zipFile)-len(".zip")])
		if err := data.DownloadAndUnzipIfMissing(url, zipPath, baseDir, targetDir, ""); err != nil {
			return errors.Wrapf(err, "failed to download %s", zipFile)
		}
	}
	return nil
}

// Character is one character class: its identity is (alphabet, name) and it
// owns the ordered list of rendered instances (one image per drawer).
type Character struct {
	Alphabet string
	Name     string
	Images   []image.Image
}

// ID returns the unique class identity, "alphabet/name".
func (c *Character) ID() string { return c.Alphabet + "/" + c.Name }

// NumInstances returns the number of rendered instances of the character.
func (c *Character) NumInstances() int { return len(c.Images) }

// Store is the read-only set of character classes of one split.
type Store struct {
	split string
	chars []*Character
}

// NewStore creates a Store from characters already in memory. Mostly used by
// tests; production code loads from disk with LoadSplit.
func NewStore(split string, chars []*Character) *Store {
	return &Store{split: split, chars: chars}
}

// Split returns the split name this store was loaded for.
func (s *Store) Split() string { return s.split }

// Characters returns the character classes of the split. Callers must not
// mutate the returned slice.
func (s *Store) Characters() []*Character { return s.chars }

// NumCharacters returns the number of character classes in the split.
func (s *Store) NumCharacters() int { return len(s.chars) }

// Check verifies the store can serve a sampler that requires minInstances
// renderings per character. It returns a DataIntegrityError otherwise.
func (s *Store) Check(minInstances int) error {
	if len(s.chars) == 0 {
		return &DataIntegrityError{Split: s.split, Reason: "split has no character classes"}
	}
	for _, c := range s.chars {
		if c.NumInstances() < minInstances {
			return &DataIntegrityError{
				Split: s.split,
				Reason: (&InsufficientDataError{
					Character: c.ID(), Instances: c.NumInstances(), Required: minInstances,
				}).Error(),
			}
		}
	}
	return nil
}

// LoadSplit loads the characters of the given split ("train", "validation"
// or "test") from baseDir, where Download unpacked the dataset.
//
// Train and validation are alphabet-disjoint partitions of the background
// set; test is the whole evaluation set.
func LoadSplit(baseDir, split string) (*Store, error) {
	baseDir = data.ReplaceTildeInDir(baseDir)
	var alphabets []string
	var setDir string
	switch split {
	case "train", "validation":
		setDir = path.Join(baseDir, BackgroundDir)
		all, err := subDirectories(setDir)
		if err != nil {
			return nil, err
		}
		if len(all) <= NumValidationAlphabets {
			return nil, &DataIntegrityError{Split: split,
				Reason: "not enough background alphabets to carve out a validation split"}
		}
		cut := len(all) - NumValidationAlphabets
		if split == "train" {
			alphabets = all[:cut]
		} else {
			alphabets = all[cut:]
		}
	case "test":
		setDir = path.Join(baseDir, EvaluationDir)
		all, err := subDirectories(setDir)
		if err != nil {
			return nil, err
		}
		alphabets = all
	default:
		return nil, errors.Errorf("unknown split %q: valid values are train, validation and test", split)
	}

	var chars []*Character
	for _, alphabet := range alphabets {
		alphabetDir := path.Join(setDir, alphabet)
		charNames, err := subDirectories(alphabetDir)
		if err != nil {
			return nil, err
		}
		for _, name := range charNames {
			c := &Character{Alphabet: alphabet, Name: name}
			charDir := path.Join(alphabetDir, name)
			entries, err := os.ReadDir(charDir)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to list instances of character %q", c.ID())
			}
			for _, entry := range entries {
				if entry.IsDir() {
					continue
				}
				img, err := loadImage(path.Join(charDir, entry.Name()))
				if err != nil {
					return nil, errors.Wrapf(err, "failed to read instance of character %q", c.ID())
				}
				c.Images = append(c.Images, img)
			}
			chars = append(chars, c)
		}
	}
	store := NewStore(split, chars)
	if err := store.Check(1); err != nil {
		return nil, err
	}
	if err := checkImageSizes(store); err != nil {
		return nil, err
	}
	return store, nil
}

// subDirectories returns the sorted names of the directories under dir.
func subDirectories(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %q", dir)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func loadImage(imgPath string) (image.Image, error) {
	f, err := os.Open(imgPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	return img, err
}

// checkImageSizes enforces that every instance raster has the same size:
// the samplers batch images assuming a fixed shape.
func checkImageSizes(s *Store) error {
	var want image.Point
	for _, c := range s.chars {
		for _, img := range c.Images {
			size := img.Bounds().Size()
			if want == (image.Point{}) {
				want = size
				continue
			}
			if size != want {
				return &DataIntegrityError{Split: s.split,
					Reason: "instances of character " + c.ID() + " have inconsistent image sizes"}
			}
		}
	}
	return nil
}
