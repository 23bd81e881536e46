// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package omniglot

import (
	"image"
	"image/color"
	"math/rand"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// BatchToTensor converts a batch of same-sized grayscale images to a tensor
// shaped [batch_size, height, width, 1], with pixel values scaled to [0, 1].
//
// It panics on an unsupported dtype or an empty batch: it is always called
// with batches the samplers have already validated.
func BatchToTensor(images []image.Image, dtype dtypes.DType) *tensors.Tensor {
	if len(images) == 0 {
		exceptions.Panicf("BatchToTensor: empty batch of images")
	}
	switch dtype {
	case dtypes.Float32:
		return batchToTensorImpl[float32](images)
	case dtypes.Float64:
		return batchToTensorImpl[float64](images)
	default:
		exceptions.Panicf("BatchToTensor: unsupported dtype %s", dtype)
	}
	return nil
}

func batchToTensorImpl[T float32 | float64](images []image.Image) *tensors.Tensor {
	size := images[0].Bounds().Size()
	t := tensors.FromShape(shapes.Make(dtypes.FromGenericsType[T](), len(images), size.Y, size.X, 1))
	tensors.MutableFlatData[T](t, func(flat []T) {
		pos := 0
		for _, img := range images {
			bounds := img.Bounds()
			for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
				for x := bounds.Min.X; x < bounds.Max.X; x++ {
					// color.RGBA() returns 16 bits values packaged in uint32.
					r, g, b, _ := img.At(x, y).RGBA()
					luminance := (r + g + b) / 3
					flat[pos] = T(float64(luminance) / float64(0xFFFF))
					pos++
				}
			}
		}
	})
	return t
}

// Augmenter applies a random small rotation to training images. The
// rotation fills the revealed corners with white, the background color of
// Omniglot drawers.
type Augmenter struct {
	angleStdDev float64
	rng         *rand.Rand
}

// NewAugmenter returns an Augmenter that rotates images by a normally
// distributed random angle with the given standard deviation (in degrees).
// If angleStdDev is 0 it returns nil, and a nil Augmenter is a no-op.
func NewAugmenter(angleStdDev float64, rng *rand.Rand) *Augmenter {
	if angleStdDev <= 0 {
		return nil
	}
	return &Augmenter{angleStdDev: angleStdDev, rng: rng}
}

// Apply augments one image. The original image is never modified.
func (a *Augmenter) Apply(img image.Image) image.Image {
	if a == nil {
		return img
	}
	angle := a.rng.NormFloat64() * a.angleStdDev
	rotated := imaging.Rotate(img, angle, color.White)
	// Rotation grows the canvas; crop back to the original raster size so
	// batches keep a fixed shape.
	size := img.Bounds().Size()
	return imaging.CropCenter(rotated, size.X, size.Y)
}
