// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset reads the training images and their attributes, and serves them in shuffled batches.
//
// Images are center-cropped and resized to a square of the configured size, and scaled to [-1, 1].
// Each epoch draws a fresh permutation from a seeded random source, and a Prefetcher loads the
// batches ahead of the training step, in order.
package dataset

import (
	"image"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/stargan/internal/config"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Sample is one image file and its attributes.
type Sample struct {
	Path       string
	Attributes []float32
}

// Dataset holds the samples available for training.
type Dataset struct {
	// AttributeNames in the order of Sample.Attributes.
	AttributeNames []string

	Samples []Sample

	imageSize, channels int
}

// Open reads the attributes file configured in cfg and checks that every listed image can be read.
//
// Unreadable images (missing, or with a header that can't be decoded) are a fatal error, unless
// cfg.SkipMissingImages is set, in which case they are logged and dropped.
func Open(cfg *config.Config) (*Dataset, error) {
	attrs, err := LoadAttributes(cfg.AttributesPath())
	if err != nil {
		return nil, err
	}
	attrs, err = attrs.Select(cfg.Attributes, cfg.NumLabels)
	if err != nil {
		return nil, errors.WithMessagef(err, "selecting attributes from %q", cfg.AttributesPath())
	}
	ds := &Dataset{
		AttributeNames: attrs.Names,
		Samples:        make([]Sample, 0, len(attrs.Files)),
		imageSize:      cfg.ImageSize,
		channels:       cfg.ImageChannels,
	}
	var skipped int
	for ii, file := range attrs.Files {
		path := filepath.Join(cfg.DataDir, file)
		if err := checkImage(path); err != nil {
			if !cfg.SkipMissingImages {
				return nil, errors.WithMessagef(err, "image #%d", ii)
			}
			klog.Warningf("skipping sample #%d: %v", ii, err)
			skipped++
			continue
		}
		ds.Samples = append(ds.Samples, Sample{Path: path, Attributes: attrs.Values[ii]})
	}
	if skipped > 0 {
		klog.Warningf("%d of %d samples skipped because their images could not be read", skipped, len(attrs.Files))
	}
	if len(ds.Samples) < cfg.BatchSize {
		return nil, errors.Errorf("dataset in %q has %d usable samples, fewer than batch_size=%d",
			cfg.DataDir, len(ds.Samples), cfg.BatchSize)
	}
	klog.Infof("dataset: %d samples, attributes %v", len(ds.Samples), ds.AttributeNames)
	return ds, nil
}

// NewFromSamples creates a Dataset from already validated samples.
func NewFromSamples(attributeNames []string, samples []Sample, imageSize, channels int) *Dataset {
	return &Dataset{AttributeNames: attributeNames, Samples: samples, imageSize: imageSize, channels: channels}
}

// Len returns the number of samples.
func (ds *Dataset) Len() int { return len(ds.Samples) }

// checkImage verifies the image exists and its header can be decoded, without decoding the pixels.
func checkImage(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open image")
	}
	defer func() { _ = f.Close() }()
	if _, _, err = image.DecodeConfig(f); err != nil {
		return errors.Wrapf(err, "failed to decode image %q", path)
	}
	return nil
}

// LoadImage reads the image at path, center-crops it to a square and resizes it to size x size.
func LoadImage(path string, size int) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read image %q", path)
	}
	return imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos), nil
}

// ImagesToTensor converts images of the same size to a float32 tensor shaped
// [len(images), height, width, channels], with values scaled to [-1, 1].
// Channels must be 3 (RGB) or 4 (RGBA).
func ImagesToTensor(imgs []image.Image, channels int) (*tensors.Tensor, error) {
	toTensor := images.ToTensor(dtypes.Float32)
	switch channels {
	case 3:
	case 4:
		toTensor = toTensor.WithAlpha()
	default:
		return nil, errors.Errorf("images can only be converted to 3 (RGB) or 4 (RGBA) channels, %d requested", channels)
	}
	t := toTensor.Batch(imgs)
	tensors.MustMutableFlatData[float32](t, func(flat []float32) {
		for ii, v := range flat {
			flat[ii] = 2*v - 1
		}
	})
	return t, nil
}

// Batch of images and their attributes.
type Batch struct {
	// Images shaped [batch_size, image_size, image_size, image_channels], in [-1, 1].
	Images *tensors.Tensor

	// Attributes shaped [batch_size, n_labels], in {0, 1}.
	Attributes *tensors.Tensor
}

// FinalizeAll frees the batch tensors.
func (b *Batch) FinalizeAll() {
	if b == nil {
		return
	}
	for _, t := range []*tensors.Tensor{b.Images, b.Attributes} {
		if t != nil {
			t.FinalizeAll()
		}
	}
}

// LoadBatch reads the samples with the given indices into a Batch. Images are decoded in parallel.
func (ds *Dataset) LoadBatch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, errors.New("LoadBatch requires at least one index")
	}
	for _, idx := range indices {
		if idx < 0 || idx >= len(ds.Samples) {
			return nil, errors.Errorf("sample index %d out of range [0, %d)", idx, len(ds.Samples))
		}
	}
	imgs := make([]image.Image, len(indices))
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for ii, idx := range indices {
		g.Go(func() error {
			img, err := LoadImage(ds.Samples[idx].Path, ds.imageSize)
			imgs[ii] = img
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	imagesTensor, err := ImagesToTensor(imgs, ds.channels)
	if err != nil {
		return nil, err
	}
	numLabels := len(ds.AttributeNames)
	attrs := make([]float32, 0, len(indices)*numLabels)
	for _, idx := range indices {
		attrs = append(attrs, ds.Samples[idx].Attributes...)
	}
	return &Batch{
		Images:     imagesTensor,
		Attributes: tensors.FromFlatDataAndDimensions(attrs, len(indices), numLabels),
	}, nil
}

// Shuffler draws the per-epoch orderings of the samples from a seeded random source.
type Shuffler struct {
	size, batchSize int
	rng             *rand.Rand
}

// NewShuffler creates a shuffler of size samples in batches of batchSize, using rng.
func NewShuffler(size, batchSize int, rng *rand.Rand) *Shuffler {
	return &Shuffler{size: size, batchSize: batchSize, rng: rng}
}

// StepsPerEpoch is the number of full batches per epoch: the remainder is dropped.
func (s *Shuffler) StepsPerEpoch() int {
	if s.batchSize <= 0 {
		return 0
	}
	return s.size / s.batchSize
}

// Epoch returns the batches of sample indices of a new epoch: a fresh permutation cut in StepsPerEpoch
// batches of batchSize indices.
func (s *Shuffler) Epoch() [][]int {
	perm := s.rng.Perm(s.size)
	steps := s.StepsPerEpoch()
	batches := make([][]int, steps)
	for ii := range steps {
		batches[ii] = perm[ii*s.batchSize : (ii+1)*s.batchSize]
	}
	return batches
}
