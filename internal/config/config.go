// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the training configuration.
//
// Hyperparameters are first registered as context parameters (see CreateDefaultContext), so they can be
// overridden from the command line with the "-set" flag, and then frozen into an immutable Config with
// FromContext. The Config is passed by pointer to the network builders and the trainer, and it is
// never modified after creation.
package config

import (
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Names of the context parameters.
const (
	ParamEpochs            = "epochs"
	ParamBatchSize         = "batch_size"
	ParamImageSize         = "image_size"
	ParamImageChannels     = "image_channels"
	ParamNumFilters        = "nf"
	ParamNumLabels         = "n_labels"
	ParamLambdaCls         = "lambda_cls"
	ParamLambdaRec         = "lambda_rec"
	ParamLearningRate      = "learning_rate"
	ParamAdamBeta1         = "adam_beta1"
	ParamAdamBeta2         = "adam_beta2"
	ParamAdamEpsilon       = "adam_epsilon"
	ParamContinue          = "continue"
	ParamSeed              = "seed"
	ParamDataDir           = "data_dir"
	ParamAttributesFile    = "attributes_file"
	ParamAttributes        = "attributes"
	ParamCheckpointDir     = "checkpoint_dir"
	ParamCheckpointPeriod  = "checkpoint_period"
	ParamCheckpointKeep    = "checkpoint_keep"
	ParamCheckpointRetries = "checkpoint_retries"
	ParamLogDir            = "log_dir"
	ParamPrefetch          = "prefetch"
	ParamSkipMissingImages = "skip_missing_images"
)

// ParamsExcludedFromLoading lists parameters that describe the local run (paths, resume flag) and are
// not taken from a restored checkpoint.
var ParamsExcludedFromLoading = []string{
	ParamDataDir, ParamCheckpointDir, ParamLogDir, ParamContinue, ParamEpochs, ParamPrefetch,
}

// Config is the immutable training configuration.
type Config struct {
	// Epochs to train for.
	Epochs int

	// BatchSize of both the source and the target batches.
	BatchSize int

	// ImageSize is the height and width of the square images fed to the networks.
	ImageSize int

	// ImageChannels of plain images. Attribute-augmented images have ImageChannels+NumLabels channels.
	ImageChannels int

	// NumFilters is the base filter width (nf) of both networks.
	NumFilters int

	// NumLabels is the number of binary attributes (domains).
	NumLabels int

	// LambdaCls weights the domain classification loss, LambdaRec the reconstruction loss.
	LambdaCls, LambdaRec float64

	// Adam settings, shared by the generator and discriminator optimizers.
	LearningRate, AdamBeta1, AdamBeta2, AdamEpsilon float64

	// Continue training from the latest checkpoint in CheckpointDir, if there is one.
	Continue bool

	// Seed for the shuffling random source.
	Seed int64

	DataDir        string
	AttributesFile string

	// Attributes selects the attribute names used as labels. If empty, the first NumLabels columns
	// of the attributes file are used.
	Attributes []string

	CheckpointDir string

	// CheckpointPeriod is the number of steps between checkpoints. If 0, one checkpoint is saved per epoch.
	CheckpointPeriod int

	// CheckpointKeep is the number of checkpoints kept on disk.
	CheckpointKeep int

	// CheckpointRetries is the number of attempts to write a checkpoint before giving up on it.
	CheckpointRetries int

	LogDir string

	// Prefetch is the number of batches loaded ahead of the training step. 0 disables prefetching.
	Prefetch int

	// SkipMissingImages drops (and logs) samples whose image can't be read, instead of failing.
	SkipMissingImages bool
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Epochs:            100,
		BatchSize:         1,
		ImageSize:         128,
		ImageChannels:     3,
		NumFilters:        64,
		NumLabels:         10,
		LambdaCls:         1,
		LambdaRec:         10,
		LearningRate:      1e-4,
		AdamBeta1:         0.5,
		AdamBeta2:         0.999,
		AdamEpsilon:       1e-8,
		Continue:          false,
		Seed:              42,
		DataDir:           filepath.Join(".", "data", "celebA"),
		AttributesFile:    "list_attr_celeba.txt",
		CheckpointDir:     filepath.Join(".", "assets", "checkpoint"),
		CheckpointPeriod:  0,
		CheckpointKeep:    3,
		CheckpointRetries: 3,
		LogDir:            filepath.Join(".", "assets", "log"),
		Prefetch:          2,
		SkipMissingImages: false,
	}
}

// CreateDefaultContext returns a context with the default configuration registered as hyperparameters.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(Default().Params())
	return ctx
}

// Params returns the configuration as a map of context parameters.
func (c *Config) Params() map[string]any {
	return map[string]any{
		ParamEpochs:            c.Epochs,
		ParamBatchSize:         c.BatchSize,
		ParamImageSize:         c.ImageSize,
		ParamImageChannels:     c.ImageChannels,
		ParamNumFilters:        c.NumFilters,
		ParamNumLabels:         c.NumLabels,
		ParamLambdaCls:         c.LambdaCls,
		ParamLambdaRec:         c.LambdaRec,
		ParamLearningRate:      c.LearningRate,
		ParamAdamBeta1:         c.AdamBeta1,
		ParamAdamBeta2:         c.AdamBeta2,
		ParamAdamEpsilon:       c.AdamEpsilon,
		ParamContinue:          c.Continue,
		ParamSeed:              int(c.Seed),
		ParamDataDir:           c.DataDir,
		ParamAttributesFile:    c.AttributesFile,
		ParamAttributes:        strings.Join(c.Attributes, ","),
		ParamCheckpointDir:     c.CheckpointDir,
		ParamCheckpointPeriod:  c.CheckpointPeriod,
		ParamCheckpointKeep:    c.CheckpointKeep,
		ParamCheckpointRetries: c.CheckpointRetries,
		ParamLogDir:            c.LogDir,
		ParamPrefetch:          c.Prefetch,
		ParamSkipMissingImages: c.SkipMissingImages,
	}
}

// FromContext freezes the hyperparameters of ctx into a Config, and validates it.
// Parameters not set in ctx take their default values.
func FromContext(ctx *context.Context) (*Config, error) {
	d := Default()
	c := &Config{
		Epochs:            context.GetParamOr(ctx, ParamEpochs, d.Epochs),
		BatchSize:         context.GetParamOr(ctx, ParamBatchSize, d.BatchSize),
		ImageSize:         context.GetParamOr(ctx, ParamImageSize, d.ImageSize),
		ImageChannels:     context.GetParamOr(ctx, ParamImageChannels, d.ImageChannels),
		NumFilters:        context.GetParamOr(ctx, ParamNumFilters, d.NumFilters),
		NumLabels:         context.GetParamOr(ctx, ParamNumLabels, d.NumLabels),
		LambdaCls:         context.GetParamOr(ctx, ParamLambdaCls, d.LambdaCls),
		LambdaRec:         context.GetParamOr(ctx, ParamLambdaRec, d.LambdaRec),
		LearningRate:      context.GetParamOr(ctx, ParamLearningRate, d.LearningRate),
		AdamBeta1:         context.GetParamOr(ctx, ParamAdamBeta1, d.AdamBeta1),
		AdamBeta2:         context.GetParamOr(ctx, ParamAdamBeta2, d.AdamBeta2),
		AdamEpsilon:       context.GetParamOr(ctx, ParamAdamEpsilon, d.AdamEpsilon),
		Continue:          context.GetParamOr(ctx, ParamContinue, d.Continue),
		Seed:              int64(context.GetParamOr(ctx, ParamSeed, int(d.Seed))),
		DataDir:           context.GetParamOr(ctx, ParamDataDir, d.DataDir),
		AttributesFile:    context.GetParamOr(ctx, ParamAttributesFile, d.AttributesFile),
		CheckpointDir:     context.GetParamOr(ctx, ParamCheckpointDir, d.CheckpointDir),
		CheckpointPeriod:  context.GetParamOr(ctx, ParamCheckpointPeriod, d.CheckpointPeriod),
		CheckpointKeep:    context.GetParamOr(ctx, ParamCheckpointKeep, d.CheckpointKeep),
		CheckpointRetries: context.GetParamOr(ctx, ParamCheckpointRetries, d.CheckpointRetries),
		LogDir:            context.GetParamOr(ctx, ParamLogDir, d.LogDir),
		Prefetch:          context.GetParamOr(ctx, ParamPrefetch, d.Prefetch),
		SkipMissingImages: context.GetParamOr(ctx, ParamSkipMissingImages, d.SkipMissingImages),
	}
	if attrs := context.GetParamOr(ctx, ParamAttributes, ""); attrs != "" {
		for _, name := range strings.Split(attrs, ",") {
			if name = strings.TrimSpace(name); name != "" {
				c.Attributes = append(c.Attributes, name)
			}
		}
	}
	for _, dir := range []*string{&c.DataDir, &c.CheckpointDir, &c.LogDir} {
		if *dir != "" {
			*dir = fsutil.MustReplaceTildeInDir(*dir)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// DownsamplingFactor is the ratio between the image size and the discriminator output maps.
const DownsamplingFactor = 64

// Validate checks that the configuration is consistent.
func (c *Config) Validate() error {
	if c.Epochs < 0 {
		return errors.Errorf("%s must be >= 0, got %d", ParamEpochs, c.Epochs)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("%s must be > 0, got %d", ParamBatchSize, c.BatchSize)
	}
	if c.ImageSize <= 0 || c.ImageSize%DownsamplingFactor != 0 {
		return errors.Errorf("%s must be a positive multiple of %d (the discriminator downsamples 6 times by 2), got %d",
			ParamImageSize, DownsamplingFactor, c.ImageSize)
	}
	if c.ImageChannels <= 0 {
		return errors.Errorf("%s must be > 0, got %d", ParamImageChannels, c.ImageChannels)
	}
	if c.NumFilters <= 0 {
		return errors.Errorf("%s must be > 0, got %d", ParamNumFilters, c.NumFilters)
	}
	if c.NumLabels <= 0 {
		return errors.Errorf("%s must be > 0, got %d", ParamNumLabels, c.NumLabels)
	}
	if len(c.Attributes) > 0 && len(c.Attributes) != c.NumLabels {
		return errors.Errorf("%s lists %d attributes, but %s=%d", ParamAttributes, len(c.Attributes),
			ParamNumLabels, c.NumLabels)
	}
	if c.LambdaCls < 0 || c.LambdaRec < 0 {
		return errors.Errorf("loss weights must be >= 0, got %s=%g and %s=%g",
			ParamLambdaCls, c.LambdaCls, ParamLambdaRec, c.LambdaRec)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("%s must be > 0, got %g", ParamLearningRate, c.LearningRate)
	}
	if c.AdamBeta1 < 0 || c.AdamBeta1 >= 1 || c.AdamBeta2 < 0 || c.AdamBeta2 >= 1 {
		return errors.Errorf("adam betas must be in [0, 1), got %s=%g and %s=%g",
			ParamAdamBeta1, c.AdamBeta1, ParamAdamBeta2, c.AdamBeta2)
	}
	if c.CheckpointPeriod < 0 {
		return errors.Errorf("%s must be >= 0, got %d", ParamCheckpointPeriod, c.CheckpointPeriod)
	}
	if c.CheckpointKeep < 1 {
		return errors.Errorf("%s must be >= 1, got %d", ParamCheckpointKeep, c.CheckpointKeep)
	}
	if c.CheckpointRetries < 1 {
		return errors.Errorf("%s must be >= 1, got %d", ParamCheckpointRetries, c.CheckpointRetries)
	}
	if c.Prefetch < 0 {
		return errors.Errorf("%s must be >= 0, got %d", ParamPrefetch, c.Prefetch)
	}
	return nil
}

// AugmentedChannels is the number of channels of an attribute-augmented image.
func (c *Config) AugmentedChannels() int {
	return c.ImageChannels + c.NumLabels
}

// AttributesPath returns the path to the attributes file.
func (c *Config) AttributesPath() string {
	if filepath.IsAbs(c.AttributesFile) {
		return c.AttributesFile
	}
	return filepath.Join(c.DataDir, c.AttributesFile)
}
