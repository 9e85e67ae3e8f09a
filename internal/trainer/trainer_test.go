// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	stdctx "context"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	gomlxopt "github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/stargan/internal/checkpoints"
	"github.com/gomlx/stargan/internal/config"
	"github.com/gomlx/stargan/internal/dataset"
	"github.com/gomlx/stargan/internal/losses"
	"github.com/gomlx/stargan/internal/networks"
	"github.com/gomlx/stargan/internal/optimizers"
	"github.com/gomlx/stargan/internal/summary"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeDataset writes numImages square PNG images with a distinct red channel each, and their attributes file,
// and returns the data directory.
func writeDataset(t *testing.T, numImages, size int) string {
	dir := t.TempDir()
	var attrs strings.Builder
	_, _ = fmt.Fprintf(&attrs, "%d\nBlack_Hair Male\n", numImages)
	for ii := range numImages {
		img := image.NewNRGBA(image.Rect(0, 0, size, size))
		c := color.NRGBA{R: uint8(10 + ii*30), G: 128, B: 64, A: 255}
		for y := range size {
			for x := range size {
				img.SetNRGBA(x, y, c)
			}
		}
		name := fmt.Sprintf("%06d.png", ii)
		require.NoError(t, imaging.Save(img, filepath.Join(dir, name)))
		_, _ = fmt.Fprintf(&attrs, "%s %d %d\n", name, 2*(ii%2)-1, 1-2*(ii%2))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "list_attr_celeba.txt"), []byte(attrs.String()), 0o644))
	return dir
}

// tinyContext returns a context with a small configuration, so the real graphs train fast.
func tinyContext(t *testing.T, dataDir string) *context.Context {
	ctx := config.CreateDefaultContext()
	root := t.TempDir()
	ctx.SetParams(map[string]any{
		config.ParamEpochs:        1,
		config.ParamImageSize:     64,
		config.ParamNumFilters:    2,
		config.ParamNumLabels:     2,
		config.ParamBatchSize:     1,
		config.ParamDataDir:       dataDir,
		config.ParamCheckpointDir: filepath.Join(root, "checkpoint"),
		config.ParamLogDir:        filepath.Join(root, "log"),
		config.ParamPrefetch:      1,
	})
	return ctx
}

func variableValues(vars []*context.Variable) map[string][]float32 {
	values := make(map[string][]float32, len(vars))
	for _, v := range vars {
		values[v.ParameterName()] = tensors.MustCopyFlatData[float32](v.MustValue())
	}
	return values
}

func TestStepsUpdateOnlyTheirNetwork(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := tinyContext(t, writeDataset(t, 2, 64))
	cfg, err := config.FromContext(ctx)
	require.NoError(t, err)
	ds, err := dataset.Open(cfg)
	require.NoError(t, err)
	steps, err := NewSteps(backend, ctx, cfg)
	require.NoError(t, err)
	defer steps.Finalize()

	source, err := ds.LoadBatch([]int{0})
	require.NoError(t, err)
	defer source.FinalizeAll()
	target, err := ds.LoadBatch([]int{1})
	require.NoError(t, err)
	defer target.FinalizeAll()
	require.NoError(t, CheckBatch(cfg, source))

	// A first full step creates all variables.
	gen, err := steps.GeneratorStep(source, target)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 64, 64, 3}, gen.Fake.Shape().Dimensions)
	assert.InDelta(t, losses.GeneratorLoss(gen.Terms, cfg.LambdaCls, cfg.LambdaRec), gen.Loss, 1e-4)
	disc, err := steps.DiscriminatorStep(target, gen.Fake)
	require.NoError(t, err)
	gen.Fake.MustFinalizeAll()
	assert.Equal(t, int64(1), disc.GlobalStep)
	assert.InDelta(t, losses.DiscriminatorLoss(disc.Terms, cfg.LambdaCls), disc.Loss, 1e-4)

	genVars, discVars := networks.GeneratorVariables(ctx), networks.DiscriminatorVariables(ctx)
	require.NotEmpty(t, genVars)
	require.NotEmpty(t, discVars)

	// Generator step: discriminator untouched.
	genBefore, discBefore := variableValues(genVars), variableValues(discVars)
	gen, err = steps.GeneratorStep(source, target)
	require.NoError(t, err)
	assert.Equal(t, discBefore, variableValues(discVars))
	assert.NotEqual(t, genBefore, variableValues(genVars))

	// Discriminator step: generator untouched.
	genBefore, discBefore = variableValues(genVars), variableValues(discVars)
	disc, err = steps.DiscriminatorStep(target, gen.Fake)
	require.NoError(t, err)
	gen.Fake.MustFinalizeAll()
	assert.Equal(t, genBefore, variableValues(genVars))
	assert.NotEqual(t, discBefore, variableValues(discVars))
	assert.Equal(t, int64(2), disc.GlobalStep)
	assert.Equal(t, int64(2), gomlxopt.GetGlobalStep(ctx))

	// Each optimizer counts its own steps.
	for _, scope := range []string{GeneratorOptimizerScope, DiscriminatorOptimizerScope} {
		assert.Equal(t, int64(2), gomlxopt.GetGlobalStep(ctx.InAbsPath(context.ScopeSeparator+scope)), scope)
	}
}

func TestTrainAndResume(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	dataDir := writeDataset(t, 3, 64)
	ctx := tinyContext(t, dataDir)
	checkpointDir := context.GetParamOr(ctx, config.ParamCheckpointDir, "")
	logDir := context.GetParamOr(ctx, config.ParamLogDir, "")
	require.NoError(t, Train(stdctx.Background(), backend, ctx, Options{}))
	assert.Equal(t, int64(3), gomlxopt.GetGlobalStep(ctx))

	points, err := summary.LoadPointsFromLogDir(logDir)
	require.NoError(t, err)
	assert.Len(t, points, 3*len(summary.StepMetrics))
	snapshot, err := checkpoints.LoadLatest(checkpointDir)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, int64(3), snapshot.GlobalStep())
	for v := range ctx.IterVariables() {
		saved, found := snapshot.Value(v.ParameterName())
		require.True(t, found, "variable %q not saved", v.ParameterName())
		assert.Equal(t, v.MustValue().Value(), saved.Value(), v.ParameterName())
	}

	// Resume in a new context: the saved hyperparameters are restored, except those set explicitly.
	resumed := context.New()
	resumed.SetParams(map[string]any{
		config.ParamContinue:      true,
		config.ParamEpochs:        2,
		config.ParamDataDir:       dataDir,
		config.ParamCheckpointDir: checkpointDir,
		config.ParamLogDir:        logDir,
		config.ParamNumFilters:    4, // Ignored: not in ParamsSet, the checkpoint value (2) is used.
	})
	require.NoError(t, Train(stdctx.Background(), backend, resumed, Options{ParamsSet: []string{config.ParamEpochs}}))
	assert.Equal(t, int64(6), gomlxopt.GetGlobalStep(resumed))
	assert.Equal(t, 2, context.GetParamOr(resumed, config.ParamNumFilters, 0))

	points, err = summary.LoadPointsFromLogDir(logDir)
	require.NoError(t, err)
	assert.Len(t, points, 6*len(summary.StepMetrics))
	assert.Equal(t, int64(6), points[len(points)-1].Step)
	snapshot, err = checkpoints.LoadLatest(checkpointDir)
	require.NoError(t, err)
	assert.Equal(t, int64(6), snapshot.GlobalStep())
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := tinyContext(t, writeDataset(t, 2, 64))
	ctx.SetParam(config.ParamContinue, true)
	require.NoError(t, Train(stdctx.Background(), backend, ctx, Options{}))
	assert.Equal(t, int64(2), gomlxopt.GetGlobalStep(ctx))
}

func TestResumeFromCorruptCheckpoint(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := tinyContext(t, writeDataset(t, 2, 64))
	checkpointDir := context.GetParamOr(ctx, config.ParamCheckpointDir, "")
	require.NoError(t, os.MkdirAll(checkpointDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(checkpointDir, checkpoints.PointerFileName),
		[]byte("checkpoint-n0000001-step-00000010"), 0o644))
	ctx.SetParam(config.ParamContinue, true)
	err := Train(stdctx.Background(), backend, ctx, Options{})
	require.ErrorIs(t, err, checkpoints.ErrCorrupt)
}

// fakeSteps is a StepFn that records the first pixel of every source batch, and returns constant losses.
type fakeSteps struct {
	globalStep int64
	nanAtStep  int64
	sources    []float32
}

func (f *fakeSteps) GeneratorStep(source, _ *dataset.Batch) (*GeneratorResult, error) {
	f.sources = append(f.sources, tensors.MustCopyFlatData[float32](source.Images)[0])
	terms := losses.GeneratorTerms[float64]{FakeAdversarial: 1, FakeClassification: 0.5, Reconstruction: 0.25}
	if f.globalStep+1 == f.nanAtStep {
		terms.Reconstruction = math.NaN()
	}
	return &GeneratorResult{
		Fake:  tensors.FromScalar(float32(0)),
		Terms: terms,
		Loss:  losses.GeneratorLoss(terms, 1, 10),
	}, nil
}

func (f *fakeSteps) DiscriminatorStep(_ *dataset.Batch, _ *tensors.Tensor) (*DiscriminatorResult, error) {
	f.globalStep++
	terms := losses.DiscriminatorTerms[float64]{RealAdversarial: 0.1, FakeAdversarial: 0.2, RealClassification: 0.05}
	return &DiscriminatorResult{Terms: terms, Loss: losses.DiscriminatorLoss(terms, 1), GlobalStep: f.globalStep}, nil
}

func smallDataset(t *testing.T, numImages int) (*config.Config, *dataset.Dataset) {
	cfg := config.Default()
	cfg.DataDir = writeDataset(t, numImages, 8)
	cfg.ImageSize = 8
	cfg.NumLabels = 2
	cfg.BatchSize = 2
	cfg.Epochs = 3
	ds, err := dataset.Open(cfg)
	require.NoError(t, err)
	return cfg, ds
}

func TestLoopResumeReplaysOrdering(t *testing.T) {
	cfg, ds := smallDataset(t, 7)
	full := &fakeSteps{}
	loop := NewLoop(full, cfg, ds, 0, false)
	require.Equal(t, StateGraphBuilt, loop.State())
	require.NoError(t, loop.Run(stdctx.Background()))
	assert.Equal(t, StateDone, loop.State())
	require.Len(t, full.sources, 9) // 3 epochs of 3 batches, the 7th sample dropped every epoch.
	assert.Equal(t, int64(9), loop.GlobalStep)
	assert.Len(t, loop.StepDurations, 9)
	assert.Greater(t, loop.MedianStepDuration(), time.Duration(0))

	// Resume after 4 steps: epoch 1, second batch.
	resumed := &fakeSteps{globalStep: 4}
	loop = NewLoop(resumed, cfg, ds, 4, true)
	require.Equal(t, StateRestored, loop.State())
	require.NoError(t, loop.Run(stdctx.Background()))
	assert.Equal(t, full.sources[4:], resumed.sources)

	// Without prefetching, the same ordering.
	cfg.Prefetch = 0
	synchronous := &fakeSteps{}
	require.NoError(t, NewLoop(synchronous, cfg, ds, 0, false).Run(stdctx.Background()))
	assert.Equal(t, full.sources, synchronous.sources)
}

func TestLoopHaltsOnNaN(t *testing.T) {
	cfg, ds := smallDataset(t, 4)
	steps := &fakeSteps{nanAtStep: 3}
	loop := NewLoop(steps, cfg, ds, 0, false)
	var endErr error
	loop.OnEnd("capture", 0, func(_ *Loop, runErr error) error {
		endErr = runErr
		return nil
	})
	err := loop.Run(stdctx.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 3")
	assert.Contains(t, err.Error(), "g_recon_loss")
	assert.Equal(t, err, endErr)
	assert.Equal(t, int64(2), loop.GlobalStep)
	assert.False(t, IsCancellation(err))
}

func TestLoopBatchShapeMismatch(t *testing.T) {
	cfg, ds := smallDataset(t, 4)
	cfg.NumLabels = 3
	err := NewLoop(&fakeSteps{}, cfg, ds, 0, false).Run(stdctx.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "n_labels")
}

func TestLoopHooks(t *testing.T) {
	cfg, ds := smallDataset(t, 4)
	cfg.Epochs = 1
	loop := NewLoop(&fakeSteps{}, cfg, ds, 0, false)
	var calls []string
	loop.OnStart("second", 1, func(*Loop) error { calls = append(calls, "start:second"); return nil })
	loop.OnStart("first", -1, func(*Loop) error { calls = append(calls, "start:first"); return nil })
	loop.OnStep("step", 0, func(_ *Loop, r *StepResult) error {
		calls = append(calls, fmt.Sprintf("step:%d:%.2f", r.GlobalStep, r.Discriminator.Loss))
		return nil
	})
	loop.OnEnd("end", 0, func(*Loop, error) error { calls = append(calls, "end"); return nil })
	require.NoError(t, loop.Run(stdctx.Background()))
	assert.Equal(t, []string{"start:first", "start:second", "step:1:0.35", "step:2:0.35", "end"}, calls)
}

func TestCancellationSavesCheckpoint(t *testing.T) {
	cfg, ds := smallDataset(t, 8)
	cfg.CheckpointPeriod = 100
	checkpointDir := filepath.Join(t.TempDir(), "checkpoint")
	store, err := checkpoints.Build(checkpointDir).Done()
	require.NoError(t, err)

	// The fake steps don't touch the context: the global step variable is kept in sync by a hook.
	gctx := context.New()
	steps := &fakeSteps{}
	loop := NewLoop(steps, cfg, ds, 0, false)
	runCtx, cancel := stdctx.WithCancel(stdctx.Background())
	defer cancel()
	loop.OnStep("sync_global_step", -100, func(_ *Loop, r *StepResult) error {
		gomlxopt.GetGlobalStepVar(gctx).MustSetValue(tensors.FromScalar(r.GlobalStep))
		if r.GlobalStep == 2 {
			cancel()
		}
		return nil
	})
	AttachCheckpoints(loop, gctx, store)
	err = loop.Run(runCtx)
	require.Error(t, err)
	assert.True(t, IsCancellation(err))
	assert.Equal(t, int64(2), loop.GlobalStep)
	assert.Equal(t, StateDone, loop.State())

	snapshot, err := checkpoints.LoadLatest(checkpointDir)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, int64(2), snapshot.GlobalStep())
}

func TestCheckpointPeriod(t *testing.T) {
	cfg, ds := smallDataset(t, 8)
	cfg.Epochs = 2
	cfg.CheckpointPeriod = 3
	cfg.CheckpointKeep = 10
	checkpointDir := filepath.Join(t.TempDir(), "checkpoint")
	store, err := checkpoints.Build(checkpointDir).Keep(cfg.CheckpointKeep).Done()
	require.NoError(t, err)
	gctx := context.New()
	loop := NewLoop(&fakeSteps{}, cfg, ds, 0, false)
	loop.OnStep("sync_global_step", -100, func(_ *Loop, r *StepResult) error {
		gomlxopt.GetGlobalStepVar(gctx).MustSetValue(tensors.FromScalar(r.GlobalStep))
		return nil
	})
	AttachCheckpoints(loop, gctx, store)
	require.NoError(t, loop.Run(stdctx.Background()))
	// The final checkpoint is saved by an OnEnd hook, and the run still ends in Done.
	assert.Equal(t, StateDone, loop.State())

	// 8 steps: saved at 3 and 6 and at the end.
	names, err := checkpoints.ListCheckpoints(checkpointDir)
	require.NoError(t, err)
	var steps []int64
	for _, name := range names {
		snapshot, err := checkpoints.Load(checkpointDir, name)
		require.NoError(t, err)
		steps = append(steps, snapshot.GlobalStep())
	}
	assert.Equal(t, []int64{3, 6, 8}, steps)
}

func TestResetLearningRates(t *testing.T) {
	dir := t.TempDir()
	saved := context.New()
	for _, scope := range []string{GeneratorOptimizerScope, DiscriminatorOptimizerScope} {
		saved.InAbsPath(context.ScopeSeparator+scope).
			VariableWithValue(optimizers.LearningRateVariableName, float32(0.5)).SetTrainable(false)
	}
	gomlxopt.GetGlobalStepVar(saved).MustSetValue(tensors.FromScalar(int64(3)))
	store, err := checkpoints.Build(dir).Done()
	require.NoError(t, err)
	_, err = store.Save(saved)
	require.NoError(t, err)

	restore := func() *context.Context {
		snapshot, err := checkpoints.LoadLatest(dir)
		require.NoError(t, err)
		require.NotNil(t, snapshot)
		store, err := checkpoints.Build(dir).Done()
		require.NoError(t, err)
		ctx := context.New()
		require.NoError(t, store.Attach(ctx, snapshot))
		return ctx
	}

	// Without reset, the learning rates come from the checkpoint.
	ctx := restore()
	v := ctx.GetVariableByScopeAndName("/"+GeneratorOptimizerScope, optimizers.LearningRateVariableName)
	require.NotNil(t, v)
	assert.Equal(t, float32(0.5), tensors.ToScalar[float32](v.MustValue()))

	ctx = restore()
	require.NoError(t, resetLearningRates(ctx))
	for _, scope := range []string{GeneratorOptimizerScope, DiscriminatorOptimizerScope} {
		assert.Nil(t, ctx.GetVariableByScopeAndName("/"+scope, optimizers.LearningRateVariableName), scope)
	}
}
