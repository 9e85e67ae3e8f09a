// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"maps"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTrainedContext returns a context with a few variables, a hyperparameter and the global step set.
func newTrainedContext(step int64) *context.Context {
	ctx := context.New()
	ctx.SetParam("nf", 8)
	ctx.SetParam("lambda_rec", 10.0)
	ctx.SetParam("attributes", "Male,Young")
	ctx.InAbsPath("/generator/down_1").VariableWithValue("weights", [][]float32{{1, 2}, {3, 4}})
	ctx.InAbsPath("/discriminator/output").VariableWithValue("biases", []float32{-1, 0.5})
	ctx.InAbsPath("/adam_generator").VariableWithValue("global_step", int64(step)).SetTrainable(false)
	optimizers.GetGlobalStepVar(ctx).MustSetValue(tensors.FromScalar(step))
	return ctx
}

func readVar(t *testing.T, ctx *context.Context, scope, name string) any {
	v := ctx.GetVariableByScopeAndName(scope, name)
	require.NotNilf(t, v, "variable %s/%s not found", scope, name)
	return v.MustValue().Value()
}

func TestRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ckpt")
	store, err := Build(dir).Keep(2).Done()
	require.NoError(t, err)

	ctx := newTrainedContext(7)
	baseName, err := store.Save(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(baseName, "-step-00000007"), baseName)

	pointer, err := os.ReadFile(filepath.Join(dir, PointerFileName))
	require.NoError(t, err)
	assert.Equal(t, baseName, strings.TrimSpace(string(pointer)))

	snapshot, err := LoadLatest(dir)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, baseName, snapshot.BaseName)
	assert.Equal(t, int64(7), snapshot.GlobalStep())
	assert.Equal(t, store.RunID(), snapshot.RunID())
	nf, found := snapshot.Param("nf")
	require.True(t, found)
	assert.Equal(t, 8, nf)

	// Restore into a fresh context.
	restored := context.New()
	snapshot.ApplyParams(restored, "attributes")
	assert.Equal(t, 8, context.GetParamOr(restored, "nf", 0))
	assert.Equal(t, 10.0, context.GetParamOr(restored, "lambda_rec", 0.0))
	assert.Equal(t, "", context.GetParamOr(restored, "attributes", ""))

	newStore, err := Build(dir).Done()
	require.NoError(t, err)
	require.NoError(t, newStore.Attach(restored, snapshot))
	assert.Equal(t, int64(7), optimizers.GetGlobalStep(restored))
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, readVar(t, restored, "/generator/down_1", "weights"))
	assert.Equal(t, []float32{-1, 0.5}, readVar(t, restored, "/discriminator/output", "biases"))
	assert.Equal(t, int64(7), readVar(t, restored, "/adam_generator", "global_step"))
	assert.Empty(t, newStore.PendingVariables())
}

func TestPendingVariablesAreSavedAgain(t *testing.T) {
	dir := t.TempDir()
	store, err := Build(dir).Done()
	require.NoError(t, err)
	_, err = store.Save(newTrainedContext(3))
	require.NoError(t, err)

	snapshot, err := LoadLatest(dir)
	require.NoError(t, err)
	restored := context.New()
	newStore, err := Build(dir).Done()
	require.NoError(t, err)
	require.NoError(t, newStore.Attach(restored, snapshot))
	// Only the generator weights are used.
	_ = readVar(t, restored, "/generator/down_1", "weights")
	assert.Contains(t, newStore.PendingVariables(), "var:/discriminator/output/biases")

	_, err = newStore.Save(restored)
	require.NoError(t, err)
	again, err := LoadLatest(dir)
	require.NoError(t, err)
	value, found := again.Value("var:/discriminator/output/biases")
	require.True(t, found)
	assert.Equal(t, []float32{-1, 0.5}, value.Value())
}

func TestKeep(t *testing.T) {
	dir := t.TempDir()
	store, err := Build(dir).Keep(2).Done()
	require.NoError(t, err)
	var last string
	for step := int64(1); step <= 4; step++ {
		last, err = store.Save(newTrainedContext(step))
		require.NoError(t, err)
	}
	list, err := ListCheckpoints(dir)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, last, list[1])

	// A new store continues the numbering.
	store, err = Build(dir).Keep(2).Done()
	require.NoError(t, err)
	baseName, err := store.Save(newTrainedContext(5))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(baseName, "checkpoint-n0000004-"), baseName)
}

func TestAbsentOrEmpty(t *testing.T) {
	snapshot, err := LoadLatest(filepath.Join(t.TempDir(), "does_not_exist"))
	require.NoError(t, err)
	assert.Nil(t, snapshot)

	snapshot, err = LoadLatest(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, snapshot)
}

func TestTemporaryFilesIgnored(t *testing.T) {
	dir := t.TempDir()
	store, err := Build(dir).Done()
	require.NoError(t, err)
	baseName, err := store.Save(newTrainedContext(2))
	require.NoError(t, err)

	// Leftovers of an interrupted save.
	leftover := filepath.Join(dir, tmpPrefix+"1234-checkpoint-n0000009-20260101-000000-step-00000009")
	require.NoError(t, os.WriteFile(leftover+BinDataSuffix, []byte("partial"), 0o600))
	require.NoError(t, os.WriteFile(leftover+JsonNameSuffix, []byte("{"), 0o600))

	list, err := ListCheckpoints(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{baseName}, list)
	snapshot, err := LoadLatest(dir)
	require.NoError(t, err)
	assert.Equal(t, baseName, snapshot.BaseName)
}

func TestPointerToMissingCheckpoint(t *testing.T) {
	dir := t.TempDir()
	store, err := Build(dir).Done()
	require.NoError(t, err)
	_, err = store.Save(newTrainedContext(2))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, PointerFileName), []byte("checkpoint-n0000042-missing\n"), 0o600))
	_, err = LoadLatest(dir)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestTruncatedCheckpoint(t *testing.T) {
	dir := t.TempDir()
	store, err := Build(dir).Done()
	require.NoError(t, err)
	baseName, err := store.Save(newTrainedContext(2))
	require.NoError(t, err)

	binPath := filepath.Join(dir, baseName+BinDataSuffix)
	contents, err := os.ReadFile(binPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(binPath, contents[:len(contents)-10], 0o600))
	_, err = LoadLatest(dir)
	require.ErrorIs(t, err, ErrCorrupt)

	// Corrupt metadata.
	require.NoError(t, os.WriteFile(binPath, contents, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, baseName+JsonNameSuffix), []byte("{not json"), 0o600))
	_, err = LoadLatest(dir)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestDecodeFailureFinalizesValues(t *testing.T) {
	dir := t.TempDir()
	store, err := Build(dir).Done()
	require.NoError(t, err)
	baseName, err := store.Save(newTrainedContext(2))
	require.NoError(t, err)
	good, err := Load(dir, baseName)
	require.NoError(t, err)
	defer good.Finalize()

	binPath := filepath.Join(dir, baseName+BinDataSuffix)
	f, err := os.Open(binPath)
	require.NoError(t, err)
	data, err := readVarData(f)
	_ = f.Close()
	require.NoError(t, err)

	// The last variable doesn't fit: the ones before it were already decoded.
	s := &Snapshot{BaseName: baseName, serialized: good.serialized, values: make(map[string]*tensors.Tensor)}
	err = s.decodeValues(binPath, data[:len(data)-1])
	require.ErrorIs(t, err, ErrCorrupt)
	decoded := maps.Clone(s.values)
	require.NotEmpty(t, decoded)
	require.Less(t, len(decoded), len(good.serialized.Variables))

	s.Finalize()
	assert.Empty(t, s.values)
	for name, value := range decoded {
		assert.False(t, value.Ok(), "value of %q not finalized", name)
	}
}

func TestAttachShapeMismatch(t *testing.T) {
	dir := t.TempDir()
	store, err := Build(dir).Done()
	require.NoError(t, err)
	_, err = store.Save(newTrainedContext(2))
	require.NoError(t, err)
	snapshot, err := LoadLatest(dir)
	require.NoError(t, err)

	restored := context.New()
	restored.InAbsPath("/discriminator/output").VariableWithValue("biases", []float32{0, 0, 0})
	newStore, err := Build(dir).Done()
	require.NoError(t, err)
	require.ErrorIs(t, newStore.Attach(restored, snapshot), ErrCorrupt)
}

func TestBuildValidation(t *testing.T) {
	_, err := Build("").Done()
	require.Error(t, err)
	_, err = Build(t.TempDir()).Keep(0).Done()
	require.Error(t, err)
	_, err = Build(t.TempDir()).Retries(0).Done()
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	_, err = Build(file).Done()
	require.Error(t, err)
}
