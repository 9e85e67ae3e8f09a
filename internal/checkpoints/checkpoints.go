// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints saves and restores the complete training state: the variables of both networks,
// the optimizers' moments and step counters, the global step and the hyperparameters.
//
// A checkpoint is a pair of files, "<base name>.json" with the metadata and hyperparameters and
// "<base name>.bin" with the gzip compressed variable values. Files are first written under temporary
// names and renamed in place once complete. Only then the pointer file (PointerFileName) is updated
// to name the new checkpoint, so an interrupted save never replaces the latest valid checkpoint.
//
// Restoring happens in two phases: LoadLatest reads and validates the whole checkpoint into a Snapshot,
// and Store.Attach makes it the loader of a context, from which variables are taken as the graphs are
// built.
//
// Example:
//
//	snapshot, err := checkpoints.LoadLatest(dir)
//	...
//	store, err := checkpoints.Build(dir).Keep(3).Retries(3).Done()
//	...
//	if snapshot != nil {
//		store.Attach(ctx, snapshot)
//	}
//	...
//	baseName, err := store.Save(ctx)
package checkpoints

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DirPermMode is the directory creation permission (before umask) used.
var DirPermMode = os.FileMode(0770)

// Config of a Store, created with Build. Call Done to create the Store.
type Config struct {
	dir          string
	keep         int
	retries      int
	retryBackoff time.Duration
	runID        string
}

// Build a configuration for a Store saving to dir. The directory is created if it doesn't exist.
func Build(dir string) *Config {
	return &Config{
		dir:          dir,
		keep:         3,
		retries:      3,
		retryBackoff: time.Second,
	}
}

// Keep configures the number of checkpoints to keep. Older checkpoints are removed after each save.
// The default is 3.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// Retries configures the number of attempts to save a checkpoint before giving up. The default is 3.
func (c *Config) Retries(n int) *Config {
	c.retries = n
	return c
}

// RetryBackoff configures the wait after the first failed attempt. It grows linearly with each attempt.
// The default is 1 second.
func (c *Config) RetryBackoff(backoff time.Duration) *Config {
	c.retryBackoff = backoff
	return c
}

// RunID stamps saved checkpoints with the given run id. If empty, Done generates one.
func (c *Config) RunID(id string) *Config {
	c.runID = id
	return c
}

// Done validates the configuration and creates the Store.
func (c *Config) Done() (*Store, error) {
	if c.dir == "" {
		return nil, errors.New("checkpoint directory not configured")
	}
	if c.keep < 1 {
		return nil, errors.Errorf("checkpoints.Keep(%d) must be >= 1", c.keep)
	}
	if c.retries < 1 {
		return nil, errors.Errorf("checkpoints.Retries(%d) must be >= 1", c.retries)
	}
	c.dir = fsutil.MustReplaceTildeInDir(c.dir)
	fi, err := os.Stat(c.dir)
	switch {
	case err == nil && !fi.IsDir():
		return nil, errors.Errorf("checkpoint directory %q exists but it's a normal file, not a directory", c.dir)
	case err != nil && !os.IsNotExist(err):
		return nil, errors.Wrapf(err, "failed to os.Stat(%q)", c.dir)
	case err != nil:
		if err = os.MkdirAll(c.dir, DirPermMode); err != nil {
			return nil, errors.Wrapf(err, "trying to create dir %q", c.dir)
		}
	}
	if c.runID == "" {
		c.runID = uuid.NewString()
	}
	list, err := ListCheckpoints(c.dir)
	if err != nil {
		return nil, err
	}
	return &Store{
		config:           c,
		checkpointsCount: maxCheckpointCount(list) + 1,
	}, nil
}

// Store saves checkpoints of a context.Context, and serves the variables of a restored Snapshot as the
// context's Loader.
type Store struct {
	config *Config

	ctx               *context.Context
	prevContextLoader context.Loader
	snapshot          *Snapshot

	checkpointsCount int
}

// String implements fmt.Stringer.
func (s *Store) String() string {
	return fmt.Sprintf("checkpoints.Store(%q)", s.config.dir)
}

// Dir where checkpoints are saved.
func (s *Store) Dir() string { return s.config.dir }

// RunID stamped in the checkpoints saved by this store.
func (s *Store) RunID() string { return s.config.runID }

// Attach makes the store the loader of ctx, serving the values of snapshot: variables are taken from the
// snapshot when they are first used in a graph. Variables that already exist in ctx (e.g. the global step,
// if it was read) are overwritten immediately.
//
// A store can only be attached once.
func (s *Store) Attach(ctx *context.Context, snapshot *Snapshot) error {
	if s.ctx != nil {
		return errors.Errorf("%s already attached to a context", s)
	}
	s.ctx = ctx
	s.snapshot = snapshot
	s.prevContextLoader = ctx.Loader()
	ctx.SetLoader(s)
	for v := range ctx.IterVariables() {
		value, found := snapshot.values[v.ParameterName()]
		if !found {
			continue
		}
		if !value.Shape().Equal(v.Shape()) {
			return errors.Wrapf(ErrCorrupt, "checkpoint %q: variable %q saved with shape %s, but the model uses %s",
				snapshot.BaseName, v.ParameterName(), value.Shape(), v.Shape())
		}
		v.MustSetValue(value)
		delete(snapshot.values, v.ParameterName())
	}
	return nil
}

// LoadVariable implements context.Loader. Values are handed over to the context: each is served once.
func (s *Store) LoadVariable(ctx *context.Context, scope, name string) (value *tensors.Tensor, found bool) {
	if s.prevContextLoader != nil {
		value, found = s.prevContextLoader.LoadVariable(ctx, scope, name)
		if found {
			return
		}
	}
	if s.snapshot == nil {
		return nil, false
	}
	paramName := context.VariableParameterNameFromScopeAndName(scope, name)
	value, found = s.snapshot.values[paramName]
	if found {
		delete(s.snapshot.values, paramName)
	}
	return
}

// DeleteVariable implements context.Loader.
func (s *Store) DeleteVariable(ctx *context.Context, scope, name string) error {
	if s.prevContextLoader != nil {
		if err := s.prevContextLoader.DeleteVariable(ctx, scope, name); err != nil {
			return err
		}
	}
	if s.snapshot != nil {
		delete(s.snapshot.values, context.VariableParameterNameFromScopeAndName(scope, name))
	}
	return nil
}

// PendingVariables returns the parameter names of restored values not yet taken by the context.
func (s *Store) PendingVariables() []string {
	if s.snapshot == nil {
		return nil
	}
	var names []string
	for _, info := range s.snapshot.serialized.Variables {
		if _, found := s.snapshot.values[info.ParameterName]; found {
			names = append(names, info.ParameterName)
		}
	}
	return names
}

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// maxCheckpointCount returns the largest checkpoint count among the base names, or -1.
func maxCheckpointCount(baseNames []string) int {
	maxID := -1
	for _, name := range baseNames {
		matches := checkpointCountRegex.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		if id, err := strconv.Atoi(matches[1]); err == nil && id > maxID {
			maxID = id
		}
	}
	return maxID
}

// newBaseName returns the base name for the next checkpoint files.
func (s *Store) newBaseName(globalStep int64) string {
	now := time.Now().Format("20060102-150405")
	baseName := fmt.Sprintf("%sn%07d-%s", baseNamePrefix, s.checkpointsCount, now)
	if globalStep > 0 {
		return fmt.Sprintf("%s-step-%08d", baseName, globalStep)
	}
	return fmt.Sprintf("%s-initial", baseName)
}

// Save writes a new checkpoint with all the variables of ctx, the values restored but not yet used,
// and the hyperparameters. It retries failed attempts up to the configured number of retries.
//
// It returns the base name of the new checkpoint.
func (s *Store) Save(ctx *context.Context) (baseName string, err error) {
	for attempt := 1; attempt <= s.config.retries; attempt++ {
		baseName, err = s.saveOnce(ctx)
		if err == nil {
			break
		}
		klog.Warningf("%s: attempt %d/%d to save checkpoint failed: %+v", s, attempt, s.config.retries, err)
		if attempt < s.config.retries {
			time.Sleep(s.config.retryBackoff * time.Duration(attempt))
		}
	}
	if err != nil {
		return "", errors.WithMessagef(err, "%s: failed to save checkpoint after %d attempts", s, s.config.retries)
	}
	if err = s.keepNCheckpoints(baseName); err != nil {
		// The new checkpoint is valid, failing to clean up old ones is not fatal.
		klog.Warningf("%s: %+v", s, err)
	}
	return baseName, nil
}

func (s *Store) saveOnce(ctx *context.Context) (string, error) {
	serialized := &serializedData{
		RunID:      s.config.runID,
		GlobalStep: optimizers.GetGlobalStep(ctx),
		BinFormat:  gzipHeader,
	}
	ctx.EnumerateParams(func(scope, key string, value any) {
		serialized.Params = append(serialized.Params,
			Param{Scope: scope, Key: key, Value: value, ValueType: fmt.Sprintf("%T", value)})
	})

	baseName := s.newBaseName(serialized.GlobalStep)
	s.checkpointsCount++
	tmpBase := filepath.Join(s.config.dir, fmt.Sprintf("%s%s-%s", tmpPrefix, uuid.NewString(), baseName))
	tmpBin, tmpJson := tmpBase+BinDataSuffix, tmpBase+JsonNameSuffix
	cleanUp := func() {
		_ = os.Remove(tmpBin)
		_ = os.Remove(tmpJson)
	}

	if err := s.writeVarData(ctx, tmpBin, serialized); err != nil {
		cleanUp()
		return "", err
	}
	jsonBytes, err := json.MarshalIndent(serialized, "", "\t")
	if err != nil {
		cleanUp()
		return "", errors.Wrapf(err, "%s: failed to encode checkpoint metadata", s)
	}
	if err = writeFileSync(tmpJson, jsonBytes); err != nil {
		cleanUp()
		return "", err
	}

	// Data file first: a metadata file is only ever visible next to its complete data file.
	binPath := filepath.Join(s.config.dir, baseName+BinDataSuffix)
	jsonPath := filepath.Join(s.config.dir, baseName+JsonNameSuffix)
	if err = os.Rename(tmpBin, binPath); err != nil {
		cleanUp()
		return "", errors.Wrapf(err, "%s: failed to rename %q to %q", s, tmpBin, binPath)
	}
	if err = os.Rename(tmpJson, jsonPath); err != nil {
		cleanUp()
		_ = os.Remove(binPath)
		return "", errors.Wrapf(err, "%s: failed to rename %q to %q", s, tmpJson, jsonPath)
	}
	if err = s.updatePointer(baseName); err != nil {
		return "", err
	}
	if klog.V(1).Enabled() {
		klog.Infof("%s: saved checkpoint %q (global step %d, %d variables)",
			s, baseName, serialized.GlobalStep, len(serialized.Variables))
	}
	return baseName, nil
}

// writeVarData writes the variables values to path, and records their layout in serialized.
func (s *Store) writeVarData(ctx *context.Context, path string, serialized *serializedData) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create checkpoint data file %s", s, path)
	}
	defer func() { _ = f.Close() }()
	header := append([]byte(binHeader), lenGzipHeader)
	header = append(header, gzipHeader...)
	if _, err = f.Write(header); err != nil {
		return errors.Wrapf(err, "%s: failed to write header of %s", s, path)
	}
	zw := gzip.NewWriter(f)

	pos := 0
	saveVar := func(name string, tensor *tensors.Tensor) error {
		var writeErr error
		var n, memoryLen int
		err := tensor.ConstBytes(func(rawData []byte) {
			memoryLen = len(rawData)
			n, writeErr = zw.Write(rawData)
		})
		if err != nil {
			return errors.WithMessagef(err, "%s: failed to access tensor data for variable %s", s, name)
		}
		if writeErr != nil {
			return errors.Wrapf(writeErr, "%s: failed to write variable %s", s, name)
		}
		if n != memoryLen {
			return errors.Errorf("%s: failed to write variable %s: %d bytes requested, %d bytes written",
				s, name, memoryLen, n)
		}
		shape := tensor.Shape()
		serialized.Variables = append(serialized.Variables, VariableInfo{
			ParameterName: name,
			Dimensions:    shape.Dimensions,
			DType:         shape.DType,
			Pos:           pos,
			Length:        memoryLen,
		})
		pos += memoryLen
		return nil
	}
	for v := range ctx.IterVariables() {
		value, err := v.Value()
		if err != nil {
			return errors.WithMessagef(err, "%s: variable %s", s, v.ParameterName())
		}
		if err = saveVar(v.ParameterName(), value); err != nil {
			return err
		}
	}
	for _, name := range s.PendingVariables() {
		if err = saveVar(name, s.snapshot.values[name]); err != nil {
			return err
		}
	}
	if err = zw.Close(); err != nil {
		return errors.Wrapf(err, "%s: failed to flush checkpoint data file %s", s, path)
	}
	if err = f.Sync(); err != nil {
		return errors.Wrapf(err, "%s: failed to sync checkpoint data file %s", s, path)
	}
	return f.Close()
}

// updatePointer atomically replaces the pointer file with one naming baseName.
func (s *Store) updatePointer(baseName string) error {
	pointerPath := filepath.Join(s.config.dir, PointerFileName)
	tmpPath := filepath.Join(s.config.dir, tmpPrefix+uuid.NewString()+"-"+PointerFileName)
	if err := writeFileSync(tmpPath, []byte(baseName+"\n")); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, pointerPath); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "%s: failed to update pointer file %q", s, pointerPath)
	}
	return nil
}

// keepNCheckpoints removes the oldest checkpoints in excess of the configured number.
// The checkpoint named by the pointer file is never removed.
func (s *Store) keepNCheckpoints(current string) error {
	list, err := ListCheckpoints(s.config.dir)
	if err != nil {
		return err
	}
	if len(list) <= s.config.keep {
		return nil
	}
	for _, baseName := range list[:len(list)-s.config.keep] {
		if baseName == current {
			continue
		}
		for _, suffix := range []string{JsonNameSuffix, BinDataSuffix} {
			fileName := filepath.Join(s.config.dir, baseName+suffix)
			if err = os.Remove(fileName); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "failed to remove excess checkpoint file %q", fileName)
			}
		}
	}
	return nil
}

func writeFileSync(path string, contents []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	if _, err = f.Write(contents); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %q", path)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to sync %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", path)
}
