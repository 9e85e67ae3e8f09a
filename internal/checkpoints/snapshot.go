// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrCorrupt is returned (wrapped) when a checkpoint exists but can't be read back consistently.
var ErrCorrupt = errors.New("corrupt checkpoint")

// Snapshot is a checkpoint fully read into memory.
//
// It is only returned once all its variables were read and validated, so it is either applied
// entirely or not at all.
type Snapshot struct {
	// BaseName of the checkpoint files, without the directory and the suffixes.
	BaseName string

	serialized *serializedData
	values     map[string]*tensors.Tensor
}

// serializedData is the checkpoint metadata, stored as JSON.
type serializedData struct {
	// RunID identifies the training run that wrote the checkpoint.
	RunID string

	GlobalStep int64

	Params []Param

	// Variables in the order they are stored in the binary file.
	Variables []VariableInfo

	// BinFormat describes the format used by the binary file. It is informative.
	BinFormat string
}

// VariableInfo describes a variable stored in the binary file.
type VariableInfo struct {
	// ParameterName is the context.Variable unique id.
	ParameterName string

	Dimensions []int
	DType      dtypes.DType

	// Pos, Length in bytes in the (uncompressed) data stream.
	Pos, Length int
}

// Shape of the variable.
func (vi VariableInfo) Shape() shapes.Shape {
	return shapes.Make(vi.DType, vi.Dimensions...)
}

// Param is a serialized context hyperparameter.
// It includes the original ValueType, because the JSON decoder can't recover the type of an `any` value.
type Param struct {
	Scope, Key string
	Value      any
	ValueType  string
}

// jsonDecodeTypeConvert converts the Value decoded by JSON back to its original ValueType.
// JSON decodes every number as float64.
func (p *Param) jsonDecodeTypeConvert() {
	switch value := p.Value.(type) {
	case float64:
		switch p.ValueType {
		case "int":
			p.Value = int(value)
		case "int32":
			p.Value = int32(value)
		case "int64":
			p.Value = int64(value)
		case "float32":
			p.Value = float32(value)
		}
	case []any:
		switch p.ValueType {
		case "[]int":
			p.Value = xslices.Map(value, func(fAny any) int {
				f, _ := fAny.(float64)
				return int(f)
			})
		case "[]float64":
			p.Value = xslices.Map(value, func(fAny any) float64 {
				f, _ := fAny.(float64)
				return f
			})
		case "[]string":
			p.Value = xslices.Map(value, func(sAny any) string {
				s, _ := sAny.(string)
				return s
			})
		}
	}
}

// GlobalStep at which the checkpoint was saved.
func (s *Snapshot) GlobalStep() int64 { return s.serialized.GlobalStep }

// RunID of the training run that saved the checkpoint.
func (s *Snapshot) RunID() string { return s.serialized.RunID }

// Params returns the hyperparameters saved with the checkpoint.
func (s *Snapshot) Params() []Param { return s.serialized.Params }

// Param returns the value of the hyperparameter saved under the root scope with the given key.
func (s *Snapshot) Param(key string) (any, bool) {
	for _, p := range s.serialized.Params {
		if p.Key == key && p.Scope == context.RootScope {
			return p.Value, true
		}
	}
	return nil, false
}

// Variables returns the description of the stored variables, in storage order.
func (s *Snapshot) Variables() []VariableInfo { return s.serialized.Variables }

// Value returns the stored value of the variable with the given parameter name
// (see context.Variable.ParameterName).
func (s *Snapshot) Value(parameterName string) (*tensors.Tensor, bool) {
	t, found := s.values[parameterName]
	return t, found
}

// ApplyParams sets the saved hyperparameters into ctx, except those listed in exclude.
//
// Exclusions without a scope apply to every scope, scoped ones (see context.JoinScope) only to theirs.
func (s *Snapshot) ApplyParams(ctx *context.Context, exclude ...string) {
	excluded := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		excluded[name] = true
	}
	for _, p := range s.serialized.Params {
		if excluded[p.Key] || excluded[context.JoinScope(p.Scope, p.Key)] {
			continue
		}
		ctx.InAbsPath(p.Scope).SetParam(p.Key, p.Value)
	}
}

// Format header of the binary file:
//
// ----------------------------------------------
// | 0                 16 | 17  | 18    17 +len |
// ----------------------------------------------
// |  "gomlx_checkpoints" | len |  "gzip"       |
const (
	binHeader     = "gomlx_checkpoints"
	gzipHeader    = "gzip"
	lenGzipHeader = uint8(len(gzipHeader))
)

// PointerFileName is the name of the file, in the checkpoint directory, holding the base name of the
// latest complete checkpoint.
const PointerFileName = "checkpoint"

const (
	baseNamePrefix = "checkpoint-"

	// JsonNameSuffix is the suffix of the metadata files.
	JsonNameSuffix = ".json"

	// BinDataSuffix is the suffix of the data files (holding the tensor values).
	BinDataSuffix = ".bin"

	// tmpPrefix marks files being written. They are never read as checkpoints.
	tmpPrefix = ".tmp-"
)

// ListCheckpoints returns the base names of the complete checkpoints in dir, older first.
// A checkpoint is complete if both its metadata and its data files exist.
func ListCheckpoints(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing checkpoints in %q", dir)
	}
	names := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names[entry.Name()] = true
		}
	}
	var baseNames []string
	for fileName := range names {
		if !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, JsonNameSuffix) {
			continue
		}
		baseName := strings.TrimSuffix(fileName, JsonNameSuffix)
		if names[baseName+BinDataSuffix] {
			baseNames = append(baseNames, baseName)
		}
	}
	sort.Strings(baseNames)
	return baseNames, nil
}

// LatestBaseName returns the base name of the latest checkpoint in dir.
//
// The pointer file is authoritative: if it names a checkpoint whose files are missing, that is an error.
// Without a pointer file, the most recent complete checkpoint is used. It returns "" if dir doesn't exist
// or has no checkpoints.
func LatestBaseName(dir string) (string, error) {
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrapf(err, "checking checkpoint directory %q", dir)
	}
	pointerPath := filepath.Join(dir, PointerFileName)
	contents, err := os.ReadFile(pointerPath)
	if err == nil {
		baseName := strings.TrimSpace(string(contents))
		if baseName == "" || strings.ContainsRune(baseName, filepath.Separator) {
			return "", errors.Wrapf(ErrCorrupt, "invalid pointer file %q contents %q", pointerPath, baseName)
		}
		for _, suffix := range []string{JsonNameSuffix, BinDataSuffix} {
			if _, err := os.Stat(filepath.Join(dir, baseName+suffix)); err != nil {
				return "", errors.Wrapf(ErrCorrupt, "pointer file %q names %q, but %s: %v",
					pointerPath, baseName, baseName+suffix, err)
			}
		}
		return baseName, nil
	}
	if !os.IsNotExist(err) {
		return "", errors.Wrapf(err, "reading pointer file %q", pointerPath)
	}
	list, err := ListCheckpoints(dir)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "", nil
	}
	klog.Warningf("checkpoint pointer file %q missing, using most recent checkpoint %q", pointerPath, xslices.Last(list))
	return xslices.Last(list), nil
}

// LoadLatest reads the latest checkpoint in dir. It returns (nil, nil) if there is none.
func LoadLatest(dir string) (*Snapshot, error) {
	baseName, err := LatestBaseName(dir)
	if err != nil || baseName == "" {
		return nil, err
	}
	return Load(dir, baseName)
}

// Load reads the checkpoint with the given base name from dir, and validates it.
func Load(dir, baseName string) (*Snapshot, error) {
	if klog.V(1).Enabled() {
		klog.Infof("loading checkpoint %q from %q", baseName, dir)
	}
	jsonPath := filepath.Join(dir, baseName+JsonNameSuffix)
	jsonBytes, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read checkpoint metadata file %s", jsonPath)
	}
	var serialized *serializedData
	if err = json.Unmarshal(jsonBytes, &serialized); err != nil || serialized == nil {
		return nil, errors.Wrapf(ErrCorrupt, "failed to decode checkpoint metadata file %s: %v", jsonPath, err)
	}
	for ii := range serialized.Params {
		serialized.Params[ii].jsonDecodeTypeConvert()
	}

	binPath := filepath.Join(dir, baseName+BinDataSuffix)
	f, err := os.Open(binPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint data file %s", binPath)
	}
	defer func() { _ = f.Close() }()
	data, err := readVarData(f)
	if err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "checkpoint data file %s: %v", binPath, err)
	}

	s := &Snapshot{
		BaseName:   baseName,
		serialized: serialized,
		values:     make(map[string]*tensors.Tensor, len(serialized.Variables)),
	}
	if err = s.decodeValues(binPath, data); err != nil {
		s.Finalize()
		return nil, err
	}
	return s, nil
}

// decodeValues creates the tensors of the variables described in the metadata from the data file contents.
func (s *Snapshot) decodeValues(binPath string, data []byte) error {
	var pos int
	for _, varInfo := range s.serialized.Variables {
		if varInfo.Pos != pos {
			return errors.Wrapf(ErrCorrupt, "%s: variable %q stored at position %d, expected %d",
				binPath, varInfo.ParameterName, varInfo.Pos, pos)
		}
		tensor := tensors.FromShape(varInfo.Shape())
		var fits bool
		err := tensor.MutableBytes(func(raw []byte) {
			fits = len(raw) == varInfo.Length && pos+len(raw) <= len(data)
			if fits {
				copy(raw, data[pos:pos+len(raw)])
			}
		})
		if err != nil || !fits {
			tensor.MustFinalizeAll()
		}
		if err != nil {
			return errors.WithMessagef(err, "failed to access tensor data for variable %q", varInfo.ParameterName)
		}
		if !fits {
			return errors.Wrapf(ErrCorrupt, "%s: variable %q (%s) with length %d doesn't fit the %d bytes of data at position %d",
				binPath, varInfo.ParameterName, varInfo.Shape(), varInfo.Length, len(data), pos)
		}
		pos += varInfo.Length
		s.values[varInfo.ParameterName] = tensor
	}
	if pos != len(data) {
		return errors.Wrapf(ErrCorrupt, "%s: %d bytes of variable data, but metadata describes %d", binPath, len(data), pos)
	}
	return nil
}

// Finalize frees the values not yet handed over to a context. The snapshot has no variable values afterwards.
func (s *Snapshot) Finalize() {
	for name, value := range s.values {
		value.MustFinalizeAll()
		delete(s.values, name)
	}
}

// readVarData returns the decompressed contents of a data file. Reading the gzip stream to its end
// verifies its checksum, so truncated files are detected.
func readVarData(r io.Reader) ([]byte, error) {
	header := make([]byte, len(binHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if string(header) != binHeader {
		return nil, errors.Errorf("invalid header %q", header)
	}
	var compressionLen uint8
	if err := binary.Read(r, binary.BigEndian, &compressionLen); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	compression := make([]byte, compressionLen)
	if _, err := io.ReadFull(r, compression); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if string(compression) != gzipHeader {
		return nil, errors.Errorf("unsupported compression %q", compression)
	}
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "read gzip header")
	}
	defer func() { _ = zr.Close() }()
	var buf bytes.Buffer
	if _, err = buf.ReadFrom(zr); err != nil {
		return nil, errors.Wrap(err, "read gzip data")
	}
	return buf.Bytes(), nil
}
