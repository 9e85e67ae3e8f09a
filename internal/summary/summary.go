// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package summary records the per-step training scalars to an append-only log, and reads them back.
//
// The log is a JSON-lines file (FileName) in the log directory: one Point per line. It is opened in
// append mode, so a resumed training run continues the same log.
package summary

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FileName of the summary log in the log directory.
const FileName = "summary.jsonl"

// Point is one recorded scalar.
type Point struct {
	// Step is the global step the value was measured at.
	Step int64

	// MetricName, e.g. "d_loss".
	MetricName string

	// Short name, used in tables and plot legends.
	Short string

	// MetricType groups metrics plotted together, e.g. "discriminator" or "generator".
	MetricType string

	// Value measured.
	Value float64

	// RunID of the training run that recorded the point.
	RunID string `json:",omitempty"`
}

// Metric describes a recorded scalar.
type Metric struct {
	Name, Short, Type string
}

// Metric types.
const (
	DiscriminatorType = "discriminator"
	GeneratorType     = "generator"
)

// The scalars recorded at every training step.
var (
	DiscriminatorRealAdversarial    = Metric{"d_real_adv_loss", "D/real_adv", DiscriminatorType}
	DiscriminatorFakeAdversarial    = Metric{"d_fake_adv_loss", "D/fake_adv", DiscriminatorType}
	DiscriminatorRealClassification = Metric{"d_real_cls_loss", "D/real_cls", DiscriminatorType}
	DiscriminatorLoss               = Metric{"d_loss", "D/loss", DiscriminatorType}
	GeneratorFakeAdversarial        = Metric{"g_fake_adv_loss", "G/fake_adv", GeneratorType}
	GeneratorFakeClassification     = Metric{"g_fake_cls_loss", "G/fake_cls", GeneratorType}
	GeneratorReconstruction         = Metric{"g_recon_loss", "G/recon", GeneratorType}
	GeneratorLoss                   = Metric{"g_loss", "G/loss", GeneratorType}

	// StepMetrics lists every metric recorded per step, in recording order.
	StepMetrics = []Metric{
		DiscriminatorRealAdversarial, DiscriminatorFakeAdversarial, DiscriminatorRealClassification, DiscriminatorLoss,
		GeneratorFakeAdversarial, GeneratorFakeClassification, GeneratorReconstruction, GeneratorLoss,
	}
)

// Writer appends points to the summary log from a background goroutine, so the training loop never
// waits on the file system.
//
// Add must not be called after Close.
type Writer struct {
	filePath string
	runID    string
	points   chan Point
	done     chan error
}

// NewWriter opens (creating if needed) the summary log in logDir for append.
// Every point written is stamped with runID.
func NewWriter(logDir, runID string) (*Writer, error) {
	logDir = fsutil.MustReplaceTildeInDir(logDir)
	if err := os.MkdirAll(logDir, 0o770); err != nil {
		return nil, errors.Wrapf(err, "failed to create log directory %q", logDir)
	}
	filePath := filepath.Join(logDir, FileName)
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o664)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open summary file %q for append", filePath)
	}
	w := &Writer{
		filePath: filePath,
		runID:    runID,
		points:   make(chan Point, 100),
		done:     make(chan error, 1),
	}
	go w.run(f)
	return w, nil
}

// FilePath of the summary log.
func (w *Writer) FilePath() string { return w.filePath }

func (w *Writer) run(f *os.File) {
	var err error
	enc := json.NewEncoder(f)
	for point := range w.points {
		if err != nil {
			// Keep draining, so Add never blocks.
			continue
		}
		if err = enc.Encode(point); err != nil {
			err = errors.Wrapf(err, "failed to write point %+v to %q", point, w.filePath)
			klog.Errorf("summary: %v", err)
		}
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = errors.Wrapf(closeErr, "failed to close %q", w.filePath)
	}
	w.done <- err
}

// Add records the value of metric at the given step.
func (w *Writer) Add(step int64, metric Metric, value float64) {
	w.points <- Point{
		Step:       step,
		MetricName: metric.Name,
		Short:      metric.Short,
		MetricType: metric.Type,
		Value:      value,
		RunID:      w.runID,
	}
}

// Close flushes the pending points and closes the file. It returns the first error while writing, if any.
func (w *Writer) Close() error {
	close(w.points)
	return <-w.done
}

// LoadPoints parses all the points in the given summary file.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read summary file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding summary file %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// LoadPointsFromLogDir loads the points of the summary log in logDir.
func LoadPointsFromLogDir(logDir string) ([]Point, error) {
	return LoadPoints(filepath.Join(fsutil.MustReplaceTildeInDir(logDir), FileName))
}

// Points is a collection of Point organized by their Step.
type Points map[int64][]Point

// NewPoints creates Points from individual points.
func NewPoints(rawPoints []Point) Points {
	points := make(Points)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Steps returns the steps with points, in increasing order.
func (points Points) Steps() []int64 {
	return slices.Sorted(maps.Keys(points))
}

// Filter only keeps the points for which fn returns true.
func (points Points) Filter(fn func(p Point) bool) {
	for _, step := range points.Steps() {
		kept := slices.DeleteFunc(points[step], func(p Point) bool { return !fn(p) })
		if len(kept) == 0 {
			delete(points, step)
		} else {
			points[step] = kept
		}
	}
}

// Series returns the (step, value) pairs of the given metric, in step order.
// If a step has more than one point for the metric (e.g. a step re-run after a resume), the last one is used.
func (points Points) Series(metricName string) (steps []int64, values []float64) {
	for _, step := range points.Steps() {
		found := false
		var value float64
		for _, p := range points[step] {
			if p.MetricName == metricName {
				found, value = true, p.Value
			}
		}
		if found {
			steps = append(steps, step)
			values = append(values, value)
		}
	}
	return
}

// MetricsNames returns the names of the metrics in the collection, sorted by their type and then by their name.
func (points Points) MetricsNames() []string {
	names := sets.Make[string]()
	nameToType := make(map[string]string)
	for _, stepPoints := range points {
		for _, p := range stepPoints {
			names.Insert(p.MetricName)
			nameToType[p.MetricName] = p.MetricType
		}
	}
	sorted := slices.Sorted(maps.Keys(names))
	sort.SliceStable(sorted, func(i, j int) bool {
		return nameToType[sorted[i]] < nameToType[sorted[j]]
	})
	return sorted
}

// MetricsByType returns the metric names grouped by their type.
func (points Points) MetricsByType() map[string][]string {
	byType := make(map[string][]string)
	seen := sets.Make[string]()
	for _, step := range points.Steps() {
		for _, p := range points[step] {
			if !seen.Has(p.MetricName) {
				seen.Insert(p.MetricName)
				byType[p.MetricType] = append(byType[p.MetricType], p.MetricName)
			}
		}
	}
	return byType
}

// TableForMetrics returns a table with the Step in the first column followed by the given metrics.
// If metrics is empty, all metrics are included.
func (points Points) TableForMetrics(metrics ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	if len(metrics) == 0 {
		metrics = points.MetricsNames()
	}
	table.Headers(append([]string{"Step"}, metrics...)...)
	for _, step := range points.Steps() {
		row := make([]string, 1+len(metrics))
		row[0] = fmt.Sprintf("%d", step)
		for _, pt := range points[step] {
			if idx := slices.Index(metrics, pt.MetricName); idx != -1 {
				row[idx+1] = fmt.Sprintf("%.4f", pt.Value)
			}
		}
		table.Row(row...)
	}
	return table.String()
}

func (points Points) String() string {
	return points.TableForMetrics()
}
