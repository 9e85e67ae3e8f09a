// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	mg "github.com/erkkah/margaid"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/stargan/internal/summary"
	"github.com/janpfeifer/gonb/gonbui/plotly"
	"github.com/pkg/errors"

	grob "github.com/MetalBlueberry/go-plotly/generated/v2.34.0/graph_objects"
	ptypes "github.com/MetalBlueberry/go-plotly/pkg/types"
)

var (
	flagPlot = flag.Bool("plot", false, "Plots the losses of the summary logs to an HTML file (using Plotly), "+
		"one plot per metric type. Select the metrics with -metrics_names and -metrics_types.")
	flagSVG = flag.String("svg", "", "Plots the losses of the summary logs to SVG files, one per metric type, "+
		"named after the given file name, e.g. -svg=losses.svg writes losses-generator.svg and "+
		"losses-discriminator.svg.")

	// PlotWidth and PlotHeight of the SVG plots.
	PlotWidth, PlotHeight = 1024, 400
)

// plotLine is a single line of a plot: one metric of one run.
type plotLine struct {
	Label, MetricType string
	Steps, Values     []float64
}

// buildPlotLines returns one line per run and metric, sorted by metric type and label.
// Lines are labeled by the metric short name, prefixed by the run name if there is more than one run.
func buildPlotLines(runNames []string, allPoints []summary.Points) []*plotLine {
	var lines []*plotLine
	for runIdx, points := range allPoints {
		shortNames := make(map[string]string)
		for _, stepPoints := range points {
			for _, p := range stepPoints {
				shortNames[p.MetricName] = p.Short
			}
		}
		for metricType, metricNames := range points.MetricsByType() {
			for _, metricName := range metricNames {
				steps, values := points.Series(metricName)
				label := shortNames[metricName]
				if len(runNames) > 1 {
					label = fmt.Sprintf("%s: %s", runNames[runIdx], label)
				}
				lines = append(lines, &plotLine{
					Label:      label,
					MetricType: metricType,
					Steps:      xslices.Map(steps, func(s int64) float64 { return float64(s) }),
					Values:     values,
				})
			}
		}
	}
	slices.SortFunc(lines, func(a, b *plotLine) int {
		if c := strings.Compare(a.MetricType, b.MetricType); c != 0 {
			return c
		}
		return strings.Compare(a.Label, b.Label)
	})
	return lines
}

// linesByType groups the lines by metric type, preserving their order.
func linesByType(lines []*plotLine) (metricTypes []string, byType map[string][]*plotLine) {
	byType = make(map[string][]*plotLine)
	for _, line := range lines {
		if _, found := byType[line.MetricType]; !found {
			metricTypes = append(metricTypes, line.MetricType)
		}
		byType[line.MetricType] = append(byType[line.MetricType], line)
	}
	return
}

// BuildPlots writes a Plotly figure per metric type to a temporary HTML file, and returns its name.
func BuildPlots(lines []*plotLine) (string, error) {
	metricTypes, byType := linesByType(lines)
	serializedPlots := make([][]byte, 0, len(metricTypes))
	for _, metricType := range metricTypes {
		fig := &grob.Fig{
			Layout: &grob.Layout{
				Title: &grob.LayoutTitle{
					Text: ptypes.S(fmt.Sprintf("%s losses", metricType)),
				},
				Xaxis: &grob.LayoutXaxis{
					Showgrid: ptypes.B(true),
				},
				Yaxis: &grob.LayoutYaxis{
					Showgrid: ptypes.B(true),
				},
			},
		}
		for _, line := range byType[metricType] {
			fig.Data = append(fig.Data, &grob.Scatter{
				Name: ptypes.S(line.Label),
				Line: &grob.ScatterLine{
					Shape: grob.ScatterLineShapeLinear,
				},
				Mode: "lines",
				X:    ptypes.DataArray(line.Steps),
				Y:    ptypes.DataArray(line.Values),
			})
		}
		figAsJSON, err := json.Marshal(fig)
		if err != nil {
			return "", errors.Wrapf(err, "failed to marshal plotly figure for metric type %q", metricType)
		}
		serializedPlots = append(serializedPlots, figAsJSON)
	}

	tmpFile, err := os.CreateTemp("", "stargan-plots-*.html")
	if err != nil {
		return "", errors.Wrap(err, "failed to create temporary file for plots")
	}
	_ = tmpFile.Close()
	if err = PlotlyToHTMLFile(tmpFile.Name(), serializedPlots...); err != nil {
		return "", err
	}
	return tmpFile.Name(), nil
}

var (
	singleFileHTML = `<!DOCTYPE html>
	<head>
		<meta charset="utf-8">
		<script src="{{ .CDN }}"></script>
	</head>
	<body style="background-color: black;">
{{- range $i, $f := .Figures }}
		<div id="plot{{ $i }}"></div>
		{{ if not (eq $i (lastIdx $.Figures)) }}
		<hr style="border-color: gray;">
		{{ end }}
{{- end }}
	<script>
{{- range $i, $f := .Figures }}
		data = JSON.parse(atob('{{ $f }}'))
		Plotly.newPlot('plot{{ $i }}', data);
{{- end }}
	</script>
	</body>
</html>`
	singleFileHTMLTmpl = template.Must(template.New("plotly").Funcs(template.FuncMap{
		"lastIdx": func(a []string) int { return len(a) - 1 },
	}).Parse(singleFileHTML))
)

// WritePlotlyAsHTML renders the Plotly figures (given as JSON) to an HTML page.
func WritePlotlyAsHTML(w io.Writer, figuresAsJSON ...[]byte) error {
	data := &struct {
		CDN     string
		Figures []string
	}{
		CDN:     plotly.PlotlySrc,
		Figures: xslices.Map(figuresAsJSON, func(fig []byte) string { return base64.StdEncoding.EncodeToString(fig) }),
	}
	if err := singleFileHTMLTmpl.Execute(w, data); err != nil {
		return errors.Wrap(err, "failed to render plotly")
	}
	return nil
}

// PlotlyToHTMLFile renders the Plotly figures (given as JSON) to an HTML file.
func PlotlyToHTMLFile(fileName string, figuresAsJSON ...[]byte) error {
	f, err := os.Create(fileName)
	if err != nil {
		return errors.Wrapf(err, "failed to create file %q", fileName)
	}
	defer func() { _ = f.Close() }()
	return WritePlotlyAsHTML(f, figuresAsJSON...)
}

// svgFileName returns the name of the SVG file of metricType: "losses.svg" -> "losses-generator.svg".
func svgFileName(fileName, metricType string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		ext = ".svg"
	}
	return fmt.Sprintf("%s-%s%s", strings.TrimSuffix(fileName, filepath.Ext(fileName)), metricType, ext)
}

// RenderSVG draws the lines (all of the same metric type) with Margaid.
func RenderSVG(w io.Writer, metricType string, lines []*plotLine) error {
	if len(lines) == 0 {
		return errors.Errorf("no lines to plot for metric type %q", metricType)
	}
	allPoints := mg.NewSeries()
	series := make([]*mg.Series, 0, len(lines))
	for _, line := range lines {
		s := mg.NewSeries(mg.Titled(line.Label))
		for ii, step := range line.Steps {
			value := mg.MakeValue(step, line.Values[ii])
			s.Add(value)
			allPoints.Add(value)
		}
		series = append(series, s)
	}
	diagram := mg.New(PlotWidth, PlotHeight,
		mg.WithAutorange(mg.XAxis, series...),
		mg.WithAutorange(mg.YAxis, series...),
		mg.WithInset(70),
		mg.WithPadding(2),
		mg.WithColorScheme(90),
		mg.WithBackgroundColor("#f8f8f8"),
	)
	for _, s := range series {
		diagram.Line(s, mg.UsingAxes(mg.XAxis, mg.YAxis), mg.UsingStrokeWidth(2))
	}
	diagram.Axis(allPoints, mg.XAxis, diagram.ValueTicker('f', 0, 10), false, "Global step")
	diagram.Axis(allPoints, mg.YAxis, diagram.ValueTicker('f', 3, 10), true, "Loss")
	diagram.Frame()
	diagram.Title(fmt.Sprintf("%s losses", metricType))
	diagram.Legend(mg.BottomLeft)
	buf := bytes.NewBuffer(nil)
	if err := diagram.Render(buf); err != nil {
		return errors.Wrapf(err, "failed to render plot for %q", metricType)
	}
	_, err := w.Write(buf.Bytes())
	return errors.Wrapf(err, "failed to write plot for %q", metricType)
}

// SaveSVG writes one SVG file per metric type, named after fileName (see svgFileName).
func SaveSVG(fileName string, lines []*plotLine) error {
	metricTypes, byType := linesByType(lines)
	for _, metricType := range metricTypes {
		name := svgFileName(fileName, metricType)
		f, err := os.Create(name)
		if err != nil {
			return errors.Wrapf(err, "failed to create file %q", name)
		}
		err = RenderSVG(f, metricType, byType[metricType])
		closeErr := f.Close()
		if err != nil {
			return err
		}
		if closeErr != nil {
			return errors.Wrapf(closeErr, "failed to close %q", name)
		}
	}
	return nil
}
