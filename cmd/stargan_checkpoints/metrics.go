// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/stargan/internal/summary"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagMetrics       = flag.Bool("metrics", false, "Lists the losses recorded in the training summary log, per global step.")
	flagMetricsLabels = flag.Bool("metrics_labels", false, "Lists the metrics short names with their full names and types.")
	flagMetricsNames  = flag.String("metrics_names", "", "Regular expression that if matches the name or short name, "+
		"the metric is included in the -metrics, -plot and -svg reports.")
	flagMetricsTypes = flag.String("metrics_types", "", "Comma-separated list of metric types (\"discriminator\", "+
		"\"generator\") to include in the -metrics, -plot and -svg reports.")
)

// metricsFilter selects points by metric name (a regular expression matching the name or the short name)
// or by metric type. A filter with no criteria selects everything.
type metricsFilter struct {
	names *regexp.Regexp
	types sets.Set[string]
}

func newMetricsFilter(namesRegex, typesList string) (*metricsFilter, error) {
	f := &metricsFilter{}
	if namesRegex != "" {
		var err error
		f.names, err = regexp.Compile(namesRegex)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid metrics names regular expression %q", namesRegex)
		}
	}
	if typesList != "" {
		f.types = sets.Make[string]()
		for _, t := range strings.Split(typesList, ",") {
			f.types.Insert(strings.TrimSpace(t))
		}
	}
	return f, nil
}

// Match returns whether the point is selected.
func (f *metricsFilter) Match(p summary.Point) bool {
	if f.names == nil && f.types == nil {
		return true
	}
	if f.names != nil && (f.names.MatchString(p.MetricName) || f.names.MatchString(p.Short)) {
		return true
	}
	return f.types != nil && f.types.Has(p.MetricType)
}

// metrics loads the summary log of each run and prints or plots the requested reports.
func metrics(runs []*run) {
	filter, err := newMetricsFilter(*flagMetricsNames, *flagMetricsTypes)
	if err != nil {
		klog.Fatalf("%v", err)
	}

	allPoints := make([]summary.Points, len(runs))
	shortToPoint := make(map[string]summary.Point)
	foundSomething := false
	for ii, r := range runs {
		logDir := r.logDir()
		rawPoints, err := summary.LoadPointsFromLogDir(logDir)
		if err != nil {
			klog.Errorf("run %q: %v", r.Name, err)
			continue
		}
		for _, p := range rawPoints {
			shortToPoint[p.Short] = p
		}
		allPoints[ii] = summary.NewPoints(rawPoints)
		allPoints[ii].Filter(filter.Match)
		if len(allPoints[ii]) > 0 {
			foundSomething = true
		}
	}
	if !foundSomething {
		klog.Errorf("No metrics selected in the summary logs of %d run(s)", len(runs))
		return
	}

	if *flagMetricsLabels {
		ReportMetricsLabels(shortToPoint)
	}
	if *flagMetrics {
		for ii, r := range runs {
			if len(allPoints[ii]) == 0 {
				continue
			}
			fmt.Println(titleStyle.Render(fmt.Sprintf("Metrics of %q", r.Name)))
			fmt.Println(allPoints[ii].TableForMetrics())
		}
	}

	names := make([]string, len(runs))
	for ii, r := range runs {
		names[ii] = r.Name
	}
	lines := buildPlotLines(names, allPoints)
	if *flagPlot {
		fileName, err := BuildPlots(lines)
		if err != nil {
			klog.Fatalf("Failed to build plots: %+v", err)
		}
		fmt.Printf("\nPlots written to:\t%s\n\n", fileName)
	}
	if *flagSVG != "" {
		if err := SaveSVG(*flagSVG, lines); err != nil {
			klog.Fatalf("Failed to build SVG plots: %+v", err)
		}
		fmt.Printf("\nSVG plots written to:\t%s\n\n", svgFileName(*flagSVG, "<metric type>"))
	}
}

// ReportMetricsLabels lists the metrics short names with their full names and types.
func ReportMetricsLabels(shortToPoint map[string]summary.Point) {
	fmt.Println(titleStyle.Render("Metrics Labels"))
	table := newReportTable(lipgloss.Center, lipgloss.Left)
	table.Headers("Short", "Name", "Type")
	for _, short := range slices.Sorted(maps.Keys(shortToPoint)) {
		p := shortToPoint[short]
		table.Add(false, short, p.MetricName, p.MetricType)
	}
	fmt.Println(table.Render())
}
