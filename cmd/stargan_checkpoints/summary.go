// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/stargan/internal/checkpoints"
)

// scopeSize accumulates the size of the variables under a scope.
type scopeSize struct {
	NumVariables  int
	NumParameters int
	Bytes         uintptr
}

// inScope returns whether a variable's scope is under filter. An empty filter (or the root scope) matches all.
func inScope(scope, filter string) bool {
	if filter == "" || filter == context.RootScope {
		return true
	}
	filter = strings.TrimSuffix(filter, context.ScopeSeparator)
	return scope == filter || strings.HasPrefix(scope, filter+context.ScopeSeparator)
}

// topScope returns the first level of scope: "/generator/conv_000" -> "/generator".
func topScope(scope string) string {
	parts := strings.SplitN(strings.TrimPrefix(scope, context.ScopeSeparator), context.ScopeSeparator, 2)
	if parts[0] == "" {
		return context.RootScope
	}
	return context.ScopeSeparator + parts[0]
}

// sizesByTopScope groups the variables of the snapshot (under filter) by their top scope.
// The "" key holds the totals.
func sizesByTopScope(snapshot *checkpoints.Snapshot, filter string) map[string]*scopeSize {
	sizes := map[string]*scopeSize{"": {}}
	for _, info := range snapshot.Variables() {
		scope, _ := context.VariableScopeAndNameFromParameterName(info.ParameterName)
		if !inScope(scope, filter) {
			continue
		}
		top := topScope(scope)
		if sizes[top] == nil {
			sizes[top] = &scopeSize{}
		}
		shape := info.Shape()
		for _, s := range []*scopeSize{sizes[top], sizes[""]} {
			s.NumVariables++
			s.NumParameters += shape.Size()
			s.Bytes += shape.Memory()
		}
	}
	return sizes
}

// Summary prints the global step and the sizes of the networks and optimizers of each run.
func Summary(runs []*run) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newReportTable(lipgloss.Right, lipgloss.Left)
	addRow := func(title string, valueFn func(r *run) string) {
		row := make([]string, 0, len(runs)+1)
		row = append(row, title)
		for _, r := range runs {
			row = append(row, valueFn(r))
		}
		table.Add(false, row...)
	}
	if len(runs) > 1 {
		addRow("run", func(r *run) string { return r.Name })
	}
	addRow("checkpoint", func(r *run) string { return r.Snapshot.BaseName })
	addRow("run id", func(r *run) string { return r.Snapshot.RunID() })
	if *flagScope != "" {
		addRow("scope", func(*run) string { return *flagScope })
	}
	addRow("global_step", func(r *run) string { return humanize.Comma(r.Snapshot.GlobalStep()) })

	allSizes := make([]map[string]*scopeSize, len(runs))
	topScopes := make(map[string]bool)
	for ii, r := range runs {
		allSizes[ii] = sizesByTopScope(r.Snapshot, *flagScope)
		for top := range allSizes[ii] {
			topScopes[top] = true
		}
	}
	runIdx := make(map[*run]int, len(runs))
	for ii, r := range runs {
		runIdx[r] = ii
	}
	for _, top := range slices.Sorted(maps.Keys(topScopes)) {
		prefix := top + " "
		if top == "" {
			prefix = "total "
		}
		sizeOf := func(r *run) *scopeSize {
			if s := allSizes[runIdx[r]][top]; s != nil {
				return s
			}
			return &scopeSize{}
		}
		addRow(prefix+"# variables", func(r *run) string { return humanize.Comma(int64(sizeOf(r).NumVariables)) })
		addRow(prefix+"# parameters", func(r *run) string { return humanize.Comma(int64(sizeOf(r).NumParameters)) })
		addRow(prefix+"# bytes", func(r *run) string { return humanize.Bytes(uint64(sizeOf(r).Bytes)) })
	}
	fmt.Println(table.Render())
}
