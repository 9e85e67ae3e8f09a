// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/stargan/internal/checkpoints"
)

type scopeKey struct{ Scope, Key string }

// paramsRows returns one row per hyperparameter found in any of the runs: scope, key, type and the value
// in each run (empty if a run doesn't have it). Rows are sorted by scope and key.
func paramsRows(runs []*run) [][]string {
	perRun := make([]map[scopeKey]checkpoints.Param, len(runs))
	allKeys := make(map[scopeKey]bool)
	for ii, r := range runs {
		perRun[ii] = make(map[scopeKey]checkpoints.Param)
		for _, p := range r.Snapshot.Params() {
			key := scopeKey{p.Scope, p.Key}
			perRun[ii][key] = p
			allKeys[key] = true
		}
	}
	keys := slices.SortedFunc(maps.Keys(allKeys), func(a, b scopeKey) int {
		return cmp.Or(cmp.Compare(a.Scope, b.Scope), cmp.Compare(a.Key, b.Key))
	})

	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		row := make([]string, 3+len(runs))
		row[0], row[1] = key.Scope, key.Key
		for ii := range runs {
			p, found := perRun[ii][key]
			if !found {
				continue
			}
			if row[2] == "" {
				row[2] = p.ValueType
			}
			row[3+ii] = fmt.Sprintf("%v", p.Value)
		}
		rows = append(rows, row)
	}
	return rows
}

// Params prints the hyperparameters of the runs. Those that differ across runs are highlighted.
func Params(runs []*run) {
	fmt.Println(titleStyle.Render("Hyperparameters"))
	table := newReportTable()
	headers := []string{"Scope", "Name", "Type"}
	if len(runs) == 1 {
		headers = append(headers, "Value")
	} else {
		for _, r := range runs {
			headers = append(headers, r.Name)
		}
	}
	table.Headers(headers...)
	for _, row := range paramsRows(runs) {
		table.Add(differ(row[3:]), row...)
	}
	fmt.Println(table.Render())
}
