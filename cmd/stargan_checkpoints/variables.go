// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"flag"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/stargan/internal/checkpoints"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagVars       = flag.Bool("vars", false, "Lists the variables under -scope, with statistics of their values.")
	flagDeleteVars = flag.String("delete_vars", "", "Comma-separated scopes whose variables are deleted, saving "+
		"a new checkpoint. E.g. \"/adam_generator,/adam_discriminator\" resets the optimizers' state.")
)

// ListVariables lists the variables of each run under -scope, with their shape and the MAV (mean absolute value),
// RMS (root-mean-square) and MaxAV (max absolute value) of their values.
func ListVariables(runs []*run) {
	backend := must.M1(backends.New())
	defer backend.Finalize()
	statsExec := graph.MustNewExec(backend, func(x *graph.Node) (mav, rms, maxAV *graph.Node) {
		x = graph.ConvertDType(x, dtypes.Float64)
		mav = graph.ReduceAllMean(graph.Abs(x))
		rms = graph.Sqrt(graph.ReduceAllMean(graph.Square(x)))
		maxAV = graph.ReduceAllMax(graph.Abs(x))
		return
	})
	defer statsExec.Finalize()

	for _, r := range runs {
		title := fmt.Sprintf("Variables of %q", r.Name)
		if *flagScope != "" {
			title = fmt.Sprintf("%s in scope %q", title, *flagScope)
		}
		fmt.Println(titleStyle.Render(title))
		table := newReportTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
		table.Headers("Scope", "Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
		for _, row := range variablesRows(r.Snapshot, *flagScope, func(t *tensors.Tensor) (mav, rms, maxAV float64) {
			tMAV, tRMS, tMaxAV := must.M3(statsExec.Exec3(t))
			return tensors.ToScalar[float64](tMAV), tensors.ToScalar[float64](tRMS), tensors.ToScalar[float64](tMaxAV)
		}) {
			table.Add(false, row...)
		}
		fmt.Println(table.Render())
	}
}

// variablesRows returns one row per variable of the snapshot under filter, sorted by scope and name.
// statsFn is only called for float variables with more than one element. If it is nil, no statistics are listed.
func variablesRows(snapshot *checkpoints.Snapshot, filter string,
	statsFn func(t *tensors.Tensor) (mav, rms, maxAV float64)) [][]string {
	var rows [][]string
	for _, info := range snapshot.Variables() {
		scope, name := context.VariableScopeAndNameFromParameterName(info.ParameterName)
		if !inScope(scope, filter) {
			continue
		}
		shape := info.Shape()
		var mav, rms, maxAV string
		value, found := snapshot.Value(info.ParameterName)
		switch {
		case !found:
		case shape.Size() == 1:
			mav = fmt.Sprintf("%v", value.Value())
		case shape.DType.IsFloat() && statsFn != nil:
			fMAV, fRMS, fMaxAV := statsFn(value)
			mav, rms, maxAV = fmt.Sprintf("%.3g", fMAV), fmt.Sprintf("%.3g", fRMS), fmt.Sprintf("%.3g", fMaxAV)
		}
		rows = append(rows, []string{
			scope, name, shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
			mav, rms, maxAV,
		})
	}
	slices.SortFunc(rows, func(a, b []string) int {
		return cmp.Or(strings.Compare(a[0], b[0]), strings.Compare(a[1], b[1]))
	})
	return rows
}

// DeleteVars removes the variables under the given scopes from the latest checkpoint in dir, and saves the
// result as a new checkpoint, with the same run id, global step and hyperparameters.
//
// It returns the number of variables deleted and the base name of the new checkpoint. If there was nothing to
// delete, no checkpoint is saved.
func DeleteVars(dir string, scopes ...string) (numDeleted int, baseName string, err error) {
	dir = fsutil.MustReplaceTildeInDir(dir)
	snapshot, err := checkpoints.LoadLatest(dir)
	if err != nil {
		return 0, "", err
	}
	if snapshot == nil {
		return 0, "", errors.Errorf("no checkpoints found in %q", dir)
	}
	var toDelete [][2]string
	for _, info := range snapshot.Variables() {
		scope, name := context.VariableScopeAndNameFromParameterName(info.ParameterName)
		for _, filter := range scopes {
			if filter != "" && inScope(scope, filter) {
				toDelete = append(toDelete, [2]string{scope, name})
				break
			}
		}
	}
	if len(toDelete) == 0 {
		return 0, "", nil
	}

	list, err := checkpoints.ListCheckpoints(dir)
	if err != nil {
		return 0, "", err
	}
	// Keep all existing checkpoints, including the one read.
	store, err := checkpoints.Build(dir).Keep(len(list) + 1).Retries(1).RunID(snapshot.RunID()).Done()
	if err != nil {
		return 0, "", err
	}
	ctx := context.New()
	snapshot.ApplyParams(ctx)
	if err = store.Attach(ctx, snapshot); err != nil {
		return 0, "", err
	}
	for _, scopeAndName := range toDelete {
		if err = store.DeleteVariable(ctx, scopeAndName[0], scopeAndName[1]); err != nil {
			return 0, "", err
		}
	}
	baseName, err = store.Save(ctx)
	if err != nil {
		return 0, "", err
	}
	return len(toDelete), baseName, nil
}
