// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"strings"
)

// runNames returns the names of the runs in the reports, one per checkpoint directory: the path components
// left after removing those that all the directories share at their start and at their end.
// E.g. "runs/a/checkpoint" and "runs/b/checkpoint" are named "a" and "b".
//
// A single directory is named by its last component.
func runNames(dirs []string) []string {
	parts := make([][]string, len(dirs))
	shortest := -1
	for ii, dir := range dirs {
		parts[ii] = strings.Split(filepath.Clean(dir), string(filepath.Separator))
		if shortest < 0 || len(parts[ii]) < shortest {
			shortest = len(parts[ii])
		}
	}
	sharedAt := func(pos func(p []string) string) bool {
		for _, p := range parts[1:] {
			if pos(p) != pos(parts[0]) {
				return false
			}
		}
		return true
	}
	// At least one component of each directory is kept.
	var prefix, suffix int
	for prefix < shortest-1 && sharedAt(func(p []string) string { return p[prefix] }) {
		prefix++
	}
	for suffix < shortest-1-prefix && sharedAt(func(p []string) string { return p[len(p)-1-suffix] }) {
		suffix++
	}

	names := make([]string, len(dirs))
	for ii, p := range parts {
		names[ii] = filepath.Join(p[prefix : len(p)-suffix]...)
		if names[ii] == "" {
			names[ii] = p[len(p)-1]
		}
	}
	return names
}
