// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

// Cell styles of the reports. Rows alternate between plain and faint, highlighted rows are red.
var (
	cellStyle        = lipgloss.NewStyle().Padding(0, 1)
	headerCellStyle  = cellStyle.Bold(true).Reverse(true).Align(lipgloss.Center)
	faintCellStyle   = cellStyle.Faint(true)
	highlightedStyle = cellStyle.Bold(true).Foreground(lipgloss.Color("9"))
	tableBorderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
)

// reportTable is a table of one of the inspector reports.
//
// Columns are aligned by the positions given to newReportTable: columns beyond those take the last one.
type reportTable struct {
	*lgtable.Table
	columns     []lipgloss.Position
	highlighted []bool
}

func newReportTable(columns ...lipgloss.Position) *reportTable {
	t := &reportTable{columns: columns}
	t.Table = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(tableBorderStyle).
		StyleFunc(t.cellStyle)
	return t
}

// Add appends a row, in red if highlight is set.
func (t *reportTable) Add(highlight bool, cells ...string) {
	t.highlighted = append(t.highlighted, highlight)
	t.Table.Row(cells...)
}

func (t *reportTable) cellStyle(row, col int) lipgloss.Style {
	if row == lgtable.HeaderRow {
		return headerCellStyle
	}
	style := cellStyle
	switch {
	case row < len(t.highlighted) && t.highlighted[row]:
		style = highlightedStyle
	case row%2 == 1:
		style = faintCellStyle
	}
	align := lipgloss.Left
	if n := len(t.columns); n > 0 {
		align = t.columns[min(col, n-1)]
	}
	return style.Align(align)
}

// differ returns whether the values of a row are not all the same.
func differ(values []string) bool {
	for _, v := range values {
		if v != values[0] {
			return true
		}
	}
	return false
}
