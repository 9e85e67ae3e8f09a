// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"bufio"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Attributes is the parsed contents of an attributes file.
//
// The file format is: the first line holds the number of entries, the second line the whitespace
// separated attribute names, and each following line a file name followed by one value per attribute.
// Values are either in {-1, 1} or in {0, 1}, and they are normalized to {0, 1}.
type Attributes struct {
	// Names of the attributes, in column order.
	Names []string

	// Files lists the image file names, in file order.
	Files []string

	// Values holds one row per file, with one value in {0, 1} per attribute.
	Values [][]float32
}

// LoadAttributes reads and parses the attributes file at path.
func LoadAttributes(path string) (*Attributes, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open attributes file")
	}
	defer func() { _ = f.Close() }()
	return ParseAttributes(f, path)
}

// ParseAttributes parses an attributes file from r. The source is used in error messages, which also
// carry the line number of the offending line.
func ParseAttributes(r io.Reader, source string) (*Attributes, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	nextLine := func() (string, bool) {
		for scanner.Scan() {
			lineNum++
			line := strings.TrimSpace(scanner.Text())
			if line != "" {
				return line, true
			}
		}
		return "", false
	}
	lineErrorf := func(format string, args ...any) error {
		return errors.Errorf("%s:%d: "+format, append([]any{source, lineNum}, args...)...)
	}

	line, ok := nextLine()
	if !ok {
		return nil, errors.Errorf("%s: empty attributes file", source)
	}
	count, err := strconv.Atoi(line)
	if err != nil || count < 0 {
		return nil, lineErrorf("expected the number of entries, got %q", line)
	}
	line, ok = nextLine()
	if !ok {
		return nil, errors.Errorf("%s: missing attribute names line", source)
	}
	attrs := &Attributes{
		Names:  strings.Fields(line),
		Files:  make([]string, 0, count),
		Values: make([][]float32, 0, count),
	}
	numAttrs := len(attrs.Names)
	signed := false
	for {
		line, ok = nextLine()
		if !ok {
			break
		}
		fields := strings.Fields(line)
		if len(fields) != numAttrs+1 {
			return nil, lineErrorf("expected a file name and %d values, got %d fields", numAttrs, len(fields))
		}
		row := make([]float32, numAttrs)
		for ii, field := range fields[1:] {
			switch field {
			case "1":
				row[ii] = 1
			case "0":
				row[ii] = 0
			case "-1":
				row[ii] = -1
				signed = true
			default:
				return nil, lineErrorf("invalid value %q for attribute %q, expected -1, 0 or 1",
					field, attrs.Names[ii])
			}
		}
		attrs.Files = append(attrs.Files, fields[0])
		attrs.Values = append(attrs.Values, row)
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "%s: failed reading line %d", source, lineNum+1)
	}
	if len(attrs.Files) != count {
		return nil, errors.Errorf("%s: header declares %d entries, found %d", source, count, len(attrs.Files))
	}
	if signed {
		// {-1, 1} encoding: a 0 is not a valid value.
		for row, values := range attrs.Values {
			for col, v := range values {
				if v == 0 {
					return nil, errors.Errorf("%s: entry %q mixes {-1, 1} and {0, 1} values (attribute %q)",
						source, attrs.Files[row], attrs.Names[col])
				}
				if v < 0 {
					values[col] = 0
				}
			}
		}
	}
	return attrs, nil
}

// Select returns a copy with only the given attributes, in the given order.
// If names is empty, the first n attributes are selected.
func (a *Attributes) Select(names []string, n int) (*Attributes, error) {
	if len(names) == 0 {
		if n > len(a.Names) {
			return nil, errors.Errorf("%d attributes requested, but the attributes file only has %d", n, len(a.Names))
		}
		names = a.Names[:n]
	}
	columns := make([]int, len(names))
	for ii, name := range names {
		columns[ii] = slices.Index(a.Names, name)
		if columns[ii] == -1 {
			return nil, errors.Errorf("attribute %q not found in the attributes file, available attributes: %s",
				name, strings.Join(a.Names, ", "))
		}
	}
	selected := &Attributes{
		Names:  slices.Clone(names),
		Files:  slices.Clone(a.Files),
		Values: make([][]float32, len(a.Values)),
	}
	for row, values := range a.Values {
		selected.Values[row] = make([]float32, len(columns))
		for ii, col := range columns {
			selected.Values[row][ii] = values[col]
		}
	}
	return selected, nil
}
