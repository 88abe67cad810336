package parser

import (
	"fmt"
	"time"
)

// Column is one named column of a Table. Values are float64, string, bool or
// nil; JSON tables may also carry []any and map[string]any for nested data
// that was not flattened.
type Column struct {
	Name   string
	Values []any
}

// Table is a time-indexed table of named columns. Every column has exactly
// len(Index) values. Index holds only rows whose timestamp parsed.
type Table struct {
	Index   []time.Time
	Aware   bool // Index carries a UTC offset
	Columns []Column
}

// Len returns the number of rows
func (t *Table) Len() int { return len(t.Index) }

// Column returns the first column with the given name
func (t *Table) Column(name string) (*Column, bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// Names returns the column names in table order
func (t *Table) Names() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Span returns the first and last index timestamps.
func (t *Table) Span() (start, end time.Time, ok bool) {
	if len(t.Index) == 0 {
		return time.Time{}, time.Time{}, false
	}
	return t.Index[0], t.Index[len(t.Index)-1], true
}

// frame is a table before its timestamp index is assembled.
type frame struct {
	names []string
	cols  [][]any
	rows  int
}

func newFrame(names []string, rows int) *frame {
	f := &frame{names: names, cols: make([][]any, len(names)), rows: rows}
	for i := range f.cols {
		f.cols[i] = make([]any, rows)
	}
	return f
}

func (f *frame) indexOf(name string) int {
	for i, n := range f.names {
		if n == name {
			return i
		}
	}
	return -1
}

// equalValues compares the columns of a and b, skipping the positions in skip.
// Missing values compare equal to each other.
func equalValues(a, b *frame, skip map[int]bool) bool {
	if len(a.cols) != len(b.cols) || a.rows != b.rows {
		return false
	}
	for c := range a.cols {
		if skip[c] {
			continue
		}
		for r := 0; r < a.rows; r++ {
			if !equalCell(a.cols[c][r], b.cols[c][r]) {
				return false
			}
		}
	}
	return true
}

func equalCell(x, y any) bool {
	switch xv := x.(type) {
	case nil:
		return y == nil
	case float64:
		yv, ok := y.(float64)
		return ok && xv == yv
	case string:
		yv, ok := y.(string)
		return ok && xv == yv
	case bool:
		yv, ok := y.(bool)
		return ok && xv == yv
	default:
		return fmt.Sprint(x) == fmt.Sprint(y)
	}
}
