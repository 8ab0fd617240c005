package dataset

import "fmt"

// MoveColumnFirst returns a copy of t with the named column moved to index 0.
// The relative order of the remaining columns is preserved.
func MoveColumnFirst(t *Table, name string) (*Table, error) {
	idx, err := t.ColumnIndex(name)
	if err != nil {
		return nil, err
	}
	return MoveColumnIndexFirst(t, idx)
}

// MoveColumnIndexFirst is MoveColumnFirst by position, for headerless data.
func MoveColumnIndexFirst(t *Table, idx int) (*Table, error) {
	width := t.Width()
	if idx < 0 || idx >= width {
		return nil, fmt.Errorf("column index %d out of range [0,%d)", idx, width)
	}
	out := &Table{Rows: make([][]string, len(t.Rows))}
	if t.Header != nil {
		out.Header = moveFirst(t.Header, idx)
	}
	for i, row := range t.Rows {
		if len(row) != width {
			return nil, fmt.Errorf("row %d has %d columns, want %d", i, len(row), width)
		}
		out.Rows[i] = moveFirst(row, idx)
	}
	return out, nil
}

func moveFirst(row []string, idx int) []string {
	out := make([]string, 0, len(row))
	out = append(out, row[idx])
	out = append(out, row[:idx]...)
	return append(out, row[idx+1:]...)
}

// DropColumns 删除指定列
func DropColumns(t *Table, names ...string) (*Table, error) {
	drop := make(map[int]bool, len(names))
	for _, n := range names {
		idx, err := t.ColumnIndex(n)
		if err != nil {
			return nil, err
		}
		drop[idx] = true
	}
	keep := func(row []string) []string {
		out := make([]string, 0, len(row))
		for i, v := range row {
			if !drop[i] {
				out = append(out, v)
			}
		}
		return out
	}
	out := &Table{Header: keep(t.Header), Rows: make([][]string, len(t.Rows))}
	for i, row := range t.Rows {
		out.Rows[i] = keep(row)
	}
	return out, nil
}
