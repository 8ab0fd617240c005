// Package dataset holds the local preprocessing applied to tabular training
// data before it is uploaded as input channels.
package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
)

// Table is an in-memory CSV dataset. Header may be nil for headerless data.
type Table struct {
	Header []string
	Rows   [][]string
}

// Len returns the number of data rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// Width returns the column count, taken from the header or the first row.
func (t *Table) Width() int {
	if t.Header != nil {
		return len(t.Header)
	}
	if len(t.Rows) > 0 {
		return len(t.Rows[0])
	}
	return 0
}

// ColumnIndex 按列名查找下标
func (t *Table) ColumnIndex(name string) (int, error) {
	for i, h := range t.Header {
		if h == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("column %q not found", name)
}

func (t *Table) clone() *Table {
	out := &Table{Rows: make([][]string, len(t.Rows))}
	if t.Header != nil {
		out.Header = append([]string(nil), t.Header...)
	}
	for i, r := range t.Rows {
		out.Rows[i] = append([]string(nil), r...)
	}
	return out
}

// ReadCSV reads a whole CSV stream. Rows must all have the same width.
func ReadCSV(r io.Reader, hasHeader bool) (*Table, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	t := &Table{}
	if hasHeader {
		if len(records) == 0 {
			return nil, fmt.Errorf("read csv: missing header")
		}
		t.Header = records[0]
		records = records[1:]
	}
	t.Rows = records
	return t, nil
}

// ReadCSVFile 读取本地 CSV 文件
func ReadCSVFile(path string, hasHeader bool) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f, hasHeader)
}

// WriteCSV writes t to w. Built-in platform algorithms expect headerless CSV,
// so the header is only written when withHeader is set.
func WriteCSV(w io.Writer, t *Table, withHeader bool) error {
	writer := csv.NewWriter(w)
	if withHeader && t.Header != nil {
		if err := writer.Write(t.Header); err != nil {
			return err
		}
	}
	if err := writer.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return writer.Error()
}

// WriteCSVFile 写入本地 CSV 文件
func WriteCSVFile(path string, t *Table, withHeader bool) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteCSV(f, t, withHeader); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
