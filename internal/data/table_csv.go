package data

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"posetl/internal/biz"
)

const (
	colDate   = "date"
	colBranch = "branch"
)

// writeTableCSV encodes a table with the header date,branch,<columns...>.
func writeTableCSV(w io.Writer, t *biz.Table) error {
	cw := csv.NewWriter(w)
	header := append([]string{colDate, colBranch}, t.Columns...)
	if err := cw.Write(header); err != nil {
		return err
	}
	record := make([]string, len(header))
	for _, row := range t.Rows {
		record[0] = biz.FormatDate(row.Date)
		record[1] = row.Branch
		for i, c := range t.Columns {
			record[i+2] = row.Values[c]
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// readTableCSV decodes a table written by writeTableCSV.
func readTableCSV(r io.Reader) (*biz.Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return biz.NewTable(), nil
		}
		return nil, err
	}
	if len(header) < 2 || header[0] != colDate || header[1] != colBranch {
		return nil, fmt.Errorf("unexpected csv header %v, want date,branch,...", header)
	}
	t := biz.NewTable(header[2:]...)
	for line := 2; ; line++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) != len(header) {
			return nil, fmt.Errorf("line %d: expected %d fields, got %d", line, len(header), len(record))
		}
		d, err := biz.ParseDate(record[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		row := &biz.Row{Date: d, Branch: record[1], Values: make(map[string]string, len(t.Columns))}
		for i, c := range t.Columns {
			row.Values[c] = record[i+2]
		}
		t.Append(row)
	}
	return t, nil
}

func readTableFile(path string) (*biz.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readTableCSV(f)
}

func writeTableFile(path string, t *biz.Table) error {
	return writeFileAtomic(path, func(w io.Writer) error {
		return writeTableCSV(w, t)
	})
}
