// Package csvtable reads a CSV document into a dataset.Table.
//
// The first record is the header; header names are normalized with
// dataset.Normalize so the rest of the pipeline sees one naming scheme.
// Malformed rows are skipped (reported through onErr), never fatal: one
// bad line must not sink an otherwise usable upload.
package csvtable

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"datalens/internal/dataset"
)

// Parse reads CSV from r and returns a table named name.
//
// Edge cases:
//   - A UTF-8 BOM on the first header cell is stripped.
//   - Header cells that normalize to "" get a positional name (col_N).
//   - Headers colliding after normalization get a numeric suffix (name_2).
//   - Rows shorter than the header leave trailing columns null; rows
//     longer than the header have the extras dropped.
//   - Empty cells become nil so null handling is uniform downstream.
//
// Errors:
//   - Only header-read failures are returned; row-level failures go to
//     onErr (which may be nil) and the row is skipped.
func Parse(r io.Reader, name string, onErr func(line int, err error)) (dataset.Table, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1

	line := 0
	readRec := func() ([]string, error) {
		line++
		return cr.Read()
	}

	hdr, err := readRec()
	if err != nil {
		return dataset.Table{}, fmt.Errorf("csvtable: read header: %w", err)
	}

	columns := make([]string, len(hdr))
	used := make(map[string]struct{}, len(hdr))
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		n := dataset.Normalize(h)
		if n == "" {
			n = fmt.Sprintf("col_%d", i+1)
		}
		// Headers that normalize to the same name get a numeric suffix so
		// later cells do not overwrite earlier ones.
		candidate := n
		for j := 2; ; j++ {
			if _, dup := used[candidate]; !dup {
				break
			}
			candidate = fmt.Sprintf("%s_%d", n, j)
		}
		used[candidate] = struct{}{}
		columns[i] = candidate
	}

	t := dataset.Table{Name: name, Columns: columns}

	for {
		rec, err := readRec()
		if err == io.EOF {
			return t, nil
		}
		if err != nil {
			if onErr != nil {
				onErr(line, fmt.Errorf("csv read: %w", err))
			}
			continue
		}

		row := make(dataset.Record, len(columns))
		for i, c := range columns {
			if i >= len(rec) {
				row[c] = nil
				continue
			}
			v := strings.TrimSpace(rec[i])
			if v == "" {
				row[c] = nil
			} else {
				row[c] = v
			}
		}
		t.Rows = append(t.Rows, row)
	}
}
