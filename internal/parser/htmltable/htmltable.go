// Package htmltable extracts the first <table> of an HTML document into a
// dataset.Table.
//
// Header detection prefers <th> cells (searching <thead> first); when a
// table has no <th> row the first <tr> is promoted to the header. Header
// names are normalized with dataset.Normalize.
package htmltable

import (
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"datalens/internal/dataset"
)

// Parse reads HTML from r and returns the first table, named name.
//
// Errors:
//   - document parse failures
//   - no <table> element present
//   - a table with no derivable header row
func Parse(r io.Reader, name string) (dataset.Table, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return dataset.Table{}, fmt.Errorf("htmltable: parse document: %w", err)
	}

	sel := doc.Find("table").First()
	if sel.Length() == 0 {
		return dataset.Table{}, fmt.Errorf("htmltable: no table element found")
	}

	columns, headerRow := headerColumns(sel)
	if len(columns) == 0 {
		return dataset.Table{}, fmt.Errorf("htmltable: table has no header row")
	}

	t := dataset.Table{Name: name, Columns: columns}

	sel.Find("tr").Each(func(i int, tr *goquery.Selection) {
		if i == headerRow {
			return
		}
		cells := tr.Find("td")
		if cells.Length() == 0 {
			return
		}
		row := make(dataset.Record, len(columns))
		for j, c := range columns {
			if j >= cells.Length() {
				row[c] = nil
				continue
			}
			v := strings.TrimSpace(cells.Eq(j).Text())
			if v == "" {
				row[c] = nil
			} else {
				row[c] = v
			}
		}
		t.Rows = append(t.Rows, row)
	})

	return t, nil
}

// headerColumns returns the normalized header names and the index of the
// <tr> that supplied them (-1 when the header came from <thead> th cells
// outside the data row sequence).
func headerColumns(table *goquery.Selection) ([]string, int) {
	ths := table.Find("th")
	if ths.Length() > 0 {
		cols := cellNames(ths)
		// th cells live in some tr; find its index so data extraction
		// can skip it.
		headerRow := -1
		table.Find("tr").EachWithBreak(func(i int, tr *goquery.Selection) bool {
			if tr.Find("th").Length() > 0 {
				headerRow = i
				return false
			}
			return true
		})
		return cols, headerRow
	}

	first := table.Find("tr").First()
	if first.Length() == 0 {
		return nil, -1
	}
	return cellNames(first.Find("td")), 0
}

func cellNames(cells *goquery.Selection) []string {
	cols := make([]string, 0, cells.Length())
	used := make(map[string]struct{}, cells.Length())
	cells.Each(func(i int, c *goquery.Selection) {
		n := dataset.Normalize(c.Text())
		if n == "" {
			n = fmt.Sprintf("col_%d", i+1)
		}
		// Suffix colliding headers so row cells do not overwrite each other.
		candidate := n
		for j := 2; ; j++ {
			if _, dup := used[candidate]; !dup {
				break
			}
			candidate = fmt.Sprintf("%s_%d", n, j)
		}
		used[candidate] = struct{}{}
		cols = append(cols, candidate)
	})
	return cols
}
