package htmltable

import (
	"reflect"
	"strings"
	"testing"
)

// TestParseWithTheadHeaders: the standard report shape with th headers.
func TestParseWithTheadHeaders(t *testing.T) {
	t.Parallel()

	doc := `<html><body><table>
		<thead><tr><th>Product ID</th><th>Price</th></tr></thead>
		<tbody>
			<tr><td>p1</td><td>19.99</td></tr>
			<tr><td>p2</td><td></td></tr>
		</tbody>
	</table></body></html>`

	got, err := Parse(strings.NewReader(doc), "products")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if !reflect.DeepEqual(got.Columns, []string{"product_id", "price"}) {
		t.Fatalf("columns = %v", got.Columns)
	}
	if len(got.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(got.Rows))
	}
	if got.Rows[0]["product_id"] != "p1" || got.Rows[0]["price"] != "19.99" {
		t.Fatalf("row 0 = %+v", got.Rows[0])
	}
	if got.Rows[1]["price"] != nil {
		t.Fatalf("empty cell = %v, want nil", got.Rows[1]["price"])
	}
}

// TestParseFirstRowAsHeader: tables without th promote the first tr.
func TestParseFirstRowAsHeader(t *testing.T) {
	t.Parallel()

	doc := `<table>
		<tr><td>order id</td><td>total</td></tr>
		<tr><td>o1</td><td>10</td></tr>
	</table>`

	got, err := Parse(strings.NewReader(doc), "orders")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !reflect.DeepEqual(got.Columns, []string{"order_id", "total"}) {
		t.Fatalf("columns = %v", got.Columns)
	}
	if len(got.Rows) != 1 || got.Rows[0]["order_id"] != "o1" {
		t.Fatalf("rows = %+v", got.Rows)
	}
}

// TestParseFirstTableOnly: trailing tables are ignored.
func TestParseFirstTableOnly(t *testing.T) {
	t.Parallel()

	doc := `<table><tr><th>a</th></tr><tr><td>1</td></tr></table>
		<table><tr><th>b</th></tr><tr><td>2</td></tr></table>`

	got, err := Parse(strings.NewReader(doc), "t")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !reflect.DeepEqual(got.Columns, []string{"a"}) {
		t.Fatalf("columns = %v, want first table only", got.Columns)
	}
}

// TestParseShortRows: rows with fewer cells than the header null-fill.
func TestParseShortRows(t *testing.T) {
	t.Parallel()

	doc := `<table>
		<tr><th>a</th><th>b</th></tr>
		<tr><td>1</td></tr>
	</table>`

	got, err := Parse(strings.NewReader(doc), "t")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Rows[0]["a"] != "1" || got.Rows[0]["b"] != nil {
		t.Fatalf("row 0 = %+v", got.Rows[0])
	}
}

// TestParseDuplicateHeaders: th cells normalizing to the same name get
// positional suffixes so data cells stay distinct.
func TestParseDuplicateHeaders(t *testing.T) {
	t.Parallel()

	doc := `<table>
		<tr><th>Total Amount</th><th>total_amount</th></tr>
		<tr><td>1</td><td>2</td></tr>
	</table>`

	got, err := Parse(strings.NewReader(doc), "t")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !reflect.DeepEqual(got.Columns, []string{"total_amount", "total_amount_2"}) {
		t.Fatalf("columns = %v", got.Columns)
	}
	if got.Rows[0]["total_amount"] != "1" || got.Rows[0]["total_amount_2"] != "2" {
		t.Fatalf("row 0 = %+v, want both cells kept", got.Rows[0])
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	if _, err := Parse(strings.NewReader("<html><p>no tables</p></html>"), "t"); err == nil {
		t.Fatal("document without table: want error")
	}
	if _, err := Parse(strings.NewReader("<table></table>"), "t"); err == nil {
		t.Fatal("empty table: want error")
	}
}
