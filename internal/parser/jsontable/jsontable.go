// Package jsontable reads a JSON document into a dataset.Table.
//
// Accepted shapes:
//   - a root array of objects
//   - an envelope object whose first array-of-objects field (in document
//     order) holds the records
//   - newline-delimited objects (NDJSON), including objects trailing a
//     root array
//
// Keys are normalized with dataset.Normalize; the column order is the
// first-seen order across all records.
package jsontable

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"datalens/internal/dataset"
)

// Parse reads JSON from r and returns a table named name.
func Parse(r io.Reader, name string, onErr func(err error)) (dataset.Table, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return dataset.Table{Name: name}, nil
		}
		return dataset.Table{}, fmt.Errorf("jsontable: read first token: %w", err)
	}

	var objects []map[string]any
	emit := func(obj map[string]any) { objects = append(objects, obj) }

	d, ok := tok.(json.Delim)
	if !ok {
		return dataset.Table{}, fmt.Errorf("jsontable: unsupported root token %v", tok)
	}

	switch d {
	case '[':
		if err := decodeArrayOfObjects(dec, emit, onErr); err != nil {
			return dataset.Table{}, err
		}
		if _, err := dec.Token(); err != nil { // closing ']'
			return dataset.Table{}, fmt.Errorf("jsontable: read array end: %w", err)
		}
	case '{':
		if err := decodeEnvelopeOrSingle(dec, emit, onErr); err != nil {
			return dataset.Table{}, err
		}
	default:
		return dataset.Table{}, fmt.Errorf("jsontable: unsupported root delimiter %q", d)
	}

	// Trailing NDJSON objects after the root value.
	for dec.More() {
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			if onErr != nil {
				onErr(fmt.Errorf("jsontable: trailing object: %w", err))
			}
			break
		}
		emit(obj)
	}

	return buildTable(name, objects), nil
}

// decodeArrayOfObjects consumes array elements up to (not including) the
// closing bracket. Non-object elements are reported and skipped.
func decodeArrayOfObjects(dec *json.Decoder, emit func(map[string]any), onErr func(error)) error {
	for dec.More() {
		var raw any
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("jsontable: decode element: %w", err)
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			if onErr != nil {
				onErr(fmt.Errorf("jsontable: skipping non-object element %T", raw))
			}
			continue
		}
		emit(obj)
	}
	return nil
}

// decodeEnvelopeOrSingle walks a root object field by field in document
// order. The first field holding an array of objects becomes the record
// source; if none exists, the root object itself is the single record.
func decodeEnvelopeOrSingle(dec *json.Decoder, emit func(map[string]any), onErr func(error)) error {
	single := map[string]any{}
	streamed := false

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("jsontable: read key: %w", err)
		}
		key, _ := keyTok.(string)

		var raw any
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("jsontable: decode field %q: %w", key, err)
		}

		if streamed {
			continue
		}
		if arr, ok := raw.([]any); ok && len(arr) > 0 {
			if objs, allObjects := objectSlice(arr); allObjects {
				for _, o := range objs {
					emit(o)
				}
				streamed = true
				continue
			}
		}
		single[key] = raw
	}

	if _, err := dec.Token(); err != nil { // closing '}'
		return fmt.Errorf("jsontable: read object end: %w", err)
	}

	if !streamed {
		if len(single) == 0 {
			if onErr != nil {
				onErr(fmt.Errorf("jsontable: empty root object"))
			}
			return nil
		}
		emit(single)
	}
	return nil
}

func objectSlice(arr []any) ([]map[string]any, bool) {
	out := make([]map[string]any, 0, len(arr))
	for _, el := range arr {
		obj, ok := el.(map[string]any)
		if !ok {
			return nil, false
		}
		out = append(out, obj)
	}
	return out, true
}

// buildTable normalizes keys and fixes the column order to first-seen.
func buildTable(name string, objects []map[string]any) dataset.Table {
	t := dataset.Table{Name: name}
	seen := map[string]bool{}

	for _, obj := range objects {
		row := make(dataset.Record, len(obj))
		// Establish column order deterministically: sort the keys of each
		// object before first-seen registration.
		for _, k := range sortedKeys(obj) {
			n := dataset.Normalize(k)
			if n == "" {
				continue
			}
			if !seen[n] {
				seen[n] = true
				t.Columns = append(t.Columns, n)
			}
			row[n] = flatten(obj[k])
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

// flatten keeps scalars as-is and renders nested structures as JSON text
// so every cell stays a scalar.
func flatten(v any) any {
	switch v.(type) {
	case nil, string, bool, json.Number, float64, int, int64:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
