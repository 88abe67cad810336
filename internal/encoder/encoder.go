// Package encoder turns parsed tables into typed observation records.
//
// Every column is classified before anything is emitted. Columns holding both
// numeric and non-numeric values are split into homogeneous chunks using a
// work-list, so a single text value never turns a whole numeric column into
// strings.
package encoder

import (
	"fmt"
	"iter"
	"math"
	"strings"

	"github.com/timeio/tsm-ingest/internal/errors"
	"github.com/timeio/tsm-ingest/internal/parser"
	"github.com/timeio/tsm-ingest/pkg/models"
)

// Kind is the tag of a resolved chunk.
type Kind int

const (
	Number Kind = iota
	String
	Boolean
)

func (k Kind) String() string {
	switch k {
	case Number:
		return "number"
	case String:
		return "string"
	case Boolean:
		return "boolean"
	default:
		return "unknown"
	}
}

// Chunk is a homogeneous slice of one column. Rows are ascending indexes into
// the table; Values[i] belongs to Rows[i] and is never nil. Values are
// float64, string or bool according to Kind.
type Chunk struct {
	Column string
	Kind   Kind
	Rows   []int
	Values []any
}

// Len returns the number of values in the chunk
func (c Chunk) Len() int { return len(c.Rows) }

// class is the outcome of classifying the non-null values of a pending slice.
type class int

const (
	classNumber class = iota
	classString
	classBoolean
	classMixed
	classUnsupported
)

// pending is a column slice still waiting for classification.
type pending struct {
	rows   []int
	values []any
}

// Encode classifies every column of table and returns the lazy sequence of
// observation records. origin names the data source in error messages and
// in the record parameters. An unsupported column fails the whole table
// before any record is produced.
//
// The sequence is single pass per range loop; ranging again replays the same
// records because the table is not modified.
func Encode(table *parser.Table, origin string) (iter.Seq[models.Observation], error) {
	chunks, err := Chunks(table, origin)
	if err != nil {
		return nil, err
	}

	return func(yield func(models.Observation) bool) {
		for _, chunk := range chunks {
			params := models.EncodeParameters(origin, chunk.Column)
			for i, row := range chunk.Rows {
				ts := models.FormatResultTime(table.Index[row], table.Aware)
				if !yield(observation(chunk.Kind, ts, chunk.Column, params, chunk.Values[i])) {
					return
				}
			}
		}
	}, nil
}

// Chunks resolves every column of table into homogeneous chunks, in column
// order. A split column yields its numeric chunk before the remainder.
func Chunks(table *parser.Table, origin string) ([]Chunk, error) {
	var chunks []Chunk
	for _, col := range table.Columns {
		resolved, err := resolveColumn(col, origin)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, resolved...)
	}
	return chunks, nil
}

func resolveColumn(col parser.Column, origin string) ([]Chunk, error) {
	first := pending{}
	for row, v := range col.Values {
		if isNull(v) {
			continue
		}
		first.rows = append(first.rows, row)
		first.values = append(first.values, v)
	}

	var resolved []Chunk
	queue := []pending{first}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		cls, coerced, offending := classify(p.values)
		switch cls {
		case classNumber:
			resolved = appendChunk(resolved, col.Name, Number, p.rows, coerced)
		case classBoolean:
			resolved = appendChunk(resolved, col.Name, Boolean, p.rows, p.values)
		case classString:
			texts := make([]any, len(p.values))
			for i, v := range p.values {
				texts[i] = text(v)
			}
			resolved = appendChunk(resolved, col.Name, String, p.rows, texts)
		case classMixed:
			// the numeric part resolves next; the remainder has no coercible
			// value left, so the queue always drains
			var numeric, rest pending
			for i, n := range coerced {
				if n != nil {
					numeric.rows = append(numeric.rows, p.rows[i])
					numeric.values = append(numeric.values, n)
				} else {
					rest.rows = append(rest.rows, p.rows[i])
					rest.values = append(rest.values, p.values[i])
				}
			}
			queue = append(queue, numeric, rest)
		case classUnsupported:
			if origin == "" {
				origin = "datafile"
			}
			return nil, errors.NewParsingError(
				"Data of type %s is not supported. In %s, column %s", typeName(offending), origin, col.Name)
		}
	}
	return resolved, nil
}

func appendChunk(chunks []Chunk, column string, kind Kind, rows []int, values []any) []Chunk {
	if len(rows) == 0 {
		return chunks
	}
	return append(chunks, Chunk{Column: column, Kind: kind, Rows: rows, Values: values})
}

// classify inspects non-null values. For classNumber and classMixed the
// returned slice holds the float64 value of every coercible entry and nil
// for the others. For classUnsupported the offending value is returned.
func classify(values []any) (cls class, coerced []any, offending any) {
	allFloat, allBool := true, true
	for _, v := range values {
		switch v.(type) {
		case float64:
			allBool = false
		case bool:
			allFloat = false
		case string:
			allFloat, allBool = false, false
		default:
			return classUnsupported, nil, v
		}
	}

	switch {
	case allFloat:
		return classNumber, values, nil
	case allBool:
		return classBoolean, nil, nil
	}

	coerced = make([]any, len(values))
	hits := 0
	for i, v := range values {
		if n, ok := coerce(v); ok {
			coerced[i] = n
			hits++
		}
	}
	switch hits {
	case len(values):
		return classNumber, coerced, nil
	case 0:
		return classString, nil, nil
	default:
		return classMixed, coerced, nil
	}
}

func coerce(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		return parser.ParseNumber(x, '.')
	}
	return 0, false
}

func isNull(v any) bool {
	if v == nil {
		return true
	}
	f, ok := v.(float64)
	return ok && math.IsNaN(f)
}

func text(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case bool:
		if x {
			return "true"
		}
		return "false"
	case float64:
		return parser.FormatNumber(x)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func typeName(v any) string {
	switch v.(type) {
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

func observation(kind Kind, resultTime, column, params string, v any) models.Observation {
	switch kind {
	case Number:
		return models.NewNumber(resultTime, column, params, v.(float64))
	case Boolean:
		return models.NewBoolean(resultTime, column, params, v.(bool))
	default:
		return models.NewString(resultTime, column, params, v.(string))
	}
}
