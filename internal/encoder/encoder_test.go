package encoder

import (
	"encoding/json"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timeio/tsm-ingest/internal/errors"
	"github.com/timeio/tsm-ingest/internal/parser"
	"github.com/timeio/tsm-ingest/pkg/models"
)

func index(n int) []time.Time {
	start := time.Date(2021, 9, 9, 5, 45, 0, 0, time.UTC)
	out := make([]time.Time, n)
	for i := range out {
		out[i] = start.Add(time.Duration(i) * 15 * time.Minute)
	}
	return out
}

func table(cols ...parser.Column) *parser.Table {
	n := 0
	if len(cols) > 0 {
		n = len(cols[0].Values)
	}
	return &parser.Table{Index: index(n), Columns: cols}
}

func encodeAll(t *testing.T, tbl *parser.Table, origin string) []models.Observation {
	t.Helper()
	seq, err := Encode(tbl, origin)
	require.NoError(t, err)
	return slices.Collect(seq)
}

func TestEncode_MixedColumnSplits(t *testing.T) {
	tbl := table(parser.Column{Name: "2", Values: []any{987.0, "xW8", 989.76}})

	obs := encodeAll(t, tbl, "logger.csv")
	require.Len(t, obs, 3)

	assert.Equal(t, models.ResultNumber, obs[0].ResultType)
	assert.Equal(t, json.Number("987"), *obs[0].ResultNumber)
	assert.Equal(t, "2021-09-09T05:45:00", obs[0].ResultTime)

	assert.Equal(t, models.ResultNumber, obs[1].ResultType)
	assert.Equal(t, json.Number("989.76"), *obs[1].ResultNumber)
	assert.Equal(t, "2021-09-09T06:15:00", obs[1].ResultTime)

	assert.Equal(t, models.ResultString, obs[2].ResultType)
	assert.Equal(t, "xW8", *obs[2].ResultString)
	assert.Equal(t, "2021-09-09T06:00:00", obs[2].ResultTime)

	for _, o := range obs {
		assert.Equal(t, "2", o.DatastreamPos)
		assert.JSONEq(t, `{"origin":"logger.csv","column_header":"2"}`, o.Parameters)
	}
}

func TestChunks_Classification(t *testing.T) {
	tests := []struct {
		name   string
		values []any
		want   []Chunk
	}{
		{
			name:   "numeric",
			values: []any{1.0, nil, 3.0},
			want:   []Chunk{{Column: "c", Kind: Number, Rows: []int{0, 2}, Values: []any{1.0, 3.0}}},
		},
		{
			name:   "numeric text",
			values: []any{"1", " 2.5 ", "-3e2"},
			want:   []Chunk{{Column: "c", Kind: Number, Rows: []int{0, 1, 2}, Values: []any{1.0, 2.5, -300.0}}},
		},
		{
			name:   "text is trimmed",
			values: []any{" ok ", "fail"},
			want:   []Chunk{{Column: "c", Kind: String, Rows: []int{0, 1}, Values: []any{"ok", "fail"}}},
		},
		{
			name:   "boolean",
			values: []any{true, nil, false},
			want:   []Chunk{{Column: "c", Kind: Boolean, Rows: []int{0, 2}, Values: []any{true, false}}},
		},
		{
			name:   "numbers and booleans",
			values: []any{1.0, true, 2.0},
			want: []Chunk{
				{Column: "c", Kind: Number, Rows: []int{0, 2}, Values: []any{1.0, 2.0}},
				{Column: "c", Kind: Boolean, Rows: []int{1}, Values: []any{true}},
			},
		},
		{
			name:   "booleans and text",
			values: []any{true, "x"},
			want:   []Chunk{{Column: "c", Kind: String, Rows: []int{0, 1}, Values: []any{"true", "x"}}},
		},
		{
			name:   "infinity stays text",
			values: []any{"inf", 1.0},
			want: []Chunk{
				{Column: "c", Kind: Number, Rows: []int{1}, Values: []any{1.0}},
				{Column: "c", Kind: String, Rows: []int{0}, Values: []any{"inf"}},
			},
		},
		{
			name:   "all null",
			values: []any{nil, nil},
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := table(parser.Column{Name: "c", Values: tt.values})
			chunks, err := Chunks(tbl, "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, chunks)
		})
	}
}

func TestEncode_NoNullValues(t *testing.T) {
	tbl := table(
		parser.Column{Name: "a", Values: []any{nil, 1.0, "x", nil}},
		parser.Column{Name: "b", Values: []any{nil, nil, false, true}},
		parser.Column{Name: "c", Values: []any{nil, nil, nil, nil}},
	)

	obs := encodeAll(t, tbl, "o")
	require.Len(t, obs, 4)
	for _, o := range obs {
		set := 0
		if o.ResultNumber != nil {
			set++
		}
		if o.ResultString != nil {
			set++
		}
		if o.ResultBoolean != nil {
			set++
		}
		if o.ResultJSON != nil {
			set++
		}
		assert.Equal(t, 1, set, "exactly one value field is set")
	}
}

func TestEncode_UnionOfChunksEqualsNonNullRows(t *testing.T) {
	values := []any{"1", "a", nil, 2.0, "b", "3", true, nil, " 4 "}
	tbl := table(parser.Column{Name: "m", Values: values})

	chunks, err := Chunks(tbl, "o")
	require.NoError(t, err)

	var rows []int
	for _, c := range chunks {
		assert.True(t, slices.IsSorted(c.Rows), "rows stay in time order")
		rows = append(rows, c.Rows...)
	}
	slices.Sort(rows)
	assert.Equal(t, []int{0, 1, 3, 4, 5, 6, 8}, rows)

	require.Len(t, chunks, 2)
	assert.Equal(t, Number, chunks[0].Kind)
	assert.Equal(t, []any{1.0, 2.0, 3.0, 4.0}, chunks[0].Values)
	assert.Equal(t, String, chunks[1].Kind)
	assert.Equal(t, []any{"a", "b", "true"}, chunks[1].Values)
}

func TestEncode_Idempotent(t *testing.T) {
	tbl := table(
		parser.Column{Name: "a", Values: []any{1.0, "x", 3.0}},
		parser.Column{Name: "b", Values: []any{"p", "q", nil}},
	)
	before := slices.Clone(tbl.Columns[0].Values)

	seq, err := Encode(tbl, "o")
	require.NoError(t, err)
	first := slices.Collect(seq)
	second := slices.Collect(seq)
	assert.Equal(t, first, second)
	assert.Equal(t, first, encodeAll(t, tbl, "o"))
	assert.Equal(t, before, tbl.Columns[0].Values)
}

func TestEncode_EarlyStop(t *testing.T) {
	tbl := table(parser.Column{Name: "a", Values: []any{1.0, 2.0, 3.0}})
	seq, err := Encode(tbl, "o")
	require.NoError(t, err)

	n := 0
	for range seq {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestEncode_UnsupportedColumn(t *testing.T) {
	tbl := table(
		parser.Column{Name: "ok", Values: []any{1.0}},
		parser.Column{Name: "nested", Values: []any{map[string]any{"x": 1.0}}},
	)

	seq, err := Encode(tbl, "")
	require.Error(t, err)
	assert.Nil(t, seq)

	var pe *errors.ParsingError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "Data of type object is not supported. In datafile, column nested", pe.Error())

	_, err = Encode(table(parser.Column{Name: "l", Values: []any{[]any{1.0}}}), "station.json")
	assert.EqualError(t, err, "Data of type array is not supported. In station.json, column l")
}

func TestEncode_AwareResultTime(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	tbl := &parser.Table{
		Index:   []time.Time{time.Date(2021, 7, 1, 12, 0, 0, 500_000_000, berlin)},
		Aware:   true,
		Columns: []parser.Column{{Name: "v", Values: []any{1.0}}},
	}
	obs := encodeAll(t, tbl, "o")
	require.Len(t, obs, 1)
	assert.Equal(t, "2021-07-01T12:00:00.500000+02:00", obs[0].ResultTime)

	wire, err := json.Marshal(obs[0])
	require.NoError(t, err)
	assert.Contains(t, string(wire), `"result_number":1`)
	assert.NotContains(t, string(wire), "result_string")
}
