package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func duplicateParser(t *testing.T) *CSVParser {
	return mustCSV(t, map[string]any{
		"header":            0,
		"duplicate":         true,
		"timestamp_columns": tsColumns(map[string]any{"column": 0, "format": "%Y-%m-%d %H:%M:%S"}),
	})
}

func TestReconcile_Matched(t *testing.T) {
	raw := "ts,level,state\n" +
		"2021-01-01 00:00:00,1.5,ok\n" +
		"2021-01-01 00:10:00,,fail\n"

	res, err := duplicateParser(t).Parse([]byte(raw))
	require.NoError(t, err)

	assert.False(t, res.HasWarning(WarnHeaderMismatch))
	require.NotNil(t, res.Mapping)
	assert.Equal(t, map[string]string{"1": "level", "2": "state"}, res.Mapping.Positions)

	tbl := res.Table
	assert.Equal(t, []string{"level", "state", "1", "2"}, tbl.Names())
	assert.Equal(t, 2, tbl.Len())

	byHeader, _ := tbl.Column("level")
	byPosition, _ := tbl.Column("1")
	assert.Equal(t, []any{1.5, nil}, byHeader.Values)
	assert.Equal(t, byHeader.Values, byPosition.Values)
}

func TestReconcile_Mismatched(t *testing.T) {
	// trailing delimiter adds an unnamed header column the data does not have
	raw := "ts,level,state,\n" +
		"2021-01-01 00:00:00,1.5,ok\n" +
		"2021-01-01 00:10:00,2.5,fail\n"

	res, err := duplicateParser(t).Parse([]byte(raw))
	require.NoError(t, err)

	assert.Nil(t, res.Mapping)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, WarnHeaderMismatch, res.Warnings[0].Kind)
	assert.Equal(t,
		"Comparison of header based data and position based data failed. Positions will be used instead.",
		res.Warnings[0].Message)

	tbl := res.Table
	assert.Equal(t, []string{"1", "2"}, tbl.Names())
	col, _ := tbl.Column("1")
	assert.Equal(t, []any{1.5, 2.5}, col.Values)
}

func TestReconcile_TimestampByHeaderNameAfterMismatch(t *testing.T) {
	raw := "level,ts\n" +
		"1,2021-01-01 00:00:00,surplus\n"

	res, err := mustCSV(t, map[string]any{
		"header":            0,
		"duplicate":         true,
		"timestamp_columns": tsColumns(map[string]any{"column": "ts", "format": "%Y-%m-%d %H:%M:%S"}),
	}).Parse([]byte(raw))
	require.NoError(t, err)

	assert.True(t, res.HasWarning(WarnHeaderMismatch))
	assert.Equal(t, []string{"0", "2"}, res.Table.Names())
	assert.Equal(t, 1, res.Table.Len())
}

func TestEqualValues(t *testing.T) {
	a := &frame{names: []string{"x", "y"}, cols: [][]any{{"1", nil}, {"a", "b"}}, rows: 2}
	b := &frame{names: []string{"0", "1"}, cols: [][]any{{"1", nil}, {"a", "c"}}, rows: 2}

	assert.False(t, equalValues(a, b, nil))
	assert.True(t, equalValues(a, b, map[int]bool{1: true}))
	assert.False(t, equalValues(a, &frame{cols: [][]any{{"1", nil}}, rows: 2}, nil))
}
