package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timeio/tsm-ingest/internal/errors"
)

func mustJSON(t *testing.T, settings map[string]any) *JSONParser {
	t.Helper()
	cfg, err := NewConfig(KindJSON, settings)
	require.NoError(t, err)
	return NewJSONParser(cfg)
}

func TestJSON_NestedRecords(t *testing.T) {
	raw := `[
		{"Datetime": "2022-05-01T10:00:00", "air": {"temp": 11.5, "rh": 80}, "state": "ok"},
		{"Datetime": "2022-05-01T10:10:00", "air": {"temp": 12}, "flag": true}
	]`

	res, err := mustJSON(t, nil).Parse([]byte(raw))
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)

	tbl := res.Table
	assert.Equal(t, []string{"air.temp", "air.rh", "state", "flag"}, tbl.Names())
	assert.Equal(t, []string{"2022-05-01T10:00:00Z", "2022-05-01T10:10:00Z"}, rfc3339(tbl.Index))

	temp, _ := tbl.Column("air.temp")
	assert.Equal(t, []any{11.5, 12.0}, temp.Values)
	rh, _ := tbl.Column("air.rh")
	assert.Equal(t, []any{80.0, nil}, rh.Values)
	flag, _ := tbl.Column("flag")
	assert.Equal(t, []any{nil, true}, flag.Values)
}

func TestJSON_SingleObjectAndCustomKeys(t *testing.T) {
	raw := `{"meta": {"date": "2022-05-01", "time": "10:00"}, "value": 3}`

	p := mustJSON(t, map[string]any{
		"timestamp_keys": tsColumns(
			map[string]any{"key": "meta_date", "format": "%Y-%m-%d"},
			map[string]any{"key": "meta_time", "format": "%H:%M"},
		),
		"separator": "_",
	})
	res, err := p.Parse([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, []string{"value"}, res.Table.Names())
	assert.Equal(t, []string{"2022-05-01T10:00:00Z"}, rfc3339(res.Table.Index))
}

func TestJSON_TimestampPathError(t *testing.T) {
	_, err := mustJSON(t, nil).Parse([]byte(`[{"time": "2022-05-01T10:00:00", "v": 1}]`))
	require.Error(t, err)
	var pe *errors.ParsingError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Error(), "Timestamp path error")
}

func TestJSON_Comments(t *testing.T) {
	raw := "// exported by gateway\n" +
		"[\n" +
		"  {\"Datetime\": \"2022-05-01T10:00:00\", \"url\": \"http://example.org\"} // first\n" +
		"]\n"

	res, err := mustJSON(t, map[string]any{"comment": "//"}).Parse([]byte(raw))
	require.NoError(t, err)
	url, _ := res.Table.Column("url")
	assert.Equal(t, []any{"http://example.org"}, url.Values)

	raw = "[\n" +
		"  {\"Datetime\": \"2022-05-01T10:00:00\", \"tag\": \"a;b\"} ; trailing note\n" +
		"]\n"
	res, err = mustJSON(t, map[string]any{"comment": ";"}).Parse([]byte(raw))
	require.NoError(t, err)
	tag, _ := res.Table.Column("tag")
	assert.Equal(t, []any{"a;b"}, tag.Values, "markers inside strings are kept")
}

func TestJSON_RecordPath(t *testing.T) {
	raw := `{"station": "x", "data": [
		{"Datetime": "2022-05-01T10:00:00", "v": 1},
		{"Datetime": "2022-05-01T10:10:00", "v": 2}
	]}`

	res, err := mustJSON(t, map[string]any{"record_path": "data"}).Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Table.Len())
	v, _ := res.Table.Column("v")
	assert.Equal(t, []any{1.0, 2.0}, v.Values)

	_, err = mustJSON(t, map[string]any{"record_path": "missing"}).Parse([]byte(raw))
	assert.ErrorContains(t, err, `key "missing" not found`)
}

func TestJSON_MaxLevel(t *testing.T) {
	raw := `{"Datetime": "2022-05-01T10:00:00", "a": {"b": {"c": 1}}, "list": [1, 2]}`

	res, err := mustJSON(t, map[string]any{"max_level": 1}).Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.b", "list"}, res.Table.Names())

	ab, _ := res.Table.Column("a.b")
	assert.Equal(t, []any{map[string]any{"c": 1.0}}, ab.Values)
	list, _ := res.Table.Column("list")
	assert.Equal(t, []any{[]any{1.0, 2.0}}, list.Values)
}

func TestJSON_InvalidDocuments(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		contains string
	}{
		{"scalar", `42`, "must be an object or a list of objects"},
		{"list of scalars", `[1, 2]`, "records must be objects"},
		{"broken", `{"Datetime": `, "invalid json"},
		{"trailing data", `{"Datetime": "x"} {}`, "invalid json"},
	}

	p := mustJSON(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Parse([]byte(tt.raw))
			require.Error(t, err)
			var pe *errors.ParsingError
			assert.ErrorAs(t, err, &pe)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestJSON_KeyOrderIsKept(t *testing.T) {
	raw := `{"Datetime": "2022-05-01T10:00:00", "z": 1, "a": 2, "m": 3}`
	res, err := mustJSON(t, nil).Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "m"}, res.Table.Names())
}
