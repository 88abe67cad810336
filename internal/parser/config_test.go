package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timeio/tsm-ingest/internal/errors"
)

func tsColumns(fields ...map[string]any) []any {
	out := make([]any, len(fields))
	for i, f := range fields {
		out[i] = f
	}
	return out
}

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := NewConfig(KindCSV, map[string]any{
		"timestamp_columns": tsColumns(map[string]any{"column": float64(0), "format": "%Y-%m-%d"}),
	})
	require.NoError(t, err)

	assert.Equal(t, ',', cfg.Delimiter)
	assert.False(t, cfg.HasHeader())
	assert.Equal(t, []string{"#"}, cfg.CommentMarkers)
	assert.Equal(t, byte('.'), cfg.Decimal)
	assert.Equal(t, "%Y-%m-%d", cfg.TimestampFormat())
	assert.Equal(t, 0, cfg.TimestampFields[0].Position)
}

func TestNewConfig_JSONDefaults(t *testing.T) {
	cfg, err := NewConfig(KindJSON, nil)
	require.NoError(t, err)

	assert.Empty(t, cfg.CommentMarkers)
	require.Len(t, cfg.TimestampFields, 1)
	assert.Equal(t, "Datetime", cfg.TimestampFields[0].Name)
	assert.Equal(t, "%Y-%m-%dT%H:%M:%S", cfg.TimestampFormat())
	assert.Equal(t, ".", cfg.Separator)
}

func TestNewConfig_StoredSettings(t *testing.T) {
	cfg, err := NewConfig(KindCSV, map[string]any{
		"delimiter":  ";",
		"header":     float64(2),
		"skiprows":   float64(1),
		"skipfooter": float64(3),
		"comment":    []any{"#", "//"},
		"timestamp_columns": tsColumns(
			map[string]any{"column": float64(0), "format": "%Y-%m-%d"},
			map[string]any{"column": "time", "format": "%H:%M"},
		),
		"timezone":     "Europe/Berlin",
		"duplicate":    true,
		"engine":       "python",
		"on_bad_lines": "warn",
		"pandas_read_csv": map[string]any{
			"decimal":   ",",
			"delimiter": ",",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, ';', cfg.Delimiter, "top-level options override nested ones")
	assert.Equal(t, 2, cfg.HeaderLine)
	assert.Equal(t, 1, cfg.SkipRows)
	assert.Equal(t, 3, cfg.SkipFooter)
	assert.Equal(t, []string{"#", "//"}, cfg.CommentMarkers)
	assert.True(t, cfg.LegacyDuplicateMode)
	assert.Equal(t, byte(','), cfg.Decimal)
	assert.Equal(t, "Europe/Berlin", cfg.Timezone.String())
	assert.Equal(t, "%Y-%m-%d %H:%M", cfg.TimestampFormat())
	assert.Equal(t, TimestampField{Position: -1, Name: "time", Format: "%H:%M"}, cfg.TimestampFields[1])
}

func TestNewConfig_LegacySingleTimestamp(t *testing.T) {
	cfg, err := NewConfig(KindCSV, map[string]any{
		"timestamp_column": 1,
		"timestamp_format": "%d.%m.%Y %H:%M",
		"delimiter":        `\t`,
	})
	require.NoError(t, err)
	assert.Equal(t, []TimestampField{{Position: 1, Format: "%d.%m.%Y %H:%M"}}, cfg.TimestampFields)
	assert.Equal(t, '\t', cfg.Delimiter)
}

func TestNewConfig_Rejects(t *testing.T) {
	ts := tsColumns(map[string]any{"column": 0, "format": "%Y-%m-%d"})

	tests := []struct {
		name     string
		kind     Kind
		settings map[string]any
		contains string
	}{
		{"unknown option", KindCSV, map[string]any{"timestamp_columns": ts, "index_col": 0}, "unknown parser option"},
		{"duplicate without header", KindCSV, map[string]any{"timestamp_columns": ts, "duplicate": true}, "requires a header line"},
		{"names with header", KindCSV, map[string]any{"timestamp_columns": ts, "header": 0, "names": []any{"a"}}, "cannot be combined"},
		{"alias given twice", KindCSV, map[string]any{"timestamp_columns": ts, "header": 0, "header_line": 1}, "given more than once"},
		{"no timestamp columns", KindCSV, map[string]any{}, "at least one timestamp column"},
		{"empty timestamp list", KindCSV, map[string]any{"timestamp_columns": []any{}}, "at least one timestamp column"},
		{"timestamp without format", KindCSV, map[string]any{"timestamp_columns": tsColumns(map[string]any{"column": 0})}, "needs a format"},
		{"timestamp without column", KindCSV, map[string]any{"timestamp_columns": tsColumns(map[string]any{"format": "%Y"})}, "needs a column or key"},
		{"negative skiprows", KindCSV, map[string]any{"timestamp_columns": ts, "skiprows": -1}, "must not be negative"},
		{"long delimiter", KindCSV, map[string]any{"timestamp_columns": ts, "delimiter": ";;"}, "single character"},
		{"quote delimiter", KindCSV, map[string]any{"timestamp_columns": ts, "delimiter": `"`}, "invalid delimiter"},
		{"bad timezone", KindCSV, map[string]any{"timestamp_columns": ts, "timezone": "Mars/Olympus"}, "unknown timezone"},
		{"bad encoding", KindCSV, map[string]any{"timestamp_columns": ts, "encoding": "ebcdic"}, "unsupported encoding"},
		{"legacy half", KindCSV, map[string]any{"timestamp_column": 0}, "must be given together"},
		{"csv option on json", KindJSON, map[string]any{"skiprows": 1}, "not supported by the json parser"},
		{"json option on csv", KindCSV, map[string]any{"timestamp_columns": ts, "record_path": "data"}, "not supported by the csv parser"},
		{"numeric json key", KindJSON, map[string]any{"timestamp_keys": tsColumns(map[string]any{"key": 1, "format": "%Y"})}, "must be strings"},
		{
			"double localization", KindCSV,
			map[string]any{
				"timestamp_columns": tsColumns(map[string]any{"column": 0, "format": "%Y-%m-%dT%H:%M:%S%z"}),
				"timezone":          "UTC",
			},
			"Cannot localize timezone",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(tt.kind, tt.settings)
			require.Error(t, err)
			var pe *errors.ParsingError
			assert.ErrorAs(t, err, &pe)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestNew_Registry(t *testing.T) {
	p, err := New(TypeCSV, map[string]any{"timestamp_columns": tsColumns(map[string]any{"column": 0, "format": "%Y"})})
	require.NoError(t, err)
	assert.IsType(t, &CSVParser{}, p)

	p, err = New(TypeJSON, nil)
	require.NoError(t, err)
	assert.IsType(t, &JSONParser{}, p)

	_, err = New("xmlparser", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownParser)
	assert.Contains(t, err.Error(), `parser "xmlparser" not known`)
}
