package parser

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"

	"github.com/timeio/tsm-ingest/internal/errors"
)

// Kind selects the tabular format a Config describes.
type Kind int

const (
	KindCSV Kind = iota
	KindJSON
)

func (k Kind) String() string {
	if k == KindJSON {
		return "json"
	}
	return "csv"
}

// TimestampField addresses one part of the composite row timestamp.
// CSV fields are addressed by Position, or by Name when Position is -1.
// JSON fields are addressed by their flattened path in Name.
type TimestampField struct {
	Position int
	Name     string
	Format   string // strftime format of this part
}

func (f TimestampField) String() string {
	if f.Position >= 0 {
		return strconv.Itoa(f.Position)
	}
	return f.Name
}

// Config is the validated, immutable description of how to interpret one raw
// payload. Build it with NewConfig.
type Config struct {
	Kind                Kind
	Delimiter           rune
	HeaderLine          int // -1 when the data has no header line
	SkipRows            int
	SkipFooter          int
	CommentMarkers      []string
	TimestampFields     []TimestampField
	Timezone            *time.Location
	CustomColumnNames   []string
	LegacyDuplicateMode bool
	Decimal             byte
	NAValues            map[string]struct{}
	Encoding            string

	// JSON only
	RecordPath []string
	Separator  string
	MaxLevel   int // -1 flattens without limit

	format string // joined strftime format of all timestamp fields
	aware  bool   // format carries a UTC offset
}

// HasHeader reports whether a header line is configured.
func (c *Config) HasHeader() bool { return c.HeaderLine >= 0 }

// TimestampFormat returns the joined strftime format the composite timestamp is parsed with.
func (c *Config) TimestampFormat() string { return c.format }

// defaultNAValues are the cell contents read as missing values.
var defaultNAValues = []string{
	"", "#N/A", "#N/A N/A", "#NA", "-1.#IND", "-1.#QNAN", "-NaN", "-nan",
	"1.#IND", "1.#QNAN", "<NA>", "N/A", "NA", "NULL", "NaN", "None", "n/a", "nan", "null",
}

var supportedEncodings = []string{"utf-8", "utf8", "utf-8-sig", "latin-1", "latin1", "iso-8859-1", "cp1252", "windows-1252"}

// canonical option names and the stored aliases that map to them
var optionAliases = map[string]string{
	"delimiter":             "delimiter",
	"sep":                   "delimiter",
	"header":                "header_line",
	"header_line":           "header_line",
	"skiprows":              "skip_rows",
	"skip_rows":             "skip_rows",
	"skipfooter":            "skip_footer",
	"skip_footer":           "skip_footer",
	"comment":               "comment_markers",
	"comment_markers":       "comment_markers",
	"timestamp_columns":     "timestamp_fields",
	"timestamp_keys":        "timestamp_fields",
	"timestamp_fields":      "timestamp_fields",
	"timestamp_column":      "timestamp_column",
	"timestamp_format":      "timestamp_format",
	"timezone":              "timezone",
	"names":                 "custom_column_names",
	"custom_column_names":   "custom_column_names",
	"duplicate":             "legacy_duplicate_mode",
	"legacy_duplicate_mode": "legacy_duplicate_mode",
	"decimal":               "decimal",
	"na_values":             "na_values",
	"encoding":              "encoding",
	"record_path":           "record_path",
	"separator":             "separator",
	"max_level":             "max_level",
}

// options only meaningful for one kind
var (
	csvOnlyOptions  = []string{"delimiter", "header_line", "skip_rows", "skip_footer", "custom_column_names", "legacy_duplicate_mode", "decimal", "na_values"}
	jsonOnlyOptions = []string{"record_path", "separator", "max_level"}
)

// nested maps whose entries are read as top-level options
var nestedOptionMaps = map[string]bool{
	"pandas_read_csv":       true,
	"pandas_json_normalize": true,
}

// stored options without meaning in this implementation
var ignoredOptions = map[string]bool{
	"engine":       true,
	"on_bad_lines": true,
}

// NewConfig validates settings and builds a Config of the given kind.
// Unknown and conflicting options are rejected with a ParsingError.
func NewConfig(kind Kind, settings map[string]any) (*Config, error) {
	opts, err := flattenOptions(kind, settings)
	if err != nil {
		return nil, err
	}

	c := &Config{
		Kind:       kind,
		Delimiter:  ',',
		HeaderLine: -1,
		Decimal:    '.',
		Encoding:   "utf-8",
		Separator:  ".",
		MaxLevel:   -1,
	}
	if kind == KindJSON {
		c.TimestampFields = []TimestampField{{Position: -1, Name: "Datetime", Format: "%Y-%m-%dT%H:%M:%S"}}
	} else {
		c.CommentMarkers = []string{"#"}
	}

	if err := c.apply(opts); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// flattenOptions resolves aliases and nested option maps into canonical
// option names. Top-level options override entries of nested maps.
func flattenOptions(kind Kind, settings map[string]any) (map[string]any, error) {
	opts := make(map[string]any, len(settings))
	fromNested := make(map[string]bool)

	add := func(key string, value any, nested bool) error {
		if ignoredOptions[key] || value == nil {
			return nil
		}
		name, ok := optionAliases[key]
		if !ok {
			return errors.NewParsingError("unknown parser option %q", key)
		}
		if key == "sep" && kind == KindJSON {
			name = "separator"
		}
		if kind == KindJSON && slices.Contains(csvOnlyOptions, name) {
			return errors.NewParsingError("option %q is not supported by the json parser", key)
		}
		if kind == KindCSV && slices.Contains(jsonOnlyOptions, name) {
			return errors.NewParsingError("option %q is not supported by the csv parser", key)
		}
		if _, dup := opts[name]; dup && !fromNested[name] {
			if nested {
				return nil
			}
			return errors.NewParsingError("option %q given more than once", name)
		}
		opts[name] = value
		fromNested[name] = nested
		return nil
	}

	for k, v := range settings {
		if !nestedOptionMaps[k] || v == nil {
			continue
		}
		m, ok := v.(map[string]any)
		if !ok {
			return nil, errors.NewParsingError("option %q must be a mapping", k)
		}
		for nk, nv := range m {
			if nestedOptionMaps[nk] {
				return nil, errors.NewParsingError("option %q cannot be nested", nk)
			}
			if err := add(nk, nv, true); err != nil {
				return nil, err
			}
		}
	}
	for k, v := range settings {
		if nestedOptionMaps[k] {
			continue
		}
		if err := add(k, v, false); err != nil {
			return nil, err
		}
	}
	return opts, nil
}

func (c *Config) apply(opts map[string]any) error {
	var err error
	for name, v := range opts {
		if v == nil {
			continue
		}
		switch name {
		case "delimiter":
			var s string
			if s, err = asString(name, v); err == nil {
				s = strings.ReplaceAll(s, `\t`, "\t")
				r := []rune(s)
				if len(r) != 1 {
					return errors.NewParsingError("delimiter must be a single character, got %q", s)
				}
				c.Delimiter = r[0]
			}
		case "header_line":
			c.HeaderLine, err = asInt(name, v)
		case "skip_rows":
			c.SkipRows, err = asInt(name, v)
		case "skip_footer":
			c.SkipFooter, err = asInt(name, v)
		case "comment_markers":
			c.CommentMarkers, err = asStrings(name, v)
		case "timestamp_fields":
			c.TimestampFields, err = c.timestampFields(v)
		case "timestamp_column", "timestamp_format":
			// legacy single-field form, assembled below
		case "timezone":
			var s string
			if s, err = asString(name, v); err == nil && s != "" {
				c.Timezone, err = time.LoadLocation(s)
				if err != nil {
					return errors.NewParsingError("unknown timezone %q", s)
				}
			}
		case "custom_column_names":
			c.CustomColumnNames, err = asStrings(name, v)
		case "legacy_duplicate_mode":
			c.LegacyDuplicateMode, err = asBool(name, v)
		case "decimal":
			var s string
			if s, err = asString(name, v); err == nil {
				if len(s) != 1 {
					return errors.NewParsingError("decimal must be a single character, got %q", s)
				}
				c.Decimal = s[0]
			}
		case "na_values":
			var extra []string
			if extra, err = asStrings(name, v); err == nil {
				c.NAValues = make(map[string]struct{}, len(extra))
				for _, s := range extra {
					c.NAValues[s] = struct{}{}
				}
			}
		case "encoding":
			var s string
			if s, err = asString(name, v); err == nil {
				c.Encoding = strings.ToLower(s)
			}
		case "record_path":
			c.RecordPath, err = asStrings(name, v)
		case "separator":
			c.Separator, err = asString(name, v)
		case "max_level":
			c.MaxLevel, err = asInt(name, v)
		}
		if err != nil {
			return err
		}
	}

	col, hasCol := opts["timestamp_column"]
	fmtv, hasFmt := opts["timestamp_format"]
	if hasCol || hasFmt {
		if _, ok := opts["timestamp_fields"]; ok {
			return errors.NewParsingError("timestamp_column/timestamp_format conflict with timestamp_columns")
		}
		if !hasCol || !hasFmt {
			return errors.NewParsingError("timestamp_column and timestamp_format must be given together")
		}
		f, err := c.timestampField(map[string]any{"column": col, "format": fmtv})
		if err != nil {
			return err
		}
		c.TimestampFields = []TimestampField{f}
	}
	return nil
}

func (c *Config) timestampFields(v any) ([]TimestampField, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, errors.NewParsingError("timestamp columns must be a list of {column, format} entries")
	}
	fields := make([]TimestampField, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, errors.NewParsingError("timestamp column entry must be a mapping, got %T", item)
		}
		f, err := c.timestampField(m)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func (c *Config) timestampField(m map[string]any) (TimestampField, error) {
	f := TimestampField{Position: -1}
	for k := range m {
		if k != "column" && k != "key" && k != "format" {
			return f, errors.NewParsingError("unknown timestamp column option %q", k)
		}
	}

	format, err := asString("format", m["format"])
	if err != nil || format == "" {
		return f, errors.NewParsingError("timestamp column entry needs a format")
	}
	f.Format = format

	src, ok := m["column"]
	if !ok {
		src, ok = m["key"]
	}
	if !ok || src == nil {
		return f, errors.NewParsingError("timestamp column entry needs a column or key")
	}
	switch s := src.(type) {
	case string:
		if s == "" {
			return f, errors.NewParsingError("timestamp column name must not be empty")
		}
		f.Name = s
	default:
		if c.Kind == KindJSON {
			return f, errors.NewParsingError("json timestamp keys must be strings, got %v", src)
		}
		pos, err := asInt("column", src)
		if err != nil {
			return f, err
		}
		if pos < 0 {
			return f, errors.NewParsingError("timestamp column position must not be negative, got %d", pos)
		}
		f.Position = pos
	}
	return f, nil
}

func (c *Config) validate() error {
	if c.HeaderLine < -1 {
		return errors.NewParsingError("header line must not be negative, got %d", c.HeaderLine)
	}
	if c.Delimiter == '"' || c.Delimiter == '\r' || c.Delimiter == '\n' {
		return errors.NewParsingError("invalid delimiter %q", c.Delimiter)
	}
	if c.SkipRows < 0 || c.SkipFooter < 0 {
		return errors.NewParsingError("skip rows/footer must not be negative")
	}
	if c.LegacyDuplicateMode && !c.HasHeader() {
		return errors.NewParsingError("duplicate mode requires a header line")
	}
	if c.CustomColumnNames != nil && c.HasHeader() {
		return errors.NewParsingError("custom column names cannot be combined with a header line")
	}
	if c.CustomColumnNames != nil && c.LegacyDuplicateMode {
		return errors.NewParsingError("custom column names cannot be combined with duplicate mode")
	}
	for _, m := range c.CommentMarkers {
		if m == "" {
			return errors.NewParsingError("comment markers must not be empty")
		}
	}
	if len(c.TimestampFields) == 0 {
		return errors.NewParsingError("at least one timestamp column is required")
	}
	if c.Kind == KindJSON && c.Separator == "" {
		return errors.NewParsingError("separator must not be empty")
	}
	if !slices.Contains(supportedEncodings, c.Encoding) {
		return errors.NewParsingError("unsupported encoding %q", c.Encoding)
	}

	formats := make([]string, len(c.TimestampFields))
	for i, f := range c.TimestampFields {
		if _, err := strftime.Layout(f.Format); err != nil {
			return errors.WrapParsing(err, fmt.Sprintf("invalid timestamp format %q", f.Format))
		}
		formats[i] = f.Format
	}
	c.format = strings.Join(formats, " ")
	c.aware = strings.Contains(c.format, "%z") || strings.Contains(c.format, "%Z") || strings.Contains(c.format, "%:z")

	if c.aware && c.Timezone != nil {
		return errors.NewParsingError(
			"Cannot localize timezone %q: timestamp format %q already yields timezone aware timestamps",
			c.Timezone.String(), c.format)
	}
	return nil
}

func (c *Config) isNA(s string) bool {
	if slices.Contains(defaultNAValues, s) {
		return true
	}
	_, ok := c.NAValues[s]
	return ok
}

func asString(name string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", errors.NewParsingError("option %q must be a string, got %T", name, v)
	}
	return s, nil
}

func asInt(name string, v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, errors.NewParsingError("option %q must be an integer, got %v", name, n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, errors.NewParsingError("option %q must be an integer, got %v", name, n)
		}
		return int(i), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, errors.NewParsingError("option %q must be an integer, got %q", name, n)
		}
		return i, nil
	}
	return 0, errors.NewParsingError("option %q must be an integer, got %T", name, v)
}

func asBool(name string, v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, errors.NewParsingError("option %q must be a boolean, got %T", name, v)
	}
	return b, nil
}

// asStrings accepts a single string or a list of strings.
func asStrings(name string, v any) ([]string, error) {
	switch s := v.(type) {
	case string:
		return []string{s}, nil
	case []string:
		return s, nil
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, errors.NewParsingError("option %q must be a list of strings, got element %T", name, item)
			}
			out = append(out, str)
		}
		return out, nil
	}
	return nil, errors.NewParsingError("option %q must be a string or a list of strings, got %T", name, v)
}
