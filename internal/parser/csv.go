package parser

import (
	"encoding/csv"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/timeio/tsm-ingest/internal/errors"
)

// CSVParser parses delimited text files.
type CSVParser struct {
	cfg *Config
}

// NewCSVParser creates a CSV parser for cfg
func NewCSVParser(cfg *Config) *CSVParser {
	return &CSVParser{cfg: cfg}
}

// Config returns the parser configuration
func (p *CSVParser) Config() *Config { return p.cfg }

var boolTokens = map[string]bool{
	"True": true, "true": true, "TRUE": true,
	"False": false, "false": false, "FALSE": false,
}

// Parse implements Parser.
func (p *CSVParser) Parse(raw []byte) (*Result, error) {
	cfg := p.cfg

	text, err := decodeText(raw, cfg.Encoding)
	if err != nil {
		return nil, err
	}
	lines := trimLines(splitLines(text), cfg.SkipRows, cfg.SkipFooter)
	res := &Result{}

	var header []string
	if cfg.HasHeader() {
		if cfg.HeaderLine >= len(lines) {
			return nil, errors.NewParsingError(
				"header line %d does not exist, the data has %d lines after skipping rows", cfg.HeaderLine, len(lines))
		}
		if header, err = p.headerNames(lines[cfg.HeaderLine]); err != nil {
			return nil, err
		}
		lines = lines[cfg.HeaderLine+1:]
	}

	records, err := p.tokenize(lines)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		res.Table = &Table{Aware: cfg.aware || cfg.Timezone != nil}
		res.warn(WarnEmpty, msgEmptyDataset)
		return res, nil
	}

	width := 0
	for _, rec := range records {
		width = max(width, len(rec))
	}

	var f *frame
	lookup := header
	switch {
	case header != nil && cfg.LegacyDuplicateMode:
		if f, err = p.reconcile(header, records, width, res); err != nil {
			return nil, err
		}
	case header != nil:
		f = p.namedFrame(header, records, res)
	case cfg.CustomColumnNames != nil:
		if len(cfg.CustomColumnNames) != width {
			return nil, errors.NewParsingError("Number of custom column names does not match number of columns in CSV.")
		}
		lookup = mangle(cfg.CustomColumnNames)
		f = p.namedFrame(lookup, records, res)
	default:
		f = p.positionalFrame(records, width)
		lookup = f.names
	}

	tsCols, err := p.timestampColumns(lookup, len(f.names))
	if err != nil {
		return nil, err
	}
	p.inferTypes(f, tsCols)
	if res.Table, err = assembleIndex(f, tsCols, cfg, res); err != nil {
		return nil, err
	}
	return res, nil
}

// reconcile parses the body by header names and by position. When both
// agree, the positional columns are appended to the header named ones and a
// mapping artifact is recorded; otherwise the positional frame is returned.
func (p *CSVParser) reconcile(header []string, records [][]string, width int, res *Result) (*frame, error) {
	byHeader := p.namedFrame(header, records, nil)
	byPosition := p.positionalFrame(records, width)

	tsCols, err := p.timestampColumns(header, len(header))
	if err != nil {
		return nil, err
	}
	skip := make(map[int]bool, len(tsCols))
	for _, c := range tsCols {
		skip[c] = true
	}

	if !equalValues(byHeader, byPosition, skip) {
		res.warn(WarnHeaderMismatch, msgHeaderMismatch)
		return byPosition, nil
	}

	mapping := &MappingArtifact{Positions: make(map[string]string, len(header))}
	merged := &frame{
		names: slices.Clone(byHeader.names),
		cols:  slices.Clone(byHeader.cols),
		rows:  byHeader.rows,
	}
	for c, name := range byPosition.names {
		if skip[c] {
			continue
		}
		mapping.Positions[name] = header[c]
		merged.names = append(merged.names, name)
		merged.cols = append(merged.cols, byPosition.cols[c])
	}
	res.Mapping = mapping
	return merged, nil
}

// headerNames cleans the header line into unique column names.
func (p *CSVParser) headerNames(line string) ([]string, error) {
	cleaned := strings.TrimSpace(removeMarkers(line, p.cfg.CommentMarkers))
	if cleaned == "" {
		return nil, errors.NewParsingError("header line %d is empty", p.cfg.HeaderLine)
	}
	r := p.reader(strings.NewReader(cleaned))
	fields, err := r.Read()
	if err != nil {
		return nil, errors.WrapParsing(err, "cannot read header line")
	}
	names := make([]string, len(fields))
	for i, name := range fields {
		name = strings.TrimSpace(name)
		if name == "" {
			name = "Unnamed: " + strconv.Itoa(i)
		}
		names[i] = name
	}
	return mangle(names), nil
}

// tokenize strips comments and blank lines and splits the body into records.
func (p *CSVParser) tokenize(lines []string) ([][]string, error) {
	var body strings.Builder
	for _, line := range lines {
		if line = stripComment(line, p.cfg.CommentMarkers); line == "" {
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}

	r := p.reader(strings.NewReader(body.String()))
	var records [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WrapParsing(err, "cannot read csv data")
		}
		records = append(records, rec)
	}
	return records, nil
}

func (p *CSVParser) reader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = p.cfg.Delimiter
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	return cr
}

// namedFrame builds a frame with the given column names. Short records are
// padded with missing values; surplus fields are dropped and, when res is
// not nil, reported in one warning.
func (p *CSVParser) namedFrame(names []string, records [][]string, res *Result) *frame {
	f := newFrame(names, len(records))
	surplus := 0
	for r, rec := range records {
		if len(rec) > len(names) {
			surplus++
		}
		for c := 0; c < len(names) && c < len(rec); c++ {
			f.cols[c][r] = p.cell(rec[c])
		}
	}
	if surplus > 0 && res != nil {
		res.warn(WarnRowWidth, fmt.Sprintf(
			"%d rows have more fields than the %d named columns, the surplus fields were dropped", surplus, len(names)))
	}
	return f
}

func (p *CSVParser) positionalFrame(records [][]string, width int) *frame {
	names := make([]string, width)
	for i := range names {
		names[i] = strconv.Itoa(i)
	}
	return p.namedFrame(names, records, nil)
}

func (p *CSVParser) cell(s string) any {
	if p.cfg.isNA(strings.TrimSpace(s)) {
		return nil
	}
	return s
}

// timestampColumns resolves the configured timestamp fields to column
// positions. Names are looked up in names; positions must be below width.
func (p *CSVParser) timestampColumns(names []string, width int) ([]int, error) {
	cols := make([]int, 0, len(p.cfg.TimestampFields))
	for _, field := range p.cfg.TimestampFields {
		pos := field.Position
		if pos < 0 {
			pos = slices.Index(names, field.Name)
			if pos < 0 {
				return nil, errors.NewParsingError("timestamp column %q not found", field.Name)
			}
		}
		if pos >= width {
			return nil, errors.NewParsingError("timestamp column %d out of range, the data has %d columns", pos, width)
		}
		cols = append(cols, pos)
	}
	return cols, nil
}

// inferTypes converts the raw cells of every non-timestamp column. A column
// whose values are all boolean tokens becomes boolean; otherwise each numeric
// cell becomes a float64 and the rest stay text.
func (p *CSVParser) inferTypes(f *frame, tsCols []int) {
	for c, col := range f.cols {
		if slices.Contains(tsCols, c) {
			continue
		}
		if isBoolColumn(col) {
			for r, v := range col {
				if s, ok := v.(string); ok {
					col[r] = boolTokens[strings.TrimSpace(s)]
				}
			}
			continue
		}
		for r, v := range col {
			if s, ok := v.(string); ok {
				if n, ok := ParseNumber(s, p.cfg.Decimal); ok {
					col[r] = n
				}
			}
		}
	}
}

func isBoolColumn(col []any) bool {
	seen := false
	for _, v := range col {
		if v == nil {
			continue
		}
		s, _ := v.(string)
		if _, ok := boolTokens[strings.TrimSpace(s)]; !ok {
			return false
		}
		seen = true
	}
	return seen
}

// mangle makes names unique by suffixing repeated names with ".1", ".2", ...
func mangle(names []string) []string {
	out := make([]string, len(names))
	used := make(map[string]bool, len(names))
	for i, name := range names {
		candidate := name
		for n := 1; used[candidate]; n++ {
			candidate = name + "." + strconv.Itoa(n)
		}
		used[candidate] = true
		out[i] = candidate
	}
	return out
}
