package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/tidwall/jsonc"

	"github.com/timeio/tsm-ingest/internal/errors"
)

// JSONParser parses JSON documents into flat tables. Nested objects become
// columns named by their key path joined with the configured separator.
type JSONParser struct {
	cfg *Config
}

// NewJSONParser creates a JSON parser for cfg
func NewJSONParser(cfg *Config) *JSONParser {
	return &JSONParser{cfg: cfg}
}

// Config returns the parser configuration
func (p *JSONParser) Config() *Config { return p.cfg }

// Parse implements Parser.
func (p *JSONParser) Parse(raw []byte) (*Result, error) {
	text, err := decodeText(raw, p.cfg.Encoding)
	if err != nil {
		return nil, err
	}

	doc, err := decodeOrdered(p.stripComments([]byte(text)))
	if err != nil {
		return nil, errors.WrapParsing(err, "invalid json")
	}
	records, err := p.records(doc)
	if err != nil {
		return nil, err
	}
	f, err := p.normalize(records)
	if err != nil {
		return nil, err
	}

	tsCols := make([]int, 0, len(p.cfg.TimestampFields))
	for _, field := range p.cfg.TimestampFields {
		idx := f.indexOf(field.Name)
		if idx < 0 {
			return nil, errors.NewParsingError("Timestamp path error: %q not found", field.Name)
		}
		tsCols = append(tsCols, idx)
	}

	res := &Result{}
	table, err := assembleIndex(f, tsCols, p.cfg, res)
	if err != nil {
		return nil, err
	}
	res.Table = table
	return res, nil
}

func (p *JSONParser) stripComments(data []byte) []byte {
	markers := p.cfg.CommentMarkers
	if slices.Contains(markers, "//") {
		data = jsonc.ToJSON(data)
		markers = slices.DeleteFunc(slices.Clone(markers), func(m string) bool { return m == "//" })
	}
	if len(markers) == 0 {
		return data
	}
	return []byte(stripJSONComments(string(data), markers))
}

// records descends the configured record path. Lists met on the way are
// concatenated.
func (p *JSONParser) records(doc any) (any, error) {
	if len(p.cfg.RecordPath) == 0 {
		return doc, nil
	}
	current := []any{doc}
	if list, ok := doc.([]any); ok {
		current = list
	}
	for _, key := range p.cfg.RecordPath {
		var next []any
		for _, item := range current {
			obj, ok := item.(*object)
			if !ok {
				return nil, errors.NewParsingError("record path error: %q is not reachable through %s", key, kindOf(item))
			}
			child, ok := obj.vals[key]
			if !ok {
				return nil, errors.NewParsingError("record path error: key %q not found", key)
			}
			if list, ok := child.([]any); ok {
				next = append(next, list...)
			} else {
				next = append(next, child)
			}
		}
		current = next
	}
	return current, nil
}

// normalize flattens one object or a list of objects into a frame.
func (p *JSONParser) normalize(doc any) (*frame, error) {
	var rows []*object
	switch d := doc.(type) {
	case *object:
		rows = []*object{d}
	case []any:
		rows = make([]*object, 0, len(d))
		for _, item := range d {
			obj, ok := item.(*object)
			if !ok {
				return nil, errors.NewParsingError("json records must be objects, got %s", kindOf(item))
			}
			rows = append(rows, obj)
		}
	default:
		return nil, errors.NewParsingError("json data must be an object or a list of objects, got %s", kindOf(doc))
	}

	var names []string
	positions := make(map[string]int)
	flat := make([]map[string]any, len(rows))
	for i, obj := range rows {
		flat[i] = make(map[string]any)
		p.flatten("", obj, 0, flat[i], &names, positions)
	}

	f := newFrame(names, len(rows))
	for r, m := range flat {
		for name, v := range m {
			f.cols[positions[name]][r] = v
		}
	}
	return f, nil
}

func (p *JSONParser) flatten(prefix string, obj *object, level int, out map[string]any, names *[]string, positions map[string]int) {
	for _, k := range obj.keys {
		name := k
		if prefix != "" {
			name = prefix + p.cfg.Separator + k
		}
		v := obj.vals[k]
		if child, ok := v.(*object); ok && (p.cfg.MaxLevel < 0 || level < p.cfg.MaxLevel) {
			p.flatten(name, child, level+1, out, names, positions)
			continue
		}
		out[name] = plain(v)
		if _, ok := positions[name]; !ok {
			positions[name] = len(*names)
			*names = append(*names, name)
		}
	}
}

// object is a JSON object that remembers its key order.
type object struct {
	keys []string
	vals map[string]any
}

// decodeOrdered decodes a single JSON value, keeping object key order.
func decodeOrdered(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	v, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after the top-level value")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}

	switch delim {
	case '{':
		obj := &object{vals: make(map[string]any)}
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, _ := kt.(string)
			v, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			if _, seen := obj.vals[key]; !seen {
				obj.keys = append(obj.keys, key)
			}
			obj.vals[key] = v
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return obj, nil
	case '[':
		list := []any{}
		for dec.More() {
			v, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return list, nil
	}
	return nil, fmt.Errorf("unexpected delimiter %q", delim)
}

// plain converts ordered objects into ordinary maps.
func plain(v any) any {
	switch x := v.(type) {
	case *object:
		m := make(map[string]any, len(x.keys))
		for _, k := range x.keys {
			m[k] = plain(x.vals[k])
		}
		return m
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = plain(item)
		}
		return out
	}
	return v
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case *object, map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	}
	return fmt.Sprintf("%T", v)
}
