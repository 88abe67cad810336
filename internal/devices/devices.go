// Package devices turns decoded MQTT messages of known device types into
// observations. Each device type has its own message layout.
package devices

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"

	"github.com/timeio/tsm-ingest/internal/errors"
	"github.com/timeio/tsm-ingest/pkg/models"
)

// Registered device type names
const (
	TypeCampbellCR6       = "campbell_cr6"
	TypeBrightskyDWD      = "brightsky_dwd_api"
	TypeYdocML417         = "ydoc_ml417"
	TypeChirpStackGeneric = "chirpstack_generic"
	TypeSineDummy         = "sine_dummy"
)

// Observation is a single untyped value found in a device message
type Observation struct {
	Timestamp string
	Value     any
	Origin    string
	Position  string
	Header    string
}

// Parser extracts observations from a decoded message. origin is
// <broker>/<topic> of the message.
type Parser interface {
	Parse(content any, origin string) ([]Observation, error)
}

// ParserFunc adapts a function to Parser
type ParserFunc func(content any, origin string) ([]Observation, error)

func (f ParserFunc) Parse(content any, origin string) ([]Observation, error) {
	return f(content, origin)
}

// New returns the parser of deviceType
func New(deviceType string) (Parser, error) {
	switch deviceType {
	case TypeCampbellCR6:
		return ParserFunc(parseCampbellCR6), nil
	case TypeBrightskyDWD:
		return ParserFunc(parseBrightskyDWD), nil
	case TypeYdocML417:
		return ParserFunc(parseYdocML417), nil
	case TypeChirpStackGeneric:
		return ParserFunc(parseChirpStack), nil
	case TypeSineDummy:
		return &sineDummy{now: time.Now}, nil
	}
	return nil, &errors.UserInputError{Msg: fmt.Sprintf("parser %q not known", deviceType), Err: errors.ErrUnknownParser}
}

// Encode types the observations. Values of unsupported type are returned
// in skipped; missing and NaN values are dropped.
func Encode(obs []Observation) (out []models.Observation, skipped []Observation) {
	out = make([]models.Observation, 0, len(obs))
	for _, o := range obs {
		params := models.EncodeParameters(o.Origin, o.Header)
		switch v := o.Value.(type) {
		case nil:
		case float64:
			if !math.IsNaN(v) {
				out = append(out, models.NewNumber(o.Timestamp, o.Position, params, v))
			}
		case json.Number:
			out = append(out, models.NewNumberText(o.Timestamp, o.Position, params, v))
		case string:
			out = append(out, models.NewString(o.Timestamp, o.Position, params, v))
		case bool:
			out = append(out, models.NewBoolean(o.Timestamp, o.Position, params, v))
		case map[string]any:
			doc, err := json.Marshal(v)
			if err != nil {
				skipped = append(skipped, o)
				continue
			}
			out = append(out, models.NewJSON(o.Timestamp, o.Position, params, doc))
		default:
			skipped = append(skipped, o)
		}
	}
	return out, skipped
}

// TypeName names the JSON type of v for log and journal messages
func TypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, json.Number:
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

// {"properties": {"observationNames": [..], "observations": {ts: [values]}}}
func parseCampbellCR6(content any, origin string) ([]Observation, error) {
	msg, err := object(content, "message")
	if err != nil {
		return nil, err
	}
	raw, ok := msg["properties"]
	if !ok || raw == nil {
		return nil, nil
	}
	props, err := object(raw, "properties")
	if err != nil {
		return nil, err
	}
	names, err := array(props["observationNames"], "properties.observationNames")
	if err != nil {
		return nil, err
	}
	series, err := object(props["observations"], "properties.observations")
	if err != nil {
		return nil, err
	}

	var out []Observation
	for _, ts := range sortedKeys(series) {
		values, err := array(series[ts], "properties.observations."+ts)
		if err != nil {
			return nil, err
		}
		for i := 0; i < len(names) && i < len(values); i++ {
			header, _ := names[i].(string)
			out = append(out, Observation{
				Timestamp: ts,
				Value:     values[i],
				Origin:    origin,
				Position:  strconv.Itoa(i),
				Header:    header,
			})
		}
	}
	return out, nil
}

// {"weather": {"timestamp": ts, prop: value, ...}, "sources": [source, ...]}
func parseBrightskyDWD(content any, origin string) ([]Observation, error) {
	msg, err := object(content, "message")
	if err != nil {
		return nil, err
	}
	weather, err := object(msg["weather"], "weather")
	if err != nil {
		return nil, err
	}
	ts, ok := weather["timestamp"]
	if !ok {
		return nil, fmt.Errorf("weather.timestamp is missing")
	}
	sources, err := array(msg["sources"], "sources")
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("sources is empty")
	}
	header := text(sources[0])

	var out []Observation
	for _, prop := range sortedKeys(weather) {
		if prop == "timestamp" {
			continue
		}
		out = append(out, Observation{
			Timestamp: text(ts),
			Value:     weather[prop],
			Origin:    origin,
			Position:  prop,
			Header:    header,
		})
	}
	return out, nil
}

// {"time": ts, "object": {key: value, ...}}
func parseChirpStack(content any, origin string) ([]Observation, error) {
	msg, err := object(content, "message")
	if err != nil {
		return nil, err
	}
	ts, ok := msg["time"]
	if !ok {
		return nil, fmt.Errorf("time is missing")
	}
	obj, err := object(msg["object"], "object")
	if err != nil {
		return nil, err
	}

	var out []Observation
	for _, key := range sortedKeys(obj) {
		// device clock, not a measurement
		if key == "Data_time" {
			continue
		}
		out = append(out, Observation{
			Timestamp: text(ts),
			Value:     obj[key],
			Origin:    origin,
			Position:  key,
			Header:    key,
		})
	}
	return out, nil
}

var ydocChannels = []string{"MINVi", "AVGVi", "AVGCi", "P1*", "P2", "P3", "P4"}

// Only messages on a data/jsn topic carry measurements. Records lacking any
// channel, like {"$ts": .., "$msg": "WDT;pr2_1"}, are ignored.
func parseYdocML417(content any, origin string) ([]Observation, error) {
	if !strings.Contains(origin, "data/jsn") {
		return nil, nil
	}
	msg, err := object(content, "message")
	if err != nil {
		return nil, err
	}
	records, err := array(msg["data"], "data")
	if err != nil {
		return nil, err
	}

	var out []Observation
	for _, r := range records {
		rec, ok := r.(map[string]any)
		if !ok || !hasAll(rec, "$ts", ydocChannels) {
			continue
		}
		t, err := strftime.Parse("%y%m%d%H%M%S", text(rec["$ts"]))
		if err != nil {
			return nil, fmt.Errorf("invalid $ts %v: %w", rec["$ts"], err)
		}
		ts := models.FormatResultTime(t, false)
		for i, ch := range ydocChannels {
			out = append(out, Observation{
				Timestamp: ts,
				Value:     rec[ch],
				Origin:    origin,
				Position:  strconv.Itoa(i),
				Header:    ch,
			})
		}
	}
	return out, nil
}

type sineDummy struct {
	now func() time.Time
}

// {"sine": v, "cosine": v}, stamped with the time of receipt
func (p *sineDummy) Parse(content any, origin string) ([]Observation, error) {
	msg, err := object(content, "message")
	if err != nil {
		return nil, err
	}
	ts := models.FormatResultTime(p.now().UTC(), true)
	var out []Observation
	for i, key := range []string{"sine", "cosine"} {
		v, ok := msg[key]
		if !ok {
			return nil, fmt.Errorf("%s is missing", key)
		}
		out = append(out, Observation{Timestamp: ts, Value: v, Origin: origin, Position: strconv.Itoa(i), Header: key})
	}
	return out, nil
}

func object(v any, name string) (map[string]any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an object, got %s", name, TypeName(v))
	}
	return m, nil
}

func array(v any, name string) ([]any, error) {
	a, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an array, got %s", name, TypeName(v))
	}
	return a, nil
}

// text renders a scalar the way it appeared in the message
func text(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	}
	return fmt.Sprint(v)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func hasAll(m map[string]any, first string, rest []string) bool {
	if _, ok := m[first]; !ok {
		return false
	}
	for _, k := range rest {
		if _, ok := m[k]; !ok {
			return false
		}
	}
	return true
}
