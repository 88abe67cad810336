package models

import (
	"encoding/json"
	"strconv"
	"time"
)

// ResultType selects which value field of an Observation is populated.
type ResultType int

const (
	ResultNumber  ResultType = 0
	ResultString  ResultType = 1
	ResultJSON    ResultType = 2
	ResultBoolean ResultType = 3
)

// String returns the lower-case name of the result type
func (t ResultType) String() string {
	switch t {
	case ResultNumber:
		return "number"
	case ResultString:
		return "string"
	case ResultJSON:
		return "json"
	case ResultBoolean:
		return "boolean"
	default:
		return "unknown"
	}
}

// Observation is one typed time-series value as posted to the upsert API.
// Exactly one of the Result* value fields is set.
type Observation struct {
	ResultTime    string          `json:"result_time"`
	ResultType    ResultType      `json:"result_type"`
	ResultNumber  *json.Number    `json:"result_number,omitempty"`
	ResultString  *string         `json:"result_string,omitempty"`
	ResultJSON    json.RawMessage `json:"result_json,omitempty"`
	ResultBoolean *bool           `json:"result_boolean,omitempty"`
	DatastreamPos string          `json:"datastream_pos"`
	Parameters    string          `json:"parameters"`
}

// ObservationParameters is the document JSON-encoded into Observation.Parameters.
type ObservationParameters struct {
	Origin       string `json:"origin"`
	ColumnHeader string `json:"column_header"`
}

// EncodeParameters renders the parameters document for an observation.
func EncodeParameters(origin, columnHeader string) string {
	b, _ := json.Marshal(ObservationParameters{Origin: origin, ColumnHeader: columnHeader})
	return string(b)
}

// NewNumber builds a Number observation. v must be finite.
func NewNumber(resultTime, pos, params string, v float64) Observation {
	return NewNumberText(resultTime, pos, params, json.Number(strconv.FormatFloat(v, 'g', -1, 64)))
}

// NewNumberText builds a Number observation from the literal of a decoded
// JSON number, so no digits are lost to float64 rounding.
func NewNumberText(resultTime, pos, params string, v json.Number) Observation {
	return Observation{ResultTime: resultTime, ResultType: ResultNumber, ResultNumber: &v, DatastreamPos: pos, Parameters: params}
}

// NewString builds a String observation
func NewString(resultTime, pos, params string, v string) Observation {
	return Observation{ResultTime: resultTime, ResultType: ResultString, ResultString: &v, DatastreamPos: pos, Parameters: params}
}

// NewBoolean builds a Boolean observation
func NewBoolean(resultTime, pos, params string, v bool) Observation {
	return Observation{ResultTime: resultTime, ResultType: ResultBoolean, ResultBoolean: &v, DatastreamPos: pos, Parameters: params}
}

// NewJSON builds a Json observation from an already encoded document
func NewJSON(resultTime, pos, params string, doc json.RawMessage) Observation {
	return Observation{ResultTime: resultTime, ResultType: ResultJSON, ResultJSON: doc, DatastreamPos: pos, Parameters: params}
}

// FormatResultTime renders t as ISO-8601. Naive times (aware == false) carry
// no offset; fractional seconds are printed with microsecond precision only
// when present.
func FormatResultTime(t time.Time, aware bool) string {
	layout := "2006-01-02T15:04:05"
	if t.Nanosecond() != 0 {
		layout += ".000000"
	}
	if aware {
		layout += "-07:00"
	}
	return t.Format(layout)
}
