package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatResultTime(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	tests := []struct {
		name  string
		t     time.Time
		aware bool
		want  string
	}{
		{"naive", time.Date(2021, 9, 9, 6, 0, 0, 0, time.UTC), false, "2021-09-09T06:00:00"},
		{"naive fraction", time.Date(2021, 9, 9, 6, 0, 0, 123000000, time.UTC), false, "2021-09-09T06:00:00.123000"},
		{"aware utc", time.Date(2021, 9, 9, 6, 0, 0, 0, time.UTC), true, "2021-09-09T06:00:00+00:00"},
		{"aware berlin", time.Date(2021, 9, 9, 6, 0, 0, 0, berlin), true, "2021-09-09T06:00:00+02:00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatResultTime(tt.t, tt.aware))
		})
	}
}

func TestObservationWireFormat(t *testing.T) {
	obs := NewString("2021-09-09T06:00:00", "3", EncodeParameters("test", "3"), "xW8")

	b, err := json.Marshal(obs)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "xW8", got["result_string"])
	assert.EqualValues(t, 1, got["result_type"])
	assert.Equal(t, "3", got["datastream_pos"])
	assert.NotContains(t, got, "result_number")
	assert.NotContains(t, got, "result_boolean")
	assert.NotContains(t, got, "result_json")

	var params ObservationParameters
	require.NoError(t, json.Unmarshal([]byte(got["parameters"].(string)), &params))
	assert.Equal(t, ObservationParameters{Origin: "test", ColumnHeader: "3"}, params)
}

func TestNumberZeroIsSerialized(t *testing.T) {
	b, err := json.Marshal(NewNumber("2021-09-09T06:00:00", "0", "{}", 0))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"result_number":0`)
}

func TestNumberSerialization(t *testing.T) {
	tests := []struct {
		name string
		obs  Observation
		want string
	}{
		{"float", NewNumber("t", "0", "{}", 989.76), `"result_number":989.76`},
		{"whole float", NewNumber("t", "0", "{}", 987), `"result_number":987`},
		{"large float", NewNumber("t", "0", "{}", 1e21), `"result_number":1e+21`},
		{"large integer literal", NewNumberText("t", "0", "{}", json.Number("9007199254740993")), `"result_number":9007199254740993`},
		{"decimal literal", NewNumberText("t", "0", "{}", json.Number("0.10000000000000000001")), `"result_number":0.10000000000000000001`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := json.Marshal(tt.obs)
			require.NoError(t, err)
			assert.Contains(t, string(b), tt.want)
			assert.Equal(t, ResultNumber, tt.obs.ResultType)
		})
	}
}
