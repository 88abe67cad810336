package ingest

import (
	"strings"
	"unicode/utf8"
)

// SanitizeUTF8 replaces each run of invalid UTF-8 bytes of a non-JSON MQTT
// payload with U+FFFD before it is archived. It reports whether anything
// was replaced; valid input is returned without copying.
func SanitizeUTF8(s string) (string, bool) {
	if utf8.ValidString(s) {
		return s, false
	}
	return strings.ToValidUTF8(s, string(utf8.RuneError)), true
}
