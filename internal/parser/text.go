package parser

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/timeio/tsm-ingest/internal/errors"
)

// numericRegex validates that a string is a plain decimal number.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// ParseNumber reports whether s, ignoring surrounding whitespace, is a finite
// decimal number using decimal as the decimal separator.
func ParseNumber(s string, decimal byte) (float64, bool) {
	s = strings.TrimSpace(s)
	if decimal != 0 && decimal != '.' {
		if strings.IndexByte(s, '.') >= 0 {
			return 0, false
		}
		s = strings.Replace(s, string(decimal), ".", 1)
	}
	if !numericRegex.MatchString(s) {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// FormatNumber renders f in its shortest decimal form.
func FormatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// decodeText converts raw bytes of the configured encoding to a string.
func decodeText(raw []byte, encoding string) (string, error) {
	switch encoding {
	case "latin-1", "latin1", "iso-8859-1":
		b, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
		if err != nil {
			return "", errors.WrapParsing(err, "cannot decode latin-1 data")
		}
		return string(b), nil
	case "cp1252", "windows-1252":
		b, err := charmap.Windows1252.NewDecoder().Bytes(raw)
		if err != nil {
			return "", errors.WrapParsing(err, "cannot decode cp1252 data")
		}
		return string(b), nil
	}

	if !utf8.Valid(raw) {
		return "", errors.NewParsingError("data is not valid %s", encoding)
	}
	return strings.TrimPrefix(string(raw), "\ufeff"), nil
}

var lineBreaks = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// splitLines splits text at any line break. A trailing line break does not
// produce an empty last line.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	text = strings.TrimSuffix(lineBreaks.Replace(text), "\n")
	return strings.Split(text, "\n")
}

// trimLines drops skip leading and footer trailing lines.
func trimLines(lines []string, skip, footer int) []string {
	if skip >= len(lines) {
		return nil
	}
	lines = lines[skip:]
	if footer >= len(lines) {
		return nil
	}
	return lines[:len(lines)-footer]
}

// stripComment removes everything from the first comment marker to the end of
// the trimmed line.
func stripComment(line string, markers []string) string {
	line = strings.TrimSpace(line)
	cut := -1
	for _, m := range markers {
		if i := strings.Index(line, m); i >= 0 && (cut < 0 || i < cut) {
			cut = i
		}
	}
	if cut >= 0 {
		line = line[:cut]
	}
	return line
}

// removeMarkers deletes every occurrence of the comment markers, keeping the
// rest of the line.
func removeMarkers(line string, markers []string) string {
	for _, m := range markers {
		line = strings.ReplaceAll(line, m, "")
	}
	return line
}

// stripJSONComments removes everything from a comment marker to the end of
// its line. Markers inside string literals are kept.
func stripJSONComments(text string, markers []string) string {
	var b strings.Builder
	b.Grow(len(text))
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line[:commentStart(line, markers)])
	}
	return b.String()
}

func commentStart(line string, markers []string) int {
	inString, escaped := false, false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		if ch == '"' {
			inString = true
			continue
		}
		for _, m := range markers {
			if strings.HasPrefix(line[i:], m) {
				return i
			}
		}
	}
	return len(line)
}
