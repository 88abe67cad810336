package ingest

import (
	"regexp"
	"strings"
	"sync"
)

var patterns sync.Map // glob -> *regexp.Regexp

// MatchPattern reports whether name matches the shell style glob. '*' and
// '?' also match '/', so "*.csv" selects files in sub directories too.
// Character classes accept '!' for negation.
func MatchPattern(glob, name string) bool {
	if re, ok := patterns.Load(glob); ok {
		return re.(*regexp.Regexp).MatchString(name)
	}
	re := regexp.MustCompile(globToRegexp(glob))
	patterns.Store(glob, re)
	return re.MatchString(name)
}

func globToRegexp(glob string) string {
	var b strings.Builder
	b.WriteString(`(?s)\A`)
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch c {
		case '*':
			b.WriteString(`.*`)
		case '?':
			b.WriteString(`.`)
		case '[':
			end, class := bracket(glob, i)
			if end < 0 {
				b.WriteString(`\[`)
				continue
			}
			b.WriteString(class)
			i = end
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString(`\z`)
	return b.String()
}

// bracket translates the character class starting at glob[start]. It returns
// the index of the closing ']' or -1 when the class is not terminated.
func bracket(glob string, start int) (int, string) {
	j := start + 1
	if j < len(glob) && glob[j] == '!' {
		j++
	}
	if j < len(glob) && glob[j] == ']' {
		j++
	}
	for j < len(glob) && glob[j] != ']' {
		j++
	}
	if j >= len(glob) {
		return -1, ""
	}

	body := glob[start+1 : j]
	var b strings.Builder
	b.WriteByte('[')
	if strings.HasPrefix(body, "!") {
		b.WriteByte('^')
		body = body[1:]
	} else if strings.HasPrefix(body, "^") {
		b.WriteString(`\^`)
		body = body[1:]
	}
	for _, r := range body {
		switch r {
		case '\\', '[', ']', '^':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte(']')
	return j, b.String()
}
