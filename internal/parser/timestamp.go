package parser

import (
	"fmt"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"

	"github.com/timeio/tsm-ingest/internal/errors"
)

// assembleIndex parses the composite timestamp of every row of f and returns
// the remaining columns as a Table. The parts of a composite timestamp are
// joined with a single space and parsed with the joined format. Rows whose
// timestamp does not parse are dropped and reported in one warning. A wall
// clock that does not exist or is ambiguous in the configured timezone fails
// the whole parse.
func assembleIndex(f *frame, tsCols []int, cfg *Config, res *Result) (*Table, error) {
	keep := make([]int, 0, f.rows)
	index := make([]time.Time, 0, f.rows)
	parts := make([]string, len(tsCols))

	failed := 0
	var firstFailure string
	for r := 0; r < f.rows; r++ {
		for i, c := range tsCols {
			parts[i] = cellText(f.cols[c][r])
		}
		raw := strings.Join(parts, " ")

		t, err := strftime.Parse(cfg.format, raw)
		if err != nil {
			if failed == 0 {
				firstFailure = raw
			}
			failed++
			continue
		}
		if cfg.Timezone != nil {
			if t, err = localize(t, cfg.Timezone); err != nil {
				return nil, errors.WrapParsing(err, fmt.Sprintf("Cannot localize timestamp '%s'", raw))
			}
		}
		keep = append(keep, r)
		index = append(index, t)
	}

	if failed > 0 {
		res.warn(WarnTimestamps, fmt.Sprintf(
			"Could not parse %d of %d timestamps with provided timestamp format '%s'. First failing timestamp: '%s'",
			failed, f.rows, cfg.format, firstFailure))
	}

	drop := make(map[int]bool, len(tsCols))
	for _, c := range tsCols {
		drop[c] = true
	}

	table := &Table{
		Index: index,
		Aware: cfg.aware || cfg.Timezone != nil,
	}
	for c, name := range f.names {
		if drop[c] {
			continue
		}
		values := make([]any, len(keep))
		for i, r := range keep {
			values[i] = f.cols[c][r]
		}
		table.Columns = append(table.Columns, Column{Name: name, Values: values})
	}

	if len(index) == 0 {
		res.warn(WarnEmpty, msgEmptyDataset)
	}
	return table, nil
}

// localize interprets the wall clock of a naive timestamp in loc. Wall
// clocks skipped by a DST gap or repeated at a DST fall-back are rejected.
func localize(t time.Time, loc *time.Location) (time.Time, error) {
	l := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
	if !sameWallClock(l, t) {
		return time.Time{}, fmt.Errorf("%s does not exist in %s", t.Format(time.DateTime), loc)
	}
	// the same wall clock one hour apart means the local hour repeats
	for _, d := range []time.Duration{-time.Hour, time.Hour} {
		if sameWallClock(l.Add(d), t) {
			return time.Time{}, fmt.Errorf("%s is ambiguous in %s", t.Format(time.DateTime), loc)
		}
	}
	return l, nil
}

func sameWallClock(a, b time.Time) bool {
	y1, m1, d1 := a.Date()
	y2, m2, d2 := b.Date()
	h1, n1, s1 := a.Clock()
	h2, n2, s2 := b.Clock()
	return y1 == y2 && m1 == m2 && d1 == d2 && h1 == h2 && n1 == n2 && s1 == s2
}

// cellText renders a cell as timestamp text.
func cellText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return FormatNumber(x)
	case bool:
		if x {
			return "True"
		}
		return "False"
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}
