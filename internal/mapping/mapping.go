// Package mapping persists the column position to header name mapping of a
// thing, as found when a header based parse agreed with the positional one.
package mapping

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/timeio/tsm-ingest/internal/metrics"
	"github.com/timeio/tsm-ingest/internal/parser"
)

// Writer stores mapping files below a base directory
type Writer struct {
	dir    string
	logger zerolog.Logger
}

// NewWriter creates a writer rooted at dir
func NewWriter(dir string, logger zerolog.Logger) *Writer {
	return &Writer{dir: dir, logger: logger.With().Str("component", "mapping").Logger()}
}

// Path returns <dir>/<project>/mappings/<thing>.yaml
func (w *Writer) Path(project string, thing uuid.UUID) string {
	return filepath.Join(w.dir, safeName(project), "mappings", thing.String()+".yaml")
}

// Write replaces the mapping file of thing atomically and returns its path
func (w *Writer) Write(project string, thing uuid.UUID, m *parser.MappingArtifact) (string, error) {
	data, err := Encode(thing, m)
	if err != nil {
		return "", err
	}

	path := w.Path(project, thing)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create mapping directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".mapping-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmp.Name())
		if writeErr == nil {
			writeErr = closeErr
		}
		return "", fmt.Errorf("failed to write mapping: %w", writeErr)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to rename mapping: %w", err)
	}

	metrics.Get().IncMappingsSaved()
	w.logger.Info().Str("thing", thing.String()).Str("path", path).Int("columns", len(m.Positions)).Msg("Wrote mapping")
	return path, nil
}

// Encode renders {thing: {position: header}} with positions in ascending
// order. Numeric positions are written as integers.
func Encode(thing uuid.UUID, m *parser.MappingArtifact) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("no mapping for thing %s", thing)
	}

	positions := make([]string, 0, len(m.Positions))
	for pos := range m.Positions {
		positions = append(positions, pos)
	}
	sort.Slice(positions, func(i, j int) bool { return lessPosition(positions[i], positions[j]) })

	columns := &yaml.Node{Kind: yaml.MappingNode}
	for _, pos := range positions {
		key := &yaml.Node{Kind: yaml.ScalarNode, Value: pos, Tag: "!!str"}
		if _, err := strconv.Atoi(pos); err == nil {
			key.Tag = "!!int"
		}
		columns.Content = append(columns.Content, key,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: m.Positions[pos]})
	}

	doc := &yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: thing.String()},
		columns,
	}}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode mapping: %w", err)
	}
	return out, nil
}

// Read loads a mapping file written by Write
func Read(path string) (uuid.UUID, *parser.MappingArtifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return uuid.Nil, nil, err
	}
	var doc map[string]map[string]string
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return uuid.Nil, nil, fmt.Errorf("failed to decode mapping %s: %w", path, err)
	}
	if len(doc) != 1 {
		return uuid.Nil, nil, fmt.Errorf("mapping %s must hold exactly one thing, found %d", path, len(doc))
	}
	for key, positions := range doc {
		thing, err := uuid.Parse(key)
		if err != nil {
			return uuid.Nil, nil, fmt.Errorf("mapping %s: %w", path, err)
		}
		return thing, &parser.MappingArtifact{Positions: positions}, nil
	}
	panic("unreachable")
}

func lessPosition(a, b string) bool {
	x, errX := strconv.Atoi(a)
	y, errY := strconv.Atoi(b)
	switch {
	case errX == nil && errY == nil:
		return x < y
	case errX == nil:
		return true
	case errY == nil:
		return false
	}
	return a < b
}

// safeName keeps a project name usable as a single path element
func safeName(name string) string {
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}
