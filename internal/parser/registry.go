package parser

import (
	"fmt"

	"github.com/timeio/tsm-ingest/internal/errors"
)

// Registered file parser type names
const (
	TypeCSV  = "csvparser"
	TypeJSON = "jsonparser"
)

// New builds the file parser registered under typeName from stored settings.
func New(typeName string, settings map[string]any) (Parser, error) {
	switch typeName {
	case TypeCSV:
		cfg, err := NewConfig(KindCSV, settings)
		if err != nil {
			return nil, err
		}
		return NewCSVParser(cfg), nil
	case TypeJSON:
		cfg, err := NewConfig(KindJSON, settings)
		if err != nil {
			return nil, err
		}
		return NewJSONParser(cfg), nil
	}
	return nil, &errors.UserInputError{Msg: fmt.Sprintf("parser %q not known", typeName), Err: errors.ErrUnknownParser}
}
