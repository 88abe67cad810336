// Package errors defines the ingestion error taxonomy and the classification
// the dispatch loop uses to decide between "log and continue" and "log and exit".
package errors

import (
	"errors"
	"fmt"
)

// Class is the handling category of an error returned by an ingestion use case.
type Class int

const (
	// ClassFatal covers every unclassified error. The process terminates.
	ClassFatal Class = iota
	// ClassUser covers errors caused by user data or user configuration.
	ClassUser
	// ClassData covers missing or unavailable data.
	ClassData
)

// String returns the string representation of Class
func (c Class) String() string {
	switch c {
	case ClassUser:
		return "user"
	case ClassData:
		return "data"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables
var (
	ErrUnknownParser   = errors.New("parser not known")
	ErrUnknownThing    = errors.New("thing not found")
	ErrNoObservations  = errors.New("no observations")
	ErrObjectTooLarge  = errors.New("object exceeds maximum size")
	ErrUnsupportedKind = errors.New("unsupported value kind")
)

// ParsingError reports a raw payload that could not be turned into a table or
// into observations. It is fatal to one parse and recoverable per message.
type ParsingError struct {
	Msg string
	Err error
}

func (e *ParsingError) Error() string {
	if e.Err != nil && e.Msg != "" {
		return e.Msg + ": " + e.Err.Error()
	}
	if e.Msg != "" {
		return e.Msg
	}
	return e.Err.Error()
}

func (e *ParsingError) Unwrap() error { return e.Err }

// UserInputError reports a failure attributable to the user: bad files, bad
// parser settings, payloads that do not fit the configured device type.
type UserInputError struct {
	Msg string
	Err error
}

func (e *UserInputError) Error() string {
	if e.Err != nil && e.Msg != "" {
		return e.Msg + ": " + e.Err.Error()
	}
	if e.Msg != "" {
		return e.Msg
	}
	return e.Err.Error()
}

func (e *UserInputError) Unwrap() error { return e.Err }

// DataNotFoundError reports data that is referenced but does not exist, for
// example an object storage bucket without a registered thing.
type DataNotFoundError struct {
	Msg string
	Err error
}

func (e *DataNotFoundError) Error() string {
	if e.Err != nil && e.Msg != "" {
		return e.Msg + ": " + e.Err.Error()
	}
	if e.Msg != "" {
		return e.Msg
	}
	return e.Err.Error()
}

func (e *DataNotFoundError) Unwrap() error { return e.Err }

// NoDataWarning reports a request that legitimately produced nothing.
type NoDataWarning struct {
	Msg string
}

func (e *NoDataWarning) Error() string { return e.Msg }

// ProcessingError reports an internal processing failure. It is unclassified
// and therefore fatal.
type ProcessingError struct {
	Msg string
	Err error
}

func (e *ProcessingError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// NewParsingError creates a ParsingError with a formatted message
func NewParsingError(format string, args ...any) *ParsingError {
	return &ParsingError{Msg: fmt.Sprintf(format, args...)}
}

// WrapParsing wraps err as a ParsingError
func WrapParsing(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &ParsingError{Msg: msg, Err: err}
}

// WrapUser wraps err as a UserInputError
func WrapUser(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &UserInputError{Msg: msg, Err: err}
}

// WrapDataNotFound wraps err as a DataNotFoundError
func WrapDataNotFound(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &DataNotFoundError{Msg: msg, Err: err}
}

// IsUser checks if an error is attributable to user input or parsing
func IsUser(err error) bool {
	var pe *ParsingError
	var ue *UserInputError
	return errors.As(err, &ue) || errors.As(err, &pe)
}

// IsData checks if an error signals missing data
func IsData(err error) bool {
	var de *DataNotFoundError
	var nd *NoDataWarning
	return errors.As(err, &de) || errors.As(err, &nd)
}

// Classify returns the handling class of err. Wrapped errors are unwrapped;
// the outermost classified error wins, so a DataNotFoundError wrapping a
// ParsingError is still data.
func Classify(err error) Class {
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch e.(type) {
		case *UserInputError, *ParsingError:
			return ClassUser
		case *DataNotFoundError, *NoDataWarning:
			return ClassData
		}
	}
	return ClassFatal
}
