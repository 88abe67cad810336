package parser

// WarningKind categorizes a ParsingWarning.
type WarningKind int

const (
	WarnTimestamps WarningKind = iota
	WarnHeaderMismatch
	WarnEmpty
	WarnRowWidth
)

func (k WarningKind) String() string {
	switch k {
	case WarnTimestamps:
		return "timestamps"
	case WarnHeaderMismatch:
		return "header_mismatch"
	case WarnEmpty:
		return "empty"
	case WarnRowWidth:
		return "row_width"
	default:
		return "unknown"
	}
}

// Warning is a non-fatal ParsingWarning collected during a parse. Partial
// results remain usable.
type Warning struct {
	Kind    WarningKind
	Message string
}

func (w Warning) String() string { return w.Message }

const (
	msgEmptyDataset   = "Parsing resulted in empty dataset."
	msgHeaderMismatch = "Comparison of header based data and position based data failed. Positions will be used instead."
)

// MappingArtifact associates positional column identifiers with header names.
// It is produced when header and position based parses agree.
type MappingArtifact struct {
	Positions map[string]string
}

// Result is the outcome of one parse.
type Result struct {
	Table    *Table
	Warnings []Warning
	Mapping  *MappingArtifact
}

// HasWarning reports whether a warning of kind k was collected.
func (r *Result) HasWarning(k WarningKind) bool {
	for _, w := range r.Warnings {
		if w.Kind == k {
			return true
		}
	}
	return false
}

func (r *Result) warn(k WarningKind, msg string) {
	r.Warnings = append(r.Warnings, Warning{Kind: k, Message: msg})
}

// Parser turns a raw payload into a time-indexed table. Implementations do
// no I/O and are safe for concurrent use.
type Parser interface {
	Parse(raw []byte) (*Result, error)
}
