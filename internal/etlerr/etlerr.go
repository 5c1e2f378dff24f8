// Package etlerr classifies the failures a run can end with.
//
// Every error that aborts a run is wrapped in an *Error carrying one of the
// Kind values below, so callers can branch with errors.Is:
//
//	if errors.Is(err, etlerr.InputUnavailable) { ... }
package etlerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies the class of a run failure.
type Kind int

const (
	// Unknown is returned by KindOf for errors that carry no classification.
	Unknown Kind = iota
	// InputUnavailable means an input location cannot be read or matched nothing.
	InputUnavailable
	// SchemaMismatch means input records lack fields the transforms require.
	SchemaMismatch
	// WriteFailure means a table could not be written to its output location.
	WriteFailure
	// QualityFailure means a data-quality check found violations.
	QualityFailure
)

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	switch k {
	case InputUnavailable:
		return "input_unavailable"
	case SchemaMismatch:
		return "schema_mismatch"
	case WriteFailure:
		return "write_failure"
	case QualityFailure:
		return "quality_failure"
	default:
		return "unknown"
	}
}

// Error lets a Kind be used as an errors.Is target.
func (k Kind) Error() string {
	return k.String()
}

// Error is a classified run failure.
type Error struct {
	Kind     Kind
	Table    string // relation or output table involved, if any
	Location string // input or output location involved, if any
	Err      error
}

// New creates a classified error.
func New(kind Kind, table, location string, err error) *Error {
	return &Error{Kind: kind, Table: table, Location: location, Err: err}
}

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Table != "" {
		fmt.Fprintf(&b, " [%s]", e.Table)
	}
	if e.Location != "" {
		fmt.Fprintf(&b, " at %s", e.Location)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the Kind of this error.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
