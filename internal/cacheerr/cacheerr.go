// Package cacheerr classifies failures of the waveform cache pipeline.
//
// Every error that leaves the pipeline carries exactly one Kind so the
// transport can pick a status without string matching.
package cacheerr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	// NoUpstreamData: the upstream source has nothing for the window.
	NoUpstreamData
	// StorageUnavailable: an object-store call failed.
	StorageUnavailable
	// UnsupportedVariant: invalid codec/layout request, rejected before any I/O.
	UnsupportedVariant
	// PartialEncodeFailure: one of the variant uploads failed mid-populate.
	PartialEncodeFailure
	// UnknownSource: the source id is not in the configured table.
	UnknownSource
	// InvalidRequest: malformed window parameters.
	InvalidRequest
)

func (k Kind) String() string {
	switch k {
	case NoUpstreamData:
		return "NoUpstreamData"
	case StorageUnavailable:
		return "StorageUnavailable"
	case UnsupportedVariant:
		return "UnsupportedVariant"
	case PartialEncodeFailure:
		return "PartialEncodeFailure"
	case UnknownSource:
		return "UnknownSource"
	case InvalidRequest:
		return "InvalidRequest"
	default:
		return "Unknown"
	}
}

// Error is a classified pipeline failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind. A nil err still produces an error so that
// callers can report conditions that have no underlying cause.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is New with a formatted cause.
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the outermost Kind in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
