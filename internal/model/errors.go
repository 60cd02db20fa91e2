package model

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindFetchFailed        ErrorKind = "fetch_failed"
	KindParseFailed        ErrorKind = "parse_failed"
	KindExtractionFailed   ErrorKind = "extraction_failed"
	KindStorageUnavailable ErrorKind = "storage_unavailable"
)

// Error tags a pipeline failure with its kind so callers can tell an expected
// upstream problem from a systemic one without inspecting error types.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func NewError(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}

	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}

	return "", false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
