package skicka

import (
	"errors"
	"fmt"
)

// Kind classifies failures so the web layer can map them onto http codes
// without inspecting error strings.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindForbidden
	KindConflict
	KindValidation
	KindProviderUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindProviderUnavailable:
		return "provider_unavailable"
	}
	return "unknown"
}

type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error {
	return e.err
}

// Wrap keeps the original error reachable through errors.Is/As while
// stamping it with a kind.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, msg: msg, err: err}
}

func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, msg: fmt.Sprintf(format, args...)}
}

func Forbiddenf(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, msg: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, msg: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, msg: fmt.Sprintf(format, args...)}
}

func Unavailablef(format string, args ...any) *Error {
	return &Error{Kind: KindProviderUnavailable, msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or KindUnknown for errors that did not
// originate from this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
