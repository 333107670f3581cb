package researchexport

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies export failures.
type ErrorKind int

const (
	KindUnauthorized ErrorKind = iota + 1
	KindForbidden
	KindInvalidArgument
	KindNotFound
	KindConfiguration
	KindUpstream
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNotFound:
		return "not_found"
	case KindConfiguration:
		return "configuration_error"
	case KindUpstream:
		return "upstream_failure"
	}
	return "unknown"
}

// HTTPStatus maps a kind to its response status.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// ExportError is returned by every failing pipeline stage. Message is safe
// to show to the caller; Err carries the internal cause and is only logged.
type ExportError struct {
	Kind    ErrorKind
	Field   string
	Message string
	Err     error
}

func (e *ExportError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ExportError) Unwrap() error { return e.Err }

// Is matches any ExportError of the same kind, so the sentinels below work
// with errors.Is.
func (e *ExportError) Is(target error) bool {
	t, ok := target.(*ExportError)
	return ok && t.Kind == e.Kind
}

var (
	ErrUnauthorized    = &ExportError{Kind: KindUnauthorized}
	ErrForbidden       = &ExportError{Kind: KindForbidden}
	ErrInvalidArgument = &ExportError{Kind: KindInvalidArgument}
	ErrNotFound        = &ExportError{Kind: KindNotFound}
	ErrConfiguration   = &ExportError{Kind: KindConfiguration}
	ErrUpstream        = &ExportError{Kind: KindUpstream}
)

// KindOf returns the kind of err, or KindUpstream for foreign errors.
func KindOf(err error) ErrorKind {
	var ee *ExportError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindUpstream
}

func invalidArgument(field, msg string) *ExportError {
	return &ExportError{Kind: KindInvalidArgument, Field: field, Message: msg}
}

func upstream(msg string, err error) *ExportError {
	return &ExportError{Kind: KindUpstream, Message: msg, Err: err}
}

func configuration(msg string) *ExportError {
	return &ExportError{Kind: KindConfiguration, Message: msg}
}
