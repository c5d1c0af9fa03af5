// Package apperr classifies failures so that handlers can map them to an
// HTTP status and the retry layer can tell transient from terminal errors.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindService   Kind = iota // transient or unknown, retryable
	KindValidation            // bad input, never retried
	KindAuth                  // missing or rejected credential, never retried
	KindRateLimit             // remote throttling
	KindNotFound
	KindRemoteFailure // remote job reached a terminal failure, never retried
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func Auth(format string, args ...any) error {
	return &Error{Kind: KindAuth, Msg: fmt.Sprintf(format, args...)}
}

func RateLimit(format string, args ...any) error {
	return &Error{Kind: KindRateLimit, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Service(msg string, err error) error {
	return &Error{Kind: KindService, Msg: msg, Err: err}
}

// RemoteFailure marks an application-level failure reported by the remote
// service (failed or canceled job, unusable output). Re-submitting the
// same input cannot succeed, so these are never retried.
func RemoteFailure(msg string, err error) error {
	return &Error{Kind: KindRemoteFailure, Msg: msg, Err: err}
}

// KindOf returns the classification of err, defaulting to KindService for
// errors that carry no explicit classification.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindService
}

// HTTPStatus maps a classified error to the response status the caller
// should see.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
