package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// ErrorKind classifies a failed request.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindNetwork means no response reached the server or the call timed out.
	KindNetwork
	KindUnauthorized
	KindForbidden
	KindNotFound
	// KindServerError covers 5xx responses and envelopes whose status is not 200.
	KindServerError
	// KindValidation means the request was rejected client side before sending.
	KindValidation
	// KindRejected covers 4xx responses other than 401, 403 and 404.
	KindRejected
	KindCanceled
)

var kindNames = map[ErrorKind]string{
	KindUnknown:      "unknown",
	KindNetwork:      "network",
	KindUnauthorized: "unauthorized",
	KindForbidden:    "forbidden",
	KindNotFound:     "not_found",
	KindServerError:  "server_error",
	KindValidation:   "validation",
	KindRejected:     "rejected",
	KindCanceled:     "canceled",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ErrorInfo is the error stored on a cache entry and surfaced to views.
type ErrorInfo struct {
	Kind ErrorKind
	// Status is the HTTP or envelope status when one was received.
	Status  int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ErrorInfo) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *ErrorInfo) Unwrap() error {
	return e.Err
}

// Is matches another *ErrorInfo by kind, so errors.Is(err, ErrNotFound) works.
func (e *ErrorInfo) Is(target error) bool {
	t, ok := target.(*ErrorInfo)
	if !ok {
		return false
	}
	return t.Status == 0 && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels usable with errors.Is.
var (
	ErrNetwork      = &ErrorInfo{Kind: KindNetwork}
	ErrUnauthorized = &ErrorInfo{Kind: KindUnauthorized}
	ErrForbidden    = &ErrorInfo{Kind: KindForbidden}
	ErrNotFound     = &ErrorInfo{Kind: KindNotFound}
	ErrServer       = &ErrorInfo{Kind: KindServerError}
	ErrValidation   = &ErrorInfo{Kind: KindValidation}
	ErrRejected     = &ErrorInfo{Kind: KindRejected}
	ErrCanceled     = &ErrorInfo{Kind: KindCanceled}
)

// NewError builds an ErrorInfo of the given kind.
func NewError(kind ErrorKind, message string) *ErrorInfo {
	return &ErrorInfo{Kind: kind, Message: message}
}

// ValidationError wraps a client side validation failure.
func ValidationError(err error) *ErrorInfo {
	return &ErrorInfo{Kind: KindValidation, Err: err}
}

// FromStatus maps an HTTP or envelope status to an ErrorInfo. It returns nil
// for 200.
func FromStatus(status int, message string) *ErrorInfo {
	if status == http.StatusOK {
		return nil
	}

	kind := KindServerError
	switch {
	case status == http.StatusUnauthorized:
		kind = KindUnauthorized
	case status == http.StatusForbidden:
		kind = KindForbidden
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status >= 400 && status < 500:
		kind = KindRejected
	}

	if message == "" {
		message = http.StatusText(status)
	}
	return &ErrorInfo{Kind: kind, Status: status, Message: message}
}

// Classify converts any error into an ErrorInfo. Nil stays nil.
func Classify(err error) *ErrorInfo {
	if err == nil {
		return nil
	}

	var info *ErrorInfo
	if errors.As(err, &info) {
		return info
	}

	var verrs validation.Errors
	if errors.As(err, &verrs) {
		return ValidationError(err)
	}
	var verr validation.Error
	if errors.As(err, &verr) {
		return ValidationError(err)
	}

	switch {
	case errors.Is(err, context.Canceled):
		return &ErrorInfo{Kind: KindCanceled, Err: err}
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return &ErrorInfo{Kind: KindNetwork, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &ErrorInfo{Kind: KindNetwork, Err: err}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &ErrorInfo{Kind: KindNetwork, Err: err}
	}

	return &ErrorInfo{Kind: KindUnknown, Err: err}
}

// KindOf returns the classified kind of err.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	return Classify(err).Kind
}
