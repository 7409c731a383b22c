package errkind

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies every failure the pipeline can surface. Adapters translate
// transport-specific errors into one of these before they cross a package
// boundary.
type Kind string

const (
	Validation      Kind = "validation"
	NotConnected    Kind = "not_connected"
	DriverTransport Kind = "driver_transport"
	DeviceNotFound  Kind = "device_not_found"
	Timeout         Kind = "timeout"
	Cancelled       Kind = "cancelled"
	ArtifactIO      Kind = "artifact_io"
	Internal        Kind = "internal"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind carried by err, or Internal when err is not a
// taxonomy error. A nil err has no kind and returns "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to the response status the gateway uses. 499 follows
// the nginx convention for client-cancelled requests.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusBadRequest
	case NotConnected, DeviceNotFound:
		return http.StatusConflict
	case Timeout:
		return http.StatusGatewayTimeout
	case Cancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
