package fetch

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the client.
var (
	ErrCircuitOpen      = errors.New("circuit breaker is open")
	ErrMaxRetries       = errors.New("max retries exceeded")
	ErrResponseTooLarge = errors.New("response body exceeds maximum size limit")
)

// ErrorKind classifies a failed fetch.
type ErrorKind int

const (
	// KindNetwork covers transport failures: DNS, connection, timeouts, truncated bodies.
	KindNetwork ErrorKind = iota
	// KindNotFound means the resource does not exist (404 or 410).
	KindNotFound
	// KindServer is any other non-2xx response.
	KindServer
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindNotFound:
		return "not_found"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// Error is returned by Fetch for every failure.
type Error struct {
	Kind   ErrorKind
	Status int
	URL    string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("fetch %s: %s error: status %d", e.URL, e.Kind, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %s error: %v", e.URL, e.Kind, e.Err)
	default:
		return fmt.Sprintf("fetch %s: %s error", e.URL, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a fetch error of kind KindNotFound.
func IsNotFound(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == KindNotFound
}

// KindOf returns the kind of a fetch error, or KindNetwork for foreign errors.
func KindOf(err error) ErrorKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindNetwork
}

func statusError(url string, status int) *Error {
	kind := KindServer
	if status == http.StatusNotFound || status == http.StatusGone {
		kind = KindNotFound
	}
	return &Error{Kind: kind, Status: status, URL: url}
}
