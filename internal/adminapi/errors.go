package adminapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/theirongolddev/usagesync/internal/transport"
)

var (
	// ErrUnauthorized indicates the key is invalid or lacks the usage scope.
	ErrUnauthorized = errors.New("adminapi: unauthorized (key invalid or missing usage scope)")
	// ErrProvider indicates the provider failed or answered unexpectedly.
	ErrProvider = errors.New("adminapi: provider error")
)

// StatusError is a non-2xx answer from the provider. It unwraps to
// ErrUnauthorized for 401/403 and to ErrProvider otherwise.
type StatusError struct {
	Status int
	URL    string
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("adminapi: %s returned HTTP %d", e.URL, e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Unwrap maps the status onto the package sentinels.
func (e *StatusError) Unwrap() error {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return ErrUnauthorized
	}
	return ErrProvider
}

// HTTPStatus returns the last HTTP status carried by err, or 0.
func HTTPStatus(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	var ee *transport.ExhaustedError
	if errors.As(err, &ee) {
		return ee.StatusCode
	}
	return 0
}
