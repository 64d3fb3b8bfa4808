package remote

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// BackendError is a structured rejection from the backend: the HTTP status
// plus the machine-readable code and message from the response body.
type BackendError struct {
	StatusCode int    `json:"status_code"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
}

func (e *BackendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend rejected request (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("backend rejected request (%d): %s", e.StatusCode, e.Message)
}

// IsBackendError unwraps a BackendError if err carries one.
func IsBackendError(err error) (*BackendError, bool) {
	var be *BackendError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// IsTransient reports whether a failed backend call is worth retrying.
// Network-level failures and 408/429/5xx responses are transient; any other
// 4xx means the backend understood the request and rejected it, so retrying
// the same payload can never succeed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if be, ok := IsBackendError(err); ok {
		switch {
		case be.StatusCode >= http.StatusInternalServerError:
			return true
		case be.StatusCode == http.StatusRequestTimeout:
			return true
		case be.StatusCode == http.StatusTooManyRequests:
			return true
		default:
			return false
		}
	}

	// Errors we cannot classify get retried until the cap catches them.
	return true
}
