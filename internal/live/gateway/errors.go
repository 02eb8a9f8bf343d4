package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrSessionTerminated marks every error that ended the session: retry
	// budget exhausted, no refresh token, or a failed refresh. The original
	// cause stays reachable through errors.Is / errors.As.
	ErrSessionTerminated = errors.New("gateway: session terminated")

	// ErrRefreshFailed wraps whatever went wrong with the refresh call.
	ErrRefreshFailed = errors.New("gateway: token refresh failed")

	ErrNoRefreshToken = errors.New("gateway: no refresh token available")
)

// StatusError is a non-2xx API response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Code       int    // envelope code, 0 if absent
	Message    string // envelope or OAuth2 style message
	Body       []byte
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
}

// IsUnauthorized reports whether err is (or wraps) a 401 StatusError.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized
}

// classify buckets an error for logs and metrics. It never changes what the
// caller receives.
func classify(err error) string {
	var se *StatusError
	var ne net.Error
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &se) && se.StatusCode >= 500:
		return "server"
	case errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized:
		return "unauthorized"
	case errors.As(err, &se):
		return "client"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &ne) && ne.Timeout():
		return "timeout"
	default:
		return "network"
	}
}

func terminated(causes ...error) error {
	err := ErrSessionTerminated
	for _, c := range causes {
		if c != nil {
			err = fmt.Errorf("%w: %w", err, c)
		}
	}
	return err
}
