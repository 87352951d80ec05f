package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuthentication means the credential is invalid or expired and a
	// re-authentication did not fix it.
	ErrAuthentication = errors.New("authentication failed")
	// ErrRateLimited is never retried.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransient covers timeouts, connection failures and 5xx responses
	// once the retry budget is spent.
	ErrTransient = errors.New("transient network error")
)

// StatusError is a non-2xx vendor response. It unwraps to the sentinel
// matching its status code, if any.
type StatusError struct {
	Vendor     string
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("%s %s %s: status %d: %s", e.Vendor, e.Method, e.Path, e.StatusCode, body)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return ErrAuthentication
	case e.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.StatusCode >= 500:
		return ErrTransient
	}
	return nil
}

// IsUnauthorized reports whether err is a 401 response, as opposed to a
// failure while obtaining credentials.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized
}
