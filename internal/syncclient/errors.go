package syncclient

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/elderdiet/activitysync/internal/credential"
)

var (
	// ErrTransient covers network failures, 429 and 5xx; retry with backoff.
	ErrTransient = errors.New("transient network error")
	// ErrAuth suspends sync until a new credential is announced.
	ErrAuth = errors.New("authentication rejected")
	// ErrServerRejected means the payload was refused; drop it.
	ErrServerRejected = errors.New("rejected by server")
	ErrNotFound       = errors.New("not found")
	ErrNoCredential   = credential.ErrNoCredential
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrTransient:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrServerRejected:
		return e.StatusCode >= 400 && e.StatusCode < 500 &&
			e.StatusCode != http.StatusUnauthorized &&
			e.StatusCode != http.StatusForbidden &&
			e.StatusCode != http.StatusTooManyRequests
	}
	return false
}

// Classify maps an error onto the sync taxonomy. Unknown errors count as
// transient so nothing is dropped by accident.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNoCredential), errors.Is(err, ErrAuth):
		return ErrAuth
	case errors.Is(err, ErrServerRejected):
		return ErrServerRejected
	default:
		return ErrTransient
	}
}
