package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNetwork means retries were exhausted and no cached copy existed.
	ErrNetwork = errors.New("network error")
	// ErrOffline means the process is offline and nothing was cached.
	ErrOffline = errors.New("offline")
	// ErrInsufficientData means the price series is too short for indicators.
	ErrInsufficientData = errors.New("insufficient price data")
	// ErrParse means a remote response held no usable structured object.
	ErrParse = errors.New("malformed remote response")
	// ErrRateLimited means the remote answered 429.
	ErrRateLimited = errors.New("rate limited")
)

// StatusError carries a non-2xx HTTP status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsUnavailable reports whether err means "no update this cycle".
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrOffline)
}
