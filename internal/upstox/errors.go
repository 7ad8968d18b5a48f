package upstox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrOrderRejected is returned when the broker accepts the request but
// refuses the order
var ErrOrderRejected = errors.New("upstox: order rejected")

// APIError carries the broker's error detail for a failed call
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.Status, e.Message)
}

// Is lets errors.Is(err, ErrOrderRejected) match client-side order failures
func (e *APIError) Is(target error) bool {
	return target == ErrOrderRejected && e.Status >= 400 && e.Status < 500 &&
		e.Status != http.StatusUnauthorized && e.Status != http.StatusTooManyRequests
}

// IsUnauthorized reports whether err means the token was refused
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// IsTransient reports whether err is worth retrying on a later cycle:
// network failures, timeouts, 429 and 5xx responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
