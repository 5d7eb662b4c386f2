package google

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/api/googleapi"
)

var (
	// ErrReauthRequired means the stored grant is gone or revoked and the
	// user has to go through the OAuth flow again.
	ErrReauthRequired = errors.New("google authentication is required")

	// ErrVersionConflict means a conditional write lost against a newer
	// remote version of the event.
	ErrVersionConflict = errors.New("event was modified remotely")

	// ErrCursorExpired means the incremental sync token is no longer valid
	// and a full listing is required.
	ErrCursorExpired = errors.New("sync cursor expired")

	ErrNotFound = errors.New("event not found")

	// ErrTransient covers rate limiting, server errors and network failures
	// that are worth retrying.
	ErrTransient = errors.New("transient google calendar error")
)

// ThrottledError is a transient error carrying the delay the provider asked
// for in its Retry-After header.
type ThrottledError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *ThrottledError) Error() string { return e.Err.Error() }
func (e *ThrottledError) Unwrap() error { return e.Err }

// RetryAfter extracts the provider-requested retry delay from an error chain.
func RetryAfter(err error) (time.Duration, bool) {
	var throttled *ThrottledError
	if errors.As(err, &throttled) {
		return throttled.RetryAfter, true
	}
	return 0, false
}

// classifyError maps a Google API error onto the local error taxonomy.
// The listing flag decides how 410 Gone is read: on a changes listing it
// signals an expired sync token, on a single event it means the event is gone.
func classifyError(err error, listing bool) error {
	if err == nil {
		return nil
	}

	// Errors from the token source surface through the transport wrapped in
	// a *url.Error, not a *googleapi.Error. Anything already carrying one of
	// the local sentinels keeps it.
	switch {
	case errors.Is(err, ErrReauthRequired),
		errors.Is(err, ErrVersionConflict),
		errors.Is(err, ErrCursorExpired),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrTransient):
		return err
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		// DNS failures, timeouts, connection resets.
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	switch {
	case apiErr.Code == 401:
		return fmt.Errorf("%w: %v", ErrReauthRequired, err)
	case apiErr.Code == 404:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case apiErr.Code == 409 || apiErr.Code == 412:
		return fmt.Errorf("%w: %v", ErrVersionConflict, err)
	case apiErr.Code == 410:
		if listing {
			return fmt.Errorf("%w: %v", ErrCursorExpired, err)
		}
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case apiErr.Code == 429 || apiErr.Code >= 500:
		wrapped := fmt.Errorf("%w: %v", ErrTransient, err)
		if delay, ok := retryAfterHint(apiErr.Header); ok {
			return &ThrottledError{RetryAfter: delay, Err: wrapped}
		}
		return wrapped
	}
	return err
}

// retryAfterHint reads the Retry-After header, which carries either a number
// of seconds or an HTTP date.
func retryAfterHint(header http.Header) (time.Duration, bool) {
	value := header.Get("Retry-After")
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		if delay := time.Until(at); delay > 0 {
			return delay, true
		}
	}
	return 0, false
}
