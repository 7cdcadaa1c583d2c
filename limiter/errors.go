package limiter

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotInitialized is returned when a decision is requested from a Runtime
	// that was not built by NewRuntime.
	ErrNotInitialized = errors.New("limiter: runtime not initialized, call NewRuntime at startup")
	// ErrNoScript is returned by a Store when the script id is not loaded.
	ErrNoScript = errors.New("limiter: script not loaded in store")
	// ErrScriptMissing is returned when the script is still missing after one reload.
	ErrScriptMissing = errors.New("limiter: script missing after reload")
	// ErrRateLimited is the sentinel every LimitedError unwraps to.
	ErrRateLimited = errors.New("limiter: rate limit exceeded")
)

// LimitedError is returned by the default violation handlers.
type LimitedError struct {
	Key  string
	Wait time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry in %s", e.Key, e.Wait)
}

// Unwrap returns ErrRateLimited.
func (e *LimitedError) Unwrap() error {
	return ErrRateLimited
}

// IsRateLimited reports whether err is a rate limit rejection.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// RetryAfter extracts the wait from a LimitedError. It returns false for any other error.
func RetryAfter(err error) (time.Duration, bool) {
	var le *LimitedError
	if errors.As(err, &le) {
		return le.Wait, true
	}
	return 0, false
}

// ValidationError reports an invalid rule configuration.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid rule: %s: %s", e.Field, e.Message)
}

func newValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
