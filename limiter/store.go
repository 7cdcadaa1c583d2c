package limiter

import (
	"context"
)

// Store executes the window scripts atomically.
// Implementations must return an error matching ErrNoScript when id is not loaded.
type Store interface {
	// LoadScript registers src with the store and returns its identifier.
	LoadScript(ctx context.Context, src string) (string, error)
	// EvalScript runs the script identified by id against key.
	// The result is 0 when the request is admitted, otherwise the wait in milliseconds.
	EvalScript(ctx context.Context, id, key string, args ...any) (int64, error)
}
