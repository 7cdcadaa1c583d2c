package limiter

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Response headers written by DefaultHTTPViolationHandler.
const (
	HeaderRetryAfter   = "Retry-After"
	HeaderRetryAfterMs = "X-RateLimit-Retry-After-Ms"
)

// HTTPViolationHandler decides what a rejected request sees. The returned
// error becomes the result of the check; nil lets the request proceed.
type HTTPViolationHandler interface {
	OnLimited(w http.ResponseWriter, r *http.Request, wait time.Duration) error
}

// HTTPViolationFunc adapts a function to HTTPViolationHandler.
type HTTPViolationFunc func(w http.ResponseWriter, r *http.Request, wait time.Duration) error

// OnLimited implements HTTPViolationHandler.
func (f HTTPViolationFunc) OnLimited(w http.ResponseWriter, r *http.Request, wait time.Duration) error {
	return f(w, r, wait)
}

// ChannelViolationHandler decides what happens to a channel that exceeded its quota.
type ChannelViolationHandler interface {
	OnChannelLimited(ctx context.Context, ch Channel, wait time.Duration) error
}

// ChannelViolationFunc adapts a function to ChannelViolationHandler.
type ChannelViolationFunc func(ctx context.Context, ch Channel, wait time.Duration) error

// OnChannelLimited implements ChannelViolationHandler.
func (f ChannelViolationFunc) OnChannelLimited(ctx context.Context, ch Channel, wait time.Duration) error {
	return f(ctx, ch, wait)
}

func usableHandler(h HTTPViolationHandler) bool {
	if f, ok := h.(HTTPViolationFunc); ok {
		return f != nil
	}
	return h != nil
}

func usableChannelHandler(h ChannelViolationHandler) bool {
	if f, ok := h.(ChannelViolationFunc); ok {
		return f != nil
	}
	return h != nil
}

// RetryAfterSeconds rounds wait up to whole seconds, as Retry-After requires.
func RetryAfterSeconds(wait time.Duration) int64 {
	return int64(math.Ceil(wait.Seconds()))
}

// DefaultHTTPViolationHandler answers 429 Too Many Requests with retry headers
// and returns a *LimitedError. The checking runtime fills in the store key.
var DefaultHTTPViolationHandler HTTPViolationHandler = HTTPViolationFunc(func(w http.ResponseWriter, r *http.Request, wait time.Duration) error {
	h := w.Header()
	h.Set(HeaderRetryAfter, strconv.FormatInt(RetryAfterSeconds(wait), 10))
	h.Set(HeaderRetryAfterMs, strconv.FormatInt(wait.Milliseconds(), 10))
	http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
	log.Debug().Str("path", r.URL.Path).Dur("wait", wait).Msg("request rejected with 429")
	return &LimitedError{Wait: wait}
})

// DefaultChannelViolationHandler returns a *LimitedError and leaves the channel open.
var DefaultChannelViolationHandler ChannelViolationHandler = ChannelViolationFunc(func(_ context.Context, _ Channel, wait time.Duration) error {
	return &LimitedError{Wait: wait}
})
