package limiter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRequest(remote string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/items", nil)
	r.RemoteAddr = remote
	return r
}

func TestCheckRequestDefaultHandler(t *testing.T) {
	h := memoryHarness(t)
	rule := MustRule(RuleConfig{Times: 1, Milliseconds: 1500})
	site := CallSite{RouteID: 2, Ordinal: 0}

	w := httptest.NewRecorder()
	require.NoError(t, h.rt.CheckRequest(w, newRequest("10.0.0.1:4000"), rule, site))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	err := h.rt.CheckRequest(w, newRequest("10.0.0.1:4001"), rule, site)
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get(HeaderRetryAfter))
	assert.Equal(t, "1500", w.Header().Get(HeaderRetryAfterMs))

	var le *LimitedError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "limitlink:10.0.0.1:2:0", le.Key)
	assert.Equal(t, 1500*time.Millisecond, le.Wait)
	wait, ok := RetryAfter(err)
	assert.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, wait)
}

func TestCheckRequestIdentitiesAreSeparate(t *testing.T) {
	h := memoryHarness(t)
	rule := MustRule(RuleConfig{Times: 1, Seconds: 1})
	site := CallSite{}

	require.NoError(t, h.rt.CheckRequest(httptest.NewRecorder(), newRequest("10.0.0.1:1"), rule, site))
	require.NoError(t, h.rt.CheckRequest(httptest.NewRecorder(), newRequest("10.0.0.2:1"), rule, site))
	assert.Error(t, h.rt.CheckRequest(httptest.NewRecorder(), newRequest("10.0.0.1:1"), rule, site))
}

func TestCheckRequestHandlerResultIsReturned(t *testing.T) {
	h := memoryHarness(t)
	var got time.Duration
	calls := 0
	rule := MustRule(RuleConfig{Times: 0, Seconds: 3}, WithViolationHandler(HTTPViolationFunc(
		func(w http.ResponseWriter, r *http.Request, wait time.Duration) error {
			calls++
			got = wait
			return nil
		})))

	w := httptest.NewRecorder()
	assert.NoError(t, h.rt.CheckRequest(w, newRequest("10.0.0.1:1"), rule, CallSite{}))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 3*time.Second, got)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCheckRequestIdentityOverride(t *testing.T) {
	h := memoryHarness(t)
	errNoUser := errors.New("no user")
	rule := MustRule(RuleConfig{Times: 1, Seconds: 1}, WithIdentifier(IdentityFunc(
		func(ctx context.Context, r *http.Request) (string, error) {
			user := r.Header.Get("X-User")
			if user == "" {
				return "", errNoUser
			}
			return user, nil
		})))

	err := h.rt.CheckRequest(httptest.NewRecorder(), newRequest("10.0.0.1:1"), rule, CallSite{})
	assert.ErrorIs(t, err, errNoUser)
	assert.Equal(t, int32(0), h.store.evals.Load())

	r := newRequest("10.0.0.1:1")
	r.Header.Set("X-User", "alice")
	d, err := h.rt.EvaluateRequest(httptest.NewRecorder(), r, rule, CallSite{})
	require.NoError(t, err)
	assert.Equal(t, "limitlink:alice:0:0", d.Key)
}

func TestCheckRequestRuntimeDefaults(t *testing.T) {
	h := memoryHarness(t,
		WithPrefix("api"),
		WithDefaultIdentifier(IdentityFunc(func(context.Context, *http.Request) (string, error) {
			return "everyone", nil
		})),
		WithDefaultViolationHandler(HTTPViolationFunc(func(w http.ResponseWriter, _ *http.Request, _ time.Duration) error {
			w.WriteHeader(http.StatusServiceUnavailable)
			return ErrRateLimited
		})),
	)
	rule := MustRule(RuleConfig{Times: 1, Seconds: 1})

	d, err := h.rt.EvaluateRequest(httptest.NewRecorder(), newRequest("10.0.0.1:1"), rule, CallSite{RouteID: 1})
	require.NoError(t, err)
	assert.Equal(t, "api:everyone:1:0", d.Key)

	w := httptest.NewRecorder()
	err = h.rt.CheckRequest(w, newRequest("10.0.0.9:1"), rule, CallSite{RouteID: 1})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCheckRequestUninitialized(t *testing.T) {
	var rt *Runtime
	rule := MustRule(RuleConfig{Times: 1, Seconds: 1})
	err := rt.CheckRequest(httptest.NewRecorder(), newRequest("10.0.0.1:1"), rule, CallSite{})
	assert.ErrorIs(t, err, ErrNotInitialized)

	err = (&Runtime{}).CheckChannel(context.Background(), &testChannel{}, rule, "chat")
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestCheckChannel(t *testing.T) {
	h := memoryHarness(t)
	rule := MustRule(RuleConfig{Times: 2, Seconds: 1})
	ch := &testChannel{addr: &net.TCPAddr{IP: net.ParseIP("192.0.2.7"), Port: 5555}}
	ctx := context.Background()

	require.NoError(t, h.rt.CheckChannel(ctx, ch, rule, "chat"))
	require.NoError(t, h.rt.CheckChannel(ctx, ch, rule, "chat"))
	// other context tags have their own window
	require.NoError(t, h.rt.CheckChannel(ctx, ch, rule, "presence"))

	err := h.rt.CheckChannel(ctx, ch, rule, "chat")
	var le *LimitedError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "limitlink:ws:192.0.2.7:chat", le.Key)
	assert.Equal(t, time.Second, le.Wait)
}

func TestCheckChannelUsesHandshakeRequest(t *testing.T) {
	h := memoryHarness(t)
	rule := MustRule(RuleConfig{Times: 1, Seconds: 1})
	req := newRequest("10.0.0.1:1")
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	ch := &testChannel{addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1}, req: req}

	d, err := h.rt.EvaluateChannel(context.Background(), ch, rule, "")
	require.NoError(t, err)
	assert.Equal(t, "limitlink:ws:203.0.113.9:", d.Key)
}

func TestCheckChannelHandlerOverride(t *testing.T) {
	h := memoryHarness(t)
	closed := false
	rule := MustRule(RuleConfig{Times: 0, Seconds: 1}, WithChannelViolationHandler(ChannelViolationFunc(
		func(_ context.Context, _ Channel, _ time.Duration) error {
			closed = true
			return nil
		})))
	ch := &testChannel{addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1}}

	assert.NoError(t, h.rt.CheckChannel(context.Background(), ch, rule, "x"))
	assert.True(t, closed)
}

func TestClientIP(t *testing.T) {
	r := newRequest("10.0.0.1:1234")
	assert.Equal(t, "10.0.0.1", ClientIP(r))

	r.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", ClientIP(r))

	r.Header.Set("X-Forwarded-For", " 203.0.113.1 , 10.0.0.1")
	assert.Equal(t, "203.0.113.1", ClientIP(r))

	r = newRequest("not-a-hostport")
	assert.Equal(t, "not-a-hostport", ClientIP(r))
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, int64(1), RetryAfterSeconds(time.Millisecond))
	assert.Equal(t, int64(1), RetryAfterSeconds(time.Second))
	assert.Equal(t, int64(2), RetryAfterSeconds(1001*time.Millisecond))
}
