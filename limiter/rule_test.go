package limiter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRule(t *testing.T) {
	r, err := NewRule(RuleConfig{Times: 5, Milliseconds: 500, Seconds: 1, Minutes: 1, Hours: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(5), r.Quota())
	assert.Equal(t, int64(500+1000+60000+3600000), r.WindowMs())
	assert.Equal(t, time.Hour+time.Minute+1500*time.Millisecond, r.Window())
	assert.Equal(t, FixedWindow, r.Mode())
	assert.False(t, r.Disabled())
}

func TestNewRuleValidation(t *testing.T) {
	tests := []struct {
		name  string
		cfg   RuleConfig
		field string
	}{
		{"negative times", RuleConfig{Times: -1, Seconds: 1}, "times"},
		{"milliseconds below -1", RuleConfig{Times: 1, Milliseconds: -2}, "milliseconds"},
		{"negative seconds", RuleConfig{Times: 1, Seconds: -1}, "seconds"},
		{"negative minutes", RuleConfig{Times: 1, Minutes: -1}, "minutes"},
		{"negative hours", RuleConfig{Times: 1, Hours: -1}, "hours"},
		{"zero window", RuleConfig{Times: 1}, "window"},
		{"unknown mode", RuleConfig{Times: 1, Seconds: 1, Mode: "leaky"}, "mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRule(tt.cfg)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestNewRuleDisabled(t *testing.T) {
	r, err := NewRule(RuleConfig{Times: 1, Milliseconds: -1})
	require.NoError(t, err)
	assert.True(t, r.Disabled())
	assert.Equal(t, int64(0), r.WindowMs())

	r, err = NewRule(RuleConfig{Times: 1, Milliseconds: -1, Seconds: 2})
	require.NoError(t, err)
	assert.True(t, r.Disabled())
	assert.Equal(t, int64(2000), r.WindowMs())
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"":               FixedWindow,
		"fixed":          FixedWindow,
		"Fixed_Window":   FixedWindow,
		"sliding":        SlidingWindow,
		"sliding_window": SlidingWindow,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("token_bucket")
	assert.Error(t, err)
}

func TestRuleOptionsOverrideDefaults(t *testing.T) {
	id := IdentityFunc(func(context.Context, *http.Request) (string, error) { return "fixed", nil })
	r := MustRule(RuleConfig{Times: 1, Seconds: 1, Mode: "sliding"}, WithIdentifier(id))
	assert.Equal(t, SlidingWindow, r.Mode())
	assert.NotNil(t, r.identifier)
	assert.Nil(t, r.handler)

	assert.Panics(t, func() { MustRule(RuleConfig{Times: -1}) })
}

func TestNilFuncOptionsAreIgnored(t *testing.T) {
	r := MustRule(RuleConfig{Times: 1, Seconds: 1},
		WithIdentifier(IdentityFunc(nil)),
		WithChannelIdentifier(ChannelIdentityFunc(nil)),
		WithViolationHandler(HTTPViolationFunc(nil)),
		WithChannelViolationHandler(ChannelViolationFunc(nil)),
		WithIdentifier(nil),
	)
	assert.Nil(t, r.identifier)
	assert.Nil(t, r.channelIdentifier)
	assert.Nil(t, r.handler)
	assert.Nil(t, r.channelHandler)

	// the runtime defaults stay in place, so a check does not panic
	h := memoryHarness(t,
		WithDefaultIdentifier(IdentityFunc(nil)),
		WithDefaultViolationHandler(HTTPViolationFunc(nil)),
		WithDefaultChannelIdentifier(ChannelIdentityFunc(nil)),
		WithDefaultChannelViolationHandler(ChannelViolationFunc(nil)),
	)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1"
	require.NoError(t, h.rt.CheckRequest(httptest.NewRecorder(), req, r, CallSite{}))

	w := httptest.NewRecorder()
	err := h.rt.CheckRequest(w, req, r, CallSite{})
	assert.True(t, IsRateLimited(err))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestNextRouteIDIsRuntimeWide(t *testing.T) {
	h := memoryHarness(t)
	assert.Equal(t, 0, h.rt.NextRouteID())
	assert.Equal(t, 1, h.rt.NextRouteID())
	assert.Equal(t, 2, h.rt.NextRouteID())

	var rt *Runtime
	assert.Equal(t, 0, rt.NextRouteID())
}
