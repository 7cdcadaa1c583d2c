package limiter

import (
	"time"
)

// Rule is an immutable quota, window and mode for one protected call site.
// The identity and violation overrides are optional; the Runtime defaults apply otherwise.
type Rule struct {
	quota    int64
	windowMs int64
	mode     Mode
	disabled bool

	identifier        IdentityResolver
	channelIdentifier ChannelIdentifier
	handler           HTTPViolationHandler
	channelHandler    ChannelViolationHandler
}

// RuleOption customizes a Rule at construction time.
// Nil resolvers and handlers, including nil func adapters, are ignored.
type RuleOption func(*Rule)

// WithIdentifier overrides the runtime's request identifier for this rule.
func WithIdentifier(id IdentityResolver) RuleOption {
	return func(r *Rule) {
		if usableIdentifier(id) {
			r.identifier = id
		}
	}
}

// WithChannelIdentifier overrides the runtime's channel identifier for this rule.
func WithChannelIdentifier(id ChannelIdentifier) RuleOption {
	return func(r *Rule) {
		if usableChannelIdentifier(id) {
			r.channelIdentifier = id
		}
	}
}

// WithViolationHandler overrides the runtime's HTTP violation handler for this rule.
func WithViolationHandler(h HTTPViolationHandler) RuleOption {
	return func(r *Rule) {
		if usableHandler(h) {
			r.handler = h
		}
	}
}

// WithChannelViolationHandler overrides the runtime's channel violation handler for this rule.
func WithChannelViolationHandler(h ChannelViolationHandler) RuleOption {
	return func(r *Rule) {
		if usableChannelHandler(h) {
			r.channelHandler = h
		}
	}
}

// NewRule validates cfg and builds a Rule.
func NewRule(cfg RuleConfig, opts ...RuleOption) (*Rule, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Rule{
		quota:    cfg.Times,
		windowMs: cfg.WindowMs(),
		mode:     cfg.Mode,
		disabled: cfg.Disabled(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// MustRule is like NewRule but panics on an invalid config.
// Useful for rules declared at package level.
func MustRule(cfg RuleConfig, opts ...RuleOption) *Rule {
	r, err := NewRule(cfg, opts...)
	if err != nil {
		panic(err)
	}
	return r
}

// Quota returns the number of requests allowed per window.
func (r *Rule) Quota() int64 { return r.quota }

// WindowMs returns the window length in milliseconds.
func (r *Rule) WindowMs() int64 { return r.windowMs }

// Window returns the window length as a time.Duration.
func (r *Rule) Window() time.Duration { return time.Duration(r.windowMs) * time.Millisecond }

// Mode returns the windowing mode.
func (r *Rule) Mode() Mode { return r.mode }

// Disabled reports whether the rule admits everything without consulting the store.
func (r *Rule) Disabled() bool { return r.disabled }
