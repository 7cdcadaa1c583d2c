package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Runtime holds everything a rate limit check needs: the store, the loaded
// script ids and the process-wide defaults. Build it once with NewRuntime and
// share it; apart from the route id counter it is read-only afterwards and
// safe for concurrent use.
// A nil or zero Runtime reports ErrNotInitialized from every check.
type Runtime struct {
	store   Store
	scripts map[Mode]string
	prefix  string

	identifier        IdentityResolver
	channelIdentifier ChannelIdentifier
	handler           HTTPViolationHandler
	channelHandler    ChannelViolationHandler
	recorder          Recorder

	// next route id; shared by every binding so call sites never collide
	routeIDs atomic.Int64
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithPrefix sets the namespace prepended to every store key.
func WithPrefix(prefix string) Option {
	return func(rt *Runtime) {
		if prefix != "" {
			rt.prefix = prefix
		}
	}
}

// WithDefaultIdentifier sets the request identifier used by rules without an override.
func WithDefaultIdentifier(id IdentityResolver) Option {
	return func(rt *Runtime) {
		if usableIdentifier(id) {
			rt.identifier = id
		}
	}
}

// WithDefaultChannelIdentifier sets the channel identifier used by rules without an override.
func WithDefaultChannelIdentifier(id ChannelIdentifier) Option {
	return func(rt *Runtime) {
		if usableChannelIdentifier(id) {
			rt.channelIdentifier = id
		}
	}
}

// WithDefaultViolationHandler sets the HTTP violation handler used by rules without an override.
func WithDefaultViolationHandler(h HTTPViolationHandler) Option {
	return func(rt *Runtime) {
		if usableHandler(h) {
			rt.handler = h
		}
	}
}

// WithDefaultChannelViolationHandler sets the channel violation handler used by rules without an override.
func WithDefaultChannelViolationHandler(h ChannelViolationHandler) Option {
	return func(rt *Runtime) {
		if usableChannelHandler(h) {
			rt.channelHandler = h
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(rt *Runtime) {
		if r != nil {
			rt.recorder = r
		}
	}
}

// NewRuntime loads both window scripts into store and returns a ready Runtime.
func NewRuntime(ctx context.Context, store Store, opts ...Option) (*Runtime, error) {
	if store == nil {
		return nil, errors.New("limiter: store is required")
	}

	rt := &Runtime{
		store:             store,
		scripts:           make(map[Mode]string, 2),
		prefix:            DefaultPrefix,
		identifier:        DefaultIdentifier,
		channelIdentifier: DefaultChannelIdentifier,
		handler:           DefaultHTTPViolationHandler,
		channelHandler:    DefaultChannelViolationHandler,
		recorder:          NoopRecorder{},
	}
	for _, opt := range opts {
		opt(rt)
	}

	for _, mode := range []Mode{FixedWindow, SlidingWindow} {
		src, _ := ScriptSource(mode)
		id, err := store.LoadScript(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("load %s script: %w", mode, err)
		}
		rt.scripts[mode] = id
	}

	log.Info().
		Str("prefix", rt.prefix).
		Str("fixed_window_sha", rt.scripts[FixedWindow]).
		Str("sliding_window_sha", rt.scripts[SlidingWindow]).
		Msg("rate limit runtime initialized")
	return rt, nil
}

// Prefix returns the key namespace.
func (rt *Runtime) Prefix() string {
	if rt == nil {
		return ""
	}
	return rt.prefix
}

// NextRouteID hands out the route id for a new call site. Ids are unique across
// every binding that shares rt, so an HTTP route and a gRPC method never get the
// same keys. A nil Runtime always returns 0; it never decides anything.
func (rt *Runtime) NextRouteID() int {
	if rt == nil {
		return 0
	}
	return int(rt.routeIDs.Add(1) - 1)
}

// Initialized reports whether rt was built by NewRuntime.
func (rt *Runtime) Initialized() bool {
	return rt != nil && rt.store != nil && len(rt.scripts) > 0
}

func (rt *Runtime) identifierFor(rule *Rule) IdentityResolver {
	if rule.identifier != nil {
		return rule.identifier
	}
	return rt.identifier
}

func (rt *Runtime) channelIdentifierFor(rule *Rule) ChannelIdentifier {
	if rule.channelIdentifier != nil {
		return rule.channelIdentifier
	}
	return rt.channelIdentifier
}

func (rt *Runtime) handlerFor(rule *Rule) HTTPViolationHandler {
	if rule.handler != nil {
		return rule.handler
	}
	return rt.handler
}

func (rt *Runtime) channelHandlerFor(rule *Rule) ChannelViolationHandler {
	if rule.channelHandler != nil {
		return rule.channelHandler
	}
	return rt.channelHandler
}
