// Package grpclimit rate limits gRPC servers. Unary calls are checked like HTTP
// requests, with a call site per registered method and rule. Streams are
// checked per received message, keyed by the full method name.
//
// A Rule's identity and violation overrides are HTTP and channel hooks and do
// not apply here. The Interceptor's Identifier names the client, and every
// rejection is codes.ResourceExhausted with a retry-after-ms trailer.
package grpclimit

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/toolink/limitlink/limiter"
)

// RetryAfterKey is the trailer carrying the wait in milliseconds on rejected calls.
const RetryAfterKey = "retry-after-ms"

// Identifier names the client of an RPC.
type Identifier interface {
	IdentifyRPC(ctx context.Context) (string, error)
}

// IdentifierFunc adapts a function to Identifier.
type IdentifierFunc func(ctx context.Context) (string, error)

// IdentifyRPC implements Identifier.
func (f IdentifierFunc) IdentifyRPC(ctx context.Context) (string, error) {
	return f(ctx)
}

// DefaultIdentifier uses the first x-forwarded-for hop from metadata, then the peer host.
var DefaultIdentifier Identifier = IdentifierFunc(func(ctx context.Context) (string, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("x-forwarded-for"); len(v) > 0 {
			first, _, _ := strings.Cut(v[0], ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip, nil
			}
		}
	}
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "", status.Error(codes.Internal, "no peer in context")
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String(), nil
	}
	return host, nil
})

// Table assigns call sites to gRPC methods at registration time. Method ids are
// drawn from the Runtime so they never collide with HTTP routes on the same store.
type Table struct {
	rt      *limiter.Runtime
	mu      sync.RWMutex
	methods map[string]methodEntry
	streams map[string]*limiter.Rule
}

type methodEntry struct {
	id    int
	rules []*limiter.Rule
}

// NewTable creates an empty method table checked with rt.
func NewTable(rt *limiter.Runtime) *Table {
	return &Table{
		rt:      rt,
		methods: make(map[string]methodEntry),
		streams: make(map[string]*limiter.Rule),
	}
}

// Limit guards the unary method fullMethod with rules, checked in order.
// Calling it again for the same method replaces the rules but keeps the id.
func (t *Table) Limit(fullMethod string, rules ...*limiter.Rule) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.methods[fullMethod]
	if !ok {
		e.id = t.rt.NextRouteID()
	}
	e.rules = append([]*limiter.Rule(nil), rules...)
	t.methods[fullMethod] = e
	log.Debug().Str("method", fullMethod).Int("route_id", e.id).Int("guards", len(rules)).Msg("grpc method limited")
	return e.id
}

// LimitStream guards every message received on the streaming method fullMethod.
func (t *Table) LimitStream(fullMethod string, rule *limiter.Rule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streams[fullMethod] = rule
	log.Debug().Str("method", fullMethod).Msg("grpc stream limited")
}

func (t *Table) unary(fullMethod string) (methodEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.methods[fullMethod]
	return e, ok
}

func (t *Table) stream(fullMethod string) (*limiter.Rule, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.streams[fullMethod]
	return r, ok
}

// Interceptor checks calls against a Table.
type Interceptor struct {
	rt         *limiter.Runtime
	table      *Table
	identifier Identifier
	failOpen   bool
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithIdentifier replaces DefaultIdentifier.
func WithIdentifier(id Identifier) Option {
	return func(i *Interceptor) {
		if id != nil {
			i.identifier = id
		}
	}
}

// WithFailOpen lets calls through when a check fails without a decision.
func WithFailOpen(failOpen bool) Option {
	return func(i *Interceptor) {
		i.failOpen = failOpen
	}
}

// New creates an Interceptor that checks calls against table with the table's Runtime.
func New(table *Table, opts ...Option) *Interceptor {
	i := &Interceptor{
		rt:         table.rt,
		table:      table,
		identifier: DefaultIdentifier,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Unary returns the unary server interceptor.
func (i *Interceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		e, ok := i.table.unary(info.FullMethod)
		if !ok || len(e.rules) == 0 {
			return handler(ctx, req)
		}

		for ordinal, rule := range e.rules {
			site := limiter.CallSite{RouteID: e.id, Ordinal: ordinal}
			err := i.check(ctx, rule, func(identity string) string {
				return limiter.RequestKey(i.rt.Prefix(), identity, site)
			}, func(md metadata.MD) { _ = grpc.SetTrailer(ctx, md) })
			if err != nil {
				return nil, err
			}
		}
		return handler(ctx, req)
	}
}

// Stream returns the stream server interceptor.
func (i *Interceptor) Stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		rule, ok := i.table.stream(info.FullMethod)
		if !ok {
			return handler(srv, ss)
		}
		return handler(srv, &limitedStream{ServerStream: ss, i: i, rule: rule, method: info.FullMethod})
	}
}

// check runs one decision and maps it to a gRPC status. A nil return admits the call.
func (i *Interceptor) check(ctx context.Context, rule *limiter.Rule, keyFor func(string) string, setTrailer func(metadata.MD)) error {
	identity, err := i.identifier.IdentifyRPC(ctx)
	if err != nil {
		return i.failure(err)
	}
	d, err := i.rt.Decide(ctx, rule, keyFor(identity))
	if err != nil {
		return i.failure(err)
	}
	if d.Allowed() {
		return nil
	}
	setTrailer(metadata.Pairs(RetryAfterKey, strconv.FormatInt(d.Wait.Milliseconds(), 10)))
	return status.Errorf(codes.ResourceExhausted, "rate limit exceeded, retry in %dms", d.Wait.Milliseconds())
}

func (i *Interceptor) failure(err error) error {
	if i.failOpen {
		log.Warn().Err(err).Msg("grpc rate limit check failed, failing open")
		return nil
	}
	log.Error().Err(err).Msg("grpc rate limit check failed")
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Unavailable, "rate limiter unavailable")
}

// limitedStream checks the rule after every received message.
type limitedStream struct {
	grpc.ServerStream
	i      *Interceptor
	rule   *limiter.Rule
	method string
}

func (s *limitedStream) RecvMsg(m any) error {
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return err
	}
	ctx := s.Context()
	return s.i.check(ctx, s.rule, func(identity string) string {
		return limiter.ChannelKey(s.i.rt.Prefix(), identity, s.method)
	}, s.SetTrailer)
}
