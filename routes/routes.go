// Package routes binds rate limit rules to chi routes. Every guard gets its
// call site when it is registered, so keys never depend on route order at
// request time.
package routes

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/toolink/limitlink/limiter"
	"github.com/toolink/limitlink/meta"
)

const decisionsKey = "ratelimit.decisions"

// ErrorHandler writes the response for a check that failed without a decision,
// e.g. because the store was unreachable.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// RouteInfo describes one registered route. IDs come from the Runtime, so they
// are unique across every table and binding that shares it.
type RouteInfo struct {
	ID      int
	Pattern string
	Methods []string // empty means any method
	Guards  int
}

// Table registers routes on a chi router and guards them with rules.
type Table struct {
	rt       *limiter.Runtime
	router   chi.Router
	failOpen bool
	onError  ErrorHandler

	mu     sync.RWMutex
	routes []RouteInfo
}

// Option configures a Table.
type Option func(*Table)

// WithFailOpen lets requests through when a check fails without a decision.
// The default is to reject them.
func WithFailOpen(failOpen bool) Option {
	return func(t *Table) {
		t.failOpen = failOpen
	}
}

// WithErrorHandler replaces the fail-closed response, which is a plain 500.
func WithErrorHandler(h ErrorHandler) Option {
	return func(t *Table) {
		if h != nil {
			t.onError = h
		}
	}
}

// New creates a Table that registers on router and checks with rt.
func New(rt *limiter.Runtime, router chi.Router, opts ...Option) *Table {
	t := &Table{
		rt:      rt,
		router:  router,
		onError: defaultErrorHandler,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func defaultErrorHandler(w http.ResponseWriter, _ *http.Request, _ error) {
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

// Handle registers h for every method on pattern.
func (t *Table) Handle(pattern string, h http.Handler, rules ...*limiter.Rule) RouteInfo {
	info := t.register(pattern, nil, len(rules))
	t.router.Handle(pattern, t.guard(info.ID, rules, h))
	return info
}

// Method registers h for method on pattern.
func (t *Table) Method(method, pattern string, h http.Handler, rules ...*limiter.Rule) RouteInfo {
	method = strings.ToUpper(method)
	info := t.register(pattern, []string{method}, len(rules))
	t.router.Method(method, pattern, t.guard(info.ID, rules, h))
	return info
}

// Get registers a GET handler.
func (t *Table) Get(pattern string, h http.HandlerFunc, rules ...*limiter.Rule) RouteInfo {
	return t.Method(http.MethodGet, pattern, h, rules...)
}

// Post registers a POST handler.
func (t *Table) Post(pattern string, h http.HandlerFunc, rules ...*limiter.Rule) RouteInfo {
	return t.Method(http.MethodPost, pattern, h, rules...)
}

// Routes returns a snapshot of everything registered so far.
func (t *Table) Routes() []RouteInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]RouteInfo, len(t.routes))
	for i, r := range t.routes {
		r.Methods = append([]string(nil), r.Methods...)
		out[i] = r
	}
	return out
}

func (t *Table) register(pattern string, methods []string, guards int) RouteInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := RouteInfo{
		ID:      t.rt.NextRouteID(),
		Pattern: pattern,
		Methods: methods,
		Guards:  guards,
	}
	t.routes = append(t.routes, info)
	log.Debug().Int("route_id", info.ID).Str("pattern", pattern).Strs("methods", methods).Int("guards", guards).Msg("route registered")
	return info
}

// guard wraps h with one check per rule, in registration order.
func (t *Table) guard(routeID int, rules []*limiter.Rule, h http.Handler) http.Handler {
	if len(rules) == 0 {
		return h
	}
	sites := make([]limiter.CallSite, len(rules))
	for i := range rules {
		sites[i] = limiter.CallSite{RouteID: routeID, Ordinal: i}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, md := meta.Ensure(r.Context())
		r = r.WithContext(ctx)

		for i, rule := range rules {
			d, err := t.rt.EvaluateRequest(w, r, rule, sites[i])
			// a keyed decision that was admitted, or rejected and handed to the
			// violation handler; a store or identity failure leaves no decision
			decided := d.Key != "" && (err == nil || !d.Allowed())
			if decided {
				md.Append(decisionsKey, d)
			}
			if err == nil {
				continue
			}
			// the handler already wrote 429 (or whatever it chose)
			if decided {
				return
			}
			if t.failOpen {
				log.Warn().Err(err).Str("path", r.URL.Path).Int("route_id", routeID).Int("ordinal", i).Msg("rate limit check failed, failing open")
				continue
			}
			log.Error().Err(err).Str("path", r.URL.Path).Int("route_id", routeID).Int("ordinal", i).Msg("rate limit check failed")
			t.onError(w, r, err)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// Decisions returns the decisions the guards took for the request in ctx.
func Decisions(ctx context.Context) []limiter.Decision {
	return meta.All[limiter.Decision](ctx, decisionsKey)
}
