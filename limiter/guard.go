package limiter

import (
	"errors"
	"net/http"
)

// CheckRequest applies rule to r at the given call site. It returns nil when the
// request may proceed, otherwise the violation handler's result or the error
// that prevented a decision.
func (rt *Runtime) CheckRequest(w http.ResponseWriter, r *http.Request, rule *Rule, site CallSite) error {
	_, err := rt.EvaluateRequest(w, r, rule, site)
	return err
}

// EvaluateRequest is CheckRequest that also reports the decision taken.
func (rt *Runtime) EvaluateRequest(w http.ResponseWriter, r *http.Request, rule *Rule, site CallSite) (Decision, error) {
	if !rt.Initialized() {
		return Decision{}, ErrNotInitialized
	}
	if rule == nil {
		return Decision{}, newValidationError("rule", "must not be nil")
	}
	// no key, no identity lookup: the rule is off
	if rule.disabled {
		return Decision{Mode: rule.mode, Quota: rule.quota}, nil
	}

	ctx := r.Context()
	identity, err := rt.identifierFor(rule).Identify(ctx, r)
	if err != nil {
		// returned verbatim so resolvers can reject with their own errors
		return Decision{}, err
	}

	key := RequestKey(rt.prefix, identity, site)
	d, err := rt.Decide(ctx, rule, key)
	if err != nil || d.Allowed() {
		return d, err
	}
	// the handler's answer is the result, nil included
	return d, withKey(rt.handlerFor(rule).OnLimited(w, r, d.Wait), key)
}

// withKey fills in the store key of a *LimitedError returned by a handler.
func withKey(err error, key string) error {
	var le *LimitedError
	if errors.As(err, &le) && le.Key == "" {
		le.Key = key
	}
	return err
}
