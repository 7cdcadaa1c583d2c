package limiter

import (
	"context"
)

// CheckChannel applies rule to one message received on ch. contextKey separates
// independent limits on the same channel, e.g. one per message type.
func (rt *Runtime) CheckChannel(ctx context.Context, ch Channel, rule *Rule, contextKey string) error {
	_, err := rt.EvaluateChannel(ctx, ch, rule, contextKey)
	return err
}

// EvaluateChannel is CheckChannel that also reports the decision taken.
func (rt *Runtime) EvaluateChannel(ctx context.Context, ch Channel, rule *Rule, contextKey string) (Decision, error) {
	if !rt.Initialized() {
		return Decision{}, ErrNotInitialized
	}
	if rule == nil {
		return Decision{}, newValidationError("rule", "must not be nil")
	}
	if rule.disabled {
		return Decision{Mode: rule.mode, Quota: rule.quota}, nil
	}

	identity, err := rt.channelIdentifierFor(rule).IdentifyChannel(ctx, ch)
	if err != nil {
		return Decision{}, err
	}

	// channel keys carry the ws segment so they never meet request keys
	key := ChannelKey(rt.prefix, identity, contextKey)
	d, err := rt.Decide(ctx, rule, key)
	if err != nil || d.Allowed() {
		return d, err
	}
	return d, withKey(rt.channelHandlerFor(rule).OnChannelLimited(ctx, ch, d.Wait), key)
}
