package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Decision is the outcome of one window check.
type Decision struct {
	Key    string
	Mode   Mode
	Quota  int64
	Window time.Duration
	Wait   time.Duration // zero when admitted
}

// Allowed reports whether the request was admitted.
func (d Decision) Allowed() bool {
	return d.Wait == 0
}

// Decide runs the window script for rule against key and returns the decision.
// If the store lost the script, it is reloaded once and the check retried;
// a second miss is returned as ErrScriptMissing.
func (rt *Runtime) Decide(ctx context.Context, rule *Rule, key string) (Decision, error) {
	if !rt.Initialized() {
		return Decision{}, ErrNotInitialized
	}
	if rule == nil {
		return Decision{}, newValidationError("rule", "must not be nil")
	}

	d := Decision{
		Key:    key,
		Mode:   rule.mode,
		Quota:  rule.quota,
		Window: rule.Window(),
	}
	// disabled rules never reach the store
	if rule.disabled {
		log.Debug().Str("key", key).Msg("rule disabled, request allowed")
		return d, nil
	}

	// ARGV layout shared by both scripts: quota, window ms[, member]
	args := []any{rule.quota, rule.windowMs}
	if rule.mode == SlidingWindow {
		// unique member so concurrent hits in the same ms are all logged
		args = append(args, uuid.NewString())
	}

	start := time.Now()
	wait, err := rt.store.EvalScript(ctx, rt.scripts[rule.mode], key, args...)
	// the store restarted or was flushed; reload this rule's own script
	if errors.Is(err, ErrNoScript) {
		wait, err = rt.reloadAndEval(ctx, rule.mode, key, args)
	}
	if err != nil {
		// d still carries the key so callers can log it
		return d, err
	}
	latency := time.Since(start)

	// the scripts answer in ms, 0 means admitted
	d.Wait = time.Duration(wait) * time.Millisecond
	rt.recorder.ObserveDecision(rule.mode, d.Allowed(), latency)

	if d.Allowed() {
		log.Debug().Str("key", key).Stringer("mode", rule.mode).Int64("quota", rule.quota).Msg("request allowed")
	} else {
		log.Warn().Str("key", key).Stringer("mode", rule.mode).Int64("quota", rule.quota).Dur("wait", d.Wait).Msg("rate limit exceeded")
	}
	return d, nil
}

// reloadAndEval loads the script for mode again and retries exactly once.
func (rt *Runtime) reloadAndEval(ctx context.Context, mode Mode, key string, args []any) (int64, error) {
	log.Warn().Str("key", key).Stringer("mode", mode).Msg("window script missing from store, reloading")
	rt.recorder.ObserveReload(mode)

	src, err := ScriptSource(mode)
	if err != nil {
		return 0, err
	}
	id, err := rt.store.LoadScript(ctx, src)
	if err != nil {
		return 0, fmt.Errorf("reload %s script: %w", mode, err)
	}

	// rt.scripts is not updated: the id is the source digest and does not change

	wait, err := rt.store.EvalScript(ctx, id, key, args...)
	// one retry only
	if errors.Is(err, ErrNoScript) {
		log.Error().Str("key", key).Str("sha", id).Msg("window script still missing after reload")
		return 0, fmt.Errorf("%w: %s", ErrScriptMissing, id)
	}
	return wait, err
}
