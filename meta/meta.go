// Package meta carries request-scoped values through a context.Context.
// Guards append their rate limit decisions here so handlers further down the
// chain can read them.
package meta

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

type contextKey struct{}

// Metadata is a concurrency-safe bag of named values. A key holds either a
// single value (Set) or a list (Append).
type Metadata struct {
	mu   sync.RWMutex
	data map[string]any
	list map[string][]any
}

// New returns empty metadata.
func New() *Metadata {
	return &Metadata{
		data: make(map[string]any),
		list: make(map[string][]any),
	}
}

// Set stores value under key, replacing any previous value.
func (m *Metadata) Set(key string, value any) {
	if m == nil {
		log.Error().Str("key", key).Msg("set on nil metadata")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

// Get returns the value stored under key.
func (m *Metadata) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

// Append adds value to the list under key.
func (m *Metadata) Append(key string, value any) {
	if m == nil {
		log.Error().Str("key", key).Msg("append on nil metadata")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.list[key] = append(m.list[key], value)
}

// Values returns a copy of the list under key.
func (m *Metadata) Values(key string) []any {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]any(nil), m.list[key]...)
}

// WithContext returns a child of ctx carrying m.
func (m *Metadata) WithContext(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, m)
}

// FromContext returns the metadata attached to ctx, or nil.
func FromContext(ctx context.Context) *Metadata {
	if ctx == nil {
		return nil
	}
	m, _ := ctx.Value(contextKey{}).(*Metadata)
	return m
}

// Ensure returns the metadata attached to ctx, attaching a new one when missing.
func Ensure(ctx context.Context) (context.Context, *Metadata) {
	if m := FromContext(ctx); m != nil {
		return ctx, m
	}
	m := New()
	return m.WithContext(ctx), m
}

// Get returns the value stored under key in ctx's metadata as a T.
func Get[T any](ctx context.Context, key string) (T, error) {
	var zero T
	raw, ok := FromContext(ctx).Get(key)
	if !ok {
		return zero, fmt.Errorf("meta: key %q not found", key)
	}
	v, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("meta: key %q holds %T, not %T", key, raw, zero)
	}
	return v, nil
}

// All returns the list under key in ctx's metadata, keeping only values of type T.
func All[T any](ctx context.Context, key string) []T {
	raw := FromContext(ctx).Values(key)
	out := make([]T, 0, len(raw))
	for _, r := range raw {
		if v, ok := r.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
