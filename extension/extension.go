// Package extension runs the binary's components in a fixed order: load
// front to back, shut down back to front, and roll back on a failed load.
package extension

import (
	"context"
	"errors"
)

// Extension is one component with a lifecycle, e.g. the redis client or an HTTP listener.
type Extension interface {
	Name() string
	Load(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

var (
	ErrAlreadyRegistered = errors.New("extension already registered")
	ErrNotFound          = errors.New("extension not found")
	ErrOrderMismatch     = errors.New("load order does not list every registered extension exactly once")
	ErrAlreadyLoaded     = errors.New("extensions already loaded")
)

// Func builds an Extension from two functions. Either may be nil.
type Func struct {
	ID         string
	OnLoad     func(ctx context.Context) error
	OnShutdown func(ctx context.Context) error
}

var _ Extension = (*Func)(nil)

func (f *Func) Name() string { return f.ID }

func (f *Func) Load(ctx context.Context) error {
	if f.OnLoad == nil {
		return nil
	}
	return f.OnLoad(ctx)
}

func (f *Func) Shutdown(ctx context.Context) error {
	if f.OnShutdown == nil {
		return nil
	}
	return f.OnShutdown(ctx)
}
