package extension

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Manager owns a set of extensions and their load order.
type Manager struct {
	mu         sync.Mutex
	extensions map[string]Extension
	order      []string
	loaded     []string // in load order
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{
		extensions: make(map[string]Extension),
	}
}

// Register appends ext to the load order.
func (m *Manager) Register(ext Extension) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := ext.Name()
	if _, ok := m.extensions[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	m.extensions[name] = ext
	m.order = append(m.order, name)
	log.Debug().Str("extension", name).Msg("extension registered")
	return nil
}

// SetLoadOrder replaces the registration order. names must be a permutation
// of the registered extensions.
func (m *Manager) SetLoadOrder(names ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(names) != len(m.extensions) {
		return fmt.Errorf("%w: got %d names for %d extensions", ErrOrderMismatch, len(names), len(m.extensions))
	}
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, ok := m.extensions[name]; !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: %s listed twice", ErrOrderMismatch, name)
		}
		seen[name] = struct{}{}
	}
	m.order = append([]string(nil), names...)
	log.Debug().Strs("load_order", m.order).Msg("extension load order set")
	return nil
}

// Get returns the extension registered under name.
func (m *Manager) Get(name string) (Extension, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ext, ok := m.extensions[name]
	return ext, ok
}

// LoadAll loads every extension in order. When one fails, the ones already
// loaded are shut down in reverse and the load error is returned.
func (m *Manager) LoadAll(ctx context.Context) error {
	m.mu.Lock()
	if len(m.loaded) > 0 {
		m.mu.Unlock()
		return ErrAlreadyLoaded
	}
	order := append([]string(nil), m.order...)
	m.mu.Unlock()

	for _, name := range order {
		ext, _ := m.Get(name)
		start := time.Now()
		if err := ext.Load(ctx); err != nil {
			log.Error().Err(err).Str("extension", name).Dur("duration", time.Since(start)).Msg("failed to load extension")
			if rbErr := m.shutdownLoaded(context.WithoutCancel(ctx), "rollback"); rbErr != nil {
				log.Error().Err(rbErr).Msg("rollback after failed load returned errors")
			}
			return fmt.Errorf("load extension %s: %w", name, err)
		}
		m.mu.Lock()
		m.loaded = append(m.loaded, name)
		m.mu.Unlock()
		log.Info().Str("extension", name).Dur("duration", time.Since(start)).Msg("extension loaded")
	}
	return nil
}

// ShutdownAll shuts down every loaded extension in reverse load order. It keeps
// going past failures and returns them joined.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	return m.shutdownLoaded(ctx, "shutdown")
}

func (m *Manager) shutdownLoaded(ctx context.Context, phase string) error {
	m.mu.Lock()
	loaded := m.loaded
	m.loaded = nil
	m.mu.Unlock()

	var errs []error
	for i := len(loaded) - 1; i >= 0; i-- {
		name := loaded[i]
		ext, ok := m.Get(name)
		if !ok {
			continue
		}
		start := time.Now()
		if err := ext.Shutdown(ctx); err != nil {
			log.Error().Err(err).Str("extension", name).Str("phase", phase).Msg("failed to shut down extension")
			errs = append(errs, fmt.Errorf("shutdown extension %s: %w", name, err))
			continue
		}
		log.Info().Str("extension", name).Str("phase", phase).Dur("duration", time.Since(start)).Msg("extension shut down")
	}
	return errors.Join(errs...)
}
