package limiter

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// MemoryStore implements Store in-process for single-instance deployments and tests.
// It runs the same two window procedures as the Lua scripts, serialised by a mutex.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	scripts  map[string]Mode // loaded script id -> procedure
	counters map[string]counterState
	logs     map[string]logState
}

// counterState is a fixed window counter.
type counterState struct {
	count    int64
	expireAt time.Time
}

// logState is a sliding window log.
type logState struct {
	entries  []logEntry // sorted by at
	expireAt time.Time
}

type logEntry struct {
	at     int64 // ms
	member string
}

var _ Store = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now as the store clock.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:      time.Now,
		scripts:  make(map[string]Mode),
		counters: make(map[string]counterState),
		logs:     make(map[string]logState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadScript implements Store. Only the two window scripts are understood.
func (s *MemoryStore) LoadScript(ctx context.Context, src string) (string, error) {
	var mode Mode
	switch src {
	case fixedWindowSource:
		mode = FixedWindow
	case slidingWindowSource:
		mode = SlidingWindow
	default:
		return "", fmt.Errorf("memory store: unsupported script")
	}

	id := redis.NewScript(src).Hash()
	s.mu.Lock()
	s.scripts[id] = mode
	s.mu.Unlock()
	log.Debug().Str("sha", id).Stringer("mode", mode).Msg("memory script loaded")
	return id, nil
}

// Flush forgets every loaded script, like SCRIPT FLUSH on a restarted server.
// Window state is kept.
func (s *MemoryStore) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts = make(map[string]Mode)
}

// EvalScript implements Store.
func (s *MemoryStore) EvalScript(ctx context.Context, id, key string, args ...any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mode, ok := s.scripts[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoScript, id)
	}
	if len(args) < 2 {
		return 0, fmt.Errorf("memory store: expected quota and window args, got %d", len(args))
	}
	quota, err := argInt(args[0])
	if err != nil {
		return 0, fmt.Errorf("memory store: quota: %w", err)
	}
	window, err := argInt(args[1])
	if err != nil {
		return 0, fmt.Errorf("memory store: window: %w", err)
	}

	now := s.now()
	if mode == SlidingWindow {
		if len(args) < 3 {
			return 0, fmt.Errorf("memory store: sliding window needs a member arg")
		}
		return s.slidingWindow(now, key, quota, window, fmt.Sprint(args[2])), nil
	}
	return s.fixedWindow(now, key, quota, window), nil
}

func (s *MemoryStore) fixedWindow(now time.Time, key string, quota, window int64) int64 {
	st, ok := s.counters[key]
	// expired counters behave like a missing key, as after PEXPIRE
	if ok && !now.Before(st.expireAt) {
		ok = false
	}
	if !ok {
		st = counterState{expireAt: now.Add(time.Duration(window) * time.Millisecond)}
	}
	st.count++
	s.counters[key] = st

	if st.count <= quota {
		return 0
	}
	ttl := st.expireAt.Sub(now).Milliseconds()
	if ttl < 1 {
		ttl = 1
	}
	return ttl
}

func (s *MemoryStore) slidingWindow(now time.Time, key string, quota, window int64, member string) int64 {
	nowMs := now.UnixMilli()
	st, ok := s.logs[key]
	if ok && !now.Before(st.expireAt) {
		st = logState{}
	}

	// drop entries strictly older than the window
	cut := sort.Search(len(st.entries), func(i int) bool {
		return st.entries[i].at >= nowMs-window
	})
	st.entries = st.entries[cut:]

	if int64(len(st.entries)) < quota {
		// insert in order; the store clock may be moved back in tests
		i := sort.Search(len(st.entries), func(i int) bool {
			return st.entries[i].at > nowMs
		})
		st.entries = append(st.entries, logEntry{})
		copy(st.entries[i+1:], st.entries[i:])
		st.entries[i] = logEntry{at: nowMs, member: member}
		// same TTL as the script: the boundary entry is still live at now+window
		st.expireAt = now.Add(time.Duration(window+1) * time.Millisecond)
		s.logs[key] = st
		return 0
	}

	// keep the trimmed log even when rejecting
	s.logs[key] = st
	if len(st.entries) == 0 {
		return window
	}
	wait := st.entries[0].at + window - nowMs
	if wait < 1 {
		wait = 1
	}
	return wait
}

func argInt(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, fmt.Errorf("unsupported arg type %T", v)
}
