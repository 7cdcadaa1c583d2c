package limiter

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// countingStore counts store round trips.
type countingStore struct {
	Store
	loads atomic.Int32
	evals atomic.Int32
}

func (s *countingStore) LoadScript(ctx context.Context, src string) (string, error) {
	s.loads.Add(1)
	return s.Store.LoadScript(ctx, src)
}

func (s *countingStore) EvalScript(ctx context.Context, id, key string, args ...any) (int64, error) {
	s.evals.Add(1)
	return s.Store.EvalScript(ctx, id, key, args...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// harness is a Runtime over one backend with a controllable clock.
type harness struct {
	name  string
	rt    *Runtime
	store *countingStore
	at    func(ms int64) // move the store clock to epoch+ms
	flush func()         // drop every loaded script
}

func redisHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	mr.SetTime(epoch)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := &countingStore{Store: NewRedisStore(client)}
	rt, err := NewRuntime(context.Background(), store, opts...)
	require.NoError(t, err)

	var current int64
	return &harness{
		name:  "redis",
		rt:    rt,
		store: store,
		at: func(ms int64) {
			if ms > current {
				mr.FastForward(time.Duration(ms-current) * time.Millisecond)
			}
			current = ms
			mr.SetTime(epoch.Add(time.Duration(ms) * time.Millisecond))
		},
		flush: func() {
			require.NoError(t, client.ScriptFlush(context.Background()).Err())
		},
	}
}

func memoryHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	clock := &fakeClock{now: epoch}
	mem := NewMemoryStore(WithClock(clock.Now))
	store := &countingStore{Store: mem}
	rt, err := NewRuntime(context.Background(), store, opts...)
	require.NoError(t, err)

	return &harness{
		name:  "memory",
		rt:    rt,
		store: store,
		at: func(ms int64) {
			clock.Set(epoch.Add(time.Duration(ms) * time.Millisecond))
		},
		flush: mem.Flush,
	}
}

// eachBackend runs fn against miniredis and the memory store.
func eachBackend(t *testing.T, fn func(t *testing.T, h *harness), opts ...Option) {
	t.Run("redis", func(t *testing.T) { fn(t, redisHarness(t, opts...)) })
	t.Run("memory", func(t *testing.T) { fn(t, memoryHarness(t, opts...)) })
}

// testChannel is a Channel with a fixed address and optional handshake request.
type testChannel struct {
	addr net.Addr
	req  *http.Request
}

func (c *testChannel) RemoteAddr() net.Addr { return c.addr }

func (c *testChannel) HandshakeRequest() *http.Request { return c.req }

type recordingRecorder struct {
	mu        sync.Mutex
	allowed   int
	limited   int
	reloads   int
	reloadFor []Mode
}

func (r *recordingRecorder) ObserveDecision(_ Mode, allowed bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if allowed {
		r.allowed++
	} else {
		r.limited++
	}
}

func (r *recordingRecorder) ObserveReload(mode Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reloads++
	r.reloadFor = append(r.reloadFor, mode)
}
