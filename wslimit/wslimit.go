// Package wslimit applies channel rate limits to gorilla/websocket connections,
// one check per received message.
package wslimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/toolink/limitlink/limiter"
)

const writeWait = time.Second

// Conn is a websocket connection that remembers its handshake request.
type Conn struct {
	*websocket.Conn
	req *http.Request

	closeOnce sync.Once // one close frame per connection
}

var _ limiter.HandshakeRequester = (*Conn)(nil)

// Wrap pairs an upgraded connection with the request that opened it.
func Wrap(c *websocket.Conn, r *http.Request) *Conn {
	return &Conn{Conn: c, req: r}
}

// HandshakeRequest returns the HTTP request that opened the connection.
func (c *Conn) HandshakeRequest() *http.Request {
	return c.req
}

// sendClose writes a close frame with code and reason. Later calls do nothing.
func (c *Conn) sendClose(code int, reason string) {
	c.closeOnce.Do(func() {
		writeClose(c.Conn, code, reason)
	})
}

func writeClose(cw controlWriter, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := cw.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		log.Debug().Err(err).Int("code", code).Msg("failed to write close frame")
	}
}

func limitedReason(wait time.Duration) string {
	if wait <= 0 {
		return "rate limited"
	}
	return fmt.Sprintf("rate limited, retry in %dms", wait.Milliseconds())
}

type controlWriter interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// CloseHandler closes the connection with 1013 Try Again Later and returns a *limiter.LimitedError.
var CloseHandler limiter.ChannelViolationHandler = limiter.ChannelViolationFunc(func(_ context.Context, ch limiter.Channel, wait time.Duration) error {
	limited := &limiter.LimitedError{Wait: wait}
	switch c := ch.(type) {
	case *Conn:
		c.sendClose(websocket.CloseTryAgainLater, limitedReason(wait))
	case controlWriter:
		writeClose(c, websocket.CloseTryAgainLater, limitedReason(wait))
	}
	return limited
})

// MessageHandler processes one admitted message.
type MessageHandler func(ctx context.Context, conn *Conn, messageType int, data []byte) error

// ContextKeyFunc derives the limit's context tag from a message.
type ContextKeyFunc func(messageType int, data []byte) string

// Server upgrades HTTP requests and rate limits every message read from them.
type Server struct {
	rt           *limiter.Runtime
	rule         *limiter.Rule
	handle       MessageHandler
	upgrader     websocket.Upgrader
	contextKey   ContextKeyFunc
	closeOnLimit bool
}

// Option configures a Server.
type Option func(*Server)

// WithUpgrader replaces the default upgrader.
func WithUpgrader(u websocket.Upgrader) Option {
	return func(s *Server) {
		s.upgrader = u
	}
}

// WithContextKey sets how messages map to context tags. The default uses the request path.
func WithContextKey(f ContextKeyFunc) Option {
	return func(s *Server) {
		s.contextKey = f
	}
}

// WithCloseOnLimit ends the read loop after a rejected message instead of dropping it.
// The peer gets a 1013 Try Again Later close frame whichever violation handler ran.
func WithCloseOnLimit(closeOnLimit bool) Option {
	return func(s *Server) {
		s.closeOnLimit = closeOnLimit
	}
}

// NewServer creates a websocket endpoint guarded by rule.
func NewServer(rt *limiter.Runtime, rule *limiter.Rule, handle MessageHandler, opts ...Option) *Server {
	s := &Server{
		rt:     rt,
		rule:   rule,
		handle: handle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("websocket upgrade failed")
		return
	}
	conn := Wrap(ws, r)
	defer conn.Close()

	if err := s.Serve(r.Context(), conn); err != nil {
		log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("websocket closed")
	}
}

// Serve runs the read loop on conn until the peer goes away or a check fails.
func (s *Server) Serve(ctx context.Context, conn *Conn) error {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var contextKey string
		if conn.req != nil {
			contextKey = conn.req.URL.Path
		}
		if s.contextKey != nil {
			contextKey = s.contextKey(messageType, data)
		}

		err = s.rt.CheckChannel(ctx, conn, s.rule, contextKey)
		switch {
		case err == nil:
		case limiter.IsRateLimited(err):
			if s.closeOnLimit {
				// no-op when CloseHandler already sent the frame
				wait, _ := limiter.RetryAfter(err)
				conn.sendClose(websocket.CloseTryAgainLater, limitedReason(wait))
				return err
			}
			continue
		default:
			log.Error().Err(err).Str("context_key", contextKey).Msg("websocket rate limit check failed")
			conn.sendClose(websocket.CloseInternalServerErr, "rate limit unavailable")
			return err
		}

		if s.handle == nil {
			continue
		}
		if err := s.handle(ctx, conn, messageType, data); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}
