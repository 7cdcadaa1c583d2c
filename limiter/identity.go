package limiter

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// IdentityResolver names the client a request belongs to.
type IdentityResolver interface {
	Identify(ctx context.Context, r *http.Request) (string, error)
}

// IdentityFunc adapts a function to IdentityResolver.
type IdentityFunc func(ctx context.Context, r *http.Request) (string, error)

// Identify implements IdentityResolver.
func (f IdentityFunc) Identify(ctx context.Context, r *http.Request) (string, error) {
	return f(ctx, r)
}

// Channel is a long-lived connection such as a WebSocket or a gRPC stream.
type Channel interface {
	RemoteAddr() net.Addr
}

// HandshakeRequester is implemented by channels that were opened by an HTTP request.
type HandshakeRequester interface {
	HandshakeRequest() *http.Request
}

// ChannelIdentifier names the client a channel belongs to.
type ChannelIdentifier interface {
	IdentifyChannel(ctx context.Context, ch Channel) (string, error)
}

// ChannelIdentityFunc adapts a function to ChannelIdentifier.
type ChannelIdentityFunc func(ctx context.Context, ch Channel) (string, error)

// IdentifyChannel implements ChannelIdentifier.
func (f ChannelIdentityFunc) IdentifyChannel(ctx context.Context, ch Channel) (string, error) {
	return f(ctx, ch)
}

// usableIdentifier reports whether id can be called. A nil IdentityFunc wrapped
// in the interface is not nil but would panic.
func usableIdentifier(id IdentityResolver) bool {
	if f, ok := id.(IdentityFunc); ok {
		return f != nil
	}
	return id != nil
}

func usableChannelIdentifier(id ChannelIdentifier) bool {
	if f, ok := id.(ChannelIdentityFunc); ok {
		return f != nil
	}
	return id != nil
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the peer host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	return hostOf(r.RemoteAddr)
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// DefaultIdentifier identifies a request by its client IP.
var DefaultIdentifier IdentityResolver = IdentityFunc(func(_ context.Context, r *http.Request) (string, error) {
	return ClientIP(r), nil
})

// DefaultChannelIdentifier uses the handshake request when the channel has one,
// otherwise the remote host.
var DefaultChannelIdentifier ChannelIdentifier = ChannelIdentityFunc(func(_ context.Context, ch Channel) (string, error) {
	if hr, ok := ch.(HandshakeRequester); ok {
		if r := hr.HandshakeRequest(); r != nil {
			return ClientIP(r), nil
		}
	}
	addr := ch.RemoteAddr()
	if addr == nil {
		return "unknown", nil
	}
	return hostOf(addr.String()), nil
})
