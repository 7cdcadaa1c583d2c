package limiter

import (
	"strconv"
	"strings"
)

// CallSite identifies one guard attachment: the route it protects and its
// position among that route's guards. It is fixed at registration time.
type CallSite struct {
	RouteID int
	Ordinal int
}

// RequestKey derives the store key for a request-scoped check.
// Format: {prefix}:{identity}:{route_id}:{ordinal}
func RequestKey(prefix, identity string, site CallSite) string {
	var b strings.Builder
	b.Grow(len(prefix) + len(identity) + 24)
	b.WriteString(prefix)
	b.WriteByte(':')
	b.WriteString(identity)
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(site.RouteID))
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(site.Ordinal))
	return b.String()
}

// ChannelKey derives the store key for a message on a long-lived channel.
// Format: {prefix}:ws:{identity}:{context_key}
func ChannelKey(prefix, identity, contextKey string) string {
	return prefix + ":" + channelSegment + ":" + identity + ":" + contextKey
}
