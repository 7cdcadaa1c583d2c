package limiter

import (
	"fmt"
	"strings"
)

// Mode selects the windowing semantics of a Rule.
type Mode string

// Windowing modes
const (
	FixedWindow   Mode = "fixed_window"
	SlidingWindow Mode = "sliding_window"
)

// Defaults
const (
	DefaultPrefix = "limitlink"

	// disabledMilliseconds in RuleConfig.Milliseconds turns a rule off.
	disabledMilliseconds = -1

	channelSegment = "ws"
)

// ParseMode converts a config string to a Mode. The empty string selects FixedWindow.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", FixedWindow, "fixed":
		return FixedWindow, nil
	case SlidingWindow, "sliding":
		return SlidingWindow, nil
	}
	return "", fmt.Errorf("unknown rate limit mode %q, must be '%s' or '%s'", s, FixedWindow, SlidingWindow)
}

// UnmarshalText lets yaml and env decoders name a Mode.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func (m Mode) String() string {
	if m == "" {
		return string(FixedWindow)
	}
	return string(m)
}
