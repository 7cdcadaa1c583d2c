package limiter

import (
	_ "embed" // needed for go:embed
	"fmt"

	"github.com/redis/go-redis/v9"
)

//go:embed fixed_window.lua
var fixedWindowSource string

//go:embed sliding_window.lua
var slidingWindowSource string

// script ids are the SHA1 digests the store assigns on SCRIPT LOAD.
var (
	fixedWindowScript   = redis.NewScript(fixedWindowSource)
	slidingWindowScript = redis.NewScript(slidingWindowSource)
)

// ScriptSource returns the Lua source of the script for mode.
func ScriptSource(mode Mode) (string, error) {
	switch mode {
	case FixedWindow, "":
		return fixedWindowSource, nil
	case SlidingWindow:
		return slidingWindowSource, nil
	}
	return "", fmt.Errorf("no script for mode %q", mode)
}

// ScriptID returns the digest a store assigns to the script for mode.
func ScriptID(mode Mode) string {
	if mode == SlidingWindow {
		return slidingWindowScript.Hash()
	}
	return fixedWindowScript.Hash()
}
