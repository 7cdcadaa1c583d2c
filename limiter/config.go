package limiter

// RuleConfig is the declarative form of a Rule, as read from yaml.
// The window length is the sum of the four duration components.
type RuleConfig struct {
	Times        int64 `yaml:"times"`        // requests allowed per window
	Milliseconds int64 `yaml:"milliseconds"` // -1 disables the rule
	Seconds      int64 `yaml:"seconds"`
	Minutes      int64 `yaml:"minutes"`
	Hours        int64 `yaml:"hours"`
	Mode         Mode  `yaml:"mode"` // "fixed_window" (default) or "sliding_window"
}

// Disabled reports whether the config switches limiting off.
func (c RuleConfig) Disabled() bool {
	return c.Milliseconds == disabledMilliseconds
}

// WindowMs returns the summed window length in milliseconds.
// A disabled config contributes zero for the milliseconds component.
func (c RuleConfig) WindowMs() int64 {
	ms := c.Milliseconds
	if c.Disabled() {
		ms = 0
	}
	return ms + 1000*c.Seconds + 60000*c.Minutes + 3600000*c.Hours
}

// Validate checks the config and normalizes its mode.
func (c *RuleConfig) Validate() error {
	if c.Times < 0 {
		return newValidationError("times", "must be >= 0, got %d", c.Times)
	}
	if c.Milliseconds < disabledMilliseconds {
		return newValidationError("milliseconds", "must be >= 0 or -1 to disable, got %d", c.Milliseconds)
	}
	for _, part := range []struct {
		name  string
		value int64
	}{
		{"seconds", c.Seconds},
		{"minutes", c.Minutes},
		{"hours", c.Hours},
	} {
		if part.value < 0 {
			return newValidationError(part.name, "must be >= 0, got %d", part.value)
		}
	}

	mode, err := ParseMode(string(c.Mode))
	if err != nil {
		return newValidationError("mode", "%s", err)
	}
	c.Mode = mode

	if !c.Disabled() && c.WindowMs() <= 0 {
		return newValidationError("window", "must be positive, got %dms", c.WindowMs())
	}
	return nil
}
