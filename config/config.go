// Package config loads limitlinkd's settings from a yaml file, .env and
// LIMITLINK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/toolink/limitlink/limiter"
)

// Store backends
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config is the full daemon configuration.
type Config struct {
	Store     string                        `yaml:"store"`
	Prefix    string                        `yaml:"prefix"`
	FailOpen  bool                          `yaml:"fail_open"`
	Redis     RedisConfig                   `yaml:"redis"`
	HTTP      HTTPConfig                    `yaml:"http"`
	GRPC      GRPCConfig                    `yaml:"grpc"`
	Log       LogConfig                     `yaml:"log"`
	Metrics   MetricsConfig                 `yaml:"metrics"`
	Rules     map[string]limiter.RuleConfig `yaml:"rules"`
	Routes    []RouteConfig                 `yaml:"routes"`
	WebSocket WebSocketConfig               `yaml:"websocket"`
}

type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"` // empty disables the gRPC listener
	// Methods maps full method names to rule names, checked in order.
	Methods map[string][]string `yaml:"methods"`
	// Streams maps full streaming method names to one rule name.
	Streams map[string]string `yaml:"streams"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// RouteConfig binds rules to an HTTP route served by the echo handler.
type RouteConfig struct {
	Method string   `yaml:"method"` // empty matches any method
	Path   string   `yaml:"path"`
	Rules  []string `yaml:"rules"`
}

// WebSocketConfig enables the websocket echo endpoint.
type WebSocketConfig struct {
	Path         string `yaml:"path"` // empty disables the endpoint
	Rule         string `yaml:"rule"`
	CloseOnLimit bool   `yaml:"close_on_limit"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Store:  StoreRedis,
		Prefix: limiter.DefaultPrefix,
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			DialTimeout: 5 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "limitlink",
		},
		Rules: map[string]limiter.RuleConfig{},
	}
}

// Validate checks the configuration, including every rule and every rule reference.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store {
	case StoreRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required when store is redis"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("store must be %q or %q, got %q", StoreRedis, StoreMemory, c.Store))
	}
	if c.Prefix == "" {
		errs = append(errs, errors.New("prefix must not be empty"))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr must not be empty"))
	}

	for _, name := range c.RuleNames() {
		rc := c.Rules[name]
		if err := rc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rules.%s: %w", name, err))
			continue
		}
		c.Rules[name] = rc
	}

	for i, rt := range c.Routes {
		if !strings.HasPrefix(rt.Path, "/") {
			errs = append(errs, fmt.Errorf("routes[%d].path must start with /, got %q", i, rt.Path))
		}
		if rt.Method != "" && !knownMethod(rt.Method) {
			errs = append(errs, fmt.Errorf("routes[%d].method %q is not an HTTP method", i, rt.Method))
		}
		errs = append(errs, c.checkRefs(fmt.Sprintf("routes[%d]", i), rt.Rules...)...)
	}
	for method, names := range c.GRPC.Methods {
		errs = append(errs, c.checkRefs("grpc.methods."+method, names...)...)
	}
	for method, name := range c.GRPC.Streams {
		errs = append(errs, c.checkRefs("grpc.streams."+method, name)...)
	}
	if c.WebSocket.Path != "" {
		errs = append(errs, c.checkRefs("websocket", c.WebSocket.Rule)...)
	}

	return errors.Join(errs...)
}

func (c *Config) checkRefs(where string, names ...string) []error {
	var errs []error
	for _, name := range names {
		if _, ok := c.Rules[name]; !ok {
			errs = append(errs, fmt.Errorf("%s: unknown rule %q", where, name))
		}
	}
	return errs
}

// RuleNames returns the rule names sorted.
func (c *Config) RuleNames() []string {
	names := make([]string, 0, len(c.Rules))
	for name := range c.Rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildRules constructs every named rule.
func (c *Config) BuildRules(opts ...limiter.RuleOption) (map[string]*limiter.Rule, error) {
	rules := make(map[string]*limiter.Rule, len(c.Rules))
	for _, name := range c.RuleNames() {
		r, err := limiter.NewRule(c.Rules[name], opts...)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
		rules[name] = r
	}
	return rules, nil
}

func knownMethod(m string) bool {
	switch strings.ToUpper(m) {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodConnect, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}
