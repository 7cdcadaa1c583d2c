package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LIMITLINK_"

// Load builds the configuration: defaults, then the yaml file at path (if any),
// then LIMITLINK_* environment variables. A .env file in the working directory
// or next to the config file is loaded first without overwriting the environment.
func Load(path string) (*Config, error) {
	loadDotEnv(path)

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		raw := map[string]any{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if err := decode(expandEnv(raw), cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadDotEnv(configPath string) {
	candidates := []string{".env"}
	if configPath != "" {
		if i := strings.LastIndexAny(configPath, `/\`); i >= 0 {
			candidates = append(candidates, configPath[:i+1]+".env")
		}
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			log.Warn().Err(err).Str("path", p).Msg("failed to load .env file")
			continue
		}
		log.Debug().Str("path", p).Msg(".env file loaded")
	}
}

func decode(input map[string]any, out *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.TextUnmarshallerHookFunc(),
		),
	})
	if err != nil {
		return fmt.Errorf("create decoder: %w", err)
	}
	return decoder.Decode(input)
}

// envVarPattern matches ${VAR} and ${VAR:-default}
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandEnv(v any) map[string]any {
	out, _ := expandValue(v).(map[string]any)
	return out
}

func expandValue(v any) any {
	switch val := v.(type) {
	case string:
		return envVarPattern.ReplaceAllStringFunc(val, func(match string) string {
			m := envVarPattern.FindStringSubmatch(match)
			if env, ok := os.LookupEnv(m[1]); ok && env != "" {
				return env
			}
			return m[2]
		})
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = expandValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = expandValue(item)
		}
		return out
	}
	return v
}

// applyEnv overrides scalar settings from LIMITLINK_* variables.
func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"STORE":          &cfg.Store,
		"PREFIX":         &cfg.Prefix,
		"REDIS_ADDR":     &cfg.Redis.Addr,
		"REDIS_USERNAME": &cfg.Redis.Username,
		"REDIS_PASSWORD": &cfg.Redis.Password,
		"HTTP_ADDR":      &cfg.HTTP.Addr,
		"GRPC_ADDR":      &cfg.GRPC.Addr,
		"LOG_LEVEL":      &cfg.Log.Level,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"FAIL_OPEN":       &cfg.FailOpen,
		"LOG_PRETTY":      &cfg.Log.Pretty,
		"METRICS_ENABLED": &cfg.Metrics.Enabled,
	}
	for name, dst := range bools {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = b
		}
	}

	if v, ok := os.LookupEnv(EnvPrefix + "REDIS_DB"); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sREDIS_DB: %w", EnvPrefix, err)
		}
		cfg.Redis.DB = db
	}
	return nil
}
