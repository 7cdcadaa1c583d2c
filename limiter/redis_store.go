package limiter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisStore implements Store with SCRIPT LOAD and EVALSHA.
type RedisStore struct {
	client redis.Cmdable // Cmdable for compatibility with ClusterClient, Ring, etc.
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps a pre-configured redis.Cmdable.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{
		client: client,
	}
}

// LoadScript implements Store.
func (s *RedisStore) LoadScript(ctx context.Context, src string) (string, error) {
	sha, err := s.client.ScriptLoad(ctx, src).Result()
	if err != nil {
		log.Error().Err(err).Msg("redis script load failed")
		return "", fmt.Errorf("redis script load: %w", err)
	}
	log.Debug().Str("sha", sha).Msg("redis script loaded")
	return sha, nil
}

// EvalScript implements Store.
func (s *RedisStore) EvalScript(ctx context.Context, id, key string, args ...any) (int64, error) {
	result, err := s.client.EvalSha(ctx, id, []string{key}, args...).Result()
	if err != nil {
		if isNoScript(err) {
			log.Warn().Str("sha", id).Str("key", key).Msg("redis script not loaded")
			return 0, fmt.Errorf("%w: %s", ErrNoScript, id)
		}
		log.Error().Err(err).Str("key", key).Msg("redis lua script execution failed")
		return 0, fmt.Errorf("redis evalsha for key %s: %w", key, err)
	}

	wait, ok := result.(int64)
	if !ok {
		log.Error().Str("key", key).Interface("result", result).Msg("redis lua script returned unexpected type")
		return 0, fmt.Errorf("unexpected result type from redis script for key %s: %T", key, result)
	}
	return wait, nil
}

func isNoScript(err error) bool {
	var rerr redis.Error
	if errors.As(err, &rerr) {
		return redis.HasErrorPrefix(rerr, "NOSCRIPT")
	}
	return strings.HasPrefix(err.Error(), "NOSCRIPT")
}
