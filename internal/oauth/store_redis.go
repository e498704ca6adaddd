package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisTokenKey = "claude-balancer:oauth:tokens"

// RedisStore keeps the token set under a single key, for deployments where
// several balancer instances share accounts.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects using a redis URL
// (redis://[:password@]host:port/db) and verifies the connection.
func NewRedisStore(ctx context.Context, rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("oauth: invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("oauth: redis unreachable: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client; used by tests.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Load(ctx context.Context) ([]Token, error) {
	data, err := s.client.Get(ctx, redisTokenKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oauth: redis get: %w", err)
	}
	var tokens []Token
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("oauth: parse stored tokens: %w", err)
	}
	return tokens, nil
}

func (s *RedisStore) Save(ctx context.Context, tokens []Token) error {
	data, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("oauth: encode tokens: %w", err)
	}
	if err := s.client.Set(ctx, redisTokenKey, data, 0).Err(); err != nil {
		return fmt.Errorf("oauth: redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
