package bridge

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "pluginhost:"

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// RedisStore keeps records as plain redis strings under pluginhost:{namespace}:{key}.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(namespace, key string) string {
	return redisKeyPrefix + namespace + ":" + key
}

func (s *RedisStore) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, redisKey(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *RedisStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	return s.client.Set(ctx, redisKey(namespace, key), value, 0).Err()
}

func (s *RedisStore) Delete(ctx context.Context, namespace, key string) (bool, error) {
	n, err := s.client.Del(ctx, redisKey(namespace, key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	base := redisKey(namespace, "")
	pattern := globEscaper.Replace(base+prefix) + "*"

	keys := []string{}
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), base))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	slices.Sort(keys)
	return keys, nil
}
