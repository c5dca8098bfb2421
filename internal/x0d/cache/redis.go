// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisClient abstracts the minimal surface the redis backend needs.
// Implementations may wrap github.com/redis/go-redis/v9 or any equivalent.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, key string) error
}

// GoRedisClient wraps github.com/redis/go-redis/v9 behind RedisClient.
// Construct with NewGoRedisClient and an address like "127.0.0.1:6379".
type GoRedisClient struct{ c *redis.Client }

func NewGoRedisClient(addr string) *GoRedisClient {
	return &GoRedisClient{c: redis.NewClient(&redis.Options{Addr: addr})}
}

func (g *GoRedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return g.c.Set(ctx, key, value, ttl).Err()
}

func (g *GoRedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	return g.c.Get(ctx, key).Bytes()
}

func (g *GoRedisClient) Del(ctx context.Context, key string) error {
	return g.c.Del(ctx, key).Err()
}

// LoggingRedisClient logs every call instead of talking to a server, so the
// redis backend can be selected without infrastructure. Not for production
// use.
type LoggingRedisClient struct{ Log *zap.Logger }

func (l LoggingRedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if l.Log != nil {
		l.Log.Info("redis-demo SET", zap.String("key", key), zap.Int("bytes", len(value)), zap.Duration("ttl", ttl))
	}
	return nil
}

func (l LoggingRedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	if l.Log != nil {
		l.Log.Info("redis-demo GET", zap.String("key", key))
	}
	return nil, redis.Nil
}

func (l LoggingRedisClient) Del(ctx context.Context, key string) error {
	if l.Log != nil {
		l.Log.Info("redis-demo DEL", zap.String("key", key))
	}
	return nil
}

// RedisBackend stores completed variants under "x0d:cache:<key>" with a TTL
// covering the variant's deliverable window. Store/Purge run with a short
// deadline so a slow Redis can't stall a request path.
type RedisBackend struct {
	client  RedisClient
	log     *zap.Logger
	timeout time.Duration
}

// NewRedisBackend builds a backend over client. log may be nil.
func NewRedisBackend(client RedisClient, log *zap.Logger) *RedisBackend {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBackend{client: client, log: log, timeout: 250 * time.Millisecond}
}

func redisKey(key string) string { return fmt.Sprintf("x0d:cache:%s", key) }

func (b *RedisBackend) Store(key string, e *Entry, ttl time.Duration) {
	data, err := encodeVariant(e)
	if err != nil {
		b.log.Warn("cache redis encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.client.Set(ctx, redisKey(key), data, ttl); err != nil {
		b.log.Warn("cache redis store failed", zap.String("key", key), zap.Error(err))
	}
}

func (b *RedisBackend) Load(key string) (*StoredVariant, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	data, err := b.client.Get(ctx, redisKey(key))
	if err != nil {
		if err != redis.Nil {
			b.log.Warn("cache redis load failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	v, err := decodeVariant(data)
	if err != nil {
		b.log.Warn("cache redis decode failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return v, true
}

func (b *RedisBackend) Purge(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.client.Del(ctx, redisKey(key)); err != nil {
		b.log.Warn("cache redis purge failed", zap.String("key", key), zap.Error(err))
	}
}
