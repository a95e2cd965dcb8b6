// internal/session/redis.go
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// redisChangeChannel is the pub/sub channel session mutations are announced
// on. Every connected client process of the same user shares it, which is how
// a session saved in one process reaches the others.
const redisChangeChannel = "cambia:session:changes"

// redisKeyTTL bounds how long orphaned session keys linger server-side. It is
// deliberately longer than the snapshot expiry so the Store's own validation
// decides staleness, not Redis.
const redisKeyTTL = 2 * time.Hour

// redisChange is the payload published on redisChangeChannel.
type redisChange struct {
	Origin string `json:"origin"`
	Key    string `json:"key"`
	Value  string `json:"value,omitempty"`
}

// RedisBackend stores session keys in Redis and uses pub/sub for
// cross-process change notification. Writes carry this instance's origin id
// so its own mutations are filtered out on the subscription side.
type RedisBackend struct {
	rdb    *redis.Client
	origin string
	logger *logrus.Logger

	mu          sync.Mutex
	subscribers map[int]ChangeFunc
	nextSub     int
	sub         *redis.PubSub
	subCancel   context.CancelFunc
}

// NewRedisBackend connects a Redis client from environment variables:
//   - SESSION_REDIS_ADDR (default "localhost:6379")
//   - SESSION_REDIS_DB (optional, default 0)
func NewRedisBackend(logger *logrus.Logger) (*RedisBackend, error) {
	addr := getEnv("SESSION_REDIS_ADDR", "localhost:6379")
	dbIdx := getEnvInt("SESSION_REDIS_DB", 0)

	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   dbIdx,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return NewRedisBackendWithClient(rdb, logger), nil
}

// NewRedisBackendWithClient wraps an already-connected client.
func NewRedisBackendWithClient(rdb *redis.Client, logger *logrus.Logger) *RedisBackend {
	return &RedisBackend{
		rdb:         rdb,
		origin:      uuid.NewString(),
		logger:      logger,
		subscribers: make(map[int]ChangeFunc),
	}
}

func (r *RedisBackend) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

func (r *RedisBackend) Set(ctx context.Context, key, value string) error {
	if err := r.rdb.Set(ctx, key, value, redisKeyTTL).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	r.announce(ctx, key, value)
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	r.announce(ctx, key, "")
	return nil
}

// announce publishes the mutation. A publish failure is logged, not
// surfaced; the write itself already succeeded.
func (r *RedisBackend) announce(ctx context.Context, key, value string) {
	data, err := json.Marshal(redisChange{Origin: r.origin, Key: key, Value: value})
	if err != nil {
		r.logger.Errorf("failed to marshal session change for %s: %v", key, err)
		return
	}
	if err := r.rdb.Publish(ctx, redisChangeChannel, data).Err(); err != nil {
		r.logger.Warnf("failed to publish session change for %s: %v", key, err)
	}
}

// Subscribe starts the pub/sub receive loop on first use.
func (r *RedisBackend) Subscribe(fn ChangeFunc) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.subscribers[id] = fn

	if r.sub == nil {
		ctx, cancel := context.WithCancel(context.Background())
		r.sub = r.rdb.Subscribe(ctx, redisChangeChannel)
		r.subCancel = cancel
		go r.receiveLoop(ctx, r.sub)
	}
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subscribers, id)
	}, nil
}

func (r *RedisBackend) receiveLoop(ctx context.Context, sub *redis.PubSub) {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var change redisChange
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				r.logger.Warnf("ignoring malformed session change: %v", err)
				continue
			}
			if change.Origin == r.origin {
				continue // our own write
			}
			r.mu.Lock()
			subs := make([]ChangeFunc, 0, len(r.subscribers))
			for _, fn := range r.subscribers {
				subs = append(subs, fn)
			}
			r.mu.Unlock()
			for _, fn := range subs {
				fn(change.Key, change.Value)
			}
		}
	}
}

// Close tears down the pub/sub subscription and the client connection.
func (r *RedisBackend) Close() error {
	r.mu.Lock()
	if r.subCancel != nil {
		r.subCancel()
		r.subCancel = nil
	}
	sub := r.sub
	r.sub = nil
	r.subscribers = make(map[int]ChangeFunc)
	r.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	return r.rdb.Close()
}

// getEnv is a helper to read an environment variable or return a default value.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvInt is a helper to parse an environment variable as integer, else a default value.
func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
