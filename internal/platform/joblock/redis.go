package joblock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "joblock:"

// releaseScript deletes the key only if it still carries our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	rdb    *goredis.Client
	logger zerolog.Logger
}

// NewRedisLocker connects to url and pings it before returning.
func NewRedisLocker(ctx context.Context, url string, logger zerolog.Logger) (*RedisLocker, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info().Str("addr", opts.Addr).Msg("redis job lock connected")
	return &RedisLocker{rdb: rdb, logger: logger}, nil
}

func (r *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	ok, err := r.rdb.SetNX(ctx, keyPrefix+name, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", name, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &redisLease{rdb: r.rdb, key: keyPrefix + name, token: token}, nil
}

func (r *RedisLocker) Close() error {
	return r.rdb.Close()
}

type redisLease struct {
	rdb   *goredis.Client
	key   string
	token string
	once  sync.Once
	err   error
}

func (l *redisLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.err = releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
	})
	return l.err
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
