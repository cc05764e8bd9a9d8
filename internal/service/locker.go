package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/redis/go-redis/v9"
)

// SessionLocker da exclusion mutua por clave. unlock es idempotente.
type SessionLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

// KeyedLocker es un lock en proceso por clave; las claves sin uso se liberan.
type KeyedLocker struct {
	locks cmap.ConcurrentMap[string, *lockEntry]
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: cmap.New[*lockEntry]()}
}

func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	e := l.locks.Upsert(key, nil, func(exist bool, current, _ *lockEntry) *lockEntry {
		if !exist {
			current = &lockEntry{sem: make(chan struct{}, 1)}
		}
		current.refs++
		return current
	})

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.release(key)
		})
	}, nil
}

func (l *KeyedLocker) release(key string) {
	l.locks.RemoveCb(key, func(_ string, e *lockEntry, exists bool) bool {
		if !exists {
			return false
		}
		e.refs--
		return e.refs <= 0
	})
}

// Len devuelve cuantas claves tienen lock o espera activa.
func (l *KeyedLocker) Len() int {
	return l.locks.Count()
}

const redisUnlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

type redisLockClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisSessionLocker coordina varias instancias del servicio con SET NX PX.
type RedisSessionLocker struct {
	client redisLockClient
	ttl    time.Duration
	retry  time.Duration
	prefix string
}

var ErrLockUnavailable = errors.New("session lock unavailable")

func NewRedisSessionLocker(client *redis.Client, ttl time.Duration) *RedisSessionLocker {
	if client == nil {
		return nil
	}
	return newRedisSessionLocker(client, ttl)
}

func newRedisSessionLocker(client redisLockClient, ttl time.Duration) *RedisSessionLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisSessionLocker{
		client: client,
		ttl:    ttl,
		retry:  50 * time.Millisecond,
		prefix: "chat:lock:",
	}
}

func (l *RedisSessionLocker) Lock(ctx context.Context, key string) (func(), error) {
	token, err := newLockToken()
	if err != nil {
		return nil, err
	}
	redisKey := l.prefix + key

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrLockUnavailable, err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// el contexto del request puede estar cancelado; liberamos con uno propio
			releaseCtx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()
			_ = l.client.Eval(releaseCtx, redisUnlockScript, []string{redisKey}, token).Err()
		})
	}, nil
}

func newLockToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
