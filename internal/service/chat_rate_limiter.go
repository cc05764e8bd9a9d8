package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ChatRateLimiter limita la frecuencia de mensajes por usuario.
type ChatRateLimiter interface {
	Allow(ctx context.Context, userID string) bool
}

type memoryChatRateLimiter struct {
	limiters cmap.ConcurrentMap[string, *rate.Limiter]
	every    rate.Limit
	burst    int
}

// NewMemoryChatRateLimiter crea un token bucket en memoria: max mensajes por ventana.
func NewMemoryChatRateLimiter(window time.Duration, max int) ChatRateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if max <= 0 {
		max = 1
	}
	return &memoryChatRateLimiter{
		limiters: cmap.New[*rate.Limiter](),
		every:    rate.Every(window / time.Duration(max)),
		burst:    max,
	}
}

func (l *memoryChatRateLimiter) Allow(_ context.Context, userID string) bool {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false
	}
	lim := l.limiters.Upsert(userID, nil, func(exist bool, current, _ *rate.Limiter) *rate.Limiter {
		if exist {
			return current
		}
		return rate.NewLimiter(l.every, l.burst)
	})
	return lim.Allow()
}

// Ventana deslizante sobre un ZSET: se purgan los envios fuera de la ventana y
// solo se registra el envio nuevo si todavia hay cupo. Devuelve 1 si se admite.
const slidingWindowScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
if redis.call("ZCARD", KEYS[1]) >= tonumber(ARGV[3]) then
  return 0
end
redis.call("ZADD", KEYS[1], now, ARGV[4])
redis.call("PEXPIRE", KEYS[1], window)
return 1
`

type redisScripter interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

type redisChatRateLimiter struct {
	client  redisScripter
	logger  *zap.Logger
	window  time.Duration
	max     int
	timeout time.Duration
	prefix  string
	now     func() time.Time
}

// NewRedisChatRateLimiter comparte el limite entre instancias. Si Redis falla se
// deja pasar el mensaje y se registra un Warn.
func NewRedisChatRateLimiter(client *redis.Client, logger *zap.Logger, window time.Duration, max int) ChatRateLimiter {
	if client == nil {
		return nil
	}
	return newRedisChatRateLimiter(client, logger, window, max)
}

func newRedisChatRateLimiter(client redisScripter, logger *zap.Logger, window time.Duration, max int) *redisChatRateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if window <= 0 {
		window = time.Minute
	}
	if max <= 0 {
		max = 1
	}
	return &redisChatRateLimiter{
		client:  client,
		logger:  logger,
		window:  window,
		max:     max,
		timeout: 500 * time.Millisecond,
		prefix:  "chat:rl:",
		now:     time.Now,
	}
}

func (l *redisChatRateLimiter) Allow(ctx context.Context, userID string) bool {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	admitted, err := l.client.Eval(ctx, slidingWindowScript, []string{l.prefix + userID},
		l.now().UnixMilli(), l.window.Milliseconds(), l.max, uuid.NewString()).Int()
	if err != nil {
		l.logger.Warn("chat rate limiter unavailable, allowing message",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return true
	}
	return admitted == 1
}
