package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"expflow/internal/service"
	"expflow/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// tokenBucket takes one token from the bucket at KEYS[1].
// ARGV: rate (tokens/s), capacity, now (ms). Reply: {allowed, remaining, retry_after_ms}.
var tokenBucket = redis.NewScript(`
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now

tokens = math.min(capacity, tokens + math.max(0, now - ts) * rate / 1000)
if tokens < 1 then
	return {0, 0, math.ceil((1 - tokens) * 1000 / rate)}
end

tokens = tokens - 1
redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], math.ceil(capacity / rate * 2000))
return {1, math.floor(tokens), 0}
`)

const localIdle = 10 * time.Minute

type localLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// localLimiters is the per-process fallback used while redis is down.
type localLimiters struct {
	mu        sync.Mutex
	limiters  map[string]*localLimiter
	lastSweep time.Time
}

func (l *localLimiters) get(key string, rps int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastSweep) > time.Minute {
		for k, v := range l.limiters {
			if now.Sub(v.lastSeen) > localIdle {
				delete(l.limiters, k)
			}
		}
		l.lastSweep = now
	}

	ll, ok := l.limiters[key]
	if !ok {
		ll = &localLimiter{limiter: rate.NewLimiter(rate.Limit(rps), rps)}
		l.limiters[key] = ll
	}
	ll.lastSeen = now
	return ll.limiter
}

// limitKey buckets authenticated callers by actor and everyone else by IP.
func limitKey(c *gin.Context) string {
	if op := service.GetOperatorInfo(c.Request.Context()); op != nil {
		return "actor:" + op.Name
	}
	return "ip:" + c.ClientIP()
}

// RateLimitMiddleware allows each caller rps requests per second, bursting
// to rps. The bucket lives in redis; when redis fails the request is
// judged by a local limiter instead of being rejected.
func RateLimitMiddleware(rdb redis.Scripter, rps int) gin.HandlerFunc {
	if rps <= 0 {
		rps = 5
	}
	fallback := &localLimiters{limiters: map[string]*localLimiter{}}
	limit := strconv.Itoa(rps)

	return func(c *gin.Context) {
		key := limitKey(c)
		c.Header("X-RateLimit-Limit", limit)

		allowed, remaining, retryAfter, err := takeToken(c.Request.Context(), rdb, key, rps)
		if err != nil {
			logger.Warn("rate limit store unavailable, using local limiter", zap.String("key", key), zap.Error(err))
			lim := fallback.get(key, rps)
			allowed = lim.Allow()
			remaining = int64(max(lim.Tokens(), 0))
			retryAfter = time.Second
		}

		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(max(1, int(math.Ceil(retryAfter.Seconds())))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func takeToken(ctx context.Context, rdb redis.Scripter, key string, rps int) (bool, int64, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	res, err := tokenBucket.Run(ctx, rdb, []string{"expflow:ratelimit:" + key}, rps, rps, time.Now().UnixMilli()).Int64Slice()
	if err != nil {
		return false, 0, 0, err
	}
	if len(res) != 3 {
		return false, 0, 0, fmt.Errorf("unexpected rate limit reply %v", res)
	}
	return res[0] == 1, res[1], time.Duration(res[2]) * time.Millisecond, nil
}
