package middleware

import (
    "fmt"
    "math"
    "net/http"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/labstack/echo/v4"
    "github.com/redis/go-redis/v9"
    "go.uber.org/zap"
    "golang.org/x/time/rate"

    "github.com/iliyamo/exam-slot-reservation/internal/config"
)

// bucketScript refills and takes one token from the bucket at KEYS[1].
// Returns {allowed, remaining, retry_after_ms}.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill = tonumber(ARGV[3])
local interval_ms = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now_ms
end

if interval_ms > 0 and refill > 0 then
  local n = math.floor(math.max(0, now_ms - ts) / interval_ms)
  if n > 0 then
    tokens = math.min(capacity, tokens + n * refill)
    ts = ts + n * interval_ms
  end
end

local allowed = 0
local wait = 0
if tokens > 0 then
  allowed = 1
  tokens = tokens - 1
else
  wait = math.max(0, interval_ms - (now_ms - ts))
end

redis.call('HSET', key, 'tokens', tokens, 'ts', ts)
redis.call('EXPIRE', key, ttl)
return {allowed, tokens, wait}
`)

// localBuckets is the per-instance limiter used while Redis is unavailable.
type localBuckets struct {
    mu    sync.Mutex
    limit rate.Limit
    burst int
    m     map[string]*rate.Limiter
}

func newLocalBuckets(cfg config.RateLimitConfig) *localBuckets {
    return &localBuckets{
        limit: rate.Limit(cfg.RatePerSecond()),
        burst: cfg.Capacity,
        m:     make(map[string]*rate.Limiter),
    }
}

func (b *localBuckets) get(key string) *rate.Limiter {
    b.mu.Lock()
    defer b.mu.Unlock()
    l, ok := b.m[key]
    if !ok {
        l = rate.NewLimiter(b.limit, b.burst)
        b.m[key] = l
    }
    return l
}

// take reports whether a request is allowed and, if not, how long until it
// would be.
func (b *localBuckets) take(key string, now time.Time) (bool, int64, time.Duration) {
    l := b.get(key)
    r := l.ReserveN(now, 1)
    if !r.OK() {
        return false, 0, time.Second
    }
    if d := r.DelayFrom(now); d > 0 {
        r.CancelAt(now)
        return false, 0, d
    }
    return true, int64(l.TokensAt(now)), 0
}

// NewTokenBucket limits requests per key (see buildRateKey).  The bucket is
// shared through Redis.  On a Redis error the request is let through, unless
// LocalFallback is set, in which case an in-process bucket with the same
// rate decides.
func NewTokenBucket(cfg config.RateLimitConfig, rdb *redis.Client, log *zap.Logger) echo.MiddlewareFunc {
    if !cfg.Enabled {
        return passThrough
    }
    if log == nil {
        log = zap.NewNop()
    }
    var local *localBuckets
    if cfg.LocalFallback {
        local = newLocalBuckets(cfg)
    }
    if rdb == nil && local == nil {
        return passThrough
    }

    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            key := buildRateKey(cfg, c)
            now := time.Now()

            var (
                allowed   bool
                remaining int64
                retry     time.Duration
                decided   bool
            )
            if rdb != nil {
                vals, err := bucketScript.Run(c.Request().Context(), rdb, []string{key},
                    now.UnixMilli(), cfg.Capacity, cfg.RefillTokens,
                    cfg.RefillInterval.Milliseconds(), int64(cfg.TTL/time.Second)).Result()
                if err == nil {
                    if arr, ok := vals.([]interface{}); ok && len(arr) == 3 {
                        allowed = asInt64(arr[0]) == 1
                        remaining = asInt64(arr[1])
                        retry = time.Duration(asInt64(arr[2])) * time.Millisecond
                        decided = true
                    } else {
                        log.Warn("unexpected rate limit script result", zap.String("key", key), zap.String("result", fmt.Sprint(vals)))
                    }
                } else if cfg.Debug {
                    log.Warn("rate limit redis error", zap.String("key", key), zap.Error(err))
                }
            }
            if !decided {
                if local == nil {
                    return next(c)
                }
                allowed, remaining, retry = local.take(key, now)
            }

            h := c.Response().Header()
            h.Set("X-RateLimit-Limit", strconv.Itoa(cfg.Capacity))
            h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
            if cfg.Debug {
                h.Set("X-RateLimit-Key", key)
            }
            if allowed {
                return next(c)
            }

            secs := int(math.Ceil(retry.Seconds()))
            if secs < 1 {
                secs = 1
            }
            h.Set("Retry-After", strconv.Itoa(secs))
            return c.JSON(http.StatusTooManyRequests, echo.Map{
                "error":       "too_many_requests",
                "message":     "rate limit exceeded",
                "retry_after": secs,
            })
        }
    }
}

func asInt64(v interface{}) int64 {
    switch t := v.(type) {
    case int64:
        return t
    case int:
        return int64(t)
    case float64:
        return int64(t)
    case string:
        n, _ := strconv.ParseInt(t, 10, 64)
        return n
    }
    return 0
}

func buildRateKey(cfg config.RateLimitConfig, c echo.Context) string {
    ip := c.RealIP()
    if ip == "" {
        ip = "unknown"
    }
    uid := userID(c)
    route := c.Request().Method + " " + c.Path()

    parts := []string{cfg.Prefix}
    switch strings.ToLower(cfg.KeyStrategy) {
    case "ip":
        parts = append(parts, "ip", ip)
    case "user":
        parts = append(parts, "user", uid)
    case "route":
        parts = append(parts, "route", route)
    case "ip_user":
        parts = append(parts, "ip", ip, "user", uid)
    case "ip_route":
        parts = append(parts, "ip", ip, "route", route)
    case "user_route":
        parts = append(parts, "user", uid, "route", route)
    default:
        parts = append(parts, "ip", ip, "user", uid, "route", route)
    }
    return strings.Join(parts, ":")
}
