package translate

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimitKey 共享翻译限流 Key（有序集合，score 为毫秒时间戳）
const RateLimitKey = "chatsync:translate:ratelimit"

// slidingLogScript 原子地清理过期记录、检查并计数
var slidingLogScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
	return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// RedisLimiter 多节点共享的滑动窗口计数器，Redis 不可用时拒绝请求
type RedisLimiter struct {
	client *redis.Client
	key    string
	limit  int
	window time.Duration
	logger *slog.Logger
}

// NewRedisLimiter 创建 Redis 计数器
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration, logger *slog.Logger) *RedisLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLimiter{
		client: client,
		key:    RateLimitKey,
		limit:  limit,
		window: window,
		logger: logger,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context) bool {
	now := time.Now().UnixMilli()
	allowed, err := slidingLogScript.Run(ctx, l.client, []string{l.key},
		now,
		l.window.Milliseconds(),
		l.limit,
		uuid.NewString(),
	).Int()
	if err != nil {
		l.logger.Warn("Rate limiter unavailable", "error", err)
		return false
	}
	return allowed == 1
}
