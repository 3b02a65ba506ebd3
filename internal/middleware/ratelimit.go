package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	rediskey "mediserve/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// luaRateLimit：Redis 滑动窗口限流 Lua 脚本（原子操作）
// KEYS[1]=限流key，ARGV[1]=当前时间戳，ARGV[2]=窗口开始时间戳，ARGV[3]=窗口秒数，
// ARGV[4]=成员，ARGV[5]=上限。超限返回 -1。
const luaRateLimit = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local windowSec = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '0', windowStart)
local count = redis.call('ZCARD', key)
if count < tonumber(ARGV[5]) then
  redis.call('ZADD', key, now, member)
  redis.call('EXPIRE', key, windowSec)
  return count + 1
else
  return -1
end
`

// UserHeader 由前置认证层写入的用户 ID。
const UserHeader = "X-User-ID"

// RateLimitKey 有用户 ID 时按用户限流，否则降级为按 IP。
func RateLimitKey(c *gin.Context) string {
	if uid := strings.TrimSpace(c.GetHeader(UserHeader)); uid != "" {
		return rediskey.CheckoutRateKey(uid)
	}
	return "rate_limit:checkout:ip:" + c.ClientIP()
}

// RedisRateLimit Redis 分布式限流（Lua 原子操作 + 按用户滑动窗口）。
// Redis 故障时放行请求。
func RedisRateLimit(rdb *rd.Client, limit int, window time.Duration, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := RateLimitKey(c)
		now := time.Now()
		windowSec := int64(window.Seconds())
		member := fmt.Sprintf("%d-%d", now.Unix(), now.UnixNano())

		res, err := rdb.Eval(c.Request.Context(), luaRateLimit, []string{key},
			now.Unix(), now.Unix()-windowSec, windowSec, member, limit).Int()
		if err != nil {
			log.WithError(err).WithField("key", key).Warn("rate limit unavailable")
			c.Next()
			return
		}
		if res < 0 {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": http.StatusTooManyRequests,
				"msg":  "too many checkout attempts, try again later",
			})
			return
		}
		c.Next()
	}
}

// AdminToken 用共享令牌保护员工接口。
func AdminToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Admin-Token") != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "msg": "invalid admin token"})
			return
		}
		c.Next()
	}
}
