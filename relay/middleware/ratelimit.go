package middleware

import (
	"context"
	"net/http"

	"github.com/ceyewan/chorus/logic/service"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/ratelimit"
	"github.com/gin-gonic/gin"
)

// Limiter 限流器，由 genesis ratelimit 实现
type Limiter interface {
	Allow(ctx context.Context, key string, limit ratelimit.Limit) (bool, error)
}

// RateLimitConfig 限流中间件配置
type RateLimitConfig struct {
	limiter Limiter
	logger  clog.Logger
}

// NewRateLimitConfig 创建限流中间件配置
func NewRateLimitConfig(limiter Limiter, logger clog.Logger) *RateLimitConfig {
	return &RateLimitConfig{limiter: limiter, logger: logger}
}

// GlobalIP 按客户端 IP 限流
func (r *RateLimitConfig) GlobalIP(limit ratelimit.Limit) gin.HandlerFunc {
	return func(c *gin.Context) {
		r.check(c, "http:ip:"+c.ClientIP(), limit)
	}
}

// UserBased 按已认证用户限流，必须放在 RequireAuth 之后
func (r *RateLimitConfig) UserBased(limit ratelimit.Limit) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := GetUserID(c)
		if !ok {
			c.Next()
			return
		}
		r.check(c, "http:user:"+userID, limit)
	}
}

func (r *RateLimitConfig) check(c *gin.Context, key string, limit ratelimit.Limit) {
	allowed, err := r.limiter.Allow(c.Request.Context(), key, limit)
	if err != nil {
		// 限流器故障时放行
		r.logger.ErrorContext(c.Request.Context(), "ratelimit check failed", clog.Error(err))
		c.Next()
		return
	}
	if !allowed {
		r.logger.WarnContext(c.Request.Context(), "rate limit exceeded",
			clog.String("key", key),
			clog.String("path", c.Request.URL.Path))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"code":    string(service.CodeRateLimited),
			"message": "rate limit exceeded",
		})
		return
	}
	c.Next()
}
