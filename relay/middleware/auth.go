package middleware

import (
	"context"
	"net/http"

	"github.com/ceyewan/chorus/logic/service"
	"github.com/ceyewan/genesis/clog"
	"github.com/gin-gonic/gin"
)

// IdentityKey 上下文中存储身份的键
const IdentityKey = "identity"

// Authenticator 凭证校验，由 service.IdentityGate 实现
type Authenticator interface {
	Validate(ctx context.Context, credential string) (*service.Identity, error)
}

// Credential 从请求头或查询参数中提取凭证
// 浏览器的 WebSocket 握手无法设置请求头，因此也接受 ?token=
func Credential(c *gin.Context) string {
	if token := c.GetHeader("Authorization"); token != "" {
		return token
	}
	return c.Query("token")
}

// RequireAuth 返回一个需要认证的中间件
func RequireAuth(auth Authenticator, logger clog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := auth.Validate(c.Request.Context(), Credential(c))
		if err != nil {
			logger.WarnContext(c.Request.Context(), "authentication failed",
				clog.String("client_ip", c.ClientIP()),
				clog.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    string(service.CodeUnauthenticated),
				"message": service.MessageOf(err),
			})
			return
		}

		c.Set(IdentityKey, identity)
		c.Next()
	}
}

// GetIdentity 从上下文获取身份
func GetIdentity(c *gin.Context) (*service.Identity, bool) {
	v, exists := c.Get(IdentityKey)
	if !exists {
		return nil, false
	}
	identity, ok := v.(*service.Identity)
	return identity, ok
}

// GetUserID 从上下文获取用户 ID
func GetUserID(c *gin.Context) (string, bool) {
	identity, ok := GetIdentity(c)
	if !ok {
		return "", false
	}
	return identity.ID, true
}
