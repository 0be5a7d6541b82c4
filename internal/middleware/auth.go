package middleware

import (
	"opencourse_backend/internal/config"
	"opencourse_backend/internal/model"
	"opencourse_backend/internal/util"
	"opencourse_backend/pkg/logger"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// bearerToken 优先读 Authorization 头，其次读 ?token=，便于直接打开的下载链接
func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return c.Query("token")
}

func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			util.Unauthorized(c)
			c.Abort()
			return
		}

		claims, err := util.ParseJWT(token, cfg.JWT.Secret)
		if err != nil {
			logger.Log.Debug("Rejected access token",
				zap.String("path", c.Request.URL.Path),
				zap.Error(err),
			)
			util.Unauthorized(c)
			c.Abort()
			return
		}

		c.Set(util.ContextUserKey, claims)
		c.Next()
	}
}

// RoleMiddleware 须挂在 AuthMiddleware 之后
func RoleMiddleware(roles ...model.UserRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := util.GetUserFromContext(c)
		switch {
		case claims == nil:
			util.Unauthorized(c)
			c.Abort()
		case !claims.HasRole(roles...):
			util.Forbidden(c)
			c.Abort()
		default:
			c.Next()
		}
	}
}
