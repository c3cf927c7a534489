// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"

	"docsense-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// RequireRole 检查调用方是否具有指定角色。
// 此中间件必须在 AuthMiddleware 之后使用；认证关闭时直接放行。
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, exists := c.Get(ClaimsKey)
		if !exists {
			c.Next()
			return
		}

		claims, ok := v.(*token.CustomClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "用户数据类型错误", "data": nil})
			return
		}

		if claims.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": http.StatusForbidden, "message": "权限不足，需要 " + role + " 角色", "data": nil})
			return
		}

		c.Next()
	}
}
