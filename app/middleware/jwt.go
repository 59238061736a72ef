package middleware

import (
	"net/http"
	"strings"

	"audio-forge/app/auth"

	"github.com/gin-gonic/gin"
)

func abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code":    status,
		"message": message,
		"data":    nil,
	})
}

// bearerToken 从 Authorization 头中取出令牌，websocket 连接可以使用 token 查询参数
func bearerToken(c *gin.Context) (string, string) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if token := c.Query("token"); token != "" {
			return token, ""
		}
		return "", "Authorization header is required"
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", "Authorization header format must be Bearer {token}"
	}
	return parts[1], ""
}

// JWTAuth 用户令牌认证
func JWTAuth(tokens *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, msg := bearerToken(c)
		if msg != "" {
			abort(c, http.StatusUnauthorized, msg)
			return
		}
		claims, err := tokens.ValidateToken(token)
		if err != nil {
			abort(c, http.StatusUnauthorized, "Invalid token: "+err.Error())
			return
		}
		if claims.IsService() {
			abort(c, http.StatusForbidden, "service token is not allowed here")
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Next()
	}
}

// ServiceAuth 内部接口认证，只接受服务令牌
func ServiceAuth(tokens *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, msg := bearerToken(c)
		if msg != "" {
			abort(c, http.StatusUnauthorized, msg)
			return
		}
		claims, err := tokens.ValidateToken(token)
		if err != nil {
			abort(c, http.StatusUnauthorized, "Invalid token: "+err.Error())
			return
		}
		if !claims.IsService() {
			abort(c, http.StatusForbidden, "service token required")
			return
		}
		c.Set("service", claims.Subject)
		c.Next()
	}
}
