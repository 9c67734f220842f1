package middlewares

import (
	"net/http"
	"strings"

	"chat-sync/services"
	"chat-sync/utils"

	"github.com/gin-gonic/gin"
)

// 上下文键
const (
	ContextUserID = "user_id"
	ContextClaims = "claims"
)

// TokenAuthMiddleware 校验 Authorization: Bearer <jwt>，把用户 ID 写入上下文
func TokenAuthMiddleware(tokens *services.TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			utils.RespondError(c, &services.StoreError{
				Status:  http.StatusUnauthorized,
				Code:    "PGRST301",
				Message: "missing bearer token",
			})
			return
		}
		claims, err := tokens.ParseToken(strings.TrimSpace(raw))
		if err != nil {
			utils.RespondError(c, err)
			return
		}
		c.Set(ContextUserID, claims.Subject)
		c.Set(ContextClaims, claims)
		c.Next()
	}
}

// UserID 当前请求的调用者
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}
