package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"

	"telecare-backend/pkg/jwt"
	"telecare-backend/pkg/protocol"
	"telecare-backend/pkg/response"
)

// Context keys set by the auth middlewares
const (
	ContextUserID = "user_id"
	ContextRole   = "role"
	ContextCallID = "call_id"
)

// AuthMiddleware validates API access tokens.
// If valid, it sets user_id and role in the Gin context.
func AuthMiddleware(jwtManager *jwt.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextRole, claims.Role)
		c.Next()
	}
}

// StreamAuthMiddleware validates the call-scoped stream token and the API key
// presented on the signaling handshake. It sets user_id and call_id.
func StreamAuthMiddleware(jwtManager *jwt.JWTManager, apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(protocol.HeaderStreamKey)
		if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
			response.Unauthorized(c, "Invalid stream key")
			c.Abort()
			return
		}

		tokenString, ok := bearerToken(c)
		if !ok {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		claims, err := jwtManager.ValidateStreamToken(tokenString)
		if err != nil {
			response.Unauthorized(c, "Invalid stream token")
			c.Abort()
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextCallID, claims.CallID)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.Split(c.GetHeader("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
