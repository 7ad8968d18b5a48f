package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// Context keys for user data
	ContextKeyUserID = "user_id"
	ContextKeyClaims = "user_claims"
)

// Middleware creates a JWT authentication middleware. The token is read from
// the Authorization header, or from the token query parameter when
// allowQuery is set (browsers cannot add headers to websocket upgrades).
func Middleware(jwtManager *JWTManager, allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := extractToken(c, allowQuery)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   ErrUnauthorized.Code,
				"message": "missing or malformed authorization",
			})
			return
		}

		claims, err := jwtManager.ValidateAccessToken(tokenString)
		if err != nil {
			authErr, ok := err.(AuthError)
			if !ok {
				authErr = ErrInvalidToken
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   authErr.Code,
				"message": authErr.Message,
			})
			return
		}

		c.Set(ContextKeyUserID, claims.UserID)
		c.Set(ContextKeyClaims, claims)

		c.Next()
	}
}

// StaticUser authenticates every request as userID. Used when auth is disabled.
func StaticUser(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ContextKeyUserID, userID)
		c.Set(ContextKeyClaims, &UserClaims{UserID: userID})
		c.Next()
	}
}

func extractToken(c *gin.Context, allowQuery bool) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if allowQuery {
		if token := c.Query("token"); token != "" {
			return token, true
		}
	}
	return "", false
}

// GetUserID extracts the user ID from the Gin context
func GetUserID(c *gin.Context) string {
	if userID, exists := c.Get(ContextKeyUserID); exists {
		if s, ok := userID.(string); ok {
			return s
		}
	}
	return ""
}

// GetUserClaims extracts the full user claims from the Gin context
func GetUserClaims(c *gin.Context) *UserClaims {
	if claims, exists := c.Get(ContextKeyClaims); exists {
		if uc, ok := claims.(*UserClaims); ok {
			return uc
		}
	}
	return nil
}
