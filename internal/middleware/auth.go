package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"happy-sync/internal/auth"
)

const (
	userIDContextKey = "userID"
	claimsContextKey = "claims"
)

func UserIDFromContext(c *gin.Context) (string, bool) {
	value := c.GetString(userIDContextKey)
	return value, value != ""
}

// ClaimsFromContext returns the verified token of the request, if any.
func ClaimsFromContext(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(claimsContextKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}

func RequireAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		claims, err := auth.VerifyToken(token, cfg)
		if err != nil {
			glog.V(2).Infof("%s %s: %v", c.Request.Method, c.FullPath(), err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		c.Set(claimsContextKey, claims)
		c.Set(userIDContextKey, claims.UserID())
		c.Next()
	}
}
