package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	ContextActorKey  = "actor"
	ContextClaimsKey = "claims"
)

func Middleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "missing token"})
			return
		}

		claims, err := ParseJWT(token, secret)
		if err != nil || claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid token"})
			return
		}

		c.Set(ContextActorKey, claims.Subject)
		c.Set(ContextClaimsKey, claims)
		c.Next()
	}
}

// RequireRole must run after Middleware.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !HasRole(c, role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": "role " + role + " required"})
			return
		}
		c.Next()
	}
}

func Actor(c *gin.Context) string {
	return c.GetString(ContextActorKey)
}

// HasRole reports whether the authenticated caller carries role.
func HasRole(c *gin.Context, role string) bool {
	claims, _ := c.Get(ContextClaimsKey)
	cl, ok := claims.(*Claims)
	return ok && cl.HasRole(role)
}
