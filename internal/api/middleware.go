package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/opencatd/opencatd/internal/registry"
)

// bearerToken extracts the credential from an Authorization header; it
// returns ok=false when the header is missing or malformed.
func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	return strings.TrimPrefix(header, "Bearer "), true
}

// OwnerAuth gates a route on the exact owner credential. It is a pure gate:
// no side effects on success or failure.
func OwnerAuth(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		owner, errOwner := reg.Owner(c.Request.Context())
		if errOwner != nil || owner.Token != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

// MemberAuth gates a route on any currently registered member credential.
// The scan is linear in the member count, which is fine at the registry
// sizes this serves. Preflight requests are answered locally with
// permissive CORS.
func MemberAuth(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			header := c.Writer.Header()
			header.Set("access-control-allow-origin", "*")
			header.Set("access-control-allow-credentials", "true")
			header.Set("access-control-allow-headers", "*")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		_, found, errFind := reg.FindMemberByToken(c.Request.Context(), token)
		if errFind != nil || !found {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}
