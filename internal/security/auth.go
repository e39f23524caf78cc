package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ActorHeader carries the authenticated caller id (buyer, merchant or
// auditor) set by the upstream identity gateway.
const ActorHeader = "X-Actor-ID"

const actorKey = "actorId"

// ActorMiddleware requires ActorHeader and stores it on the context.
func ActorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := strings.TrimSpace(c.GetHeader(ActorHeader))
		if actor == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": ActorHeader + " header is required",
			})
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

// Actor returns the caller id stored by ActorMiddleware.
func Actor(c *gin.Context) string {
	return c.GetString(actorKey)
}

// AdminMiddleware guards operator endpoints with a shared secret sent as
// "Authorization: Bearer <secret>". An empty secret disables the endpoints.
func AdminMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "operator endpoints are disabled (ADMIN_SECRET not set)",
			})
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "invalid operator credentials",
			})
			return
		}
		c.Set(actorKey, "operator")
		c.Next()
	}
}
