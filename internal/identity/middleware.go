package identity

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/credgate/internal/logging"
)

const (
	// ContextKeyUserID is the gin context key for the authenticated user
	ContextKeyUserID = "authUserID"

	// HeaderAdminSecret carries the operator secret on admin routes
	HeaderAdminSecret = "X-Admin-Secret"
)

// RequireUser rejects requests the resolver cannot identify and stores
// the user ID on the gin and request contexts.
func RequireUser(res Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := res.Resolve(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Sign in required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}

		c.Set(ContextKeyUserID, userID)
		c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}

// UserID returns the authenticated user, or "" outside RequireUser.
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// RequireAdmin checks the X-Admin-Secret header in constant time. An empty
// configured secret disables admin routes entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(HeaderAdminSecret)
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin access required.",
			})
			return
		}
		c.Next()
	}
}
