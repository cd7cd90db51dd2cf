package middlewares

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/catalog_sync/utils"
)

// SessionLookup resolves a stored key; config.GetRedisValue satisfies it.
type SessionLookup func(ctx context.Context, key string) (string, bool, error)

// SessionMiddleware accepts an operator session token from the "token"
// header, stored in Redis as "Token:<token>" -> username.
func SessionMiddleware(lookup SessionLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" || lookup == nil {
			c.Next()
			return
		}
		username, exists, err := lookup(c.Request.Context(), "Token:"+token)
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUsernameInContext(ctx, username)
		ctx = utils.SetRoleInContext(ctx, utils.RoleOperator)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
