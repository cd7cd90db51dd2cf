package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/catalog_sync/utils"
)

// AuthMiddleware reads an optional bearer JWT. Requests without one pass
// through unauthenticated; an invalid token is rejected.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := strings.TrimSpace(c.GetHeader("Authorization"))
		if auth == "" || !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			c.Next()
			return
		}
		token := strings.TrimSpace(auth[len("bearer "):])
		claim, err := utils.JwtValidate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUsernameInContext(ctx, claim.Username)
		ctx = utils.SetRoleInContext(ctx, claim.Role)
		if claim.TenantId != "" {
			ctx = utils.SetTenantIdInContext(ctx, claim.TenantId)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireOperator admits only authenticated operators. disabled turns the
// check off for local runs.
func RequireOperator(disabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if disabled {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		if name, ok := utils.GetUsernameFromContext(ctx); !ok || name == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		if role, _ := utils.GetRoleFromContext(ctx); role != utils.RoleOperator {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			c.Abort()
			return
		}
		c.Next()
	}
}
