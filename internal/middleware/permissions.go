package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/exports-digital/licensing-api/internal/models"
	appErrors "github.com/exports-digital/licensing-api/pkg/errors"
	"github.com/exports-digital/licensing-api/pkg/response"
)

// RequirePermissions blocks the request unless the token carries every
// named permission. Case-type dependent checks, like the finalisation
// permission split between standard and clearance cases, stay in the
// services where the case is loaded.
func RequirePermissions(permissions ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claimsValue, exists := c.Get(ContextUserKey)
		if !exists {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		claims := claimsValue.(*models.JWTClaims)

		for _, permission := range permissions {
			if !claims.HasPermission(permission) {
				response.Error(c, appErrors.ErrForbidden)
				c.Abort()
				return
			}
		}
		c.Next()
	}
}
