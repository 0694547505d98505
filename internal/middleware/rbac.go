package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dbquery/dbquery/internal/dbquery"
)

// RequireSysadmin rejects callers that are not system administrators with 403.
// It runs the same check the service applies so that non-admins are turned away
// before any handler work; the service still checks the identity it is given.
func RequireSysadmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := dbquery.Authorize(GetIdentity(c)); err != nil {
			abortWithError(c, http.StatusForbidden, string(dbquery.KindUnauthorized), err.Error())
			return
		}
		c.Next()
	}
}
