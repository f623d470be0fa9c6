package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

const (
	// RoleStaff may publish results and use the admin endpoints.
	RoleStaff = "lab_staff"
	// RoleAdmin passes every role check.
	RoleAdmin = "admin"
)

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles. Requests with no identity at all get 401.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if UserIDFromContext(ctx) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Authentication required")
			}
			for _, has := range RolesFromContext(ctx) {
				if has == RoleAdmin {
					return next(c)
				}
				for _, required := range roles {
					if has == required {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "Forbidden")
		}
	}
}
