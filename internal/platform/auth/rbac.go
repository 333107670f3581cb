package auth

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that runs the Authorizer against the
// request's Authorization header and stores the identity on the request
// context. Which roles qualify is decided by the Authorizer.
func RequireRole(a Authorizer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, err := a.Authorize(c.Request().Context(), c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				return HTTPError(err)
			}
			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), id)))
			c.Set("user_id", id.UserID)
			return next(c)
		}
	}
}

// HTTPError maps a Gate error to the response the caller sees. The reason
// stays in the server log; the response only names the failed precondition.
func HTTPError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, map[string]string{"error": "admin or owner role required"})
	default:
		return echo.NewHTTPError(http.StatusUnauthorized, map[string]string{"error": "missing or invalid credential"})
	}
}
