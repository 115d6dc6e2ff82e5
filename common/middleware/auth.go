package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

// UserIDKey is the context key for the authenticated user id
const UserIDKey ContextKey = "user_id"

// ExtractUserID pulls the gateway-authenticated X-User-ID header into the
// request context. The gateway owns authentication; these services trust the
// forwarded identity.
func ExtractUserID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if userID := c.Request().Header.Get("X-User-ID"); userID != "" {
				c.Set(string(UserIDKey), userID)
			}
			return next(c)
		}
	}
}

// RequireUserID rejects requests without the X-User-ID header
func RequireUserID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := c.Request().Header.Get("X-User-ID")
			if userID == "" {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error_code": "AUTH_ERROR",
					"message":    "X-User-ID header is required",
				})
			}
			c.Set(string(UserIDKey), userID)
			return next(c)
		}
	}
}

// GetUserID returns the user id stored by ExtractUserID, or ""
func GetUserID(c echo.Context) string {
	if v, ok := c.Get(string(UserIDKey)).(string); ok {
		return v
	}
	return ""
}
