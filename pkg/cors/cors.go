package cors

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Middleware allows cross origin requests from origin; "*" allows any.
func Middleware(origin string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Accept,Authorization,Content-Type")
			if origin != "*" {
				h.Add("Vary", "Origin")
			}
			if c.Request().Method == http.MethodOptions {
				return c.NoContent(http.StatusNoContent)
			}
			return next(c)
		}
	}
}

// OriginAllowed reports whether a browser request from requestOrigin may
// open a websocket. Requests without an Origin header are not from a browser.
func OriginAllowed(allowed, requestOrigin string) bool {
	return allowed == "*" || requestOrigin == "" || requestOrigin == allowed
}
