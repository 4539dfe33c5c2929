package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/park285/cheese-arena/internal/obslog"
)

// Middleware rejects requests without a valid bearer token and stores the
// verified claims in the request context.
func Middleware(v *Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			token, ok := extractBearerToken(req.Header.Get("Authorization"))
			if !ok {
				obslog.L().Debug("auth_missing_token", zap.String("path", req.URL.Path))
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			claims, err := v.Verify(token)
			if err != nil {
				obslog.L().Debug("auth_rejected", zap.String("path", req.URL.Path), zap.Error(err))
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			c.SetRequest(req.WithContext(WithClaims(req.Context(), claims)))
			return next(c)
		}
	}
}
