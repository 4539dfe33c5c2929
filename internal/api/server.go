// Package api is the REST lobby surface plus the mount point of the
// websocket gateway.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/park285/cheese-arena/internal/auth"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/rules"
	"github.com/park285/cheese-arena/internal/session"
	"github.com/park285/cheese-arena/internal/store"
)

type Deps struct {
	Store          store.GameStore
	Registry       *session.Registry
	Oracle         rules.Oracle
	Verifier       *auth.Verifier
	Gateway        http.Handler
	AllowedOrigins []string
}

// New constructs the configured Echo instance.
func New(d Deps) *echo.Echo {
	h := &Handlers{store: d.Store, registry: d.Registry, oracle: d.Oracle}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = problemErrorHandler

	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("path", v.URIPath),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency.Round(time.Microsecond)),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			obslog.L().Info("http_request", fields...)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	e.GET("/api/v1/healthz", h.handleHealthz)

	g := e.Group("/api/v1", auth.Middleware(d.Verifier))
	g.POST("/games", h.handleCreateGame)
	g.GET("/games", h.handleListGames)
	g.POST("/games/:id/join", h.handleJoinGame)
	g.GET("/games/:id", h.handleGetGame)
	g.GET("/games/:id/legal-moves", h.handleLegalMoves)

	if d.Gateway != nil {
		e.GET("/ws", echo.WrapHandler(d.Gateway))
	}
	return e
}
