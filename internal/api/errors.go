package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/rules"
	"github.com/park285/cheese-arena/internal/session"
	"github.com/park285/cheese-arena/internal/store"
)

const errBase = "https://errors.cheese-arena.local"

// Problem is the JSON error body of every failed request.
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
	Code   string `json:"code,omitempty"`
}

func problem(c echo.Context, status int, code, detail string) error {
	return c.JSON(status, Problem{
		Type:   errBase + "/" + code,
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
		Code:   code,
	})
}

// writeErr maps session and store errors to HTTP responses.
func writeErr(c echo.Context, err error) error {
	switch {
	case errors.Is(err, session.ErrOwnGame):
		return problem(c, http.StatusBadRequest, "own_game", "You cannot join your own game.")
	case errors.Is(err, session.ErrNotJoinable):
		return problem(c, http.StatusConflict, "not_joinable", "Game is not available for joining.")
	case errors.Is(err, session.ErrAccessDenied):
		return problem(c, http.StatusForbidden, "access_denied", "You are not a participant of this game.")
	case errors.Is(err, rules.ErrInvalidSquare):
		return problem(c, http.StatusBadRequest, "invalid_square", "Square must look like e2.")
	case errors.Is(err, session.ErrSessionUnavailable), errors.Is(err, store.ErrNotFound):
		return problem(c, http.StatusNotFound, "not_found", "Game not found.")
	default:
		obslog.L().Error("http_handler_error", zap.String("path", c.Path()), zap.Error(err))
		return problem(c, http.StatusInternalServerError, "internal", "Unexpected error.")
	}
}

// problemErrorHandler renders errors that escape handlers, such as 401 from
// the auth middleware or 404 from the router.
func problemErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	detail := "Unexpected error."
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if msg, ok := he.Message.(string); ok {
			detail = msg
		} else {
			detail = http.StatusText(status)
		}
	}
	code := "internal"
	switch status {
	case http.StatusUnauthorized:
		code = "unauthorized"
	case http.StatusNotFound:
		code = "not_found"
	case http.StatusMethodNotAllowed:
		code = "method_not_allowed"
	case http.StatusBadRequest:
		code = "bad_request"
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = problem(c, status, code, detail)
}
