package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/park285/cheese-arena/internal/auth"
	"github.com/park285/cheese-arena/internal/domain"
	"github.com/park285/cheese-arena/internal/rules"
	"github.com/park285/cheese-arena/internal/session"
	"github.com/park285/cheese-arena/internal/store"
	"github.com/park285/cheese-arena/pkg/chessdto"
)

// Handlers holds the dependencies of the REST routes.
type Handlers struct {
	store    store.GameStore
	registry *session.Registry
	oracle   rules.Oracle
}

type gameJSON struct {
	GameID          string           `json:"game_id"`
	WhiteID         string           `json:"white_id"`
	BlackID         *string          `json:"black_id"`
	Status          string           `json:"status"`
	Position        string           `json:"position"`
	InitialPosition string           `json:"initial_position"`
	Turn            string           `json:"turn"`
	Result          *chessdto.Result `json:"result,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

func toGameJSON(g *domain.Game) gameJSON {
	out := gameJSON{
		GameID:          g.ID,
		WhiteID:         g.WhiteID,
		Status:          string(g.Status),
		Position:        g.Position,
		InitialPosition: g.InitialPosition,
		Turn:            string(domain.TurnOf(g.Position)),
		CreatedAt:       g.CreatedAt,
		UpdatedAt:       g.UpdatedAt,
	}
	if g.BlackID != "" {
		b := g.BlackID
		out.BlackID = &b
	}
	if g.Result != nil {
		r := &chessdto.Result{Reason: string(g.Result.Reason)}
		if g.Result.Winner != nil {
			w := string(*g.Result.Winner)
			r.Winner = &w
		}
		out.Result = r
	}
	return out
}

func toGamesJSON(games []*domain.Game) []gameJSON {
	out := make([]gameJSON, 0, len(games))
	for _, g := range games {
		out = append(out, toGameJSON(g))
	}
	return out
}

func userOf(c echo.Context) string {
	return auth.UserID(c.Request().Context())
}

func (h *Handlers) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// handleCreateGame handles POST /api/v1/games.
func (h *Handlers) handleCreateGame(c echo.Context) error {
	g, err := h.store.CreateGame(c.Request().Context(), userOf(c), h.oracle.StartingPosition())
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusCreated, toGameJSON(g))
}

// handleJoinGame handles POST /api/v1/games/:id/join.
func (h *Handlers) handleJoinGame(c echo.Context) error {
	g, err := h.registry.Claim(c.Request().Context(), c.Param("id"), userOf(c))
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, toGameJSON(&g))
}

// handleListGames handles GET /api/v1/games.
func (h *Handlers) handleListGames(c echo.Context) error {
	ctx := c.Request().Context()
	uid := userOf(c)
	available, err := h.store.ListWaitingGames(ctx, uid)
	if err != nil {
		return writeErr(c, err)
	}
	all, err := h.store.ListUserGames(ctx, uid)
	if err != nil {
		return writeErr(c, err)
	}
	mine := make([]*domain.Game, 0, len(all))
	for _, g := range all {
		if g.Status != domain.StatusFinished {
			mine = append(mine, g)
		}
	}
	return c.JSON(http.StatusOK, map[string][]gameJSON{
		"available": toGamesJSON(available),
		"mine":      toGamesJSON(mine),
	})
}

// handleGetGame handles GET /api/v1/games/:id.
func (h *Handlers) handleGetGame(c echo.Context) error {
	snap, g, err := h.registry.Snapshot(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeErr(c, err)
	}
	if _, ok := g.SideOf(userOf(c)); !ok {
		return writeErr(c, session.ErrAccessDenied)
	}
	return c.JSON(http.StatusOK, snap)
}

// handleLegalMoves handles GET /api/v1/games/:id/legal-moves?from=e2.
func (h *Handlers) handleLegalMoves(c echo.Context) error {
	from := strings.TrimSpace(c.QueryParam("from"))
	if from == "" {
		return problem(c, http.StatusBadRequest, "missing_from", "Query parameter from is required.")
	}
	_, g, err := h.registry.Snapshot(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeErr(c, err)
	}
	if _, ok := g.SideOf(userOf(c)); !ok {
		return writeErr(c, session.ErrAccessDenied)
	}
	moves, err := h.oracle.LegalMoves(g.Position, from)
	if err != nil {
		return writeErr(c, err)
	}
	if moves == nil {
		moves = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{"from": strings.ToLower(from), "to": moves})
}
