package domain

import (
	"strings"
	"time"
)

// Side identifies a chess side.
type Side string

const (
	White Side = "white"
	Black Side = "black"
)

// Opponent returns the other side.
func (s Side) Opponent() Side {
	if s == White {
		return Black
	}
	return White
}

// Status represents a game lifecycle state. Progression is monotonic.
type Status string

const (
	StatusWaiting    Status = "WAITING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusFinished   Status = "FINISHED"
)

func (s Status) rank() int {
	switch s {
	case StatusWaiting:
		return 0
	case StatusInProgress:
		return 1
	case StatusFinished:
		return 2
	default:
		return -1
	}
}

// CanAdvance reports whether a transition from s to next keeps the order
// WAITING -> IN_PROGRESS -> FINISHED.
func (s Status) CanAdvance(next Status) bool {
	return next.rank() >= 0 && next.rank() >= s.rank()
}

// Reason explains how a game ended.
type Reason string

const (
	ReasonCheckmate         Reason = "checkmate"
	ReasonStalemate         Reason = "stalemate"
	ReasonDraw              Reason = "draw"
	ReasonResignation       Reason = "resignation"
	ReasonDisconnectForfeit Reason = "disconnect-forfeit"
)

// Result is populated once a game is FINISHED. Winner nil means draw.
type Result struct {
	Winner *Side  `json:"winner"`
	Reason Reason `json:"reason"`
}

// Win builds a decisive result.
func Win(side Side, reason Reason) *Result {
	s := side
	return &Result{Winner: &s, Reason: reason}
}

// Drawn builds a drawn result.
func Drawn(reason Reason) *Result {
	return &Result{Reason: reason}
}

// Move is one applied move-log entry.
type Move struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Promotion string    `json:"promotion,omitempty"`
	SAN       string    `json:"san"`
	Position  string    `json:"position"`
	Number    int       `json:"number"`
	PlayedAt  time.Time `json:"played_at"`
}

// UCI renders the move in long algebraic form (e2e4, e7e8q).
func (m Move) UCI() string {
	return strings.ToLower(m.From + m.To + m.Promotion)
}

// Game is the persisted game record the session core reads and writes.
type Game struct {
	ID              string    `json:"id"`
	WhiteID         string    `json:"white_id"`
	BlackID         string    `json:"black_id,omitempty"`
	InitialPosition string    `json:"initial_position"`
	Position        string    `json:"position"`
	Status          Status    `json:"status"`
	Result          *Result   `json:"result,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SideOf returns the side owned by userID.
func (g *Game) SideOf(userID string) (Side, bool) {
	if g == nil || strings.TrimSpace(userID) == "" {
		return "", false
	}
	switch userID {
	case g.WhiteID:
		return White, true
	case g.BlackID:
		return Black, true
	}
	return "", false
}

// PlayerID returns the user assigned to side.
func (g *Game) PlayerID(side Side) string {
	if side == White {
		return g.WhiteID
	}
	return g.BlackID
}

// TurnOf derives the side to move from a FEN string.
func TurnOf(fen string) Side {
	fields := strings.Fields(fen)
	if len(fields) > 1 && fields[1] == "b" {
		return Black
	}
	return White
}
