// Package rules wraps third-party chess libraries behind a small oracle
// contract: move legality, resulting position and terminal flags.
package rules

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrIllegalMove     = errors.New("illegal move")
	ErrInvalidPosition = errors.New("invalid position")
	ErrInvalidSquare   = errors.New("invalid square")
)

// Outcome describes the position produced by a legal move.
type Outcome struct {
	Position  string
	SAN       string
	Promotion string
	Check     bool
	Checkmate bool
	Stalemate bool
	Draw      bool
}

// Terminal reports whether the move ended the game.
func (o Outcome) Terminal() bool {
	return o.Checkmate || o.Stalemate || o.Draw
}

// Oracle is a pure function of position and move.
type Oracle interface {
	Name() string
	StartingPosition() string
	LegalMoves(position, from string) ([]string, error)
	Apply(position, from, to, promotion string) (Outcome, error)
	// Continue replays line (UCI moves) from initial and then applies the
	// move, so repetition draws see the whole game.
	Continue(initial string, line []string, from, to, promotion string) (Outcome, error)
}

// New returns the oracle registered under name. Empty selects the default.
func New(name string) (Oracle, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "corentings":
		return NewCorentings(), nil
	case "notnil":
		return NewNotnil(), nil
	default:
		return nil, fmt.Errorf("unknown rules oracle: %s", name)
	}
}

func normalizeSquare(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 2 || s[0] < 'a' || s[0] > 'h' || s[1] < '1' || s[1] > '8' {
		return "", fmt.Errorf("%w: %q", ErrInvalidSquare, s)
	}
	return s, nil
}

func normalizePromotion(p string) (string, error) {
	p = strings.ToLower(strings.TrimSpace(p))
	switch p {
	case "", "q", "r", "b", "n":
		return p, nil
	case "queen":
		return "q", nil
	case "rook":
		return "r", nil
	case "bishop":
		return "b", nil
	case "knight":
		return "n", nil
	}
	return "", fmt.Errorf("%w: promotion %q", ErrIllegalMove, p)
}

// candidates lists the UCI strings to try for a move. A pawn reaching the
// last rank without an explicit choice promotes to a queen.
func candidates(from, to, promotion string) ([]string, error) {
	f, err := normalizeSquare(from)
	if err != nil {
		return nil, err
	}
	t, err := normalizeSquare(to)
	if err != nil {
		return nil, err
	}
	p, err := normalizePromotion(promotion)
	if err != nil {
		return nil, err
	}
	if p != "" {
		return []string{f + t + p}, nil
	}
	return []string{f + t, f + t + "q"}, nil
}

func promotionOf(uci string) string {
	if len(uci) == 5 {
		return uci[4:]
	}
	return ""
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
