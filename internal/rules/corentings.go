package rules

import (
	"fmt"
	"sort"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

type corentingsOracle struct{}

// NewCorentings returns the oracle backed by corentings/chess.
func NewCorentings() Oracle { return corentingsOracle{} }

func (corentingsOracle) Name() string { return "corentings" }

func (corentingsOracle) StartingPosition() string { return nchess.NewGame().FEN() }

func (corentingsOracle) load(position string) (*nchess.Game, error) {
	if strings.TrimSpace(position) == "" {
		return nchess.NewGame(), nil
	}
	opt, err := nchess.FEN(position)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPosition, err)
	}
	return nchess.NewGame(opt), nil
}

func (o corentingsOracle) LegalMoves(position, from string) ([]string, error) {
	sq, err := normalizeSquare(from)
	if err != nil {
		return nil, err
	}
	game, err := o.load(position)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, mv := range game.ValidMoves() {
		if mv.S1().String() == sq {
			out = append(out, mv.S2().String())
		}
	}
	out = dedupe(out)
	sort.Strings(out)
	return out, nil
}

func (o corentingsOracle) Apply(position, from, to, promotion string) (Outcome, error) {
	game, err := o.load(position)
	if err != nil {
		return Outcome{}, err
	}
	return o.move(game, from, to, promotion)
}

func (o corentingsOracle) Continue(initial string, line []string, from, to, promotion string) (Outcome, error) {
	game, err := o.load(initial)
	if err != nil {
		return Outcome{}, err
	}
	for _, uci := range line {
		mv, err := nchess.UCINotation{}.Decode(game.Position(), uci)
		if err == nil {
			err = game.Move(mv, nil)
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: line move %s: %v", ErrInvalidPosition, uci, err)
		}
	}
	return o.move(game, from, to, promotion)
}

func (corentingsOracle) move(game *nchess.Game, from, to, promotion string) (Outcome, error) {
	tries, err := candidates(from, to, promotion)
	if err != nil {
		return Outcome{}, err
	}
	if game.Outcome() != nchess.NoOutcome {
		return Outcome{}, fmt.Errorf("%w: position is terminal", ErrIllegalMove)
	}
	uci := ""
	for _, mv := range game.ValidMoves() {
		s := strings.ToLower(mv.String())
		for _, want := range tries {
			if s == want {
				uci = want
				break
			}
		}
		if uci != "" {
			break
		}
	}
	if uci == "" {
		return Outcome{}, fmt.Errorf("%w: %s%s", ErrIllegalMove, from, to)
	}

	pos := game.Position()
	mv, err := nchess.UCINotation{}.Decode(pos, uci)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrIllegalMove, err)
	}
	if err := game.Move(mv, nil); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrIllegalMove, err)
	}
	moves := game.Moves()
	last := moves[len(moves)-1]
	san := nchess.AlgebraicNotation{}.Encode(pos, last)

	out := Outcome{
		Position:  game.FEN(),
		SAN:       san,
		Promotion: promotionOf(uci),
		Check:     last.HasTag(nchess.Check) || strings.HasSuffix(san, "+") || strings.HasSuffix(san, "#"),
	}
	switch game.Outcome() {
	case nchess.WhiteWon, nchess.BlackWon:
		out.Checkmate = game.Method() == nchess.Checkmate
	case nchess.Draw:
		if game.Method() == nchess.Stalemate {
			out.Stalemate = true
		} else {
			out.Draw = true
		}
	}
	// fifty-move and threefold are claimable only; the server claims them
	if !out.Terminal() {
		for _, m := range game.EligibleDraws() {
			if m == nchess.FiftyMoveRule || m == nchess.ThreefoldRepetition {
				out.Draw = true
			}
		}
	}
	return out, nil
}
