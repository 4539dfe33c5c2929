package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/notnil/chess"
)

type notnilOracle struct{}

// NewNotnil returns the oracle backed by notnil/chess.
func NewNotnil() Oracle { return notnilOracle{} }

func (notnilOracle) Name() string { return "notnil" }

func (notnilOracle) StartingPosition() string { return chess.NewGame().Position().String() }

func (notnilOracle) load(position string) (*chess.Game, error) {
	if strings.TrimSpace(position) == "" {
		return chess.NewGame(chess.UseNotation(chess.UCINotation{})), nil
	}
	fenOpt, err := chess.FEN(position)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPosition, err)
	}
	return chess.NewGame(fenOpt, chess.UseNotation(chess.UCINotation{})), nil
}

func (o notnilOracle) LegalMoves(position, from string) ([]string, error) {
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

func (o notnilOracle) Apply(position, from, to, promotion string) (Outcome, error) {
	game, err := o.load(position)
	if err != nil {
		return Outcome{}, err
	}
	return o.move(game, from, to, promotion)
}

func (o notnilOracle) Continue(initial string, line []string, from, to, promotion string) (Outcome, error) {
	game, err := o.load(initial)
	if err != nil {
		return Outcome{}, err
	}
	for _, uci := range line {
		mv, err := chess.UCINotation{}.Decode(game.Position(), uci)
		if err == nil {
			err = game.Move(mv)
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: line move %s: %v", ErrInvalidPosition, uci, err)
		}
	}
	return o.move(game, from, to, promotion)
}

func (notnilOracle) move(game *chess.Game, from, to, promotion string) (Outcome, error) {
	tries, err := candidates(from, to, promotion)
	if err != nil {
		return Outcome{}, err
	}
	if game.Outcome() != chess.NoOutcome {
		return Outcome{}, fmt.Errorf("%w: position is terminal", ErrIllegalMove)
	}
	var picked *chess.Move
	uci := ""
	for _, mv := range game.ValidMoves() {
		s := strings.ToLower(mv.String())
		for _, want := range tries {
			if s == want {
				picked, uci = mv, want
				break
			}
		}
		if picked != nil {
			break
		}
	}
	if picked == nil {
		return Outcome{}, fmt.Errorf("%w: %s%s", ErrIllegalMove, from, to)
	}

	pos := game.Position()
	san := chess.AlgebraicNotation{}.Encode(pos, picked)
	if err := game.Move(picked); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrIllegalMove, err)
	}

	out := Outcome{
		Position:  game.Position().String(),
		SAN:       san,
		Promotion: promotionOf(uci),
		Check:     picked.HasTag(chess.Check),
	}
	switch game.Outcome() {
	case chess.WhiteWon, chess.BlackWon:
		out.Checkmate = game.Method() == chess.Checkmate
	case chess.Draw:
		if game.Method() == chess.Stalemate {
			out.Stalemate = true
		} else {
			out.Draw = true
		}
	}
	if !out.Terminal() {
		for _, m := range game.EligibleDraws() {
			if m == chess.FiftyMoveRule || m == chess.ThreefoldRepetition {
				out.Draw = true
			}
		}
	}
	return out, nil
}
