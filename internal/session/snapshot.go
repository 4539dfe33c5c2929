package session

import (
	"github.com/park285/cheese-arena/internal/domain"
	"github.com/park285/cheese-arena/internal/rules"
	"github.com/park285/cheese-arena/pkg/chessdto"
)

func buildSnapshot(g *domain.Game, log []domain.Move, flags chessdto.Flags, connected map[string]bool) chessdto.Snapshot {
	snap := chessdto.Snapshot{
		GameID:   g.ID,
		Position: g.Position,
		Turn:     string(domain.TurnOf(g.Position)),
		Status:   string(g.Status),
		Flags:    flags,
		Result:   resultDTO(g.Result),
		Moves:    make([]chessdto.Move, 0, len(log)),
	}
	if g.WhiteID != "" {
		snap.Participants = append(snap.Participants, chessdto.Participant{UserID: g.WhiteID, Side: string(domain.White), Connected: connected[g.WhiteID]})
	}
	if g.BlackID != "" {
		snap.Participants = append(snap.Participants, chessdto.Participant{UserID: g.BlackID, Side: string(domain.Black), Connected: connected[g.BlackID]})
	}
	prev := g.InitialPosition
	for _, mv := range log {
		snap.Moves = append(snap.Moves, *moveDTO(mv, domain.TurnOf(prev)))
		prev = mv.Position
	}
	return snap
}

// SnapshotOf builds a snapshot for a game that has no live session.
func SnapshotOf(oracle rules.Oracle, g *domain.Game, moves []domain.Move) chessdto.Snapshot {
	return buildSnapshot(g, moves, flagsOf(oracle, g, moves), nil)
}

func moveDTO(mv domain.Move, side domain.Side) *chessdto.Move {
	return &chessdto.Move{
		Number:    mv.Number,
		Side:      string(side),
		From:      mv.From,
		To:        mv.To,
		Promotion: mv.Promotion,
		SAN:       mv.SAN,
		UCI:       mv.UCI(),
	}
}

func resultDTO(r *domain.Result) *chessdto.Result {
	if r == nil {
		return nil
	}
	out := &chessdto.Result{Reason: string(r.Reason)}
	if r.Winner != nil {
		w := string(*r.Winner)
		out.Winner = &w
	}
	return out
}
