package domain

import (
	"fmt"
	"strings"
	"time"
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// PGNResult maps a result to the PGN result token.
func PGNResult(r *Result) string {
	if r == nil {
		return "*"
	}
	if r.Winner == nil {
		return "1/2-1/2"
	}
	if *r.Winner == White {
		return "1-0"
	}
	return "0-1"
}

// BuildPGN renders a game and its move log as PGN text.
func BuildPGN(g *Game, moves []Move) string {
	if g == nil {
		return ""
	}
	var b strings.Builder
	date := g.UpdatedAt
	if date.IsZero() {
		date = time.Now()
	}
	result := PGNResult(g.Result)
	b.WriteString("[Event \"Cheese Arena\"]\n")
	b.WriteString(fmt.Sprintf("[Site \"%s\"]\n", sanitizePGN(g.ID)))
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizePGN(g.WhiteID)))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizePGN(g.BlackID)))
	if g.InitialPosition != "" && g.InitialPosition != StartFEN {
		b.WriteString("[SetUp \"1\"]\n")
		b.WriteString(fmt.Sprintf("[FEN \"%s\"]\n", sanitizePGN(g.InitialPosition)))
	}
	if g.Result != nil {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizePGN(string(g.Result.Reason))))
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", result))

	// 흑 선수 포지션에서 시작하면 첫 수를 "1..." 로 표기
	ply := 0
	if TurnOf(g.InitialPosition) == Black && len(moves) > 0 {
		b.WriteString(fmt.Sprintf("1... %s ", strings.TrimSpace(moves[0].SAN)))
		ply = 1
	}
	for i := ply; i < len(moves); i += 2 {
		turn := (i+ply)/2 + 1
		b.WriteString(fmt.Sprintf("%d. %s", turn, strings.TrimSpace(moves[i].SAN)))
		if i+1 < len(moves) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(moves[i+1].SAN))
		}
		b.WriteString(" ")
	}
	b.WriteString(result)
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
