package session

import (
	"context"
	"errors"

	"github.com/park285/cheese-arena/internal/rules"
	"github.com/park285/cheese-arena/internal/store"
	"github.com/park285/cheese-arena/pkg/chessdto"
)

type staticErr string

func (e staticErr) Error() string { return string(e) }

func errf(s string) error { return staticErr(s) }

var (
	ErrGameOver           = errf("game is over")
	ErrNotAParticipant    = errf("user is not a participant of this game")
	ErrNotYourTurn        = errf("not your turn")
	ErrIllegalMove        = errf("illegal move")
	ErrAccessDenied       = errf("access denied")
	ErrSessionUnavailable = errf("session unavailable")
	ErrGameNotStarted     = errf("game has not started")
	ErrNotJoinable        = errf("game is not joinable")
	ErrOwnGame            = errf("cannot join your own game")
	// 세션 내부 불변식 위반(position/moveLog 불일치)
	ErrSessionCorrupted = errf("session state corrupted")

	errClosed = errf("session closed")
)

// Persistence failure kinds. They are logged, never reported to clients.
const (
	PersistenceTimeout = "PersistenceTimeout"
	PersistenceFailure = "PersistenceFailure"
)

func persistenceKind(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return PersistenceTimeout
	}
	return PersistenceFailure
}

// KindOf maps an error returned by this package to its wire kind.
func KindOf(err error) chessdto.ErrorKind {
	var de chessdto.DomainError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &de):
		return de.Kind
	case errors.Is(err, ErrGameOver):
		return chessdto.ErrGameOver
	case errors.Is(err, ErrNotAParticipant):
		return chessdto.ErrNotAParticipant
	case errors.Is(err, ErrNotYourTurn):
		return chessdto.ErrNotYourTurn
	case errors.Is(err, ErrIllegalMove), errors.Is(err, rules.ErrIllegalMove), errors.Is(err, rules.ErrInvalidSquare):
		return chessdto.ErrIllegalMove
	case errors.Is(err, ErrAccessDenied), errors.Is(err, ErrOwnGame), errors.Is(err, ErrNotJoinable):
		return chessdto.ErrAccessDenied
	case errors.Is(err, ErrGameNotStarted):
		return chessdto.ErrGameNotStarted
	case errors.Is(err, ErrSessionUnavailable), errors.Is(err, errClosed), errors.Is(err, store.ErrNotFound):
		return chessdto.ErrSessionUnavailable
	default:
		return chessdto.ErrInternal
	}
}
