// Package store persists game records and move logs. The live session core
// treats it as advisory: it reads on session construction and writes after
// each committed mutation.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/park285/cheese-arena/internal/domain"
)

var (
	ErrNotFound = errors.New("game not found")
	ErrConflict = errors.New("game write conflict")
)

// GameStore is the persistence contract shared by all backends.
type GameStore interface {
	// CreateGame inserts a WAITING game with creatorID as white.
	CreateGame(ctx context.Context, creatorID, initialPosition string) (*domain.Game, error)
	// LoadGame returns ErrNotFound for unknown ids.
	LoadGame(ctx context.Context, id string) (*domain.Game, error)
	// Moves returns the persisted move log in play order.
	Moves(ctx context.Context, id string) ([]domain.Move, error)
	// AppendMove records mv, which carries its resulting position and move
	// number. A number that does not extend the log yields ErrConflict.
	AppendMove(ctx context.Context, id string, mv domain.Move) error
	// UpdateGame writes seats, position, status and result. Status may not
	// move backwards.
	UpdateGame(ctx context.Context, g *domain.Game) error
	// ListWaitingGames returns joinable games not created by excludeUserID.
	ListWaitingGames(ctx context.Context, excludeUserID string) ([]*domain.Game, error)
	// ListUserGames returns every game userID is seated in, newest first.
	ListUserGames(ctx context.Context, userID string) ([]*domain.Game, error)
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend     string
	RedisURL    string
	DatabaseURL string
	RedisTTL    time.Duration
}

// Open builds the backend named by opts.Backend.
func Open(ctx context.Context, opts Options) (GameStore, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(ctx, opts.RedisURL, opts.RedisTTL)
	case "postgres":
		return NewPostgresStore(ctx, opts.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", opts.Backend)
	}
}

func cloneGame(g *domain.Game) *domain.Game {
	if g == nil {
		return nil
	}
	cp := *g
	cp.Result = cloneResult(g.Result)
	return &cp
}

func cloneResult(r *domain.Result) *domain.Result {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Winner != nil {
		w := *r.Winner
		cp.Winner = &w
	}
	return &cp
}

func newGame(id, creatorID, initialPosition string, now time.Time) *domain.Game {
	if strings.TrimSpace(initialPosition) == "" {
		initialPosition = domain.StartFEN
	}
	return &domain.Game{
		ID:              id,
		WhiteID:         strings.TrimSpace(creatorID),
		InitialPosition: initialPosition,
		Position:        initialPosition,
		Status:          domain.StatusWaiting,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// mergeUpdate applies the writable fields of next onto cur.
func mergeUpdate(cur, next *domain.Game, now time.Time) error {
	if !cur.Status.CanAdvance(next.Status) {
		return fmt.Errorf("%w: status %s -> %s", ErrConflict, cur.Status, next.Status)
	}
	if cur.BlackID != "" && next.BlackID != cur.BlackID {
		return fmt.Errorf("%w: black seat already taken", ErrConflict)
	}
	cur.BlackID = next.BlackID
	cur.Position = next.Position
	cur.Status = next.Status
	cur.Result = cloneResult(next.Result)
	cur.UpdatedAt = now
	return nil
}
