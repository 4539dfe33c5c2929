package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/park285/cheese-arena/internal/domain"
)

// MemoryStore is an in-process backend for development and tests.
type MemoryStore struct {
	mu sync.RWMutex

	games map[string]*domain.Game
	moves map[string][]domain.Move
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		games: make(map[string]*domain.Game),
		moves: make(map[string][]domain.Move),
		now:   time.Now,
	}
}

func (m *MemoryStore) CreateGame(ctx context.Context, creatorID, initialPosition string) (*domain.Game, error) {
	if strings.TrimSpace(creatorID) == "" {
		return nil, fmt.Errorf("creator id required")
	}
	g := newGame(uuid.NewString(), creatorID, initialPosition, m.now())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.games[g.ID] = g
	return cloneGame(g), nil
}

func (m *MemoryStore) LoadGame(ctx context.Context, id string) (*domain.Game, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.games[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneGame(g), nil
}

func (m *MemoryStore) Moves(ctx context.Context, id string) ([]domain.Move, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.games[id]; !ok {
		return nil, ErrNotFound
	}
	return append([]domain.Move(nil), m.moves[id]...), nil
}

func (m *MemoryStore) AppendMove(ctx context.Context, id string, mv domain.Move) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.games[id]; !ok {
		return ErrNotFound
	}
	if mv.Number != len(m.moves[id])+1 {
		return fmt.Errorf("%w: move %d after %d", ErrConflict, mv.Number, len(m.moves[id]))
	}
	m.moves[id] = append(m.moves[id], mv)
	return nil
}

func (m *MemoryStore) UpdateGame(ctx context.Context, g *domain.Game) error {
	if g == nil {
		return fmt.Errorf("nil game")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.games[g.ID]
	if !ok {
		return ErrNotFound
	}
	next := cloneGame(cur)
	if err := mergeUpdate(next, g, m.now()); err != nil {
		return err
	}
	m.games[g.ID] = next
	return nil
}

func (m *MemoryStore) ListWaitingGames(ctx context.Context, excludeUserID string) ([]*domain.Game, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Game
	for _, g := range m.games {
		if g.Status != domain.StatusWaiting || g.WhiteID == excludeUserID {
			continue
		}
		out = append(out, cloneGame(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListUserGames(ctx context.Context, userID string) ([]*domain.Game, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Game
	for _, g := range m.games {
		if userID == "" || (g.WhiteID != userID && g.BlackID != userID) {
			continue
		}
		out = append(out, cloneGame(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
