package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/park285/cheese-arena/internal/domain"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/pkg/chessdto"
)

const joinAttempts = 3

// LoaderFunc fetches the persisted record and move log a session starts from.
type LoaderFunc func(ctx context.Context, gameID string) (*domain.Game, []domain.Move, error)

// Registry maps game ids to live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	group    singleflight.Group

	opts Options
	load LoaderFunc
}

func NewRegistry(opts Options) *Registry {
	opts.normalize()
	r := &Registry{sessions: make(map[string]*Session), opts: opts}
	r.load = StoreLoader(opts)
	return r
}

// StoreLoader loads sessions from the configured GameStore.
func StoreLoader(opts Options) LoaderFunc {
	return func(ctx context.Context, gameID string) (*domain.Game, []domain.Move, error) {
		g, err := opts.Store.LoadGame(ctx, gameID)
		if err != nil {
			return nil, nil, err
		}
		moves, err := opts.Store.Moves(ctx, gameID)
		if err != nil {
			return nil, nil, err
		}
		return g, moves, nil
	}
}

// Options returns the normalized session options.
func (r *Registry) Options() Options { return r.opts }

// Lookup returns the live session without creating one.
func (r *Registry) Lookup(gameID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[gameID]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// GetOrCreate returns the live session for gameID, constructing it with load
// when absent. Concurrent first calls for one id share a single construction.
func (r *Registry) GetOrCreate(ctx context.Context, gameID string, load LoaderFunc) (*Session, error) {
	gameID = strings.TrimSpace(gameID)
	if gameID == "" {
		return nil, fmt.Errorf("%w: empty game id", ErrSessionUnavailable)
	}
	if s, ok := r.Lookup(gameID); ok {
		return s, nil
	}
	if load == nil {
		load = r.load
	}
	v, err, _ := r.group.Do(gameID, func() (any, error) {
		if s, ok := r.Lookup(gameID); ok {
			return s, nil
		}
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.PersistTimeout)
		defer cancel()
		g, moves, err := load(lctx, gameID)
		if err != nil {
			return nil, err
		}
		if g == nil || g.ID != gameID {
			return nil, fmt.Errorf("loader returned no record for %s", gameID)
		}
		s := newSession(&r.opts, g, moves, hooks{drained: r.evictDrained, corrupted: r.drop})
		r.mu.Lock()
		r.sessions[gameID] = s
		r.mu.Unlock()
		obslog.L().Info("registry_session_create",
			zap.String("game_id", gameID),
			zap.String("status", string(g.Status)),
			zap.Int("moves", len(moves)),
		)
		return s, nil
	})
	if err != nil {
		obslog.L().Debug("registry_load_failed", zap.String("game_id", gameID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	return v.(*Session), nil
}

// Join resolves gameID and binds c for userID. It retries when it races with
// eviction of the session it resolved.
func (r *Registry) Join(ctx context.Context, gameID, userID string, c Conn) (*Session, Conn, error) {
	for i := 0; i < joinAttempts; i++ {
		s, err := r.GetOrCreate(ctx, gameID, nil)
		if err != nil {
			return nil, nil, err
		}
		displaced, err := s.Join(ctx, userID, c)
		if errors.Is(err, errClosed) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return s, displaced, nil
	}
	return nil, nil, ErrSessionUnavailable
}

// Claim seats userID as black in gameID (REST join path).
func (r *Registry) Claim(ctx context.Context, gameID, userID string) (domain.Game, error) {
	for i := 0; i < joinAttempts; i++ {
		s, err := r.GetOrCreate(ctx, gameID, nil)
		if err != nil {
			return domain.Game{}, err
		}
		g, err := s.Claim(ctx, userID)
		if errors.Is(err, errClosed) {
			continue
		}
		return g, err
	}
	return domain.Game{}, ErrSessionUnavailable
}

// Snapshot returns the live state of gameID, or the persisted state when no
// session is live. It never registers a session.
func (r *Registry) Snapshot(ctx context.Context, gameID string) (chessdto.Snapshot, domain.Game, error) {
	if s, ok := r.Lookup(gameID); ok {
		return s.Snapshot(), s.Game(), nil
	}
	g, moves, err := r.load(ctx, gameID)
	if err != nil {
		return chessdto.Snapshot{}, domain.Game{}, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	return SnapshotOf(r.opts.Oracle, g, moves), *g, nil
}

// Remove evicts gameID. Bound connections are told the session is gone.
func (r *Registry) Remove(gameID string) {
	r.mu.Lock()
	s, ok := r.sessions[gameID]
	delete(r.sessions, gameID)
	r.mu.Unlock()
	if ok {
		s.close("session removed")
		obslog.L().Info("registry_session_remove", zap.String("game_id", gameID))
	}
}

// ForEachSession calls fn for every connection bound to gameID.
func (r *Registry) ForEachSession(gameID string, fn func(Conn)) {
	s, ok := r.Lookup(gameID)
	if !ok {
		return
	}
	s.mu.Lock()
	conns := make([]Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		fn(c)
	}
}

// evictIfIdle drops s when it is still registered and evictable.
func (r *Registry) evictIfIdle(s *Session, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.ID()] != s {
		return false
	}
	if !s.closeIfEvictable(now) {
		return false
	}
	delete(r.sessions, s.ID())
	return true
}

func (r *Registry) evictDrained(s *Session) {
	if r.evictIfIdle(s, r.opts.Now()) {
		obslog.L().Info("registry_session_finished_evict", zap.String("game_id", s.ID()))
	}
}

// drop removes a session that terminated itself.
func (r *Registry) drop(s *Session) {
	r.mu.Lock()
	if r.sessions[s.ID()] == s {
		delete(r.sessions, s.ID())
	}
	r.mu.Unlock()
}

func (r *Registry) snapshotSessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Sweep applies disconnect forfeits and evicts idle sessions.
func (r *Registry) Sweep(ctx context.Context, now time.Time) (evicted, forfeited int) {
	for _, s := range r.snapshotSessions() {
		if s.ForfeitIfAbandoned(ctx, now) {
			forfeited++
		}
		if r.evictIfIdle(s, now) {
			evicted++
		}
	}
	return evicted, forfeited
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			evicted, forfeited := r.Sweep(ctx, r.opts.Now())
			if evicted > 0 || forfeited > 0 {
				obslog.L().Info("registry_sweep",
					zap.Int("evicted", evicted),
					zap.Int("forfeited", forfeited),
					zap.Int("live", r.Len()),
				)
			}
		}
	}
}
