package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/park285/cheese-arena/internal/domain"
	"github.com/park285/cheese-arena/internal/rules"
	"github.com/park285/cheese-arena/internal/store"
	"github.com/park285/cheese-arena/pkg/chessdto"
)

type fakeConn struct {
	id   string
	user string

	mu     sync.Mutex
	events []chessdto.Event
	full   bool
}

func newConn(id, user string) *fakeConn { return &fakeConn{id: id, user: user} }

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.user }

func (c *fakeConn) Send(ev chessdto.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.events = append(c.events, ev)
	return true
}

func (c *fakeConn) Events() []chessdto.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chessdto.Event(nil), c.events...)
}

func (c *fakeConn) types() []chessdto.EventType {
	var out []chessdto.EventType
	for _, ev := range c.Events() {
		out = append(out, ev.Type)
	}
	return out
}

func (c *fakeConn) last(t *testing.T) chessdto.Event {
	t.Helper()
	evs := c.Events()
	if len(evs) == 0 {
		t.Fatalf("conn %s received no events", c.id)
	}
	return evs[len(evs)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	reg   *Registry
	store *store.MemoryStore
	clock *fakeClock
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	clock := newClock()
	opts := Options{
		Store:          st,
		Oracle:         rules.NewCorentings(),
		PersistTimeout: time.Second,
		IdleGrace:      time.Minute,
		Now:            clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &fixture{reg: NewRegistry(opts), store: st, clock: clock}
}

// startedGame creates a game with u1 as white and u2 seated as black.
func (f *fixture) startedGame(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	g, err := f.store.CreateGame(ctx, "u1", "")
	if err != nil {
		t.Fatalf("CreateGame: %v", err)
	}
	if _, err := f.reg.Claim(ctx, g.ID, "u2"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	return g.ID
}

func (f *fixture) session(t *testing.T, id string) *Session {
	t.Helper()
	s, err := f.reg.GetOrCreate(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	return s
}

func (f *fixture) join(t *testing.T, id string, c *fakeConn) *Session {
	t.Helper()
	s, _, err := f.reg.Join(context.Background(), id, c.user, c)
	if err != nil {
		t.Fatalf("Join(%s): %v", c.user, err)
	}
	return s
}

func mustMove(t *testing.T, s *Session, user, uci string) chessdto.Event {
	t.Helper()
	ev, err := s.ApplyMove(context.Background(), user, uci[:2], uci[2:4], uci[4:])
	if err != nil {
		t.Fatalf("ApplyMove(%s, %s): %v", user, uci, err)
	}
	return ev
}

func sideOf(t *testing.T, s *Session, user string) domain.Side {
	t.Helper()
	g := s.Game()
	side, ok := g.SideOf(user)
	if !ok {
		t.Fatalf("%s not seated", user)
	}
	return side
}
