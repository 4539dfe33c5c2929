package session

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/park285/cheese-arena/internal/domain"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/rules"
	"github.com/park285/cheese-arena/internal/store"
	"github.com/park285/cheese-arena/pkg/chessdto"
)

func TestOpeningMoveAndWrongSide(t *testing.T) {
	f := newFixture(t, nil)
	id := f.startedGame(t)
	s := f.session(t, id)

	ev := mustMove(t, s, "u1", "e2e4")
	if ev.Type != chessdto.EventMoveApplied || ev.State.Turn != "black" || ev.Move.SAN != "e4" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	g := s.Game()
	if g.Status != domain.StatusInProgress || len(s.Moves()) != 1 {
		t.Fatalf("status=%s moves=%d", g.Status, len(s.Moves()))
	}

	before := s.Snapshot()
	// black tries e2e4: not its piece
	_, err := s.ApplyMove(context.Background(), "u2", "e2", "e4", "")
	if !errors.Is(err, ErrIllegalMove) && !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("err = %v, want IllegalMove or NotYourTurn", err)
	}
	if after := s.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatalf("state changed after rejected move")
	}
}

func TestNotYourTurnLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session(t, f.startedGame(t))
	mustMove(t, s, "u1", "e2e4")
	before := s.Snapshot()

	if _, err := s.ApplyMove(context.Background(), "u1", "d2", "d4", ""); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("err = %v, want ErrNotYourTurn", err)
	}
	if after := s.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatalf("state changed: %+v -> %+v", before, after)
	}
	moves, _ := f.store.Moves(context.Background(), s.ID())
	if len(moves) != 1 {
		t.Fatalf("persisted moves = %d", len(moves))
	}
}

func TestIllegalMoveNeverLogged(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session(t, f.startedGame(t))
	for _, m := range [][2]string{{"e2", "e5"}, {"g1", "g3"}, {"e1", "e2"}, {"z1", "a1"}} {
		if _, err := s.ApplyMove(context.Background(), "u1", m[0], m[1], ""); !errors.Is(err, ErrIllegalMove) {
			t.Fatalf("%v: err = %v, want ErrIllegalMove", m, err)
		}
	}
	if n := len(s.Moves()); n != 0 {
		t.Fatalf("move log has %d entries", n)
	}
	if s.Game().Position != domain.StartFEN {
		t.Fatalf("position changed")
	}
}

func TestNonParticipantRejected(t *testing.T) {
	f := newFixture(t, nil)
	id := f.startedGame(t)
	s := f.session(t, id)

	if _, err := s.ApplyMove(context.Background(), "u3", "e2", "e4", ""); !errors.Is(err, ErrNotAParticipant) {
		t.Fatalf("move err = %v", err)
	}
	c3 := newConn("c3", "u3")
	if _, _, err := f.reg.Join(context.Background(), id, "u3", c3); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("join err = %v, want ErrAccessDenied", err)
	}
	if len(s.Snapshot().Participants) != 2 || s.ConnCount() != 0 {
		t.Fatalf("participants changed")
	}
	if len(c3.Events()) != 0 {
		t.Fatalf("rejected conn received events")
	}
}

func TestCheckmateFinishesGame(t *testing.T) {
	var (
		mu       sync.Mutex
		finished []domain.Game
	)
	f := newFixture(t, func(o *Options) {
		o.OnFinished = func(_ context.Context, g domain.Game, moves []domain.Move) {
			mu.Lock()
			finished = append(finished, g)
			mu.Unlock()
		}
	})
	id := f.startedGame(t)
	c1, c2 := newConn("c1", "u1"), newConn("c2", "u2")
	s := f.join(t, id, c1)
	f.join(t, id, c2)

	mustMove(t, s, "u1", "f2f3")
	mustMove(t, s, "u2", "e7e5")
	mustMove(t, s, "u1", "g2g4")
	ev := mustMove(t, s, "u2", "d8h4")

	if !ev.State.Flags.Checkmate || ev.State.Result == nil || *ev.State.Result.Winner != "black" {
		t.Fatalf("mate event = %+v", ev.State)
	}
	g := s.Game()
	if g.Status != domain.StatusFinished || g.Result == nil || *g.Result.Winner != sideOf(t, s, "u2") {
		t.Fatalf("game = %+v", g)
	}
	if _, err := s.ApplyMove(context.Background(), "u1", "a2", "a3", ""); !errors.Is(err, ErrGameOver) {
		t.Fatalf("post-mate err = %v, want ErrGameOver", err)
	}
	for _, c := range []*fakeConn{c1, c2} {
		if got := c.last(t); got.Type != chessdto.EventGameOver || got.Result.Reason != "checkmate" {
			t.Fatalf("%s last event = %+v", c.id, got)
		}
	}
	persisted, _ := f.store.LoadGame(context.Background(), id)
	if persisted.Status != domain.StatusFinished || persisted.Position != g.Position {
		t.Fatalf("persisted = %+v", persisted)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(finished) != 1 || finished[0].ID != id {
		t.Fatalf("finished hook calls = %d", len(finished))
	}
}

func TestStalemateIsDraw(t *testing.T) {
	f := newFixture(t, nil)
	g, _ := f.store.CreateGame(context.Background(), "u1", "7k/5K2/8/6Q1/8/8/8/8 w - - 0 1")
	if _, err := f.reg.Claim(context.Background(), g.ID, "u2"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	s := f.session(t, g.ID)
	ev := mustMove(t, s, "u1", "g5g6")
	if !ev.State.Flags.Stalemate || ev.State.Result == nil || ev.State.Result.Winner != nil {
		t.Fatalf("stalemate state = %+v", ev.State)
	}
	if s.Game().Result.Reason != domain.ReasonStalemate {
		t.Fatalf("reason = %s", s.Game().Result.Reason)
	}
}

func TestConcurrentMovesSameSide(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session(t, f.startedGame(t))

	const n = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		notTurn int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ApplyMove(context.Background(), "u1", "e2", "e4", "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrNotYourTurn):
				notTurn++
			default:
				t.Errorf("unexpected err: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || notTurn != n-1 {
		t.Fatalf("ok=%d notYourTurn=%d", ok, notTurn)
	}
	if len(s.Moves()) != 1 {
		t.Fatalf("move log = %d", len(s.Moves()))
	}
}

func TestConcurrentMovesBothSides(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, nil)
		s := f.session(t, f.startedGame(t))
		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() { defer wg.Done(); _, errs[0] = s.ApplyMove(context.Background(), "u1", "e2", "e4", "") }()
		go func() { defer wg.Done(); _, errs[1] = s.ApplyMove(context.Background(), "u2", "e7", "e5", "") }()
		wg.Wait()

		if errs[0] != nil {
			t.Fatalf("white move failed: %v", errs[0])
		}
		if errs[1] != nil && !errors.Is(errs[1], ErrNotYourTurn) {
			t.Fatalf("black err = %v", errs[1])
		}
		want := 1
		if errs[1] == nil {
			want = 2
		}
		if got := len(s.Moves()); got != want {
			t.Fatalf("moves = %d, want %d", got, want)
		}
		if err := s.VerifyReplay(); err != nil {
			t.Fatalf("replay: %v", err)
		}
	}
}

func TestReplayReproducesPosition(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session(t, f.startedGame(t))
	line := []string{"e2e4", "c7c5", "g1f3", "d7d6", "d2d4", "c5d4", "f3d4", "g8f6", "b1c3", "a7a6"}
	for i, m := range line {
		user := "u1"
		if i%2 == 1 {
			user = "u2"
		}
		mustMove(t, s, user, m)
		if err := s.VerifyReplay(); err != nil {
			t.Fatalf("after %s: %v", m, err)
		}
	}
	oracle := rules.NewNotnil()
	pos, err := replay(oracle, domain.StartFEN, s.Moves())
	if err != nil {
		t.Fatalf("cross-oracle replay: %v", err)
	}
	if domain.TurnOf(pos) != domain.TurnOf(s.Game().Position) {
		t.Fatalf("cross-oracle turn mismatch")
	}
}

func TestMovesRejectedWhileWaiting(t *testing.T) {
	f := newFixture(t, nil)
	g, _ := f.store.CreateGame(context.Background(), "u1", "")
	c1 := newConn("c1", "u1")
	s := f.join(t, g.ID, c1)
	if _, err := s.ApplyMove(context.Background(), "u1", "e2", "e4", ""); !errors.Is(err, ErrGameNotStarted) {
		t.Fatalf("err = %v, want ErrGameNotStarted", err)
	}
	if _, err := s.Resign(context.Background(), "u1"); !errors.Is(err, ErrGameNotStarted) {
		t.Fatalf("resign err = %v", err)
	}
}

func TestJoinClaimsBlackSeat(t *testing.T) {
	f := newFixture(t, nil)
	g, _ := f.store.CreateGame(context.Background(), "u1", "")
	c1, c2 := newConn("c1", "u1"), newConn("c2", "u2")

	s := f.join(t, g.ID, c1)
	first := c1.Events()[0]
	if first.Type != chessdto.EventJoinAccepted || first.Snapshot.Status != "WAITING" || len(first.Snapshot.Participants) != 1 {
		t.Fatalf("first join event = %+v", first)
	}

	f.join(t, g.ID, c2)
	accepted := c2.Events()[0]
	if accepted.Type != chessdto.EventJoinAccepted || accepted.Snapshot.Status != "IN_PROGRESS" {
		t.Fatalf("second join = %+v", accepted)
	}
	if len(accepted.Snapshot.Participants) != 2 {
		t.Fatalf("participants = %+v", accepted.Snapshot.Participants)
	}
	joined := c1.last(t)
	if joined.Type != chessdto.EventPlayerJoined || joined.Participant.UserID != "u2" || joined.Participant.Side != "black" {
		t.Fatalf("white saw %+v", joined)
	}
	persisted, _ := f.store.LoadGame(context.Background(), g.ID)
	if persisted.BlackID != "u2" || persisted.Status != domain.StatusInProgress {
		t.Fatalf("persisted = %+v", persisted)
	}
	if sideOf(t, s, "u2") != domain.Black {
		t.Fatalf("u2 not black")
	}

	c3 := newConn("c3", "u3")
	if _, _, err := f.reg.Join(context.Background(), g.ID, "u3", c3); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("third join err = %v", err)
	}
}

func TestClaimRules(t *testing.T) {
	f := newFixture(t, nil)
	g, _ := f.store.CreateGame(context.Background(), "u1", "")
	if _, err := f.reg.Claim(context.Background(), g.ID, "u1"); !errors.Is(err, ErrOwnGame) {
		t.Fatalf("own game err = %v", err)
	}
	if _, err := f.reg.Claim(context.Background(), g.ID, "u2"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.reg.Claim(context.Background(), g.ID, "u3"); !errors.Is(err, ErrNotJoinable) {
		t.Fatalf("full game err = %v", err)
	}
	if _, err := f.reg.Claim(context.Background(), "missing", "u3"); !errors.Is(err, ErrSessionUnavailable) {
		t.Fatalf("missing game err = %v", err)
	}
}

func TestLeaveKeepsStatusAndNotifies(t *testing.T) {
	f := newFixture(t, nil)
	id := f.startedGame(t)
	c1, c2 := newConn("c1", "u1"), newConn("c2", "u2")
	s := f.join(t, id, c1)
	f.join(t, id, c2)

	if !s.Leave(c2) {
		t.Fatalf("leave reported unbound")
	}
	if s.Leave(c2) {
		t.Fatalf("second leave should be a no-op")
	}
	left := c1.last(t)
	if left.Type != chessdto.EventPlayerLeft || left.Participant.UserID != "u2" || left.Participant.Connected {
		t.Fatalf("left event = %+v", left)
	}
	if s.Game().Status != domain.StatusInProgress {
		t.Fatalf("status changed on leave")
	}
	if _, ok := f.reg.Lookup(id); !ok {
		t.Fatalf("in-progress session dropped on leave")
	}
}

func TestReconnectDisplacesOldConn(t *testing.T) {
	f := newFixture(t, nil)
	id := f.startedGame(t)
	old, fresh := newConn("old", "u1"), newConn("new", "u1")
	f.join(t, id, old)
	_, displaced, err := f.reg.Join(context.Background(), id, "u1", fresh)
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if displaced != old {
		t.Fatalf("displaced = %v", displaced)
	}
	s := f.session(t, id)
	if s.ConnCount() != 1 {
		t.Fatalf("conns = %d", s.ConnCount())
	}
	if s.Leave(old) {
		t.Fatalf("displaced conn should already be unbound")
	}
}

func TestFanOutOrderMatchesMutations(t *testing.T) {
	f := newFixture(t, nil)
	id := f.startedGame(t)
	c1, c2 := newConn("c1", "u1"), newConn("c2", "u2")
	s := f.join(t, id, c1)
	f.join(t, id, c2)

	line := []string{"e2e4", "e7e5", "g1f3", "b8c6"}
	for i, m := range line {
		user := "u1"
		if i%2 == 1 {
			user = "u2"
		}
		mustMove(t, s, user, m)
	}
	for _, c := range []*fakeConn{c1, c2} {
		var sans []string
		for _, ev := range c.Events() {
			if ev.Type == chessdto.EventMoveApplied {
				sans = append(sans, ev.Move.SAN)
			}
		}
		if want := []string{"e4", "e5", "Nf3", "Nc6"}; !reflect.DeepEqual(sans, want) {
			t.Fatalf("%s saw %v", c.id, sans)
		}
	}
}

func TestIdleEvictionAndResume(t *testing.T) {
	f := newFixture(t, nil)
	id := f.startedGame(t)
	c1, c2 := newConn("c1", "u1"), newConn("c2", "u2")
	s := f.join(t, id, c1)
	f.join(t, id, c2)
	mustMove(t, s, "u1", "d2d4")
	mustMove(t, s, "u2", "d7d5")
	pos := s.Game().Position

	s.Leave(c1)
	s.Leave(c2)
	if evicted, _ := f.reg.Sweep(context.Background(), f.clock.Now()); evicted != 0 {
		t.Fatalf("evicted before grace")
	}
	f.clock.Advance(2 * time.Minute)
	if evicted, _ := f.reg.Sweep(context.Background(), f.clock.Now()); evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	if f.reg.Len() != 0 {
		t.Fatalf("registry still holds %d sessions", f.reg.Len())
	}

	back := newConn("c1b", "u1")
	resumed := f.join(t, id, back)
	if resumed == s {
		t.Fatalf("expected a reconstructed session")
	}
	g := resumed.Game()
	if g.Position != pos || g.Status != domain.StatusInProgress || len(resumed.Moves()) != 2 {
		t.Fatalf("resumed = %+v moves=%d", g, len(resumed.Moves()))
	}
	mustMove(t, resumed, "u1", "c2c4")
	if err := resumed.VerifyReplay(); err != nil {
		t.Fatalf("replay after resume: %v", err)
	}
}

func TestFinishedSessionEvictedWhenDrained(t *testing.T) {
	f := newFixture(t, nil)
	id := f.startedGame(t)
	c1, c2 := newConn("c1", "u1"), newConn("c2", "u2")
	s := f.join(t, id, c1)
	f.join(t, id, c2)
	if _, err := s.Resign(context.Background(), "u2"); err != nil {
		t.Fatalf("resign: %v", err)
	}
	if got := s.Game().Result; got == nil || *got.Winner != domain.White || got.Reason != domain.ReasonResignation {
		t.Fatalf("result = %+v", got)
	}
	s.Leave(c1)
	if _, ok := f.reg.Lookup(id); !ok {
		t.Fatalf("evicted while a connection remains")
	}
	s.Leave(c2)
	if _, ok := f.reg.Lookup(id); ok {
		t.Fatalf("finished drained session still registered")
	}
	if _, err := s.Resign(context.Background(), "u1"); err == nil {
		t.Fatalf("closed session accepted resign")
	}
}

func TestGetOrCreateConstructsOnce(t *testing.T) {
	f := newFixture(t, nil)
	id := f.startedGame(t)
	f.reg.Remove(id)

	var (
		mu    sync.Mutex
		loads int
	)
	loader := func(ctx context.Context, gameID string) (*domain.Game, []domain.Move, error) {
		mu.Lock()
		loads++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return StoreLoader(f.reg.Options())(ctx, gameID)
	}

	const n = 50
	got := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := f.reg.GetOrCreate(context.Background(), id, loader)
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			got[i] = s
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatalf("distinct sessions constructed")
		}
	}
	if loads != 1 {
		t.Fatalf("loader ran %d times", loads)
	}
}

func TestLoaderFailureRegistersNothing(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.reg.GetOrCreate(context.Background(), "nope", nil)
	if !errors.Is(err, ErrSessionUnavailable) {
		t.Fatalf("err = %v", err)
	}
	denied := func(context.Context, string) (*domain.Game, []domain.Move, error) {
		return nil, nil, errors.New("caller lacks access")
	}
	if _, err := f.reg.GetOrCreate(context.Background(), "x", denied); !errors.Is(err, ErrSessionUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if f.reg.Len() != 0 {
		t.Fatalf("registry len = %d", f.reg.Len())
	}
	f.reg.Remove("nope")
}

type stallingStore struct {
	*store.MemoryStore
}

func (s stallingStore) AppendMove(ctx context.Context, id string, mv domain.Move) error {
	<-ctx.Done()
	return ctx.Err()
}

type failingStore struct {
	*store.MemoryStore
}

func (s failingStore) UpdateGame(ctx context.Context, g *domain.Game) error {
	return errors.New("disk on fire")
}

func TestPersistenceErrorsDoNotRollBack(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	restore := obslog.SetForTest(zap.New(core))
	defer restore()

	mem := store.NewMemoryStore()
	cases := []struct {
		name string
		st   store.GameStore
		kind string
	}{
		{"timeout", stallingStore{mem}, PersistenceTimeout},
		{"failure", failingStore{mem}, PersistenceFailure},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ctx := context.Background()
			g, _ := mem.CreateGame(ctx, "u1", "")
			if _, err := NewRegistry(Options{Store: mem}).Claim(ctx, g.ID, "u2"); err != nil {
				t.Fatalf("Claim: %v", err)
			}
			logs.TakeAll()

			reg := NewRegistry(Options{Store: c.st, PersistTimeout: 20 * time.Millisecond})
			s, err := reg.GetOrCreate(ctx, g.ID, nil)
			if err != nil {
				t.Fatalf("GetOrCreate: %v", err)
			}
			ev, err := s.ApplyMove(ctx, "u1", "e2", "e4", "")
			if err != nil {
				t.Fatalf("move must succeed despite store errors: %v", err)
			}
			if ev.Type != chessdto.EventMoveApplied || len(s.Moves()) != 1 || s.Game().Position == domain.StartFEN {
				t.Fatalf("in-memory state did not advance")
			}
			entries := logs.FilterMessage("session_persist_error").All()
			if len(entries) == 0 {
				t.Fatalf("no persistence error logged")
			}
			if got := entries[0].ContextMap()["kind"]; got != c.kind {
				t.Fatalf("kind = %v, want %s", got, c.kind)
			}
		})
	}
}

func TestDesyncTerminatesSession(t *testing.T) {
	f := newFixture(t, nil)
	id := f.startedGame(t)
	c1 := newConn("c1", "u1")
	s := f.join(t, id, c1)

	s.mu.Lock()
	s.game.Position = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKB1R w KQkq - 0 1"
	s.mu.Unlock()

	if _, err := s.ApplyMove(context.Background(), "u1", "e2", "e4", ""); !errors.Is(err, ErrSessionCorrupted) {
		t.Fatalf("err = %v, want ErrSessionCorrupted", err)
	}
	if _, ok := f.reg.Lookup(id); ok {
		t.Fatalf("corrupted session still registered")
	}
	if last := c1.last(t); last.Type != chessdto.EventError || last.Error.Kind != chessdto.ErrSessionUnavailable {
		t.Fatalf("conn last event = %+v", last)
	}
	if _, err := s.ApplyMove(context.Background(), "u1", "e2", "e4", ""); !errors.Is(err, ErrSessionUnavailable) {
		t.Fatalf("closed session err = %v", err)
	}
}

func TestDisconnectForfeit(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ForfeitAfter = time.Minute })
	id := f.startedGame(t)
	c1, c2 := newConn("c1", "u1"), newConn("c2", "u2")
	s := f.join(t, id, c1)
	f.join(t, id, c2)
	mustMove(t, s, "u1", "e2e4")

	s.Leave(c2)
	f.clock.Advance(30 * time.Second)
	if _, forfeited := f.reg.Sweep(context.Background(), f.clock.Now()); forfeited != 0 {
		t.Fatalf("forfeited before timeout")
	}
	f.clock.Advance(31 * time.Second)
	if _, forfeited := f.reg.Sweep(context.Background(), f.clock.Now()); forfeited != 1 {
		t.Fatalf("forfeited = %d, want 1", forfeited)
	}
	r := s.Game().Result
	if r == nil || r.Reason != domain.ReasonDisconnectForfeit || *r.Winner != domain.White {
		t.Fatalf("result = %+v", r)
	}
	if last := c1.last(t); last.Type != chessdto.EventGameOver {
		t.Fatalf("white last event = %+v", last)
	}
}

func TestNoForfeitWhenBothAway(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ForfeitAfter = time.Minute; o.IdleGrace = time.Hour })
	id := f.startedGame(t)
	s := f.session(t, id)
	f.clock.Advance(10 * time.Minute)
	if _, forfeited := f.reg.Sweep(context.Background(), f.clock.Now()); forfeited != 0 {
		t.Fatalf("forfeit with nobody connected")
	}
	if s.Game().Status != domain.StatusInProgress {
		t.Fatalf("status = %s", s.Game().Status)
	}
}

func TestResumeRebasesOnReplayMismatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.startedGame(t)
	f.reg.Remove(id)

	// log says e4, record says d4
	_ = f.store.AppendMove(ctx, id, domain.Move{From: "e2", To: "e4", SAN: "e4", Position: "x", Number: 1})
	g, _ := f.store.LoadGame(ctx, id)
	d4 := "rnbqkbnr/pppppppp/8/8/3P4/8/PPP1PPPP/RNBQKBNR b KQkq - 0 1"
	g.Position = d4
	_ = f.store.UpdateGame(ctx, g)

	s := f.session(t, id)
	if got := s.Game(); got.Position != d4 || got.InitialPosition != d4 {
		t.Fatalf("rebase = %+v", got)
	}
	if len(s.Moves()) != 0 {
		t.Fatalf("log not cleared")
	}
	ev := mustMove(t, s, "u2", "d7d5")
	if ev.Move.Number != 2 {
		t.Fatalf("move number = %d, want 2", ev.Move.Number)
	}
	moves, _ := f.store.Moves(ctx, id)
	if len(moves) != 2 {
		t.Fatalf("persisted moves = %d", len(moves))
	}
}

func TestSnapshotWithoutLiveSession(t *testing.T) {
	f := newFixture(t, nil)
	id := f.startedGame(t)
	s := f.session(t, id)
	mustMove(t, s, "u1", "e2e4")
	f.reg.Remove(id)

	snap, g, err := f.reg.Snapshot(context.Background(), id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if g.WhiteID != "u1" || len(snap.Moves) != 1 || snap.Moves[0].Side != "white" || snap.Turn != "black" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if f.reg.Len() != 0 {
		t.Fatalf("snapshot registered a session")
	}
}

func TestKindOf(t *testing.T) {
	cases := map[error]chessdto.ErrorKind{
		ErrGameOver:                       chessdto.ErrGameOver,
		ErrNotYourTurn:                    chessdto.ErrNotYourTurn,
		ErrNotAParticipant:                chessdto.ErrNotAParticipant,
		ErrAccessDenied:                   chessdto.ErrAccessDenied,
		ErrGameNotStarted:                 chessdto.ErrGameNotStarted,
		ErrSessionCorrupted:               chessdto.ErrInternal,
		rules.ErrIllegalMove:              chessdto.ErrIllegalMove,
		store.ErrNotFound:                 chessdto.ErrSessionUnavailable,
		chessdto.DomainError{Kind: "Foo"}: "Foo",
	}
	for err, want := range cases {
		if got := KindOf(err); got != want {
			t.Fatalf("KindOf(%v) = %s, want %s", err, got, want)
		}
	}
	if got := KindOf(nil); got != "" {
		t.Fatalf("KindOf(nil) = %q", got)
	}
}

func TestFullConnDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t, nil)
	id := f.startedGame(t)
	c1, c2 := newConn("c1", "u1"), newConn("c2", "u2")
	s := f.join(t, id, c1)
	f.join(t, id, c2)

	c2.mu.Lock()
	c2.full = true
	c2.mu.Unlock()
	mustMove(t, s, "u1", "e2e4")

	got := c1.types()
	if got[len(got)-1] != chessdto.EventMoveApplied {
		t.Fatalf("white events = %v", got)
	}
	if types := c2.types(); types[len(types)-1] == chessdto.EventMoveApplied {
		t.Fatalf("full conn accepted event")
	}
}

func TestFiftyMoveRuleDrawsGame(t *testing.T) {
	f := newFixture(t, nil)
	g, _ := f.store.CreateGame(context.Background(), "u1", "8/8/8/4k3/8/8/R7/4K3 w - - 99 80")
	if _, err := f.reg.Claim(context.Background(), g.ID, "u2"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	s := f.session(t, g.ID)
	ev := mustMove(t, s, "u1", "e1f1")
	if !ev.State.Flags.Draw || ev.State.Result == nil || ev.State.Result.Winner != nil {
		t.Fatalf("fifty-move state = %+v", ev.State)
	}
	got := s.Game()
	if got.Status != domain.StatusFinished || got.Result.Reason != domain.ReasonDraw {
		t.Fatalf("game = %+v", got)
	}
}

func TestThreefoldRepetitionDrawsGame(t *testing.T) {
	f := newFixture(t, nil)
	id := f.startedGame(t)
	s := f.session(t, id)
	line := []string{"g1f3", "g8f6", "f3g1", "f6g8", "g1f3", "g8f6", "f3g1"}
	users := []string{"u1", "u2"}
	for i, uci := range line {
		mustMove(t, s, users[i%2], uci)
	}
	if s.Game().Status != domain.StatusInProgress {
		t.Fatalf("finished before the third repetition")
	}
	ev := mustMove(t, s, "u2", "f6g8")
	if !ev.State.Flags.Draw || ev.State.Result == nil || ev.State.Result.Winner != nil {
		t.Fatalf("repetition state = %+v", ev.State)
	}
	if got := s.Game(); got.Status != domain.StatusFinished || got.Result.Winner != nil {
		t.Fatalf("game = %+v", got)
	}
}

func TestResumeKeepsCheckFlag(t *testing.T) {
	f := newFixture(t, nil)
	id := f.startedGame(t)
	c1, c2 := newConn("c1", "u1"), newConn("c2", "u2")
	s := f.join(t, id, c1)
	f.join(t, id, c2)
	mustMove(t, s, "u1", "e2e4")
	mustMove(t, s, "u2", "f7f6")
	if ev := mustMove(t, s, "u1", "d1h5"); !ev.State.Flags.Check {
		t.Fatalf("Qh5 state = %+v", ev.State)
	}
	s.Leave(c1)
	s.Leave(c2)
	f.clock.Advance(2 * time.Minute)
	if evicted, _ := f.reg.Sweep(context.Background(), f.clock.Now()); evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}

	back := newConn("c2b", "u2")
	f.join(t, id, back)
	accepted := back.Events()[0]
	if accepted.Type != chessdto.EventJoinAccepted || !accepted.Snapshot.Flags.Check {
		t.Fatalf("join accepted = %+v", accepted.Snapshot)
	}

	f.reg.Remove(id)
	snap, _, err := f.reg.Snapshot(context.Background(), id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !snap.Flags.Check || snap.Flags.Checkmate {
		t.Fatalf("stored snapshot flags = %+v", snap.Flags)
	}
}

func TestForfeitClockStartsAtFirstBind(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ForfeitAfter = time.Minute })
	id := f.startedGame(t)
	c1 := newConn("c1", "u1")
	s := f.join(t, id, c1)

	f.clock.Advance(10 * time.Minute)
	if _, forfeited := f.reg.Sweep(context.Background(), f.clock.Now()); forfeited != 0 {
		t.Fatalf("black forfeited without ever connecting")
	}

	c2 := newConn("c2", "u2")
	f.join(t, id, c2)
	s.Leave(c2)
	f.clock.Advance(61 * time.Second)
	if _, forfeited := f.reg.Sweep(context.Background(), f.clock.Now()); forfeited != 1 {
		t.Fatalf("forfeited = %d, want 1", forfeited)
	}
	if r := s.Game().Result; r == nil || *r.Winner != domain.White {
		t.Fatalf("result = %+v", r)
	}
}
