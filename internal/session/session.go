// Package session holds the authoritative in-memory state of live games.
//
// Every mutating operation on a Session runs under the session's own mutex,
// so operations on one game are totally ordered while different games run in
// parallel. Events are handed to bound connections while the lock is held,
// which keeps their order identical to the order of mutations.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-arena/internal/domain"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/rules"
	"github.com/park285/cheese-arena/internal/store"
	"github.com/park285/cheese-arena/pkg/chessdto"
)

// Conn is a connection handle bound to at most one session.
type Conn interface {
	ID() string
	UserID() string
	// Send enqueues ev without blocking and reports whether it was accepted.
	Send(ev chessdto.Event) bool
}

// FinishedFunc observes games that reached FINISHED.
type FinishedFunc func(ctx context.Context, g domain.Game, moves []domain.Move)

// Options configures sessions created by a Registry.
type Options struct {
	Store          store.GameStore
	Oracle         rules.Oracle
	PersistTimeout time.Duration
	IdleGrace      time.Duration
	// ForfeitAfter > 0 finishes a game whose player stayed disconnected that
	// long while the opponent is connected.
	ForfeitAfter time.Duration
	OnFinished   FinishedFunc
	Now          func() time.Time
}

func (o *Options) normalize() {
	if o.Oracle == nil {
		o.Oracle = rules.NewCorentings()
	}
	if o.Store == nil {
		o.Store = store.NewMemoryStore()
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 2 * time.Second
	}
	if o.IdleGrace <= 0 {
		o.IdleGrace = 5 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type hooks struct {
	drained   func(*Session)
	corrupted func(*Session)
}

// Session is one live game.
type Session struct {
	mu sync.Mutex

	opts  *Options
	hooks hooks

	game  domain.Game
	log   []domain.Move
	base  int // persisted moves dropped by a rebase
	flags chessdto.Flags

	conns       map[string]Conn
	absentSince map[domain.Side]time.Time
	idleSince   time.Time
	closed      bool
}

func newSession(opts *Options, g *domain.Game, moves []domain.Move, h hooks) *Session {
	now := opts.Now()
	s := &Session{
		opts:        opts,
		hooks:       h,
		game:        *g,
		conns:       make(map[string]Conn),
		absentSince: make(map[domain.Side]time.Time),
		idleSince:   now,
	}
	if s.game.InitialPosition == "" {
		s.game.InitialPosition = opts.Oracle.StartingPosition()
	}
	if s.game.Position == "" {
		s.game.Position = s.game.InitialPosition
	}
	s.resume(moves)
	// a side that has moved was bound in an earlier life of the session
	for _, mv := range moves {
		s.absentSince[domain.TurnOf(mv.Position).Opponent()] = now
	}
	return s
}

// resume adopts the persisted move log when replaying it from the initial
// position reproduces the persisted position. Otherwise the persisted
// position becomes the new initial position with an empty log.
func (s *Session) resume(moves []domain.Move) {
	pos, err := replay(s.opts.Oracle, s.game.InitialPosition, moves)
	if err == nil && pos == s.game.Position {
		s.log = append([]domain.Move(nil), moves...)
		if n := len(s.log); n > 0 {
			s.base = s.log[0].Number - 1
		}
		s.flags = flagsOf(s.opts.Oracle, &s.game, s.log)
		return
	}
	obslog.L().Warn("session_replay_rebase",
		zap.String("game_id", s.game.ID),
		zap.Int("persisted_moves", len(moves)),
		zap.Error(err),
	)
	s.flags = flagsOf(s.opts.Oracle, &s.game, moves)
	s.game.InitialPosition = s.game.Position
	s.base = len(moves)
	s.log = nil
}

func replay(oracle rules.Oracle, initial string, moves []domain.Move) (string, error) {
	pos := initial
	for _, mv := range moves {
		out, err := oracle.Apply(pos, mv.From, mv.To, mv.Promotion)
		if err != nil {
			return "", fmt.Errorf("replay move %d: %w", mv.Number, err)
		}
		pos = out.Position
	}
	return pos, nil
}

// ID returns the game id.
func (s *Session) ID() string { return s.game.ID }

// VerifyReplay re-derives the position from the move log and compares it to
// the current position.
func (s *Session) VerifyReplay() error {
	s.mu.Lock()
	initial, log, want := s.game.InitialPosition, append([]domain.Move(nil), s.log...), s.game.Position
	s.mu.Unlock()
	got, err := replay(s.opts.Oracle, initial, log)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: replay %q != position %q", ErrSessionCorrupted, got, want)
	}
	return nil
}

// Game returns a copy of the game record.
func (s *Session) Game() domain.Game {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.game
	if s.game.Result != nil {
		r := *s.game.Result
		g.Result = &r
	}
	return g
}

// Moves returns a copy of the move log.
func (s *Session) Moves() []domain.Move {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Move(nil), s.log...)
}

// Snapshot returns the catch-up state, taken atomically.
func (s *Session) Snapshot() chessdto.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// ConnCount returns the number of bound connections.
func (s *Session) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Session) snapshotLocked() chessdto.Snapshot {
	return buildSnapshot(&s.game, s.log, s.flags, s.connectedLocked())
}

func (s *Session) connectedLocked() map[string]bool {
	out := make(map[string]bool, len(s.conns))
	for _, c := range s.conns {
		out[c.UserID()] = true
	}
	return out
}

// Join binds c to the session. A user outside both seats may claim the
// empty black seat of a WAITING game; anyone else is rejected with
// ErrAccessDenied. A previous connection of the same user is unbound and
// returned so the caller can close it.
func (s *Session) Join(ctx context.Context, userID string, c Conn) (displaced Conn, err error) {
	userID = strings.TrimSpace(userID)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errClosed
	}
	side, ok := s.game.SideOf(userID)
	claimed := false
	if !ok {
		if err := s.claimableLocked(userID); err != nil {
			s.mu.Unlock()
			return nil, ErrAccessDenied
		}
		s.seatBlackLocked(userID)
		side, claimed = domain.Black, true
	}

	for id, other := range s.conns {
		if other.UserID() == userID && id != c.ID() {
			displaced = other
			delete(s.conns, id)
		}
	}
	s.conns[c.ID()] = c
	delete(s.absentSince, side)
	s.idleSince = time.Time{}

	if claimed {
		s.persistGameLocked(ctx)
	}
	snap := s.snapshotLocked()
	c.Send(chessdto.Event{Type: chessdto.EventJoinAccepted, GameID: s.game.ID, Snapshot: &snap})
	s.broadcastLocked(chessdto.Event{
		Type:        chessdto.EventPlayerJoined,
		GameID:      s.game.ID,
		Participant: &chessdto.Participant{UserID: userID, Side: string(side), Connected: true},
	})
	status := s.game.Status
	s.mu.Unlock()

	obslog.L().Info("session_join",
		zap.String("game_id", s.game.ID),
		zap.String("user_id", userID),
		zap.String("conn_id", c.ID()),
		zap.String("side", string(side)),
		zap.String("status", string(status)),
		zap.Bool("claimed_seat", claimed),
		zap.Bool("displaced", displaced != nil),
	)
	return displaced, nil
}

// Claim seats userID as black through the REST join path.
func (s *Session) Claim(ctx context.Context, userID string) (domain.Game, error) {
	userID = strings.TrimSpace(userID)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.Game{}, errClosed
	}
	if err := s.claimableLocked(userID); err != nil {
		s.mu.Unlock()
		return domain.Game{}, err
	}
	s.seatBlackLocked(userID)
	s.persistGameLocked(ctx)
	s.broadcastLocked(chessdto.Event{
		Type:        chessdto.EventPlayerJoined,
		GameID:      s.game.ID,
		Participant: &chessdto.Participant{UserID: userID, Side: string(domain.Black), Connected: s.connectedLocked()[userID]},
	})
	g := s.game
	s.mu.Unlock()

	obslog.L().Info("session_claim", zap.String("game_id", g.ID), zap.String("user_id", userID))
	return g, nil
}

func (s *Session) claimableLocked(userID string) error {
	if userID == "" {
		return ErrAccessDenied
	}
	if userID == s.game.WhiteID {
		return ErrOwnGame
	}
	if s.game.Status != domain.StatusWaiting || s.game.BlackID != "" {
		return ErrNotJoinable
	}
	return nil
}

func (s *Session) seatBlackLocked(userID string) {
	now := s.opts.Now()
	s.game.BlackID = userID
	s.game.Status = domain.StatusInProgress
	s.game.UpdatedAt = now
}

// Leave unbinds c. The game keeps its status so the player can resume.
func (s *Session) Leave(c Conn) bool {
	s.mu.Lock()
	if _, ok := s.conns[c.ID()]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.conns, c.ID())
	now := s.opts.Now()
	userID := c.UserID()
	side, _ := s.game.SideOf(userID)
	stillConnected := s.connectedLocked()[userID]
	if !stillConnected {
		s.absentSince[side] = now
	}
	if len(s.conns) == 0 {
		s.idleSince = now
	}
	s.broadcastLocked(chessdto.Event{
		Type:        chessdto.EventPlayerLeft,
		GameID:      s.game.ID,
		Participant: &chessdto.Participant{UserID: userID, Side: string(side), Connected: stillConnected},
	})
	drained := len(s.conns) == 0 && s.game.Status == domain.StatusFinished
	s.mu.Unlock()

	obslog.L().Info("session_leave",
		zap.String("game_id", s.game.ID),
		zap.String("user_id", userID),
		zap.String("conn_id", c.ID()),
	)
	if drained && s.hooks.drained != nil {
		s.hooks.drained(s)
	}
	return true
}

// ApplyMove is the single move-application entry point. Rule violations
// leave the session untouched. Persistence errors are logged and do not roll
// back the in-memory state.
func (s *Session) ApplyMove(ctx context.Context, userID, from, to, promotion string) (chessdto.Event, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chessdto.Event{}, ErrSessionUnavailable
	}
	if s.game.Status == domain.StatusFinished {
		s.mu.Unlock()
		return chessdto.Event{}, ErrGameOver
	}
	side, ok := s.game.SideOf(strings.TrimSpace(userID))
	if !ok {
		s.mu.Unlock()
		return chessdto.Event{}, ErrNotAParticipant
	}
	if s.game.Status == domain.StatusWaiting {
		s.mu.Unlock()
		return chessdto.Event{}, ErrGameNotStarted
	}
	if domain.TurnOf(s.game.Position) != side {
		s.mu.Unlock()
		return chessdto.Event{}, ErrNotYourTurn
	}
	if !s.consistentLocked() {
		s.terminateLocked("position diverged from move log")
		s.mu.Unlock()
		s.retire()
		return chessdto.Event{}, ErrSessionCorrupted
	}

	line := make([]string, len(s.log))
	for i, mv := range s.log {
		line[i] = mv.UCI()
	}
	out, err := s.opts.Oracle.Continue(s.game.InitialPosition, line, from, to, promotion)
	if err != nil {
		s.mu.Unlock()
		obslog.L().Debug("session_illegal_move",
			zap.String("game_id", s.game.ID),
			zap.String("user_id", userID),
			zap.String("from", from),
			zap.String("to", to),
			zap.Error(err),
		)
		if errors.Is(err, rules.ErrIllegalMove) || errors.Is(err, rules.ErrInvalidSquare) {
			return chessdto.Event{}, fmt.Errorf("%w: %v", ErrIllegalMove, err)
		}
		return chessdto.Event{}, err
	}

	now := s.opts.Now()
	mv := domain.Move{
		From:      strings.ToLower(strings.TrimSpace(from)),
		To:        strings.ToLower(strings.TrimSpace(to)),
		Promotion: out.Promotion,
		SAN:       out.SAN,
		Position:  out.Position,
		Number:    s.base + len(s.log) + 1,
		PlayedAt:  now,
	}
	s.log = append(s.log, mv)
	s.game.Position = out.Position
	s.game.UpdatedAt = now
	s.flags = chessdto.Flags{Check: out.Check, Checkmate: out.Checkmate, Stalemate: out.Stalemate, Draw: out.Draw}
	if out.Terminal() {
		s.finishLocked(resultOf(side, out))
	}

	s.persistMoveLocked(ctx, mv)

	ev := chessdto.Event{
		Type:   chessdto.EventMoveApplied,
		GameID: s.game.ID,
		Move:   moveDTO(mv, side),
		State:  s.stateLocked(),
	}
	s.broadcastLocked(ev)
	finished := s.game.Status == domain.StatusFinished
	if finished {
		s.broadcastLocked(chessdto.Event{Type: chessdto.EventGameOver, GameID: s.game.ID, Result: resultDTO(s.game.Result)})
	}
	g, moves := s.game, append([]domain.Move(nil), s.log...)
	s.mu.Unlock()

	obslog.L().Info("session_move",
		zap.String("game_id", g.ID),
		zap.String("user_id", userID),
		zap.String("uci", mv.UCI()),
		zap.String("san", mv.SAN),
		zap.Int("number", mv.Number),
		zap.String("turn", string(domain.TurnOf(g.Position))),
		zap.String("status", string(g.Status)),
	)
	if finished {
		s.afterFinish(ctx, g, moves)
	}
	return ev, nil
}

// Resign finishes the game in favour of the opponent.
func (s *Session) Resign(ctx context.Context, userID string) (chessdto.Event, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chessdto.Event{}, ErrSessionUnavailable
	}
	if s.game.Status == domain.StatusFinished {
		s.mu.Unlock()
		return chessdto.Event{}, ErrGameOver
	}
	side, ok := s.game.SideOf(strings.TrimSpace(userID))
	if !ok {
		s.mu.Unlock()
		return chessdto.Event{}, ErrNotAParticipant
	}
	if s.game.Status == domain.StatusWaiting {
		s.mu.Unlock()
		return chessdto.Event{}, ErrGameNotStarted
	}
	s.game.UpdatedAt = s.opts.Now()
	s.finishLocked(domain.Win(side.Opponent(), domain.ReasonResignation))
	s.persistGameLocked(ctx)
	ev := chessdto.Event{Type: chessdto.EventGameOver, GameID: s.game.ID, Result: resultDTO(s.game.Result)}
	s.broadcastLocked(ev)
	g, moves := s.game, append([]domain.Move(nil), s.log...)
	s.mu.Unlock()

	obslog.L().Info("session_resign",
		zap.String("game_id", g.ID),
		zap.String("resigner", userID),
		zap.String("winner", string(side.Opponent())),
	)
	s.afterFinish(ctx, g, moves)
	return ev, nil
}

// ForfeitIfAbandoned finishes an IN_PROGRESS game when one player has been
// disconnected for ForfeitAfter while the opponent is still connected.
func (s *Session) ForfeitIfAbandoned(ctx context.Context, now time.Time) bool {
	if s.opts.ForfeitAfter <= 0 {
		return false
	}
	s.mu.Lock()
	if s.closed || s.game.Status != domain.StatusInProgress {
		s.mu.Unlock()
		return false
	}
	connected := s.connectedLocked()
	var loser domain.Side
	for _, side := range []domain.Side{domain.White, domain.Black} {
		since, absent := s.absentSince[side]
		if !absent || now.Sub(since) < s.opts.ForfeitAfter {
			continue
		}
		if connected[s.game.PlayerID(side.Opponent())] {
			loser = side
			break
		}
	}
	if loser == "" {
		s.mu.Unlock()
		return false
	}
	s.game.UpdatedAt = now
	s.finishLocked(domain.Win(loser.Opponent(), domain.ReasonDisconnectForfeit))
	s.persistGameLocked(ctx)
	s.broadcastLocked(chessdto.Event{Type: chessdto.EventGameOver, GameID: s.game.ID, Result: resultDTO(s.game.Result)})
	g, moves := s.game, append([]domain.Move(nil), s.log...)
	s.mu.Unlock()

	obslog.L().Info("session_forfeit",
		zap.String("game_id", g.ID),
		zap.String("loser", string(loser)),
	)
	s.afterFinish(ctx, g, moves)
	return true
}

// Evictable reports whether the registry may drop the session.
func (s *Session) Evictable(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictableLocked(now)
}

func (s *Session) evictableLocked(now time.Time) bool {
	if s.closed {
		return true
	}
	if len(s.conns) > 0 {
		return false
	}
	return s.game.Status == domain.StatusFinished || now.Sub(s.idleSince) >= s.opts.IdleGrace
}

// closeIfEvictable marks the session closed when it may be dropped.
func (s *Session) closeIfEvictable(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.evictableLocked(now) {
		return false
	}
	s.closed = true
	return true
}

func (s *Session) consistentLocked() bool {
	want := s.game.InitialPosition
	if n := len(s.log); n > 0 {
		want = s.log[n-1].Position
	}
	return want == s.game.Position
}

// terminateLocked closes the session after an invariant violation.
func (s *Session) terminateLocked(reason string) {
	obslog.L().Error("session_terminated",
		zap.String("game_id", s.game.ID),
		zap.String("reason", reason),
		zap.Int("moves", len(s.log)),
	)
	s.closed = true
	s.broadcastLocked(chessdto.ErrorEvent(s.game.ID, chessdto.ErrSessionUnavailable, reason))
	s.conns = make(map[string]Conn)
}

// close unbinds every connection, notifying them the session is gone.
func (s *Session) close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if len(s.conns) > 0 {
		s.broadcastLocked(chessdto.ErrorEvent(s.game.ID, chessdto.ErrSessionUnavailable, reason))
		s.conns = make(map[string]Conn)
	}
}

func (s *Session) retire() {
	if s.hooks.corrupted != nil {
		s.hooks.corrupted(s)
	}
}

func (s *Session) finishLocked(r *domain.Result) {
	s.game.Status = domain.StatusFinished
	s.game.Result = r
}

func (s *Session) afterFinish(ctx context.Context, g domain.Game, moves []domain.Move) {
	if s.opts.OnFinished != nil {
		s.opts.OnFinished(context.WithoutCancel(ctx), g, moves)
	}
	s.mu.Lock()
	drained := len(s.conns) == 0
	s.mu.Unlock()
	if drained && s.hooks.drained != nil {
		s.hooks.drained(s)
	}
}

func (s *Session) broadcastLocked(ev chessdto.Event) {
	for _, c := range s.conns {
		if !c.Send(ev) {
			obslog.L().Warn("session_send_dropped",
				zap.String("game_id", s.game.ID),
				zap.String("conn_id", c.ID()),
				zap.String("event", string(ev.Type)),
			)
		}
	}
}

func (s *Session) stateLocked() *chessdto.State {
	return &chessdto.State{
		Position: s.game.Position,
		Turn:     string(domain.TurnOf(s.game.Position)),
		Status:   string(s.game.Status),
		Flags:    s.flags,
		Result:   resultDTO(s.game.Result),
	}
}

// persistContext detaches from the caller's cancellation and bounds the call.
func (s *Session) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.opts.PersistTimeout)
}

func (s *Session) persistMoveLocked(ctx context.Context, mv domain.Move) {
	pctx, cancel := s.persistContext(ctx)
	defer cancel()
	if err := s.opts.Store.AppendMove(pctx, s.game.ID, mv); err != nil {
		s.logPersistError("append_move", err)
	}
	g := s.game
	if err := s.opts.Store.UpdateGame(pctx, &g); err != nil {
		s.logPersistError("update_game", err)
	}
}

func (s *Session) persistGameLocked(ctx context.Context) {
	pctx, cancel := s.persistContext(ctx)
	defer cancel()
	g := s.game
	if err := s.opts.Store.UpdateGame(pctx, &g); err != nil {
		s.logPersistError("update_game", err)
	}
}

func (s *Session) logPersistError(op string, err error) {
	obslog.L().Error("session_persist_error",
		zap.String("game_id", s.game.ID),
		zap.String("op", op),
		zap.String("kind", persistenceKind(err)),
		zap.Error(err),
	)
}

func resultOf(mover domain.Side, out rules.Outcome) *domain.Result {
	switch {
	case out.Checkmate:
		return domain.Win(mover, domain.ReasonCheckmate)
	case out.Stalemate:
		return domain.Drawn(domain.ReasonStalemate)
	default:
		return domain.Drawn(domain.ReasonDraw)
	}
}

// flagsOf recovers the flags of g's current position. Finished games take
// them from the result; otherwise the last logged move is played again from
// the position before it.
func flagsOf(oracle rules.Oracle, g *domain.Game, log []domain.Move) chessdto.Flags {
	if g.Status == domain.StatusFinished {
		return flagsOfResult(g.Result)
	}
	n := len(log)
	if n == 0 {
		return chessdto.Flags{}
	}
	prev := g.InitialPosition
	if n > 1 {
		prev = log[n-2].Position
	}
	if prev == "" {
		prev = oracle.StartingPosition()
	}
	last := log[n-1]
	out, err := oracle.Apply(prev, last.From, last.To, last.Promotion)
	if err != nil || out.Position != g.Position {
		return chessdto.Flags{}
	}
	return chessdto.Flags{Check: out.Check}
}

func flagsOfResult(r *domain.Result) chessdto.Flags {
	if r == nil {
		return chessdto.Flags{}
	}
	switch r.Reason {
	case domain.ReasonCheckmate:
		return chessdto.Flags{Check: true, Checkmate: true}
	case domain.ReasonStalemate:
		return chessdto.Flags{Stalemate: true}
	case domain.ReasonDraw:
		return chessdto.Flags{Draw: true}
	}
	return chessdto.Flags{}
}
