package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/session"
	"github.com/park285/cheese-arena/pkg/chessdto"
)

// client is one authenticated connection. It implements session.Conn.
type client struct {
	gw   *Gateway
	conn *websocket.Conn
	id   string
	user string

	send chan chessdto.Event
	done chan struct{}

	mu     sync.Mutex
	closed bool
	once   sync.Once

	// bound is only touched by the read loop.
	bound *session.Session
}

func newClient(gw *Gateway, conn *websocket.Conn, id, user string) *client {
	return &client{
		gw:   gw,
		conn: conn,
		id:   id,
		user: user,
		send: make(chan chessdto.Event, gw.opts.SendBuffer),
		done: make(chan struct{}),
	}
}

func (c *client) ID() string     { return c.id }
func (c *client) UserID() string { return c.user }

// Send never blocks. A client whose buffer is full is disconnected so it
// cannot observe a gap in the event stream.
func (c *client) Send(ev chessdto.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- ev:
		return true
	default:
		obslog.L().Warn("gateway_slow_consumer", zap.String("conn_id", c.id), zap.String("user_id", c.user))
		go c.close(websocket.StatusPolicyViolation, "send buffer overflow")
		return false
	}
}

func (c *client) close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close(code, reason)
	})
}

func (c *client) writeLoop() {
	ping := time.NewTicker(c.gw.opts.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), c.gw.opts.WriteTimeout)
			err := wsjson.Write(ctx, c.conn, ev)
			cancel()
			if err != nil {
				obslog.L().Debug("gateway_write_failed", zap.String("conn_id", c.id), zap.Error(err))
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-ping.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.gw.opts.WriteTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				obslog.L().Debug("gateway_ping_failed", zap.String("conn_id", c.id), zap.Error(err))
				c.close(websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}

// readLoop decodes frames itself: wsjson.Read closes the connection on a
// decode error, and malformed frames must not be fatal.
func (c *client) readLoop(ctx context.Context) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 {
				obslog.L().Debug("gateway_read_failed", zap.String("conn_id", c.id), zap.Error(err))
			}
			c.close(websocket.StatusNormalClosure, "")
			return
		}
		if typ != websocket.MessageText {
			c.reply("", chessdto.ErrInvalidCommand, map[string]any{"detail": "binary frames are not supported"}, "binary frames are not supported")
			continue
		}
		var cmd chessdto.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.reply("", chessdto.ErrInvalidCommand, map[string]any{"detail": "malformed JSON"}, err.Error())
			continue
		}
		c.dispatch(ctx, cmd)
	}
}

func (c *client) dispatch(ctx context.Context, cmd chessdto.Command) {
	gameID := strings.TrimSpace(cmd.GameID)
	switch cmd.Type {
	case chessdto.CommandJoin:
		c.join(ctx, gameID)
	case chessdto.CommandMove:
		s, ok := c.target(gameID)
		if !ok {
			return
		}
		if _, err := s.ApplyMove(ctx, c.user, cmd.From, cmd.To, cmd.Promotion); err != nil {
			c.fail(s.ID(), err, map[string]any{"from": cmd.From, "to": cmd.To})
		}
	case chessdto.CommandResign:
		s, ok := c.target(gameID)
		if !ok {
			return
		}
		if _, err := s.Resign(ctx, c.user); err != nil {
			c.fail(s.ID(), err, nil)
		}
	default:
		c.reply(gameID, chessdto.ErrInvalidCommand, map[string]any{"detail": "unknown command " + string(cmd.Type)}, "unknown command")
	}
}

func (c *client) join(ctx context.Context, gameID string) {
	if gameID == "" {
		c.reply("", chessdto.ErrInvalidCommand, map[string]any{"detail": "game_id is required"}, "game_id is required")
		return
	}
	if c.bound != nil && c.bound.ID() != gameID {
		c.bound.Leave(c)
		c.bound = nil
	}
	s, displaced, err := c.gw.opts.Registry.Join(ctx, gameID, c.user, c)
	if err != nil {
		c.fail(gameID, err, nil)
		return
	}
	c.bound = s
	if old, ok := displaced.(*client); ok && old != c {
		old.close(websocket.StatusPolicyViolation, "replaced by a newer connection")
	}
}

// target returns the bound session for gameID.
func (c *client) target(gameID string) (*session.Session, bool) {
	if c.bound == nil || (gameID != "" && gameID != c.bound.ID()) {
		c.reply(gameID, chessdto.ErrSessionUnavailable, map[string]any{"game_id": gameID}, "join the game first")
		return nil, false
	}
	return c.bound, true
}

// fail reports err to this connection only.
func (c *client) fail(gameID string, err error, data map[string]any) {
	kind := session.KindOf(err)
	if errors.Is(err, session.ErrSessionUnavailable) || errors.Is(err, session.ErrSessionCorrupted) {
		c.bound = nil
	}
	if data == nil {
		data = map[string]any{}
	}
	data["game_id"] = gameID
	obslog.L().Debug("gateway_command_rejected",
		zap.String("conn_id", c.id),
		zap.String("user_id", c.user),
		zap.String("game_id", gameID),
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
	c.reply(gameID, kind, data, err.Error())
}

func (c *client) reply(gameID string, kind chessdto.ErrorKind, data map[string]any, fallback string) {
	c.Send(chessdto.ErrorEvent(gameID, kind, c.gw.errorText(kind, data, fallback)))
}

// detach unbinds the connection after the transport is gone.
func (c *client) detach() {
	if c.bound != nil {
		c.bound.Leave(c)
		c.bound = nil
	}
}
