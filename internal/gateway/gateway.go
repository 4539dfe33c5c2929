// Package gateway is the WebSocket front door: it authenticates connections,
// binds each one to at most one game session and relays commands and events.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-arena/internal/auth"
	"github.com/park285/cheese-arena/internal/msgcat"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/session"
	"github.com/park285/cheese-arena/pkg/chessdto"
)

type Options struct {
	Verifier       *auth.Verifier
	Registry       *session.Registry
	Messages       *msgcat.Catalog
	OriginPatterns []string
	SendBuffer     int
	PingInterval   time.Duration
	WriteTimeout   time.Duration
}

// Gateway serves the /ws endpoint.
type Gateway struct {
	opts Options

	mu      sync.Mutex
	clients map[string]*client
	wg      sync.WaitGroup
}

func New(opts Options) *Gateway {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Gateway{opts: opts, clients: make(map[string]*client)}
}

// Len returns the number of open connections.
func (g *Gateway) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  g.opts.OriginPatterns,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Warn("gateway_accept_failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	claims, err := g.authenticate(r)
	if err != nil {
		obslog.L().Info("gateway_auth_failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		g.rejectAuth(r.Context(), conn)
		return
	}

	c := newClient(g, conn, uuid.NewString(), claims.Subject)
	g.mu.Lock()
	g.clients[c.id] = c
	g.mu.Unlock()
	g.wg.Add(1)
	defer g.wg.Done()

	obslog.L().Info("gateway_connect", zap.String("conn_id", c.id), zap.String("user_id", c.user))
	go c.writeLoop()
	c.readLoop(context.WithoutCancel(r.Context()))

	c.detach()
	g.mu.Lock()
	delete(g.clients, c.id)
	g.mu.Unlock()
	obslog.L().Info("gateway_disconnect", zap.String("conn_id", c.id), zap.String("user_id", c.user))
}

func (g *Gateway) authenticate(r *http.Request) (*auth.Claims, error) {
	token, ok := auth.TokenFromRequest(r)
	if !ok {
		return nil, auth.ErrInvalidToken
	}
	return g.opts.Verifier.Verify(token)
}

// rejectAuth reports AuthenticationFailed and closes the connection.
func (g *Gateway) rejectAuth(ctx context.Context, conn *websocket.Conn) {
	wctx, cancel := context.WithTimeout(ctx, g.opts.WriteTimeout)
	defer cancel()
	msg := g.opts.Messages.ErrorText(chessdto.ErrAuthenticationFailed, nil, "authentication failed")
	_ = wsjson.Write(wctx, conn, chessdto.ErrorEvent("", chessdto.ErrAuthenticationFailed, msg))
	_ = conn.Close(websocket.StatusPolicyViolation, "authentication failed")
}

// Close disconnects every client and waits for their handlers to return.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	clients := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()
	for _, c := range clients {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (g *Gateway) errorText(kind chessdto.ErrorKind, data map[string]any, fallback string) string {
	return g.opts.Messages.ErrorText(kind, data, fallback)
}
