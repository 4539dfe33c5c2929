// Package notify reports finished games to an external webhook.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-arena/internal/domain"
	"github.com/park285/cheese-arena/internal/obslog"
)

// Result is the webhook body for one finished game.
type Result struct {
	GameID  string   `json:"game_id"`
	WhiteID string   `json:"white_id"`
	BlackID string   `json:"black_id"`
	Winner  string   `json:"winner,omitempty"`
	Reason  string   `json:"reason"`
	Moves   []string `json:"moves"`
	PGN     string   `json:"pgn"`
}

// ResultOf builds the webhook body. Moves are in UCI notation.
func ResultOf(g domain.Game, moves []domain.Move) Result {
	r := Result{
		GameID:  g.ID,
		WhiteID: g.WhiteID,
		BlackID: g.BlackID,
		Moves:   make([]string, 0, len(moves)),
		PGN:     domain.BuildPGN(&g, moves),
	}
	if g.Result != nil {
		r.Reason = string(g.Result.Reason)
		if g.Result.Winner != nil {
			r.Winner = string(*g.Result.Winner)
		}
	}
	for _, mv := range moves {
		r.Moves = append(r.Moves, mv.UCI())
	}
	return r
}

// Notifier delivers results in the background so finishing a game never
// waits on the webhook.
type Notifier struct {
	client  *Client
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func New(url string, opts ...Option) *Notifier {
	return &Notifier{client: NewClient(url, opts...), timeout: 30 * time.Second}
}

// Finished matches session.FinishedFunc.
func (n *Notifier) Finished(ctx context.Context, g domain.Game, moves []domain.Move) {
	body := ResultOf(g, moves)
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		obslog.L().Warn("notify_result_dropped", zap.String("game_id", body.GameID))
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()
	go func() {
		defer n.wg.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()
		if err := n.client.PostJSON(sctx, body); err != nil {
			obslog.L().Warn("notify_result_failed", zap.String("game_id", body.GameID), zap.Error(err))
			return
		}
		obslog.L().Info("notify_result_sent", zap.String("game_id", body.GameID), zap.String("reason", body.Reason))
	}()
}

// Wait stops accepting results and blocks until pending deliveries finish
// or ctx is done.
func (n *Notifier) Wait(ctx context.Context) error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
