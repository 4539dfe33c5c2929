package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/park285/cheese-arena/internal/domain"
)

func newTestRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	s, err := NewRedisStore(context.Background(), fmt.Sprintf("redis://%s/0", mr.Addr()), ttl)
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStoreContract(t *testing.T) {
	runContract(t, func(t *testing.T) GameStore {
		s, _ := newTestRedisStore(t, 0)
		return s
	})
}

func TestRedisStoreLobbyIndex(t *testing.T) {
	s, mr := newTestRedisStore(t, 0)
	ctx := context.Background()
	g, _ := s.CreateGame(ctx, "u1", "")
	if ok, _ := mr.SIsMember(lobbyKey(), g.ID); !ok {
		t.Fatalf("new game not in lobby")
	}
	g.BlackID = "u2"
	g.Status = domain.StatusInProgress
	if err := s.UpdateGame(ctx, g); err != nil {
		t.Fatalf("update: %v", err)
	}
	if ok, _ := mr.SIsMember(lobbyKey(), g.ID); ok {
		t.Fatalf("started game still in lobby")
	}
	if ok, _ := mr.SIsMember(userIdxKey("u2"), g.ID); !ok {
		t.Fatalf("black player not indexed")
	}
}

func TestRedisStoreTTL(t *testing.T) {
	s, mr := newTestRedisStore(t, time.Hour)
	ctx := context.Background()
	g, _ := s.CreateGame(ctx, "u1", "")
	if ttl := mr.TTL(gameKey(g.ID)); ttl != time.Hour {
		t.Fatalf("game ttl = %v", ttl)
	}
	mr.FastForward(2 * time.Hour)
	if _, err := s.LoadGame(ctx, g.ID); err == nil {
		t.Fatalf("expected expired game")
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore(context.Background(), "", 0); err == nil {
		t.Fatalf("expected error for empty url")
	}
	if _, err := NewRedisStore(context.Background(), "http://localhost", 0); err == nil {
		t.Fatalf("expected error for bad scheme")
	}
}
