package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/park285/cheese-arena/internal/domain"
)

const redisWatchRetries = 5

// RedisStore keeps each game as a JSON document with a companion move list,
// a per-user index set and a lobby set of WAITING ids.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewRedisStore connects to redisURL. ttl 0 keeps keys forever.
func NewRedisStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStore, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for redis store")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStoreFromClient(rdb, ttl), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl, now: time.Now}
}

func (s *RedisStore) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func gameKey(id string) string { return "arena:game:" + strings.TrimSpace(id) }
func movesKey(id string) string { return gameKey(id) + ":moves" }
func userIdxKey(user string) string { return "arena:index:user:" + strings.TrimSpace(user) }
func lobbyKey() string { return "arena:lobby" }

func (s *RedisStore) CreateGame(ctx context.Context, creatorID, initialPosition string) (*domain.Game, error) {
	if strings.TrimSpace(creatorID) == "" {
		return nil, fmt.Errorf("creator id required")
	}
	g := newGame(uuid.NewString(), creatorID, initialPosition, s.now())
	raw, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}
	ok, err := s.rdb.SetNX(ctx, gameKey(g.ID), raw, s.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: duplicate id %s", ErrConflict, g.ID)
	}
	if err := s.rdb.SAdd(ctx, lobbyKey(), g.ID).Err(); err != nil {
		return nil, err
	}
	if err := s.index(ctx, g.ID, g.WhiteID); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *RedisStore) LoadGame(ctx context.Context, id string) (*domain.Game, error) {
	return s.get(ctx, s.rdb, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c getter, id string) (*domain.Game, error) {
	raw, err := c.Get(ctx, gameKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var g domain.Game
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("decode game %s: %w", id, err)
	}
	return &g, nil
}

func (s *RedisStore) Moves(ctx context.Context, id string) ([]domain.Move, error) {
	if _, err := s.LoadGame(ctx, id); err != nil {
		return nil, err
	}
	items, err := s.rdb.LRange(ctx, movesKey(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.Move, 0, len(items))
	for _, it := range items {
		var mv domain.Move
		if err := json.Unmarshal([]byte(it), &mv); err != nil {
			return nil, fmt.Errorf("decode move: %w", err)
		}
		out = append(out, mv)
	}
	return out, nil
}

// watch runs fn under optimistic locking on key, retrying lost races.
func (s *RedisStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < redisWatchRetries; i++ {
		err = s.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrConflict, err)
}

func (s *RedisStore) AppendMove(ctx context.Context, id string, mv domain.Move) error {
	raw, err := json.Marshal(mv)
	if err != nil {
		return err
	}
	return s.watch(ctx, func(tx *redis.Tx) error {
		if _, err := s.get(ctx, tx, id); err != nil {
			return err
		}
		n, err := tx.LLen(ctx, movesKey(id)).Result()
		if err != nil {
			return err
		}
		if int64(mv.Number) != n+1 {
			return fmt.Errorf("%w: move %d after %d", ErrConflict, mv.Number, n)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, movesKey(id), raw)
			if s.ttl > 0 {
				pipe.Expire(ctx, movesKey(id), s.ttl)
			}
			return nil
		})
		return err
	}, gameKey(id), movesKey(id))
}

func (s *RedisStore) UpdateGame(ctx context.Context, g *domain.Game) error {
	if g == nil {
		return fmt.Errorf("nil game")
	}
	var joined string
	err := s.watch(ctx, func(tx *redis.Tx) error {
		cur, err := s.get(ctx, tx, g.ID)
		if err != nil {
			return err
		}
		prevBlack := cur.BlackID
		if err := mergeUpdate(cur, g, s.now()); err != nil {
			return err
		}
		raw, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, gameKey(cur.ID), raw, s.ttl)
			if cur.Status != domain.StatusWaiting {
				pipe.SRem(ctx, lobbyKey(), cur.ID)
			}
			return nil
		})
		if err == nil && prevBlack == "" && cur.BlackID != "" {
			joined = cur.BlackID
		}
		return err
	}, gameKey(g.ID))
	if err != nil {
		return err
	}
	if joined != "" {
		return s.index(ctx, g.ID, joined)
	}
	return nil
}

func (s *RedisStore) index(ctx context.Context, id, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return nil
	}
	key := userIdxKey(userID)
	if err := s.rdb.SAdd(ctx, key, id).Err(); err != nil {
		return err
	}
	if s.ttl > 0 {
		_ = s.rdb.Expire(ctx, key, s.ttl).Err()
	}
	return nil
}

func (s *RedisStore) loadMany(ctx context.Context, ids []string) ([]*domain.Game, error) {
	var out []*domain.Game
	for _, id := range ids {
		g, err := s.LoadGame(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func (s *RedisStore) ListWaitingGames(ctx context.Context, excludeUserID string) ([]*domain.Game, error) {
	ids, err := s.rdb.SMembers(ctx, lobbyKey()).Result()
	if err != nil {
		return nil, err
	}
	all, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	var out []*domain.Game
	for _, g := range all {
		if g.Status == domain.StatusWaiting && g.WhiteID != excludeUserID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *RedisStore) ListUserGames(ctx context.Context, userID string) ([]*domain.Game, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, nil
	}
	ids, err := s.rdb.SMembers(ctx, userIdxKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	out, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}
