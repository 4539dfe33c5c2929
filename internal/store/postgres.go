package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/park285/cheese-arena/internal/domain"
)

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

const gameColumns = `id, white_id, black_id, initial_position, position, status, winner, reason, created_at, updated_at`

// PostgresStore is the durable backend. The PGN of a finished game is
// written alongside its final result.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenPostgres opens and pings a lib/pq pool.
func OpenPostgres(ctx context.Context, databaseURL string) (*sql.DB, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := OpenPostgres(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	return NewPostgresStoreFromDB(db), nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (r *PostgresStore) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGame(row rowScanner) (*domain.Game, error) {
	var (
		g      domain.Game
		status string
		winner sql.NullString
		reason sql.NullString
	)
	if err := row.Scan(&g.ID, &g.WhiteID, &g.BlackID, &g.InitialPosition, &g.Position, &status, &winner, &reason, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	g.Status = domain.Status(status)
	if reason.Valid && reason.String != "" {
		if winner.Valid && winner.String != "" {
			g.Result = domain.Win(domain.Side(winner.String), domain.Reason(reason.String))
		} else {
			g.Result = domain.Drawn(domain.Reason(reason.String))
		}
	}
	return &g, nil
}

func resultColumns(r *domain.Result) (winner, reason sql.NullString) {
	if r == nil {
		return
	}
	reason = sql.NullString{String: string(r.Reason), Valid: true}
	if r.Winner != nil {
		winner = sql.NullString{String: string(*r.Winner), Valid: true}
	}
	return
}

func (r *PostgresStore) CreateGame(ctx context.Context, creatorID, initialPosition string) (*domain.Game, error) {
	if strings.TrimSpace(creatorID) == "" {
		return nil, fmt.Errorf("creator id required")
	}
	g := newGame(uuid.NewString(), creatorID, initialPosition, r.now().UTC())
	const q = `INSERT INTO games (id, white_id, black_id, initial_position, position, status, created_at, updated_at)
        VALUES ($1, $2, '', $3, $4, $5, $6, $7)`
	if _, err := r.db.ExecContext(ctx, q, g.ID, g.WhiteID, g.InitialPosition, g.Position, string(g.Status), g.CreatedAt, g.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert game: %w", err)
	}
	return g, nil
}

func (r *PostgresStore) LoadGame(ctx context.Context, id string) (*domain.Game, error) {
	g, err := scanGame(r.db.QueryRowContext(ctx, `SELECT `+gameColumns+` FROM games WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load game: %w", err)
	}
	return g, nil
}

func (r *PostgresStore) Moves(ctx context.Context, id string) ([]domain.Move, error) {
	if _, err := r.LoadGame(ctx, id); err != nil {
		return nil, err
	}
	return r.moves(ctx, r.db, id)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *PostgresStore) moves(ctx context.Context, q queryer, id string) ([]domain.Move, error) {
	rows, err := q.QueryContext(ctx, `SELECT move_number, from_square, to_square, promotion, san, position, played_at
        FROM game_moves WHERE game_id = $1 ORDER BY move_number ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query moves: %w", err)
	}
	defer rows.Close()
	var out []domain.Move
	for rows.Next() {
		var mv domain.Move
		if err := rows.Scan(&mv.Number, &mv.From, &mv.To, &mv.Promotion, &mv.SAN, &mv.Position, &mv.PlayedAt); err != nil {
			return nil, fmt.Errorf("scan move: %w", err)
		}
		out = append(out, mv)
	}
	return out, rows.Err()
}

func (r *PostgresStore) AppendMove(ctx context.Context, id string, mv domain.Move) error {
	playedAt := mv.PlayedAt
	if playedAt.IsZero() {
		playedAt = r.now()
	}
	// move_number must extend the log by exactly one
	const q = `INSERT INTO game_moves (game_id, move_number, from_square, to_square, promotion, san, position, played_at)
        SELECT $1::text, $2::int, $3::text, $4::text, $5::text, $6::text, $7::text, $8::timestamptz
        WHERE $2::int = (SELECT COUNT(*)::int + 1 FROM game_moves WHERE game_id = $1::text)`
	res, err := r.db.ExecContext(ctx, q, id, mv.Number, mv.From, mv.To, mv.Promotion, mv.SAN, mv.Position, playedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code {
			case pqUniqueViolation:
				return fmt.Errorf("%w: duplicate move %d", ErrConflict, mv.Number)
			case pqForeignKeyViolation:
				return ErrNotFound
			}
		}
		return fmt.Errorf("insert move: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.LoadGame(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: move %d out of sequence", ErrConflict, mv.Number)
	}
	return nil
}

func (r *PostgresStore) UpdateGame(ctx context.Context, g *domain.Game) error {
	if g == nil {
		return fmt.Errorf("nil game")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanGame(tx.QueryRowContext(ctx, `SELECT `+gameColumns+` FROM games WHERE id = $1 FOR UPDATE`, g.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock game: %w", err)
	}
	if err := mergeUpdate(cur, g, r.now().UTC()); err != nil {
		return err
	}

	var pgn sql.NullString
	if cur.Status == domain.StatusFinished {
		moves, err := r.moves(ctx, tx, cur.ID)
		if err != nil {
			return err
		}
		pgn = sql.NullString{String: domain.BuildPGN(cur, moves), Valid: true}
	}
	winner, reason := resultColumns(cur.Result)
	const q = `UPDATE games SET black_id = $2, position = $3, status = $4, winner = $5, reason = $6,
        pgn = COALESCE($7, pgn), updated_at = $8 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, q, cur.ID, cur.BlackID, cur.Position, string(cur.Status), winner, reason, pgn, cur.UpdatedAt); err != nil {
		return fmt.Errorf("update game: %w", err)
	}
	return tx.Commit()
}

func (r *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*domain.Game, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list games: %w", err)
	}
	defer rows.Close()
	var out []*domain.Game
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, fmt.Errorf("scan game: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *PostgresStore) ListWaitingGames(ctx context.Context, excludeUserID string) ([]*domain.Game, error) {
	return r.list(ctx, `SELECT `+gameColumns+` FROM games
        WHERE status = 'WAITING' AND white_id <> $1 ORDER BY created_at DESC`, excludeUserID)
}

func (r *PostgresStore) ListUserGames(ctx context.Context, userID string) ([]*domain.Game, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, nil
	}
	return r.list(ctx, `SELECT `+gameColumns+` FROM games
        WHERE white_id = $1 OR black_id = $1 ORDER BY updated_at DESC`, userID)
}

// PGN returns the stored PGN of a finished game.
func (r *PostgresStore) PGN(ctx context.Context, id string) (string, error) {
	var pgn sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT pgn FROM games WHERE id = $1`, id).Scan(&pgn)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return pgn.String, nil
}
