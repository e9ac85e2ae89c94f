// Package postgres is the production room store.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/MainTabletop/BZN-plot-twist/internal/game"
	"github.com/MainTabletop/BZN-plot-twist/internal/storage"
	"github.com/MainTabletop/BZN-plot-twist/internal/storage/migrations"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// seatRetries bounds retries when two players race for the same seat.
const seatRetries = 5

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Migrate runs goose over a database/sql handle borrowed from the pool.
func (s *Store) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()
	return migrations.Up(ctx, db, migrations.Postgres)
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if storage.IsContextErr(err) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
		return storage.ErrRoomNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return storage.ErrRoomExists
		case codeForeignKeyViolation:
			return storage.ErrRoomNotFound
		}
	}
	return fmt.Errorf("%w: %w", storage.ErrUnexpected, err)
}

func (s *Store) CreateRoom(ctx context.Context, room game.Room) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rooms (room_code, phase, round, current_host_id, original_host_id, tone, scene, length)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		room.Code, room.Phase, room.Round, room.CurrentHostID, room.OriginalHostID,
		room.Settings.Tone, room.Settings.Scene, room.Settings.Length)
	return mapErr(err)
}

const selectRoom = `
	SELECT room_code, phase, round, current_host_id, original_host_id, tone, scene, length, updated_at
	FROM rooms WHERE room_code = $1`

func (s *Store) GetRoom(ctx context.Context, code string) (game.Room, error) {
	var room game.Room
	err := s.pool.QueryRow(ctx, selectRoom, code).Scan(
		&room.Code, &room.Phase, &room.Round, &room.CurrentHostID, &room.OriginalHostID,
		&room.Settings.Tone, &room.Settings.Scene, &room.Settings.Length, &room.UpdatedAt)
	if err != nil {
		return game.Room{}, mapErr(err)
	}
	return room, nil
}

func (s *Store) EnsureRoom(ctx context.Context, code string) (game.Room, error) {
	room, err := s.GetRoom(ctx, code)
	if !errors.Is(err, storage.ErrRoomNotFound) {
		return room, err
	}
	err = s.CreateRoom(ctx, storage.NewRoom(code))
	if err != nil && !errors.Is(err, storage.ErrRoomExists) {
		return game.Room{}, err
	}
	return s.GetRoom(ctx, code)
}

func (s *Store) SaveRoom(ctx context.Context, room game.Room) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rooms SET phase = $2, round = $3, current_host_id = $4, original_host_id = $5,
			tone = $6, scene = $7, length = $8, updated_at = now()
		WHERE room_code = $1`,
		room.Code, room.Phase, room.Round, room.CurrentHostID, room.OriginalHostID,
		room.Settings.Tone, room.Settings.Scene, room.Settings.Length)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrRoomNotFound
	}
	return nil
}

func (s *Store) UpsertPlayer(ctx context.Context, code string, p game.Player) (int, error) {
	joined := p.JoinedAt
	if joined.IsZero() {
		joined = time.Now()
	}
	status := p.Status
	if status == "" {
		status = game.StatusReady
	}
	var lastErr error
	for i := 0; i < seatRetries; i++ {
		var seat int
		err := s.pool.QueryRow(ctx, `
			INSERT INTO players (player_id, room_code, name, status, joined_at, seat_number)
			VALUES ($1, $2, $3, $4, $5,
				(SELECT COALESCE(MAX(seat_number), 0) + 1 FROM players WHERE room_code = $2))
			ON CONFLICT (player_id, room_code) DO UPDATE
				SET name = EXCLUDED.name, status = EXCLUDED.status,
					seat_number = COALESCE(players.seat_number, EXCLUDED.seat_number)
			RETURNING seat_number`,
			p.ID, code, p.Name, status, joined).Scan(&seat)
		if err == nil {
			return seat, nil
		}
		lastErr = mapErr(err)
		if !errors.Is(lastErr, storage.ErrRoomExists) {
			return 0, lastErr
		}
		// Unique (room_code, seat_number) lost a race; take the next seat.
	}
	return 0, lastErr
}

func (s *Store) AssignMissingSeats(ctx context.Context, code string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, mapErr(err)
	}
	defer tx.Rollback(ctx)

	var next int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seat_number), 0) FROM players WHERE room_code = $1`, code).Scan(&next); err != nil {
		return 0, mapErr(err)
	}
	rows, err := tx.Query(ctx,
		`SELECT player_id FROM players WHERE room_code = $1 AND seat_number IS NULL ORDER BY joined_at, player_id`, code)
	if err != nil {
		return 0, mapErr(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, mapErr(err)
	}
	for _, id := range ids {
		next++
		if _, err := tx.Exec(ctx,
			`UPDATE players SET seat_number = $3 WHERE room_code = $1 AND player_id = $2`, code, id, next); err != nil {
			return 0, mapErr(err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, mapErr(err)
	}
	return len(ids), nil
}

func (s *Store) ListPlayers(ctx context.Context, code string) ([]game.Player, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT player_id, name, status, COALESCE(seat_number, 0), joined_at
		FROM players WHERE room_code = $1`, code)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []game.Player
	for rows.Next() {
		var p game.Player
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.SeatNumber, &p.JoinedAt); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	game.SortPlayers(out)
	return out, nil
}

func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	st := storage.Stats{ByPhase: make(map[string]int)}
	err := s.pool.QueryRow(ctx, `
		SELECT (SELECT COUNT(*) FROM rooms),
			(SELECT COUNT(*) FROM players),
			(SELECT COUNT(*) FROM players WHERE seat_number IS NULL)`).
		Scan(&st.Rooms, &st.Players, &st.UnseatedCount)
	if err != nil {
		return st, mapErr(err)
	}
	rows, err := s.pool.Query(ctx, `SELECT phase, COUNT(*) FROM rooms GROUP BY phase`)
	if err != nil {
		return st, mapErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		var phase string
		var n int
		if err := rows.Scan(&phase, &n); err != nil {
			return st, mapErr(err)
		}
		st.ByPhase[phase] = n
	}
	return st, mapErr(rows.Err())
}

var _ storage.Store = (*Store)(nil)
