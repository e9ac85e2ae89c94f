// Package sqlite is the single-file room store for local runs and tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/MainTabletop/BZN-plot-twist/internal/game"
	"github.com/MainTabletop/BZN-plot-twist/internal/storage"
	"github.com/MainTabletop/BZN-plot-twist/internal/storage/migrations"
)

const seatRetries = 5

type Store struct {
	db *sql.DB
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// Open opens the database at path. Call Migrate before use.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer avoids SQLITE_BUSY between the seat upserts.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	return migrations.Up(ctx, s.db, migrations.SQLite)
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "foreign key constraint failed")
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case storage.IsContextErr(err):
		return err
	case errors.Is(err, sql.ErrNoRows):
		return storage.ErrRoomNotFound
	case isUniqueViolation(err):
		return storage.ErrRoomExists
	case isForeignKeyViolation(err):
		return storage.ErrRoomNotFound
	}
	return fmt.Errorf("%w: %w", storage.ErrUnexpected, err)
}

func (s *Store) CreateRoom(ctx context.Context, room game.Room) error {
	now := toMillis(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (room_code, phase, round, current_host_id, original_host_id, tone, scene, length, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		room.Code, string(room.Phase), room.Round, room.CurrentHostID, room.OriginalHostID,
		string(room.Settings.Tone), string(room.Settings.Scene), string(room.Settings.Length), now, now)
	return mapErr(err)
}

func (s *Store) GetRoom(ctx context.Context, code string) (game.Room, error) {
	var (
		room                       game.Room
		phase, tone, scene, length string
		updated                    int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT room_code, phase, round, current_host_id, original_host_id, tone, scene, length, updated_at
		FROM rooms WHERE room_code = ?`, code).Scan(
		&room.Code, &phase, &room.Round, &room.CurrentHostID, &room.OriginalHostID,
		&tone, &scene, &length, &updated)
	if err != nil {
		return game.Room{}, mapErr(err)
	}
	room.Phase = game.Phase(phase)
	room.Settings = game.Settings{Tone: game.Tone(tone), Scene: game.Scene(scene), Length: game.Length(length)}
	room.UpdatedAt = fromMillis(updated)
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
	res, err := s.db.ExecContext(ctx, `
		UPDATE rooms SET phase = ?, round = ?, current_host_id = ?, original_host_id = ?,
			tone = ?, scene = ?, length = ?, updated_at = ?
		WHERE room_code = ?`,
		string(room.Phase), room.Round, room.CurrentHostID, room.OriginalHostID,
		string(room.Settings.Tone), string(room.Settings.Scene), string(room.Settings.Length),
		toMillis(time.Now()), room.Code)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr(err)
	}
	if n == 0 {
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
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO players (player_id, room_code, name, status, joined_at, seat_number)
			VALUES (?1, ?2, ?3, ?4, ?5,
				(SELECT COALESCE(MAX(seat_number), 0) + 1 FROM players WHERE room_code = ?2))
			ON CONFLICT (player_id, room_code) DO UPDATE
				SET name = excluded.name, status = excluded.status,
					seat_number = COALESCE(players.seat_number, excluded.seat_number)
			RETURNING seat_number`,
			p.ID, code, p.Name, string(status), toMillis(joined)).Scan(&seat)
		if err == nil {
			return seat, nil
		}
		lastErr = mapErr(err)
		if !errors.Is(lastErr, storage.ErrRoomExists) {
			return 0, lastErr
		}
	}
	return 0, lastErr
}

func (s *Store) AssignMissingSeats(ctx context.Context, code string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, mapErr(err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seat_number), 0) FROM players WHERE room_code = ?`, code).Scan(&next); err != nil {
		return 0, mapErr(err)
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT player_id FROM players WHERE room_code = ? AND seat_number IS NULL ORDER BY joined_at, player_id`, code)
	if err != nil {
		return 0, mapErr(err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, mapErr(err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, mapErr(err)
	}
	for _, id := range ids {
		next++
		if _, err := tx.ExecContext(ctx,
			`UPDATE players SET seat_number = ? WHERE room_code = ? AND player_id = ?`, next, code, id); err != nil {
			return 0, mapErr(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, mapErr(err)
	}
	return len(ids), nil
}

func (s *Store) ListPlayers(ctx context.Context, code string) ([]game.Player, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT player_id, name, status, COALESCE(seat_number, 0), joined_at
		FROM players WHERE room_code = ?`, code)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []game.Player
	for rows.Next() {
		var (
			p      game.Player
			status string
			joined int64
		)
		if err := rows.Scan(&p.ID, &p.Name, &status, &p.SeatNumber, &joined); err != nil {
			return nil, mapErr(err)
		}
		p.Status = game.Status(status)
		p.JoinedAt = fromMillis(joined)
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
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM rooms),
			(SELECT COUNT(*) FROM players),
			(SELECT COUNT(*) FROM players WHERE seat_number IS NULL)`).
		Scan(&st.Rooms, &st.Players, &st.UnseatedCount)
	if err != nil {
		return st, mapErr(err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT phase, COUNT(*) FROM rooms GROUP BY phase`)
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
