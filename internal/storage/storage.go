// Package storage holds the durable room record and the per-room seat
// numbers. It is read on cold start and reconnect and written by the host;
// live session state never goes through it.
package storage

import (
	"context"
	"errors"
	"math/rand"
	"regexp"
	"strings"

	"github.com/MainTabletop/BZN-plot-twist/internal/game"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomExists   = errors.New("room already exists")
	ErrInvalidCode  = errors.New("invalid room code")
	// ErrUnexpected wraps driver failures that have no better mapping.
	ErrUnexpected = errors.New("unexpected database error")
)

// CodeLength is the length of generated room codes.
const CodeLength = 4

const codeAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

var codePattern = regexp.MustCompile(`^[a-z0-9]{3,12}$`)

// NewRoomCode draws a lowercase alphanumeric code.
func NewRoomCode(rng *rand.Rand) string {
	b := make([]byte, CodeLength)
	for i := range b {
		if rng != nil {
			b[i] = codeAlphabet[rng.Intn(len(codeAlphabet))]
		} else {
			b[i] = codeAlphabet[rand.Intn(len(codeAlphabet))]
		}
	}
	return string(b)
}

// NormalizeCode lowercases and validates a user-supplied code.
func NormalizeCode(code string) (string, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if !codePattern.MatchString(code) {
		return "", ErrInvalidCode
	}
	return code, nil
}

type Stats struct {
	Rooms         int            `json:"rooms"`
	Players       int            `json:"players"`
	UnseatedCount int            `json:"unseated"`
	ByPhase       map[string]int `json:"byPhase"`
}

// Store is implemented by the Postgres and SQLite backends.
type Store interface {
	CreateRoom(ctx context.Context, room game.Room) error
	GetRoom(ctx context.Context, code string) (game.Room, error)
	// EnsureRoom returns the room, creating it in the lobby when missing.
	EnsureRoom(ctx context.Context, code string) (game.Room, error)
	SaveRoom(ctx context.Context, room game.Room) error
	// UpsertPlayer records a player and returns its seat number. A seat is
	// assigned once per (player, room) and kept on later calls.
	UpsertPlayer(ctx context.Context, code string, p game.Player) (int, error)
	// AssignMissingSeats gives sequential seats, in join order, to players
	// recorded without one. It returns how many were assigned.
	AssignMissingSeats(ctx context.Context, code string) (int, error)
	ListPlayers(ctx context.Context, code string) ([]game.Player, error)
	Stats(ctx context.Context) (Stats, error)
	Migrate(ctx context.Context) error
	Close() error
}

// NewRoom is the record for a freshly created room.
func NewRoom(code string) game.Room {
	return game.Room{
		Code:     code,
		Phase:    game.PhaseLobby,
		Round:    1,
		Settings: game.DefaultSettings(),
	}
}

// IsContextErr reports whether err is a cancellation that should pass
// through unwrapped.
func IsContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
