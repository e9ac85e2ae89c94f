// Package storetest is the behaviour every storage.Store backend must share.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MainTabletop/BZN-plot-twist/internal/game"
	"github.com/MainTabletop/BZN-plot-twist/internal/storage"
)

// Run exercises s against a freshly migrated, empty database.
func Run(t *testing.T, s storage.Store) {
	t.Run("RoomLifecycle", func(t *testing.T) { roomLifecycle(t, s) })
	t.Run("EnsureRoom", func(t *testing.T) { ensureRoom(t, s) })
	t.Run("Seats", func(t *testing.T) { seats(t, s) })
	t.Run("ConcurrentSeats", func(t *testing.T) { concurrentSeats(t, s) })
	t.Run("Stats", func(t *testing.T) { stats(t, s) })
}

func roomLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, err := s.GetRoom(ctx, "life")
	require.ErrorIs(t, err, storage.ErrRoomNotFound)

	require.NoError(t, s.CreateRoom(ctx, storage.NewRoom("life")))
	assert.ErrorIs(t, s.CreateRoom(ctx, storage.NewRoom("life")), storage.ErrRoomExists)

	room, err := s.GetRoom(ctx, "life")
	require.NoError(t, err)
	assert.Equal(t, game.PhaseLobby, room.Phase)
	assert.Equal(t, 1, room.Round)
	assert.Equal(t, game.DefaultSettings(), room.Settings)

	room.Phase = game.PhaseGuessing
	room.Round = 3
	room.OriginalHostID = "alice"
	room.CurrentHostID = "bob"
	room.Settings = game.Settings{Tone: game.ToneSerious, Scene: game.SceneClassroom, Length: game.LengthLong}
	require.NoError(t, s.SaveRoom(ctx, room))

	got, err := s.GetRoom(ctx, "life")
	require.NoError(t, err)
	assert.Equal(t, room.Phase, got.Phase)
	assert.Equal(t, 3, got.Round)
	assert.Equal(t, "alice", got.OriginalHostID)
	assert.Equal(t, "bob", got.CurrentHostID)
	assert.Equal(t, room.Settings, got.Settings)
	assert.WithinDuration(t, time.Now(), got.UpdatedAt, time.Minute)

	assert.ErrorIs(t, s.SaveRoom(ctx, storage.NewRoom("nope")), storage.ErrRoomNotFound)
}

func ensureRoom(t *testing.T, s storage.Store) {
	ctx := context.Background()
	first, err := s.EnsureRoom(ctx, "ensure")
	require.NoError(t, err)
	assert.Equal(t, "ensure", first.Code)
	assert.Equal(t, game.PhaseLobby, first.Phase)

	first.Phase = game.PhaseReading
	require.NoError(t, s.SaveRoom(ctx, first))
	again, err := s.EnsureRoom(ctx, "ensure")
	require.NoError(t, err)
	assert.Equal(t, game.PhaseReading, again.Phase, "an existing room is not reset")
}

func seats(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, err := s.UpsertPlayer(ctx, "ghost", game.Player{ID: "a", Name: "A"})
	assert.ErrorIs(t, err, storage.ErrRoomNotFound)

	require.NoError(t, s.CreateRoom(ctx, storage.NewRoom("seats")))
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	n, err := s.UpsertPlayer(ctx, "seats", game.Player{ID: "a", Name: "Alice", JoinedAt: t0})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.UpsertPlayer(ctx, "seats", game.Player{ID: "b", Name: "Bob", JoinedAt: t0.Add(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.UpsertPlayer(ctx, "seats", game.Player{ID: "a", Name: "Alicia", Status: game.StatusWriting})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "seat survives a rejoin")

	players, err := s.ListPlayers(ctx, "seats")
	require.NoError(t, err)
	require.Len(t, players, 2)
	assert.Equal(t, "Alicia", players[0].Name)
	assert.Equal(t, game.StatusWriting, players[0].Status)
	assert.Equal(t, 2, players[1].SeatNumber)
	assert.True(t, players[1].JoinedAt.Equal(t0.Add(time.Second)))

	assigned, err := s.AssignMissingSeats(ctx, "seats")
	require.NoError(t, err)
	assert.Zero(t, assigned)
}

func concurrentSeats(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateRoom(ctx, storage.NewRoom("race")))

	const n = 5
	var wg sync.WaitGroup
	got := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], errs[i] = s.UpsertPlayer(ctx, "race", game.Player{ID: string(rune('a' + i)), Name: "P"})
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[got[i]], "seat %d handed out twice", got[i])
		seen[got[i]] = true
	}
	for seat := 1; seat <= n; seat++ {
		assert.True(t, seen[seat], "seat %d missing", seat)
	}
}

func stats(t *testing.T, s storage.Store) {
	ctx := context.Background()
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, st.Rooms, 1)
	assert.GreaterOrEqual(t, st.Players, 2)
	total := 0
	for _, n := range st.ByPhase {
		total += n
	}
	assert.Equal(t, st.Rooms, total)
}
