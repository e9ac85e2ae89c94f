package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MainTabletop/BZN-plot-twist/internal/game"
	"github.com/MainTabletop/BZN-plot-twist/internal/storage"
	"github.com/MainTabletop/BZN-plot-twist/internal/storage/storetest"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "rooms.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, openTemp(t))
}

func TestMigrateTwice(t *testing.T) {
	s := openTemp(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestAssignMissingSeats(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	require.NoError(t, s.CreateRoom(ctx, storage.NewRoom("seat")))
	_, err := s.UpsertPlayer(ctx, "seat", newPlayer("a", 1))
	require.NoError(t, err)

	// rows written before seats existed
	for i, id := range []string{"c", "b"} {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO players (player_id, room_code, name, status, joined_at) VALUES (?, 'seat', ?, 'ready', ?)`,
			id, id, int64(2000+i))
		require.NoError(t, err)
	}

	n, err := s.AssignMissingSeats(ctx, "seat")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	players, err := s.ListPlayers(ctx, "seat")
	require.NoError(t, err)
	require.Len(t, players, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{players[0].SeatNumber, players[1].SeatNumber, players[2].SeatNumber})
	assert.Equal(t, "c", players[1].ID, "missing seats follow join order")

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.UnseatedCount)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}

func newPlayer(id string, joinedMillis int64) game.Player {
	return game.Player{ID: id, Name: id, JoinedAt: fromMillis(joinedMillis)}
}
