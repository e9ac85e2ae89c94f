package roomapi

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MainTabletop/BZN-plot-twist/internal/ai"
	"github.com/MainTabletop/BZN-plot-twist/internal/api"
	"github.com/MainTabletop/BZN-plot-twist/internal/game"
	"github.com/MainTabletop/BZN-plot-twist/internal/session"
	"github.com/MainTabletop/BZN-plot-twist/internal/storage"
	"github.com/MainTabletop/BZN-plot-twist/internal/storage/sqlite"
)

var (
	_ session.RoomStore       = (*Client)(nil)
	_ session.ScriptGenerator = (*Client)(nil)
)

func newClient(t *testing.T) *Client {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "rooms.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	r := gin.New()
	(&api.Server{Store: store}).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return New(srv.URL + "/")
}

func TestClientRoomRecord(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	_, err := c.GetRoom(ctx, "abcd")
	assert.ErrorIs(t, err, storage.ErrRoomNotFound)

	room, err := c.EnsureRoom(ctx, "abcd")
	require.NoError(t, err)
	assert.Equal(t, "abcd", room.Code)
	assert.Equal(t, game.PhaseLobby, room.Phase)

	room.Phase = game.PhaseDescription
	room.OriginalHostID = "alice"
	require.NoError(t, c.SaveRoom(ctx, room))

	again, err := c.EnsureRoom(ctx, "abcd")
	require.NoError(t, err)
	assert.Equal(t, game.PhaseDescription, again.Phase)
	assert.Equal(t, "alice", again.OriginalHostID)

	code, err := c.CreateRoom(ctx)
	require.NoError(t, err)
	assert.Len(t, code, storage.CodeLength)
}

func TestClientSeats(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	_, err := c.EnsureRoom(ctx, "abcd")
	require.NoError(t, err)

	seat, err := c.UpsertPlayer(ctx, "abcd", game.Player{ID: "alice", Name: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, 1, seat)
	seat, err = c.UpsertPlayer(ctx, "abcd", game.Player{ID: "bob", Name: "Bob"})
	require.NoError(t, err)
	assert.Equal(t, 2, seat)

	_, err = c.UpsertPlayer(ctx, "nope", game.Player{ID: "bob", Name: "Bob"})
	assert.ErrorIs(t, err, storage.ErrRoomNotFound)
}

func TestClientGenerateScript(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	req := ai.ScriptRequest{
		Descriptions: []game.Description{
			{WriterID: "a", SubjectID: "b", Text: "always late"},
			{WriterID: "b", SubjectID: "a", Text: "collects spoons"},
		},
		Players:  []ai.PlayerRef{{ID: "a", Name: "Alice"}, {ID: "b", Name: "Bob"}},
		Settings: game.DefaultSettings(),
	}
	script, err := c.GenerateScript(ctx, req)
	require.NoError(t, err)
	assert.Contains(t, script, "[THE END]")

	_, err = c.GenerateScript(ctx, ai.ScriptRequest{Settings: game.DefaultSettings()})
	assert.ErrorIs(t, err, ErrStatus)
}
