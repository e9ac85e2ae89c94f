package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MainTabletop/BZN-plot-twist/internal/game"
	"github.com/MainTabletop/BZN-plot-twist/internal/protocol"
)

func TestForceStatusSync(t *testing.T) {
	h := newHarness(t)
	a, b, c := h.join("a"), h.join("b"), h.join("c")
	ctx := ctxT(t)

	require.NoError(t, a.coord.StartGame(ctx))
	h.settle()
	assert.ErrorIs(t, b.coord.ForceStatusSync(ctx, game.PhaseDescription, game.StatusReady), game.ErrNotHost)
	assert.ErrorIs(t, a.coord.ForceStatusSync(ctx, game.PhaseReading, game.StatusReady), game.ErrInvalidPhase)
	assert.ErrorIs(t, a.coord.ForceStatusSync(ctx, game.PhaseDescription, "asleep"), game.ErrInvalidPhase)

	require.NoError(t, b.coord.SubmitDescription(ctx, "hums while thinking"))
	h.settle()

	require.NoError(t, a.coord.ForceStatusSync(ctx, game.PhaseDescription, game.StatusReady))
	h.settle()
	assert.Equal(t, game.StatusReady, statusOf(t, c.view(t), "c"))

	require.NoError(t, a.coord.ForceStatusSync(ctx, game.PhaseDescription, game.StatusWriting))
	h.settle()
	assert.Equal(t, game.StatusWriting, statusOf(t, c.view(t), "c"))
	assert.Equal(t, game.StatusReady, statusOf(t, b.view(t), "b"), "a recorded submission stays ready")
	assert.Equal(t, 2, h.bus.count(protocol.EventForceStatusSync))
}

func TestHostCorrectionDemotesClaimant(t *testing.T) {
	h := newHarness(t)
	a, b, c := h.join("a"), h.join("b"), h.join("c")

	// b believes it is host and says so while the original host is present.
	b.inspect(t, func(*State) {
		b.coord.takeHost("b")
		b.coord.assertHost(false)
	})
	h.settle()

	assert.Equal(t, 1, h.bus.count(protocol.EventHostCorrection))
	for _, cl := range []*client{a, b, c} {
		assert.Equal(t, "a", cl.view(t).HostID, cl.id)
	}
	assert.False(t, b.view(t).IsHost)
	assert.True(t, a.view(t).IsHost)
}

func TestPlayAgainReload(t *testing.T) {
	store := newMemStore()
	h := newHarness(t)
	h.store = store
	a, b := h.join("a"), h.join("b")
	playToResults(t, h, a, []*client{a, b})

	loads := store.loadCount()
	b.coord.Deliver(envelope(t, "reload-1", protocol.EventPlayAgainReload, "a",
		protocol.PlayAgain{HostID: "a", OriginalHostID: "a", Round: 2}))
	h.settle()

	v := b.view(t)
	assert.Equal(t, 2, v.Round)
	assert.Equal(t, game.PhaseLobby, v.Phase)
	assert.Nil(t, v.Board)
	assert.Empty(t, v.Assignments)
	assert.Equal(t, loads+1, store.loadCount(), "reload fetches the room record again")

	b.coord.Deliver(envelope(t, "reload-2", protocol.EventPlayAgainReload, "a",
		protocol.PlayAgain{HostID: "a", Round: 2}))
	h.settle()
	assert.Equal(t, loads+1, store.loadCount(), "same round is not reloaded twice")
}

func TestConcurrentPlayAgain(t *testing.T) {
	store := newMemStore()
	h := newHarness(t)
	h.store = store
	a, b, c := h.join("a"), h.join("b"), h.join("c")
	playToResults(t, h, a, []*client{a, b, c})

	require.NoError(t, a.coord.PlayAgain(ctxT(t)))
	h.settle()
	loads := store.loadCount()

	// A second initiation of round 2 is dropped.
	c.coord.Deliver(envelope(t, "again-2", protocol.EventPlayAgainReload, "a",
		protocol.PlayAgain{HostID: "a", Round: 2}))
	h.settle()
	assert.Equal(t, loads, store.loadCount())
	c.inspect(t, func(s *State) {
		assert.Equal(t, 2, s.Round)
		assert.Equal(t, "a", s.Lease.OwnerID)
	})

	// While a's lease runs, another player's claim is rejected even with a
	// gone.
	require.ErrorIs(t, h.leave(a), context.Canceled)
	b.coord.Deliver(envelope(t, "claim-3", protocol.EventPlayAgain, "c",
		protocol.PlayAgain{HostID: "c", Round: 3}))
	h.settle()
	v := b.view(t)
	assert.Equal(t, 2, v.Round)
	assert.Equal(t, "a", v.HostID)
	assert.True(t, v.LeaseActive)

	h.advance(6 * time.Second)
	for _, cl := range []*client{b, c} {
		v := cl.view(t)
		assert.Equal(t, "b", v.HostID, cl.id)
		assert.Equal(t, 2, v.Round, cl.id)
	}
}

func TestReassignSeats(t *testing.T) {
	h := newHarness(t)
	a, b := h.join("a"), h.join("b")
	ctx := ctxT(t)

	assert.ErrorIs(t, b.coord.ReassignSeats(ctx, map[string]int{"b": 1}), game.ErrNotHost)
	require.NoError(t, a.coord.ReassignSeats(ctx, map[string]int{"a": 2, "b": 1}))
	h.settle()

	for _, cl := range []*client{a, b} {
		v := cl.view(t)
		assert.Equal(t, []string{"b", "a"}, game.PlayerIDs(v.Players), cl.id)
		assert.Equal(t, 1, v.Players[0].SeatNumber, cl.id)
		assert.Equal(t, 2, v.Players[1].SeatNumber, cl.id)
		assert.Equal(t, "a", v.HostID, cl.id)
	}
	assert.Equal(t, 1, h.bus.count(protocol.EventReassignSeatNumbers))
}

func TestOriginalHostFollowsArrivalNotSeat(t *testing.T) {
	clock := newFakeClock()
	t0 := clock.Now()
	clock.Advance(time.Second)
	nop := zerolog.Nop()
	tr := &recordingTransport{}
	c := New(tr, Options{RoomCode: testRoom, SelfID: "b", Clock: clock, Logger: &nop})

	// b got its seat first although a arrived earlier.
	c.handle(roomLoadedMsg{room: game.Room{Code: testRoom, Phase: game.PhaseLobby, Round: 1, Settings: game.DefaultSettings()}})
	c.handle(seatMsg{seat: 1})
	c.handle(presenceMsg{snapshot: []protocol.PresenceEntry{
		{Key: "a", Meta: protocol.Presence{ID: "a", Name: "Amy", JoinedAt: t0}},
		{Key: "b", Meta: protocol.Presence{ID: "b", Name: "Ben", JoinedAt: clock.Now(), SeatNumber: 1}},
	}})
	assert.Empty(t, c.state.OriginalHostID)
	for _, env := range tr.sent {
		assert.NotEqual(t, protocol.EventOriginalHostSet, env.Event)
	}

	c.handle(envelopeMsg{env: envelope(t, "orig", protocol.EventOriginalHostSet, "a",
		protocol.OriginalHostSet{OriginalHostID: "a"})})
	assert.Equal(t, "a", c.state.OriginalHostID)
	assert.Equal(t, "a", c.state.HostID)
}

func TestStopClearsReassertTimer(t *testing.T) {
	h := newHarness(t)
	a := h.join("a")

	a.coord.ConnectionChanged(ConnDisconnected)
	a.coord.ConnectionChanged(ConnConnected)
	h.settle()
	require.NotZero(t, h.clock.pending())

	require.ErrorIs(t, h.leave(a), context.Canceled)
	assert.Zero(t, h.clock.pending())
}
