package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MainTabletop/BZN-plot-twist/internal/game"
	"github.com/MainTabletop/BZN-plot-twist/internal/protocol"
)

// missReading starts a three player round and lets c miss the move to
// reading, then reconnects c so the stored record moves it forward without
// a script.
func missReading(t *testing.T, h *harness) (a, c *client) {
	t.Helper()
	h.store = newMemStore()
	a, b := h.join("a"), h.join("b")
	c = h.join("c")
	ctx := ctxT(t)

	require.NoError(t, a.coord.StartGame(ctx))
	h.settle()
	for _, cl := range []*client{a, b, c} {
		require.NoError(t, cl.coord.SubmitDescription(ctx, "notes from "+cl.id))
	}
	h.settle()

	h.bus.setDrop(func(to string, env protocol.Envelope) bool {
		return to == "c" && env.Event == protocol.EventGamePhaseChange
	})
	require.NoError(t, a.coord.GenerateScript(ctx))
	h.settle()
	h.bus.setDrop(nil)
	require.Equal(t, game.PhaseDescription, c.view(t).Phase)
	return a, c
}

func TestReconnectRecoversScript(t *testing.T) {
	h := newHarness(t)
	a, c := missReading(t, h)

	c.coord.ConnectionChanged(ConnDisconnected)
	c.coord.ConnectionChanged(ConnConnected)
	h.settle()

	v := c.view(t)
	assert.Equal(t, game.PhaseReading, v.Phase)
	assert.Equal(t, a.view(t).Script, v.Script)
	assert.Empty(t, v.Loading)
	assert.Empty(t, v.Failed)
	assert.Equal(t, 1, h.bus.count(protocol.EventRequestScript))
	assert.Equal(t, 1, h.bus.count(protocol.EventScriptResponse))
}

func TestRecoveryGivesUpAndRetries(t *testing.T) {
	h := newHarness(t)
	a, c := missReading(t, h)

	h.bus.setDrop(func(to string, env protocol.Envelope) bool {
		return env.Event == protocol.EventRequestScript
	})
	c.coord.ConnectionChanged(ConnDisconnected)
	c.coord.ConnectionChanged(ConnConnected)
	h.settle()
	assert.Equal(t, []RecoveryKind{RecoverScript}, c.view(t).Loading)

	for i := 0; i < 8; i++ {
		h.advance(10 * time.Second)
	}
	v := c.view(t)
	assert.Empty(t, v.Script)
	assert.Equal(t, []RecoveryKind{RecoverScript}, v.Failed)
	assert.Equal(t, 5, h.bus.count(protocol.EventRequestScript))

	h.bus.setDrop(nil)
	require.NoError(t, c.coord.RetryRecovery(ctxT(t)))
	h.settle()
	v = c.view(t)
	assert.Equal(t, a.view(t).Script, v.Script)
	assert.Empty(t, v.Failed)
}

func TestAssignmentRecovery(t *testing.T) {
	h := newHarness(t)
	a, b := h.join("a"), h.join("b")

	h.bus.setDrop(func(to string, env protocol.Envelope) bool {
		return to == "b" && env.Event == protocol.EventGamePhaseChange
	})
	require.NoError(t, a.coord.StartGame(ctxT(t)))
	h.settle()
	h.bus.setDrop(nil)

	// b learns about the round from a later rebroadcast without assignments.
	payload, err := json.Marshal(protocol.PhaseChange{Phase: game.PhaseDescription, Round: 1})
	require.NoError(t, err)
	b.coord.Deliver(protocol.Envelope{ID: "late", Event: protocol.EventGamePhaseChange, SenderID: "a", Payload: payload})
	h.settle()

	v := b.view(t)
	assert.Equal(t, game.PhaseDescription, v.Phase)
	assert.Equal(t, a.view(t).Assignments["b"], v.Assignment)
	assert.Empty(t, v.Loading)
	assert.Equal(t, 1, h.bus.count(protocol.EventAssignmentRecovery))
}

type recordingTransport struct {
	sent []protocol.Envelope
}

func (r *recordingTransport) Broadcast(env protocol.Envelope) error {
	r.sent = append(r.sent, env)
	return nil
}

func (r *recordingTransport) Track(protocol.Presence) error { return nil }

func (r *recordingTransport) Untrack() error { return nil }

func phaseEnv(t *testing.T, id, sender string, seq uint64, p protocol.PhaseChange) envelopeMsg {
	t.Helper()
	b, err := json.Marshal(p)
	require.NoError(t, err)
	return envelopeMsg{env: protocol.Envelope{ID: id, Event: protocol.EventGamePhaseChange, SenderID: sender, Seq: seq, Payload: b}}
}

func TestPhaseChangeFiltering(t *testing.T) {
	clock := newFakeClock()
	t0 := clock.Now()
	clock.Advance(10 * time.Second)
	nop := zerolog.Nop()
	c := New(&recordingTransport{}, Options{RoomCode: testRoom, SelfID: "s", Clock: clock, Logger: &nop})

	c.handle(presenceMsg{snapshot: []protocol.PresenceEntry{
		{Key: "h", Meta: protocol.Presence{ID: "h", Name: "Host", JoinedAt: t0}},
		{Key: "s", Meta: protocol.Presence{ID: "s", Name: "Self", JoinedAt: clock.Now()}},
		{Key: "x", Meta: protocol.Presence{ID: "x", Name: "Other", JoinedAt: clock.Now().Add(time.Second)}},
	}})
	require.Equal(t, "h", c.state.HostID)

	cycle := game.CycleAssignments([]string{"h", "s", "x"})
	description := protocol.PhaseChange{Phase: game.PhaseDescription, Round: 1, Assignments: cycle}

	c.handle(phaseEnv(t, "p0", "x", 1, description))
	assert.Equal(t, game.PhaseLobby, c.state.Phase, "non-host sender is ignored")

	c.handle(phaseEnv(t, "p1", "h", 1, description))
	assert.Equal(t, game.PhaseDescription, c.state.Phase)
	assert.Equal(t, "x", c.state.Assignments["s"])

	reading := protocol.PhaseChange{Phase: game.PhaseReading, Round: 1, Script: "S"}
	c.handle(phaseEnv(t, "p1", "h", 2, reading))
	assert.Equal(t, game.PhaseDescription, c.state.Phase, "duplicate id is dropped")

	c.handle(phaseEnv(t, "p2", "h", 1, reading))
	assert.Equal(t, game.PhaseDescription, c.state.Phase, "old sequence is dropped")

	c.handle(phaseEnv(t, "p3", "h", 2, protocol.PhaseChange{Phase: game.PhaseLobby, Round: 0}))
	assert.Equal(t, game.PhaseDescription, c.state.Phase, "older round is dropped")

	c.handle(phaseEnv(t, "p4", "h", 3, reading))
	assert.Equal(t, game.PhaseReading, c.state.Phase)
	assert.Equal(t, "S", c.state.Script)
}

func TestRecentIDs(t *testing.T) {
	r := newRecentIDs(2)
	assert.True(t, r.add("a"))
	assert.False(t, r.add("a"))
	assert.True(t, r.add("b"))
	assert.True(t, r.add("c"))
	assert.True(t, r.add("a"), "oldest id is forgotten")
	assert.True(t, r.add(""))
	assert.True(t, r.add(""))
}

func TestAcceptSeq(t *testing.T) {
	s := newState(testRoom, "s", "Self", time.Now())
	assert.True(t, s.acceptSeq("h", "phase", 2))
	assert.False(t, s.acceptSeq("h", "phase", 2))
	assert.False(t, s.acceptSeq("h", "phase", 1))
	assert.True(t, s.acceptSeq("h", "host", 1), "classes are independent")
	assert.True(t, s.acceptSeq("x", "phase", 1))
	assert.True(t, s.acceptSeq("h", "phase", 0))
}

func TestOriginalHostRejoinsMidRound(t *testing.T) {
	for _, withStore := range []bool{false, true} {
		name := "without store"
		if withStore {
			name = "with store"
		}
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			if withStore {
				h.store = newMemStore()
			}
			a, b, c := h.join("a"), h.join("b"), h.join("c")
			ctx := ctxT(t)

			require.NoError(t, a.coord.StartGame(ctx))
			h.settle()
			assignments := b.view(t).Assignments
			require.Len(t, assignments, 3)

			require.ErrorIs(t, h.leave(a), context.Canceled)
			h.advance(6 * time.Second)
			require.True(t, b.view(t).IsHost)

			// Same id, fresh session. The relay keeps its first joinedAt.
			back := h.join("a")
			h.advance(2 * time.Second)
			v := back.view(t)
			assert.True(t, v.IsHost)
			assert.Equal(t, "a", v.OriginalHostID)
			assert.Equal(t, game.PhaseDescription, v.Phase)
			assert.Equal(t, assignments, v.Assignments)
			assert.Empty(t, v.Loading)
			for _, cl := range []*client{b, c} {
				assert.Equal(t, "a", cl.view(t).HostID, cl.id)
			}

			all := []*client{back, b, c}
			for _, cl := range all {
				require.NoError(t, cl.coord.SubmitDescription(ctx, "never misses a sunrise, says "+cl.id))
			}
			h.settle()
			require.NoError(t, back.coord.GenerateScript(ctx))
			h.settle()
			script := back.view(t).Script
			require.NotEmpty(t, script)
			for _, cl := range all {
				v := cl.view(t)
				assert.Equal(t, game.PhaseReading, v.Phase, cl.id)
				assert.Equal(t, script, v.Script, cl.id)
			}
		})
	}
}

func TestRejoinedHostKeepsEarlierDescriptions(t *testing.T) {
	h := newHarness(t)
	a, b := h.join("a"), h.join("b")
	h.join("c")
	ctx := ctxT(t)

	require.NoError(t, a.coord.StartGame(ctx))
	h.settle()
	require.NoError(t, b.coord.SubmitDescription(ctx, "owns eleven umbrellas"))
	h.settle()

	require.ErrorIs(t, h.leave(a), context.Canceled)
	h.advance(6 * time.Second)
	back := h.join("a")

	v := back.view(t)
	require.Len(t, v.Descriptions, 1)
	assert.Equal(t, "owns eleven umbrellas", v.Descriptions[0].Text)
	assert.Equal(t, []string{"b"}, v.Submitted)
	assert.Equal(t, game.StatusReady, statusOf(t, v, "b"))
}

func TestHostRecoversFromPeers(t *testing.T) {
	h := newHarness(t)
	a, b := h.join("a"), h.join("b")
	ctx := ctxT(t)

	require.NoError(t, a.coord.StartGame(ctx))
	h.settle()
	want := b.view(t).Assignments

	a.inspect(t, func(s *State) { s.Assignments = nil })
	require.NoError(t, a.coord.RetryRecovery(ctx))
	h.settle()
	v := a.view(t)
	assert.Equal(t, want, v.Assignments)
	assert.Empty(t, v.Loading)
	assert.Equal(t, 1, h.bus.count(protocol.EventAssignmentRecovery))

	require.NoError(t, a.coord.SubmitDescription(ctx, "laughs at thunder"))
	require.NoError(t, b.coord.SubmitDescription(ctx, "sleeps standing up"))
	h.settle()
	require.NoError(t, a.coord.GenerateScript(ctx))
	h.settle()
	script := b.view(t).Script
	require.NotEmpty(t, script)

	a.inspect(t, func(s *State) { s.Script = "" })
	require.NoError(t, a.coord.RetryRecovery(ctx))
	h.settle()
	assert.Equal(t, script, a.view(t).Script)
	assert.Equal(t, 1, h.bus.count(protocol.EventScriptResponse))
}
