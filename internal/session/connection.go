package session

import (
	"context"

	"github.com/MainTabletop/BZN-plot-twist/internal/game"
	"github.com/MainTabletop/BZN-plot-twist/internal/protocol"
)

// bootstrap loads the durable room record. Without a store the room starts
// from scratch.
func (c *Coordinator) bootstrap() {
	store := c.opts.Store
	if store == nil {
		c.state.RoomLoaded = true
		return
	}
	code, parent, timeout := c.state.RoomCode, c.ctx, c.opts.StoreTimeout
	reconnect := c.state.RoomLoaded
	c.spawn(func() message {
		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()
		room, err := store.EnsureRoom(ctx, code)
		return roomLoadedMsg{room: room, err: err, reconnect: reconnect}
	})
}

func (c *Coordinator) onRoomLoaded(m roomLoadedMsg) {
	s := c.state
	s.RoomLoaded = true
	if m.err != nil {
		c.log.Error().Err(m.err).Msg("load room record")
		c.establishOriginalHost()
		c.resolveHost()
		return
	}
	room := m.room
	if room.OriginalHostID != "" {
		c.adoptOriginal(room.OriginalHostID)
	}
	if s.CurrentHostID == "" && room.CurrentHostID != "" {
		s.CurrentHostID = room.CurrentHostID
	}
	if s.Phase == game.PhaseLobby && room.Settings.Valid() {
		s.Settings = room.Settings
	}
	// The record only moves us forward; live broadcasts stay authoritative.
	if room.Phase.Valid() && room.Round >= s.Round {
		c.applyPhase(protocol.PhaseChange{Phase: room.Phase, Round: room.Round})
	}
	c.establishOriginalHost()
	c.resolveHost()
	if m.reconnect {
		c.recoverMissing()
	}
}

func (c *Coordinator) claimSeat() {
	store := c.opts.Store
	if store == nil {
		return
	}
	s := c.state
	code, parent, timeout := s.RoomCode, c.ctx, c.opts.StoreTimeout
	p := game.Player{ID: s.SelfID, Name: s.SelfName, JoinedAt: s.JoinedAt}
	c.spawn(func() message {
		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()
		seat, err := store.UpsertPlayer(ctx, code, p)
		return seatMsg{seat: seat, err: err}
	})
}

func (c *Coordinator) onSeat(m seatMsg) {
	if m.err != nil {
		c.log.Warn().Err(m.err).Msg("claim seat")
		return
	}
	s := c.state
	if m.seat <= 0 || m.seat == s.Seat {
		return
	}
	s.Seat = m.seat
	for i := range s.Players {
		if s.Players[i].ID == s.SelfID {
			s.Players[i].SeatNumber = m.seat
		}
	}
	game.SortPlayers(s.Players)
	c.track()
}

// persist writes the room record when this client is host.
func (c *Coordinator) persist() {
	store := c.opts.Store
	if store == nil || !c.state.isHost() {
		return
	}
	room := c.state.room(c.now())
	parent, timeout := c.ctx, c.opts.StoreTimeout
	c.spawn(func() message {
		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()
		return savedMsg{room: room, err: store.SaveRoom(ctx, room)}
	})
}

func (c *Coordinator) onConnection(state ConnState) {
	s := c.state
	prev := s.Conn
	s.Conn = state
	if prev == state {
		return
	}
	c.log.Info().Str("from", string(prev)).Str("to", string(state)).Msg("connection state")
	if state != ConnConnected || prev == ConnConnecting {
		return
	}
	// Reconnected: republish presence, refetch what we missed, and let an
	// original host take its role back once presence has settled.
	c.track()
	c.bootstrap()
	c.recoverMissing()
	if s.OriginalHostID == s.SelfID {
		if c.reassert != nil {
			c.reassert.Stop()
		}
		c.reassert = c.after(c.opts.ReassertDelay, timerMsg{kind: timerReassert})
	}
}

func (c *Coordinator) onTimer(m timerMsg) {
	s := c.state
	switch m.kind {
	case timerHeartbeat:
		c.track()
		c.heartbeat = c.after(c.opts.HeartbeatInterval, timerMsg{kind: timerHeartbeat})
	case timerRecovery:
		c.onRecoveryTimer(m)
	case timerReassert:
		if s.OriginalHostID != s.SelfID || s.Conn != ConnConnected {
			return
		}
		c.log.Info().Msg("reasserting original host")
		c.takeHost(s.SelfID)
		c.assertHost(true)
		if s.Phase != game.PhaseLobby {
			c.broadcast(protocol.EventGamePhaseChange, c.currentPhaseChange())
		}
		c.persist()
	case timerLeaseExpired:
		if !s.Lease.Active(c.now()) {
			c.resolveHost()
		}
	}
}

func (c *Coordinator) onEnvelope(env protocol.Envelope) {
	if env.SenderID == c.state.SelfID || !c.seen.add(env.ID) {
		return
	}
	switch env.Event {
	case protocol.EventHostUpdate:
		c.onHostUpdate(env)
	case protocol.EventHostCorrection:
		c.onHostCorrection(env)
	case protocol.EventOriginalHostSet:
		c.onOriginalHostSet(env)
	case protocol.EventGamePhaseChange:
		c.onPhaseChange(env)
	case protocol.EventPlayerStatusChange:
		c.onStatusChange(env)
	case protocol.EventSubmitDescription:
		c.onSubmitDescription(env)
	case protocol.EventPlayerVote, protocol.EventSubmitGuesses:
		c.onVote(env)
	case protocol.EventPlayerVoteSubmitted, protocol.EventPlayerGuessSubmitted:
		c.onSubmissionNotice(env)
	case protocol.EventRequestAssignmentRecovery:
		c.onAssignmentRecoveryRequest(env)
	case protocol.EventAssignmentRecovery:
		c.onAssignmentRecovery(env)
	case protocol.EventRequestScript:
		c.onScriptRequest(env)
	case protocol.EventScriptResponse:
		c.onScriptResponse(env)
	case protocol.EventForceStatusSync:
		c.onForceStatusSync(env)
	case protocol.EventForceRemovePlayer, protocol.EventRemovePlayer:
		c.onRemovePlayer(env)
	case protocol.EventReassignSeatNumbers:
		c.onReassignSeats(env)
	case protocol.EventPlayAgain:
		c.onPlayAgain(env, false)
	case protocol.EventPlayAgainReload:
		c.onPlayAgain(env, true)
	case protocol.EventScriptGenerationStart:
		c.onScriptGeneration(env, true)
	case protocol.EventScriptGenerationEnd:
		c.onScriptGeneration(env, false)
	default:
		c.log.Debug().Str("event", string(env.Event)).Msg("ignore unknown event")
	}
}
