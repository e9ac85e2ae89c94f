package session

import (
	"github.com/MainTabletop/BZN-plot-twist/internal/game"
	"github.com/MainTabletop/BZN-plot-twist/internal/host"
	"github.com/MainTabletop/BZN-plot-twist/internal/presence"
	"github.com/MainTabletop/BZN-plot-twist/internal/protocol"
)

func (c *Coordinator) justEntered() bool {
	return c.now().Sub(c.state.PhaseEnteredAt) < c.opts.PhaseEntryWindow
}

func (c *Coordinator) onPresence(snapshot []protocol.PresenceEntry) {
	s := c.state
	prev := s.Players
	s.Players = presence.Reconcile(prev, snapshot, presence.Context{
		Phase:       s.Phase,
		JustEntered: c.justEntered(),
		Submitted:   s.submitted(s.Phase),
		Removed:     s.Removed,
	})
	// Our own status is whatever we last decided, not what the relay echoes.
	for i := range s.Players {
		if s.Players[i].ID == s.SelfID {
			s.Players[i].Status = s.SelfStatus
		}
	}
	s.PresenceSynced = true

	joined := presence.Joined(prev, s.Players)
	left := presence.Left(prev, s.Players)
	if len(joined) > 0 || len(left) > 0 {
		c.log.Debug().Strs("joined", joined).Strs("left", left).Int("players", len(s.Players)).Msg("presence changed")
	}

	wasHost := s.isHost()
	c.establishOriginalHost()
	c.resolveHost()

	// A host that just handed over to a returning original host still
	// catches the joiner up; the joiner does not know it is original yet.
	if (wasHost || s.isHost()) && len(joined) > 0 {
		if s.Phase != game.PhaseLobby {
			c.broadcast(protocol.EventGamePhaseChange, c.currentPhaseChange())
		}
		if s.OriginalHostID != "" {
			c.broadcast(protocol.EventOriginalHostSet, protocol.OriginalHostSet{OriginalHostID: s.OriginalHostID})
		}
	}
}

// establishOriginalHost claims the original-host role when nobody holds it
// yet and this client arrived first. It waits for the durable record so a
// late joiner adopts the stored original host instead.
func (c *Coordinator) establishOriginalHost() {
	s := c.state
	if s.OriginalHostID != "" || !s.RoomLoaded || !s.PresenceSynced {
		return
	}
	if first, ok := game.FirstJoined(s.Players); !ok || first.ID != s.SelfID {
		return
	}
	s.OriginalHostID = s.SelfID
	c.log.Info().Msg("claimed original host")
	c.broadcast(protocol.EventOriginalHostSet, protocol.OriginalHostSet{OriginalHostID: s.SelfID})
	c.persist()
}

// resolveHost re-evaluates the host unless a lease is active. Becoming host
// is announced with a host_update.
func (c *Coordinator) resolveHost() {
	s := c.state
	now := c.now()
	if s.Lease.Active(now) && s.HostID != "" {
		return
	}
	prev := s.HostID
	next := host.Resolve(s.Players, s.OriginalHostID, s.CurrentHostID)
	if next == "" {
		return
	}
	s.HostID = next
	s.CurrentHostID = next
	if next == prev {
		return
	}
	c.log.Info().Str("from", prev).Str("to", next).Msg("host changed")
	if next == s.SelfID {
		c.assertHost(false)
		c.persist()
	}
}

func (c *Coordinator) assertHost(forced bool) {
	s := c.state
	c.broadcast(protocol.EventHostUpdate, protocol.HostUpdate{
		HostID:         s.SelfID,
		OriginalHostID: s.OriginalHostID,
		ForcedUpdate:   forced,
		Timestamp:      c.now().UTC(),
	})
}

func (c *Coordinator) setLease(owner string) {
	s := c.state
	s.Lease = s.Lease.Extend(host.NewLease(owner, c.now(), c.opts.LeaseWindow))
	if c.leaseTimer != nil {
		c.leaseTimer.Stop()
	}
	c.leaseTimer = c.after(s.Lease.ExpiresAt.Sub(c.now()), timerMsg{kind: timerLeaseExpired})
}

func (c *Coordinator) adoptOriginal(claimed string) {
	s := c.state
	next := host.PreferOriginal(s.Players, s.OriginalHostID, claimed)
	if next == s.OriginalHostID {
		return
	}
	c.log.Info().Str("from", s.OriginalHostID).Str("to", next).Msg("original host set")
	s.OriginalHostID = next
}

func (c *Coordinator) onHostUpdate(env protocol.Envelope) {
	var p protocol.HostUpdate
	if err := env.Decode(&p); err != nil {
		c.log.Warn().Err(err).Msg("drop host update")
		return
	}
	s := c.state
	if !s.acceptSeq(env.SenderID, "host", env.Seq) {
		return
	}
	if p.OriginalHostID != "" {
		c.adoptOriginal(p.OriginalHostID)
	}
	sentAt := p.Timestamp
	if sentAt.IsZero() {
		sentAt = env.SentAt
	}
	v := host.Check(s.Players, s.OriginalHostID, s.HostID, host.Assertion{
		HostID: p.HostID,
		SentAt: sentAt,
		Forced: p.ForcedUpdate,
	}, c.now(), c.opts.HostAssertionMaxAge)

	switch v {
	case host.Accept:
	case host.RejectOriginalPresent:
		if s.OriginalHostID == s.SelfID {
			c.log.Warn().Str("claimed", p.HostID).Msg("correcting host claim")
			c.broadcast(protocol.EventHostCorrection, protocol.HostCorrection{
				HostID:          s.SelfID,
				IncorrectHostID: p.HostID,
			})
		}
		return
	case host.RejectIncumbent:
		if s.isHost() {
			c.assertHost(false)
		}
		return
	default:
		c.log.Debug().Str("claimed", p.HostID).Stringer("verdict", v).Msg("reject host update")
		return
	}

	if s.Lease.Active(c.now()) && s.Lease.OwnerID != p.HostID && !p.ForcedUpdate && p.HostID != s.OriginalHostID {
		return
	}
	c.takeHost(p.HostID)
}

// takeHost records hostID as the current host after an accepted assertion.
func (c *Coordinator) takeHost(hostID string) {
	s := c.state
	prev := s.HostID
	s.CurrentHostID = hostID
	s.HostID = hostID
	if prev != hostID {
		c.log.Info().Str("from", prev).Str("to", hostID).Msg("host changed")
		if prev == s.SelfID {
			c.log.Info().Msg("yielded host")
		}
	}
}

func (c *Coordinator) onHostCorrection(env protocol.Envelope) {
	var p protocol.HostCorrection
	if err := env.Decode(&p); err != nil {
		c.log.Warn().Err(err).Msg("drop host correction")
		return
	}
	s := c.state
	if p.HostID != env.SenderID {
		return
	}
	c.adoptOriginal(p.HostID)
	if p.HostID != s.OriginalHostID || !s.present(p.HostID) {
		return
	}
	if p.IncorrectHostID == s.SelfID {
		c.log.Warn().Str("host", p.HostID).Msg("demoted by original host")
	}
	c.takeHost(p.HostID)
}

func (c *Coordinator) onOriginalHostSet(env protocol.Envelope) {
	var p protocol.OriginalHostSet
	if err := env.Decode(&p); err != nil || p.OriginalHostID == "" {
		return
	}
	c.adoptOriginal(p.OriginalHostID)
	c.resolveHost()
}

// fromHost reports whether sender may drive phase-level state, adopting it
// as host when its claim passes the same checks as a host_update.
func (c *Coordinator) fromHost(sender string) bool {
	s := c.state
	if sender == "" {
		return false
	}
	if sender == s.OriginalHostID || sender == s.HostID {
		if sender != s.HostID && s.present(sender) {
			c.takeHost(sender)
		}
		return true
	}
	if s.Lease.Active(c.now()) && s.Lease.OwnerID != sender {
		return false
	}
	v := host.Check(s.Players, s.OriginalHostID, s.HostID, host.Assertion{HostID: sender}, c.now(), 0)
	if v != host.Accept {
		c.log.Debug().Str("sender", sender).Stringer("verdict", v).Msg("ignore non-host sender")
		return false
	}
	c.takeHost(sender)
	return true
}
