package session

import (
	"context"
	"fmt"

	"github.com/MainTabletop/BZN-plot-twist/internal/game"
	"github.com/MainTabletop/BZN-plot-twist/internal/protocol"
)

// SubmitDescription records this client's description of its assigned
// subject and announces it. Resubmitting replaces the text.
func (c *Coordinator) SubmitDescription(ctx context.Context, text string) error {
	return c.do(ctx, func() error {
		s := c.state
		if s.Phase != game.PhaseDescription {
			return fmt.Errorf("%w: in %s", game.ErrInvalidPhase, s.Phase)
		}
		subject := s.Assignments[s.SelfID]
		if subject == "" {
			return game.ErrNoAssignment
		}
		text = game.CleanDescription(text)
		if text == "" {
			return game.ErrEmptyDescription
		}
		d := game.Description{WriterID: s.SelfID, SubjectID: subject, Text: text}
		c.recordDescription(d)
		c.broadcast(protocol.EventSubmitDescription, protocol.SubmitDescription{
			PlayerID:    s.SelfID,
			Round:       s.Round,
			Description: d,
		})
		c.announceStatus(game.StatusReady)
		return nil
	})
}

// recordDescription is idempotent: the latest text from a writer wins and
// the writer counts as submitted once.
func (c *Coordinator) recordDescription(d game.Description) bool {
	s := c.state
	if s.Phase != game.PhaseDescription || d.WriterID == "" {
		return false
	}
	if want, ok := s.Assignments[d.WriterID]; ok && want != d.SubjectID {
		c.log.Warn().Str("writer", d.WriterID).Str("subject", d.SubjectID).Msg("description for wrong subject")
		return false
	}
	d.Text = game.CleanDescription(d.Text)
	if d.Text == "" {
		return false
	}
	s.Descriptions[d.WriterID] = d
	s.submitted(game.PhaseDescription).Add(d.WriterID)
	s.setStatus(d.WriterID, game.StatusReady)
	return true
}

func (c *Coordinator) onSubmitDescription(env protocol.Envelope) {
	var p protocol.SubmitDescription
	if err := env.Decode(&p); err != nil {
		c.log.Warn().Err(err).Msg("drop description")
		return
	}
	if p.Round != 0 && p.Round != c.state.Round {
		return
	}
	d := p.Description
	if d.WriterID == "" {
		d.WriterID = p.PlayerID
	}
	if d.WriterID != env.SenderID {
		return
	}
	c.recordDescription(d)
}

// SubmitVote records this client's guess and votes. Partial votes merge
// field by field with earlier ones.
func (c *Coordinator) SubmitVote(ctx context.Context, v game.Vote) error {
	return c.do(ctx, func() error {
		s := c.state
		if s.Phase != game.PhaseGuessing {
			return fmt.Errorf("%w: in %s", game.ErrInvalidPhase, s.Phase)
		}
		for _, id := range []string{v.GuessedAuthorID, v.BestConceptSubjectID, v.BestDeliveryPlayerID} {
			if id != "" && !s.present(id) {
				if _, ok := s.Assignments[id]; !ok {
					return fmt.Errorf("%w: %s", game.ErrUnknownPlayer, id)
				}
			}
		}
		v.VoterID = s.SelfID
		c.recordVote(v)
		c.broadcast(protocol.EventPlayerVote, protocol.PlayerVote{PlayerID: s.SelfID, Round: s.Round, Vote: v})
		c.broadcast(protocol.EventPlayerVoteSubmitted, protocol.SubmissionNotice{PlayerID: s.SelfID})
		c.announceStatus(game.StatusReady)
		return nil
	})
}

func (c *Coordinator) recordVote(v game.Vote) bool {
	s := c.state
	if s.Phase != game.PhaseGuessing || v.VoterID == "" {
		return false
	}
	cur := s.Votes[v.VoterID]
	cur.VoterID = v.VoterID
	if v.GuessedAuthorID != "" {
		cur.GuessedAuthorID = v.GuessedAuthorID
	}
	if v.BestConceptSubjectID != "" {
		cur.BestConceptSubjectID = v.BestConceptSubjectID
	}
	if v.BestDeliveryPlayerID != "" {
		cur.BestDeliveryPlayerID = v.BestDeliveryPlayerID
	}
	s.Votes[v.VoterID] = cur
	s.submitted(game.PhaseGuessing).Add(v.VoterID)
	s.setStatus(v.VoterID, game.StatusReady)
	return true
}

func (c *Coordinator) onVote(env protocol.Envelope) {
	var p protocol.PlayerVote
	if err := env.Decode(&p); err != nil {
		c.log.Warn().Err(err).Msg("drop vote")
		return
	}
	if p.Round != 0 && p.Round != c.state.Round {
		return
	}
	v := p.Vote
	if v.VoterID == "" {
		v.VoterID = p.PlayerID
	}
	if v.VoterID != env.SenderID {
		return
	}
	c.recordVote(v)
}

// onSubmissionNotice treats a submitted notice as evidence for the status
// guards even when the vote itself was lost.
func (c *Coordinator) onSubmissionNotice(env protocol.Envelope) {
	var p protocol.SubmissionNotice
	if err := env.Decode(&p); err != nil || p.PlayerID != env.SenderID {
		return
	}
	s := c.state
	if s.Phase != game.PhaseGuessing {
		return
	}
	s.setStatus(p.PlayerID, game.StatusReady)
}

// announceStatus sets this client's status, re-tracks presence and tells
// the others directly.
func (c *Coordinator) announceStatus(st game.Status) {
	s := c.state
	s.setStatus(s.SelfID, st)
	c.track()
	c.broadcast(protocol.EventPlayerStatusChange, protocol.PlayerStatusChange{
		PlayerID: s.SelfID,
		Status:   st,
		Phase:    s.Phase,
	})
}

func (c *Coordinator) onStatusChange(env protocol.Envelope) {
	var p protocol.PlayerStatusChange
	if err := env.Decode(&p); err != nil || p.PlayerID == "" || p.PlayerID != env.SenderID {
		return
	}
	s := c.state
	if p.Phase != "" && p.Phase != s.Phase {
		return
	}
	for i := range s.Players {
		pl := &s.Players[i]
		if pl.ID != p.PlayerID {
			continue
		}
		submitted := s.submitted(s.Phase).Has(pl.ID)
		pl.Status = game.StatusTransition(s.Phase, pl.Status, p.Status, submitted, c.justEntered())
	}
}

// RemovePlayer kicks id from the room. Only the host may do this.
func (c *Coordinator) RemovePlayer(ctx context.Context, id string) error {
	return c.do(ctx, func() error {
		s := c.state
		if !s.isHost() {
			return game.ErrNotHost
		}
		if id == "" || id == s.SelfID {
			return fmt.Errorf("%w: %q", game.ErrUnknownPlayer, id)
		}
		if !s.present(id) {
			return fmt.Errorf("%w: %s", game.ErrUnknownPlayer, id)
		}
		c.broadcast(protocol.EventForceRemovePlayer, protocol.RemovePlayer{PlayerID: id})
		c.removePlayer(id)
		return nil
	})
}

func (c *Coordinator) removePlayer(id string) {
	s := c.state
	s.Removed.Add(id)
	out := s.Players[:0]
	for _, p := range s.Players {
		if p.ID != id {
			out = append(out, p)
		}
	}
	s.Players = out
	c.log.Info().Str("player", id).Msg("player removed")
	c.resolveHost()
}

func (c *Coordinator) onRemovePlayer(env protocol.Envelope) {
	var p protocol.RemovePlayer
	if err := env.Decode(&p); err != nil || p.PlayerID == "" {
		return
	}
	s := c.state
	if env.Event == protocol.EventRemovePlayer {
		// Voluntary leave. The player is not blocked from rejoining.
		if p.PlayerID != env.SenderID {
			return
		}
		out := s.Players[:0]
		for _, pl := range s.Players {
			if pl.ID != p.PlayerID {
				out = append(out, pl)
			}
		}
		s.Players = out
		c.resolveHost()
		return
	}
	if !c.fromHost(env.SenderID) {
		return
	}
	if p.PlayerID == s.SelfID {
		c.log.Warn().Str("host", env.SenderID).Msg("removed by host")
		s.Kicked = true
		return
	}
	c.removePlayer(p.PlayerID)
}

// Leave announces a voluntary departure.
func (c *Coordinator) Leave(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.broadcast(protocol.EventRemovePlayer, protocol.RemovePlayer{PlayerID: c.state.SelfID})
		return c.transport.Untrack()
	})
}

// ForceStatusSync makes every client adopt status for phase and re-announce
// it. Players with a recorded submission stay ready.
func (c *Coordinator) ForceStatusSync(ctx context.Context, phase game.Phase, status game.Status) error {
	return c.do(ctx, func() error {
		if err := c.requireHost(phase); err != nil {
			return err
		}
		if !status.Valid() {
			return fmt.Errorf("%w: status %q", game.ErrInvalidPhase, status)
		}
		c.broadcast(protocol.EventForceStatusSync, protocol.ForceStatusSync{Phase: phase, Status: status})
		c.forceStatus(status)
		return nil
	})
}

func (c *Coordinator) forceStatus(status game.Status) {
	s := c.state
	submitted := s.submitted(s.Phase)
	for i := range s.Players {
		if submitted.Has(s.Players[i].ID) {
			s.Players[i].Status = game.StatusReady
			continue
		}
		s.Players[i].Status = status
	}
	if submitted.Has(s.SelfID) {
		s.SelfStatus = game.StatusReady
	} else {
		s.SelfStatus = status
	}
	c.track()
}

func (c *Coordinator) onForceStatusSync(env protocol.Envelope) {
	var p protocol.ForceStatusSync
	if err := env.Decode(&p); err != nil || !p.Status.Valid() {
		return
	}
	if p.Phase != c.state.Phase || !c.fromHost(env.SenderID) {
		return
	}
	c.forceStatus(p.Status)
}

// ReassignSeats pushes seat numbers the durable store handed out again.
func (c *Coordinator) ReassignSeats(ctx context.Context, seats map[string]int) error {
	return c.do(ctx, func() error {
		if !c.state.isHost() {
			return game.ErrNotHost
		}
		c.broadcast(protocol.EventReassignSeatNumbers, protocol.ReassignSeatNumbers{Seats: seats})
		c.applySeats(seats)
		return nil
	})
}

func (c *Coordinator) applySeats(seats map[string]int) {
	s := c.state
	for i := range s.Players {
		if n, ok := seats[s.Players[i].ID]; ok && n > 0 {
			s.Players[i].SeatNumber = n
		}
	}
	game.SortPlayers(s.Players)
	if n, ok := seats[s.SelfID]; ok && n > 0 && n != s.Seat {
		s.Seat = n
		c.track()
	}
}

func (c *Coordinator) onReassignSeats(env protocol.Envelope) {
	var p protocol.ReassignSeatNumbers
	if err := env.Decode(&p); err != nil || !c.fromHost(env.SenderID) {
		return
	}
	c.applySeats(p.Seats)
}
