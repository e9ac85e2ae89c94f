package session

import (
	"context"

	"github.com/cenkalti/backoff/v5"

	"github.com/MainTabletop/BZN-plot-twist/internal/game"
	"github.com/MainTabletop/BZN-plot-twist/internal/protocol"
)

// needs reports whether kind is required in the current phase and still
// missing locally. A host that rejoined with fresh state needs it too.
func (c *Coordinator) needs(kind RecoveryKind) bool {
	s := c.state
	switch kind {
	case RecoverAssignment:
		// Assignments always travel as a complete set, so a non-empty set
		// without us means we joined after the round started.
		return s.Phase == game.PhaseDescription && len(s.Assignments) == 0
	case RecoverScript:
		return (s.Phase == game.PhaseReading || s.Phase == game.PhaseGuessing) && s.Script == ""
	}
	return false
}

// recoverMissing starts recovery for whatever the current phase lacks.
func (c *Coordinator) recoverMissing() {
	for _, kind := range []RecoveryKind{RecoverAssignment, RecoverScript} {
		if c.needs(kind) {
			c.startRecovery(kind, false)
		}
	}
}

// startRecovery sends the first request and schedules retries with
// exponential backoff. restart clears a previous failure.
func (c *Coordinator) startRecovery(kind RecoveryKind, restart bool) {
	s := c.state
	if r, ok := s.Recovery[kind]; ok && r.round == s.Round && !(restart && r.failed) {
		return
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RecoveryDelay
	b.MaxInterval = 8 * c.opts.RecoveryDelay
	b.RandomizationFactor = 0.2
	b.Reset()
	r := &recovery{round: s.Round, backoff: b}
	s.Recovery[kind] = r
	c.log.Info().Str("kind", string(kind)).Int("round", s.Round).Msg("requesting recovery")
	c.sendRecoveryRequest(kind)
	r.attempts = 1
	c.scheduleRecovery(kind, r)
}

func (c *Coordinator) scheduleRecovery(kind RecoveryKind, r *recovery) {
	d := r.backoff.NextBackOff()
	if d == backoff.Stop || d <= 0 {
		d = c.opts.RecoveryDelay
	}
	r.timer = c.after(d, timerMsg{kind: timerRecovery, recovery: kind, round: r.round})
}

func (c *Coordinator) sendRecoveryRequest(kind RecoveryKind) {
	s := c.state
	switch kind {
	case RecoverAssignment:
		c.broadcast(protocol.EventRequestAssignmentRecovery, protocol.AssignmentRecoveryRequest{
			RequestingPlayerID: s.SelfID,
			Round:              s.Round,
		})
	case RecoverScript:
		c.broadcast(protocol.EventRequestScript, protocol.ScriptRequest{
			RequestingPlayerID: s.SelfID,
			Round:              s.Round,
		})
	}
}

func (c *Coordinator) onRecoveryTimer(m timerMsg) {
	s := c.state
	r, ok := s.Recovery[m.recovery]
	if !ok || r.round != m.round || m.round != s.Round || r.failed {
		return
	}
	if !c.needs(m.recovery) {
		delete(s.Recovery, m.recovery)
		return
	}
	if r.attempts >= c.opts.RecoveryMaxAttempts {
		r.failed = true
		c.log.Warn().Str("kind", string(m.recovery)).Int("attempts", r.attempts).Msg("recovery failed")
		return
	}
	r.attempts++
	c.sendRecoveryRequest(m.recovery)
	c.scheduleRecovery(m.recovery, r)
}

// settleRecovery drops recoveries whose data has arrived.
func (c *Coordinator) settleRecovery() {
	s := c.state
	for kind, r := range s.Recovery {
		if r.round != s.Round || !c.needs(kind) {
			if r.timer != nil {
				r.timer.Stop()
			}
			delete(s.Recovery, kind)
		}
	}
}

// RetryRecovery restarts recoveries that ran out of attempts.
func (c *Coordinator) RetryRecovery(ctx context.Context) error {
	return c.do(ctx, func() error {
		for _, kind := range []RecoveryKind{RecoverAssignment, RecoverScript} {
			if c.needs(kind) {
				c.startRecovery(kind, true)
			}
		}
		return nil
	})
}

func (c *Coordinator) onAssignmentRecoveryRequest(env protocol.Envelope) {
	var p protocol.AssignmentRecoveryRequest
	if err := env.Decode(&p); err != nil {
		return
	}
	s := c.state
	forHost := c.requestFromHost(env.SenderID, p.RequestingPlayerID)
	if (!s.isHost() && !forHost) || p.Round != s.Round || len(s.Assignments) == 0 {
		return
	}
	// A host needs the full set even when it sits the round out.
	subject, ok := s.Assignments[p.RequestingPlayerID]
	if !ok && !forHost {
		c.log.Debug().Str("player", p.RequestingPlayerID).Msg("no assignment to recover")
		return
	}
	c.broadcast(protocol.EventAssignmentRecovery, protocol.AssignmentRecovery{
		TargetPlayerID: p.RequestingPlayerID,
		Round:          s.Round,
		Assignment:     subject,
		AllAssignments: s.Assignments.Clone(),
	})
}

// onAssignmentRecovery only fills entries that are still unset.
func (c *Coordinator) onAssignmentRecovery(env protocol.Envelope) {
	var p protocol.AssignmentRecovery
	if err := env.Decode(&p); err != nil {
		return
	}
	s := c.state
	if p.Round != s.Round || !c.answersUs(env.SenderID, p.TargetPlayerID) {
		return
	}
	if s.Assignments == nil {
		s.Assignments = make(game.Assignments)
	}
	if p.TargetPlayerID == s.SelfID && p.Assignment != "" && s.Assignments[s.SelfID] == "" {
		s.Assignments[s.SelfID] = p.Assignment
		c.log.Info().Str("subject", p.Assignment).Msg("assignment recovered")
	}
	for w, sub := range p.AllAssignments {
		if _, ok := s.Assignments[w]; !ok {
			s.Assignments[w] = sub
		}
	}
	c.settleRecovery()
}

func (c *Coordinator) onScriptRequest(env protocol.Envelope) {
	var p protocol.ScriptRequest
	if err := env.Decode(&p); err != nil {
		return
	}
	s := c.state
	forHost := c.requestFromHost(env.SenderID, p.RequestingPlayerID)
	if (!s.isHost() && !forHost) || p.Round != s.Round || s.Script == "" {
		return
	}
	c.broadcast(protocol.EventScriptResponse, protocol.ScriptResponse{
		Script:      s.Script,
		Round:       s.Round,
		ForPlayerID: p.RequestingPlayerID,
	})
}

func (c *Coordinator) onScriptResponse(env protocol.Envelope) {
	var p protocol.ScriptResponse
	if err := env.Decode(&p); err != nil {
		return
	}
	s := c.state
	if p.Round != s.Round || p.Script == "" || s.Script != "" || !c.answersUs(env.SenderID, p.ForPlayerID) {
		return
	}
	if s.Phase != game.PhaseReading && s.Phase != game.PhaseGuessing {
		return
	}
	s.Script = p.Script
	c.log.Info().Msg("script recovered")
	c.settleRecovery()
}

// requestFromHost reports whether a recovery request comes from the host
// itself. Any peer holding the data answers those.
func (c *Coordinator) requestFromHost(sender, requester string) bool {
	s := c.state
	return sender != "" && sender == requester && sender == s.HostID && s.present(sender)
}

// answersUs reports whether a recovery response may fill local state: it
// comes from the host, or this client is host and the response targets it.
func (c *Coordinator) answersUs(sender, target string) bool {
	s := c.state
	if s.isHost() && target == s.SelfID {
		return s.present(sender)
	}
	return c.fromHost(sender)
}
