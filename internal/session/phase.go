package session

import (
	"context"
	"fmt"

	"github.com/MainTabletop/BZN-plot-twist/internal/ai"
	"github.com/MainTabletop/BZN-plot-twist/internal/game"
	"github.com/MainTabletop/BZN-plot-twist/internal/protocol"
	"github.com/MainTabletop/BZN-plot-twist/internal/scoring"
)

func (c *Coordinator) onPhaseChange(env protocol.Envelope) {
	var p protocol.PhaseChange
	if err := env.Decode(&p); err != nil {
		c.log.Warn().Err(err).Msg("drop phase change")
		return
	}
	if !p.Phase.Valid() {
		c.log.Warn().Str("phase", string(p.Phase)).Msg("drop unknown phase")
		return
	}
	s := c.state
	if p.Round < s.Round {
		c.log.Debug().Int("round", p.Round).Int("current", s.Round).Msg("drop stale round")
		return
	}
	if !s.acceptSeq(env.SenderID, "phase", env.Seq) {
		return
	}
	trusted := c.fromHost(env.SenderID)
	if !trusted && !c.hostBehind(env.SenderID, p) {
		return
	}
	if p.PreserveHost && trusted {
		owner := p.PreservedHostID
		if owner == "" {
			owner = env.SenderID
		}
		c.setLease(owner)
	}
	c.applyPhase(p)
}

// hostBehind reports whether this client holds the host role without the
// state of p's round, as after rejoining with a fresh session. It then takes
// the payload from any present peer; applyPhase only moves forward and
// mergePayload only fills unset fields.
func (c *Coordinator) hostBehind(sender string, p protocol.PhaseChange) bool {
	s := c.state
	if !s.isHost() || !s.present(sender) || p.Round < s.Round {
		return false
	}
	if p.Round > s.Round || p.Phase != s.Phase {
		return true
	}
	switch p.Phase {
	case game.PhaseDescription:
		return len(s.Assignments) == 0 || len(s.Descriptions) < len(p.Descriptions)
	case game.PhaseReading, game.PhaseGuessing:
		return s.Script == "" || len(s.Descriptions) < len(p.Descriptions)
	case game.PhaseResults:
		return s.Board == nil
	}
	return false
}

// applyPhase moves local state to p.Phase, walking legal edges when this
// client is behind. A newer round resets to lobby first.
func (c *Coordinator) applyPhase(p protocol.PhaseChange) {
	s := c.state
	if p.Round > s.Round {
		c.log.Info().Int("round", p.Round).Msg("new round")
		s.Round = p.Round
		s.resetRound()
		c.enterPhase(game.PhaseLobby, protocol.PhaseChange{}, p.Phase == game.PhaseLobby)
	}
	if p.Phase == s.Phase {
		c.mergePayload(p)
		return
	}
	path := s.Phase.Path(p.Phase)
	if len(path) == 0 {
		c.log.Debug().Str("from", string(s.Phase)).Str("to", string(p.Phase)).Msg("drop backward phase change")
		return
	}
	for i, ph := range path {
		c.enterPhase(ph, p, i == len(path)-1)
	}
}

// enterPhase resets phase-scoped state and installs payload. Recovery is
// only started for the final phase of a walk.
func (c *Coordinator) enterPhase(ph game.Phase, p protocol.PhaseChange, final bool) {
	s := c.state
	s.Phase = ph
	s.PhaseEnteredAt = c.now()
	s.Submitted[ph] = game.NewIDSet()
	status := game.PhaseStatus(ph)
	for i := range s.Players {
		s.Players[i].Status = status
	}
	s.SelfStatus = status

	switch ph {
	case game.PhaseDescription:
		if p.Settings != nil && p.Settings.Valid() {
			s.Settings = *p.Settings
		}
		if len(p.Assignments) > 0 {
			s.Assignments = p.Assignments.Clone()
		}
		s.Descriptions = make(map[string]game.Description)
	case game.PhaseGuessing:
		s.Votes = make(map[string]game.Vote)
	}
	c.mergePayload(p)
	c.log.Info().Str("phase", string(ph)).Int("round", s.Round).Msg("entered phase")
	c.track()
	if final {
		c.recoverMissing()
	}
}

// mergePayload fills fields that are still unset. It never overwrites.
func (c *Coordinator) mergePayload(p protocol.PhaseChange) {
	s := c.state
	if len(p.Assignments) > 0 {
		if s.Assignments == nil {
			s.Assignments = make(game.Assignments, len(p.Assignments))
		}
		for w, sub := range p.Assignments {
			if _, ok := s.Assignments[w]; !ok {
				s.Assignments[w] = sub
			}
		}
	}
	if s.Script == "" && p.Script != "" {
		s.Script = p.Script
	}
	for _, d := range p.Descriptions {
		if _, ok := s.Descriptions[d.WriterID]; ok || d.WriterID == "" {
			continue
		}
		if s.Phase == game.PhaseDescription {
			c.recordDescription(d)
			continue
		}
		s.Descriptions[d.WriterID] = d
	}
	if s.Board == nil && s.Phase == game.PhaseResults {
		s.Board = p.Board()
	}
	c.settleRecovery()
}

// currentPhaseChange is the full payload for the current phase, used when
// transitioning and when re-announcing to late joiners.
func (c *Coordinator) currentPhaseChange() protocol.PhaseChange {
	s := c.state
	settings := s.Settings
	p := protocol.PhaseChange{
		Phase:           s.Phase,
		Round:           s.Round,
		PreserveHost:    true,
		PreservedHostID: s.SelfID,
		PlayerCount:     len(s.Players),
		Settings:        &settings,
	}
	if s.Phase != game.PhaseLobby {
		p.Assignments = s.Assignments.Clone()
	}
	if s.Phase != game.PhaseLobby && s.Phase != game.PhaseResults {
		p.Descriptions = sortedDescriptions(s.Descriptions)
	}
	if s.Phase == game.PhaseReading || s.Phase == game.PhaseGuessing {
		p.Script = s.Script
	}
	if s.Phase == game.PhaseResults && s.Board != nil {
		p.Scores = s.Board.Scores
		p.BestConceptWinner = s.Board.BestConceptWinner
		p.BestDeliveryWinner = s.Board.BestDeliveryWinner
	}
	return p
}

// transition is the host side of a phase change: take the lease, apply
// locally, broadcast, persist.
func (c *Coordinator) transition(next game.Phase, fill func(*protocol.PhaseChange)) {
	s := c.state
	c.setLease(s.SelfID)
	p := protocol.PhaseChange{Phase: next, Round: s.Round}
	if fill != nil {
		fill(&p)
	}
	c.applyPhase(p)
	c.broadcast(protocol.EventGamePhaseChange, c.currentPhaseChange())
	c.persist()
}

func (c *Coordinator) requireHost(phase game.Phase) error {
	s := c.state
	if !s.isHost() {
		return game.ErrNotHost
	}
	if s.Phase != phase {
		return fmt.Errorf("%w: in %s, want %s", game.ErrInvalidPhase, s.Phase, phase)
	}
	return nil
}

// StartGame assigns subjects and moves the room to description.
func (c *Coordinator) StartGame(ctx context.Context) error {
	return c.do(ctx, func() error {
		if err := c.requireHost(game.PhaseLobby); err != nil {
			return err
		}
		s := c.state
		assignments, err := game.NewAssignments(game.PlayerIDs(s.Players), c.opts.Rand)
		if err != nil {
			return err
		}
		settings := s.Settings
		c.transition(game.PhaseDescription, func(p *protocol.PhaseChange) {
			p.Assignments = assignments
			p.Settings = &settings
		})
		return nil
	})
}

// UpdateSettings changes tone, scene and length while in the lobby.
func (c *Coordinator) UpdateSettings(ctx context.Context, settings game.Settings) error {
	return c.do(ctx, func() error {
		if err := c.requireHost(game.PhaseLobby); err != nil {
			return err
		}
		if !settings.Valid() {
			return game.ErrInvalidSettings
		}
		c.state.Settings = settings
		c.persist()
		return nil
	})
}

// GenerateScript asks the generator for a script once every participant
// has submitted. The transition to reading happens when it returns.
func (c *Coordinator) GenerateScript(ctx context.Context) error {
	return c.do(ctx, func() error {
		if err := c.requireHost(game.PhaseDescription); err != nil {
			return err
		}
		s := c.state
		if s.Generating {
			return game.ErrGenerating
		}
		participants := s.participants()
		if len(participants) < game.MinPlayers {
			return game.ErrNotEnoughPlayers
		}
		for _, id := range participants {
			if _, ok := s.Descriptions[id]; !ok {
				return game.ErrMissingSubmissions
			}
		}
		s.Generating = true
		s.GenerationError = ""
		c.broadcast(protocol.EventScriptGenerationStart, protocol.ScriptGeneration{HostID: s.SelfID})

		req := ai.ScriptRequest{Settings: s.Settings}
		for _, p := range s.Players {
			if _, ok := s.Assignments[p.ID]; ok {
				req.Players = append(req.Players, ai.PlayerRef{ID: p.ID, Name: p.Name})
			}
		}
		req.Descriptions = sortedDescriptions(s.Descriptions)
		round := s.Round
		parent := c.ctx
		gen := c.opts.Generator
		timeout := c.opts.GenerateTimeout
		c.spawn(func() message {
			ctx, cancel := context.WithTimeout(parent, timeout)
			defer cancel()
			script, err := gen.GenerateScript(ctx, req)
			return scriptMsg{round: round, script: script, err: err}
		})
		return nil
	})
}

func (c *Coordinator) onScript(m scriptMsg) {
	s := c.state
	s.Generating = false
	if m.round != s.Round || s.Phase != game.PhaseDescription || !s.isHost() {
		c.log.Debug().Int("round", m.round).Msg("discard script for old round")
		return
	}
	if m.err == nil && m.script == "" {
		m.err = fmt.Errorf("generator returned an empty script")
	}
	if m.err != nil {
		s.GenerationError = m.err.Error()
		c.log.Error().Err(m.err).Msg("script generation failed")
		c.broadcast(protocol.EventScriptGenerationEnd, protocol.ScriptGeneration{HostID: s.SelfID, Error: s.GenerationError})
		return
	}
	c.broadcast(protocol.EventScriptGenerationEnd, protocol.ScriptGeneration{HostID: s.SelfID, OK: true})
	c.transition(game.PhaseReading, func(p *protocol.PhaseChange) {
		p.Script = m.script
	})
}

func (c *Coordinator) onScriptGeneration(env protocol.Envelope, started bool) {
	var p protocol.ScriptGeneration
	if err := env.Decode(&p); err != nil || !c.fromHost(env.SenderID) {
		return
	}
	s := c.state
	if s.isHost() {
		return
	}
	s.Generating = started
	s.GenerationError = p.Error
}

// StartGuessing moves from reading to guessing.
func (c *Coordinator) StartGuessing(ctx context.Context) error {
	return c.do(ctx, func() error {
		if err := c.requireHost(game.PhaseReading); err != nil {
			return err
		}
		if c.state.Script == "" {
			return fmt.Errorf("%w: no script", game.ErrInvalidPhase)
		}
		c.transition(game.PhaseGuessing, nil)
		return nil
	})
}

// ShowResults scores the round. Without force every participant must
// have voted.
func (c *Coordinator) ShowResults(ctx context.Context, force bool) error {
	return c.do(ctx, func() error {
		if err := c.requireHost(game.PhaseGuessing); err != nil {
			return err
		}
		s := c.state
		if !force {
			for _, id := range s.participants() {
				if _, ok := s.Votes[id]; !ok {
					return game.ErrMissingVotes
				}
			}
		}
		board := scoring.Compute(s.Assignments, s.Descriptions, s.Votes)
		c.transition(game.PhaseResults, func(p *protocol.PhaseChange) {
			p.Scores = board.Scores
			p.BestConceptWinner = board.BestConceptWinner
			p.BestDeliveryWinner = board.BestDeliveryWinner
		})
		return nil
	})
}

// PlayAgain starts the next round in the lobby, keeping the host.
func (c *Coordinator) PlayAgain(ctx context.Context) error {
	return c.do(ctx, func() error {
		if err := c.requireHost(game.PhaseResults); err != nil {
			return err
		}
		s := c.state
		c.setLease(s.SelfID)
		next := s.Round + 1
		c.broadcast(protocol.EventPlayAgain, protocol.PlayAgain{
			HostID:         s.SelfID,
			OriginalHostID: s.OriginalHostID,
			Round:          next,
		})
		c.applyPhase(protocol.PhaseChange{Phase: game.PhaseLobby, Round: next})
		c.broadcast(protocol.EventGamePhaseChange, c.currentPhaseChange())
		c.persist()
		return nil
	})
}

func (c *Coordinator) onPlayAgain(env protocol.Envelope, reload bool) {
	var p protocol.PlayAgain
	if err := env.Decode(&p); err != nil {
		c.log.Warn().Err(err).Msg("drop play again")
		return
	}
	s := c.state
	if p.Round <= s.Round {
		return
	}
	if p.OriginalHostID != "" {
		c.adoptOriginal(p.OriginalHostID)
	}
	if !c.fromHost(env.SenderID) {
		return
	}
	c.setLease(env.SenderID)
	c.applyPhase(protocol.PhaseChange{Phase: game.PhaseLobby, Round: p.Round})
	if reload {
		c.track()
		c.bootstrap()
	}
}
