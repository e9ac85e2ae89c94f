package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/MainTabletop/BZN-plot-twist/internal/game"
	"github.com/MainTabletop/BZN-plot-twist/internal/session"
)

var traits = []string{
	"hums sea shanties when nervous",
	"owns a suspicious number of spoons",
	"once argued with a parking meter and lost",
	"is convinced pigeons are organized",
	"brings a thermos of soup everywhere",
	"speaks only in movie quotes after midnight",
}

const actTimeout = 5 * time.Second

// actions is the subset of the coordinator the bot drives.
type actions interface {
	StartGame(ctx context.Context) error
	SubmitDescription(ctx context.Context, text string) error
	GenerateScript(ctx context.Context) error
	StartGuessing(ctx context.Context) error
	SubmitVote(ctx context.Context, v game.Vote) error
	ShowResults(ctx context.Context, force bool) error
	PlayAgain(ctx context.Context) error
}

// bot plays one seat: it writes and votes, and as host it advances the
// room as soon as each guard passes.
type bot struct {
	coord      actions
	minPlayers int
	rounds     int
	rng        *rand.Rand
	// acted remembers what was done per round and phase.
	acted map[string]bool
}

func newBot(coord actions, minPlayers, rounds int) *bot {
	return &bot{
		coord:      coord,
		minPlayers: minPlayers,
		rounds:     rounds,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		acted:      make(map[string]bool),
	}
}

func (b *bot) once(v session.View, what string) bool {
	key := fmt.Sprintf("%d/%s/%s", v.Round, v.Phase, what)
	if b.acted[key] {
		return false
	}
	b.acted[key] = true
	return true
}

func submitted(v session.View, id string) bool {
	for _, s := range v.Submitted {
		if s == id {
			return true
		}
	}
	return false
}

func (b *bot) act(ctx context.Context, v session.View) {
	if v.Removed || v.Connection != session.ConnConnected {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, actTimeout)
	defer cancel()

	switch v.Phase {
	case game.PhaseLobby:
		if v.IsHost && len(v.Players) >= b.minPlayers && v.Round <= b.rounds {
			b.try("start game", b.coord.StartGame(ctx))
		}
	case game.PhaseDescription:
		if v.Assignment != "" && !submitted(v, v.Self) && b.once(v, "describe") {
			b.try("describe", b.coord.SubmitDescription(ctx, traits[b.rng.Intn(len(traits))]))
		}
		if v.IsHost && !v.Generating && v.Script == "" {
			b.try("generate script", b.coord.GenerateScript(ctx))
		}
	case game.PhaseReading:
		if v.IsHost && v.Script != "" {
			b.try("start guessing", b.coord.StartGuessing(ctx))
		}
	case game.PhaseGuessing:
		if _, ok := v.Assignments[v.Self]; ok && !submitted(v, v.Self) && b.once(v, "vote") {
			b.try("vote", b.coord.SubmitVote(ctx, b.vote(v)))
		}
		if v.IsHost {
			b.try("show results", b.coord.ShowResults(ctx, false))
		}
	case game.PhaseResults:
		if v.IsHost && v.Round < b.rounds && b.once(v, "play again") {
			b.try("play again", b.coord.PlayAgain(ctx))
		}
	}
}

// vote guesses a random author and picks random favourites among the other
// participants.
func (b *bot) vote(v session.View) game.Vote {
	var others []string
	for id := range v.Assignments {
		if id != v.Self {
			others = append(others, id)
		}
	}
	if len(others) == 0 {
		return game.Vote{}
	}
	pick := func() string { return others[b.rng.Intn(len(others))] }
	return game.Vote{
		GuessedAuthorID:      pick(),
		BestConceptSubjectID: pick(),
		BestDeliveryPlayerID: pick(),
	}
}

// try logs guard failures quietly; they only mean the room is not ready yet.
func (b *bot) try(what string, err error) {
	switch {
	case err == nil:
		log.Info().Str("action", what).Msg("bot")
	case errors.Is(err, game.ErrMissingSubmissions), errors.Is(err, game.ErrMissingVotes),
		errors.Is(err, game.ErrGenerating), errors.Is(err, game.ErrInvalidPhase),
		errors.Is(err, game.ErrNotHost), errors.Is(err, game.ErrNotEnoughPlayers):
		log.Debug().Err(err).Str("action", what).Msg("bot waiting")
	default:
		log.Warn().Err(err).Str("action", what).Msg("bot action failed")
	}
}
