package relay

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/MainTabletop/BZN-plot-twist/internal/game"
	"github.com/MainTabletop/BZN-plot-twist/internal/presence"
	"github.com/MainTabletop/BZN-plot-twist/internal/protocol"
)

type exportKey struct {
	code  string
	round int
}

// ResultsExporter appends a summary of every round that reaches results to
// a text file. Host rebroadcasts of the same round are written once.
type ResultsExporter struct {
	File string
	Now  func() time.Time

	mu       sync.Mutex
	exported map[exportKey]bool
}

func NewResultsExporter(file string) *ResultsExporter {
	return &ResultsExporter{File: file, Now: time.Now, exported: make(map[exportKey]bool)}
}

func (e *ResultsExporter) Observe(code string, env protocol.Envelope, members []protocol.PresenceEntry) {
	if env.Event != protocol.EventGamePhaseChange {
		return
	}
	var p protocol.PhaseChange
	if err := env.Decode(&p); err != nil || p.Phase != game.PhaseResults || p.Scores == nil {
		return
	}

	e.mu.Lock()
	key := exportKey{code: code, round: p.Round}
	if e.exported[key] {
		e.mu.Unlock()
		return
	}
	e.exported[key] = true
	e.mu.Unlock()

	sum := game.RoundSummary{
		RoomCode: code,
		Round:    p.Round,
		Players:  presence.Reconcile(nil, members, presence.Context{Phase: game.PhaseResults}),
		Board:    *p.Board(),
		At:       e.Now(),
	}
	if err := game.ExportRound(e.File, sum); err != nil {
		log.Error().Err(err).Str("room", code).Msg("failed to export game data")
		return
	}
	log.Info().Str("room", code).Int("round", p.Round).Str("file", e.File).Msg("exported game data")
}
