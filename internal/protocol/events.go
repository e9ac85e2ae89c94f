// Package protocol defines the broadcast event schema, the presence record,
// and the frames exchanged between clients and the relay.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MainTabletop/BZN-plot-twist/internal/game"
)

type Event string

const (
	EventHostUpdate                Event = "host_update"
	EventHostCorrection            Event = "host_correction"
	EventOriginalHostSet           Event = "original_host_set"
	EventGamePhaseChange           Event = "game_phase_change"
	EventPlayerStatusChange        Event = "player_status_change"
	EventSubmitDescription         Event = "submit_description"
	EventSubmitGuesses             Event = "submit_guesses"
	EventPlayerVote                Event = "player_vote"
	EventPlayerVoteSubmitted       Event = "player_vote_submitted"
	EventPlayerGuessSubmitted      Event = "player_guess_submitted"
	EventRequestAssignmentRecovery Event = "request_assignment_recovery"
	EventAssignmentRecovery        Event = "assignment_recovery"
	EventRequestScript             Event = "request_script"
	EventScriptResponse            Event = "script_response"
	EventForceStatusSync           Event = "force_status_sync"
	EventForceRemovePlayer         Event = "force_remove_player"
	EventRemovePlayer              Event = "remove_player"
	EventReassignSeatNumbers       Event = "reassign_seat_numbers"
	EventPlayAgain                 Event = "play_again"
	EventPlayAgainReload           Event = "play_again_reload"
	EventScriptGenerationStart     Event = "script_generation_start"
	EventScriptGenerationEnd       Event = "script_generation_end"
)

// Envelope wraps every broadcast. Seq increases per sender for the
// lifetime of the sender's session id.
type Envelope struct {
	ID       string          `json:"id"`
	Event    Event           `json:"event"`
	SenderID string          `json:"senderId"`
	Seq      uint64          `json:"seq"`
	SentAt   time.Time       `json:"sentAt"`
	Payload  json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: %w", e.Event, err)
	}
	return nil
}

type HostUpdate struct {
	HostID         string    `json:"hostId"`
	OriginalHostID string    `json:"originalHostId,omitempty"`
	ForcedUpdate   bool      `json:"forcedUpdate,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type HostCorrection struct {
	HostID          string `json:"hostId"`
	IncorrectHostID string `json:"incorrectHostId"`
}

type OriginalHostSet struct {
	OriginalHostID string `json:"originalHostId"`
}

type PhaseChange struct {
	Phase              game.Phase         `json:"phase"`
	Round              int                `json:"round"`
	Assignments        game.Assignments   `json:"assignments,omitempty"`
	Script             string             `json:"script,omitempty"`
	Scores             map[string]int     `json:"scores,omitempty"`
	BestConceptWinner  string             `json:"bestConceptWinner,omitempty"`
	BestDeliveryWinner string             `json:"bestDeliveryWinner,omitempty"`
	PreserveHost       bool               `json:"preserveHost,omitempty"`
	PreservedHostID    string             `json:"preservedHostId,omitempty"`
	PlayerCount        int                `json:"playerCount,omitempty"`
	Settings           *game.Settings     `json:"settings,omitempty"`
	Descriptions       []game.Description `json:"descriptions,omitempty"`
}

// Board returns the scoreboard carried by a results transition.
func (p PhaseChange) Board() *game.ScoreBoard {
	if p.Scores == nil {
		return nil
	}
	return &game.ScoreBoard{
		Scores:             p.Scores,
		BestConceptWinner:  p.BestConceptWinner,
		BestDeliveryWinner: p.BestDeliveryWinner,
	}
}

type PlayerStatusChange struct {
	PlayerID string      `json:"playerId"`
	Status   game.Status `json:"status"`
	Phase    game.Phase  `json:"phase,omitempty"`
}

type SubmitDescription struct {
	PlayerID    string           `json:"playerId"`
	Round       int              `json:"round"`
	Description game.Description `json:"description"`
}

type PlayerVote struct {
	PlayerID string    `json:"playerId"`
	Round    int       `json:"round"`
	Vote     game.Vote `json:"vote"`
}

type SubmissionNotice struct {
	PlayerID string `json:"playerId"`
}

type AssignmentRecoveryRequest struct {
	RequestingPlayerID string `json:"requestingPlayerId"`
	Round              int    `json:"round"`
}

type AssignmentRecovery struct {
	TargetPlayerID string           `json:"targetPlayerId"`
	Round          int              `json:"round"`
	Assignment     string           `json:"assignment"`
	AllAssignments game.Assignments `json:"allAssignments"`
}

type ScriptRequest struct {
	RequestingPlayerID string `json:"requestingPlayerId"`
	Round              int    `json:"round"`
}

type ScriptResponse struct {
	Script      string `json:"script"`
	Round       int    `json:"round"`
	ForPlayerID string `json:"forPlayerId"`
}

type ForceStatusSync struct {
	Phase  game.Phase  `json:"phase"`
	Status game.Status `json:"status"`
}

type RemovePlayer struct {
	PlayerID string `json:"playerId"`
}

type ReassignSeatNumbers struct {
	Seats map[string]int `json:"seats"`
}

type PlayAgain struct {
	HostID         string `json:"hostId"`
	OriginalHostID string `json:"originalHostId,omitempty"`
	Round          int    `json:"round"`
}

type ScriptGeneration struct {
	HostID string `json:"hostId"`
	OK     bool   `json:"ok,omitempty"`
	Error  string `json:"error,omitempty"`
}
