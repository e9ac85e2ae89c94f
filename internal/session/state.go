package session

import (
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/MainTabletop/BZN-plot-twist/internal/game"
	"github.com/MainTabletop/BZN-plot-twist/internal/host"
)

type ConnState string

const (
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	// ConnLost means the transport gave up reconnecting.
	ConnLost ConnState = "lost"
)

type RecoveryKind string

const (
	RecoverAssignment RecoveryKind = "assignment"
	RecoverScript     RecoveryKind = "script"
)

type recovery struct {
	round    int
	attempts int
	backoff  *backoff.ExponentialBackOff
	timer    Timer
	failed   bool
}

// State is everything one coordinator knows about its room. It is only
// touched from the coordinator goroutine.
type State struct {
	SelfID     string
	SelfName   string
	JoinedAt   time.Time
	Seat       int
	SelfStatus game.Status

	RoomCode       string
	Round          int
	Phase          game.Phase
	PhaseEnteredAt time.Time
	Players        []game.Player
	OriginalHostID string
	CurrentHostID  string
	HostID         string
	Lease          host.Lease
	Settings       game.Settings

	Assignments  game.Assignments
	Descriptions map[string]game.Description
	Votes        map[string]game.Vote
	Script       string
	Board        *game.ScoreBoard
	Submitted    map[game.Phase]game.IDSet
	Removed      game.IDSet

	Generating      bool
	GenerationError string
	Recovery        map[RecoveryKind]*recovery

	Conn           ConnState
	RoomLoaded     bool
	PresenceSynced bool
	Kicked         bool

	lastSeq map[string]uint64
}

func newState(code, selfID, name string, now time.Time) *State {
	s := &State{
		SelfID:     selfID,
		SelfName:   name,
		JoinedAt:   now,
		SelfStatus: game.StatusReady,
		RoomCode:   code,
		Round:      1,
		Phase:      game.PhaseLobby,
		Settings:   game.DefaultSettings(),
		Removed:    game.NewIDSet(),
		Conn:       ConnConnecting,
		lastSeq:    make(map[string]uint64),
	}
	s.resetRound()
	return s
}

// resetRound clears everything scoped to one round. Host identity, removed
// players and settings survive.
func (s *State) resetRound() {
	s.Phase = game.PhaseLobby
	s.Assignments = nil
	s.Descriptions = make(map[string]game.Description)
	s.Votes = make(map[string]game.Vote)
	s.Script = ""
	s.Board = nil
	s.Submitted = make(map[game.Phase]game.IDSet)
	s.Generating = false
	s.GenerationError = ""
	for _, r := range s.Recovery {
		if r.timer != nil {
			r.timer.Stop()
		}
	}
	s.Recovery = make(map[RecoveryKind]*recovery)
}

func (s *State) submitted(p game.Phase) game.IDSet {
	set, ok := s.Submitted[p]
	if !ok {
		set = game.NewIDSet()
		s.Submitted[p] = set
	}
	return set
}

func (s *State) isHost() bool { return s.HostID != "" && s.HostID == s.SelfID }

func (s *State) present(id string) bool {
	_, ok := game.FindPlayer(s.Players, id)
	return ok
}

func (s *State) setStatus(id string, st game.Status) {
	for i := range s.Players {
		if s.Players[i].ID == id {
			s.Players[i].Status = st
		}
	}
	if id == s.SelfID {
		s.SelfStatus = st
	}
}

// participants are present players holding an assignment this round.
// Late joiners sit the round out.
func (s *State) participants() []string {
	var out []string
	for _, p := range s.Players {
		if _, ok := s.Assignments[p.ID]; ok {
			out = append(out, p.ID)
		}
	}
	return out
}

// acceptSeq reports whether seq from sender for class is newer than the
// last one seen, and records it.
func (s *State) acceptSeq(sender, class string, seq uint64) bool {
	if seq == 0 {
		return true
	}
	key := sender + "/" + class
	if seq <= s.lastSeq[key] {
		return false
	}
	s.lastSeq[key] = seq
	return true
}

func (s *State) room(now time.Time) game.Room {
	return game.Room{
		Code:           s.RoomCode,
		Phase:          s.Phase,
		Round:          s.Round,
		OriginalHostID: s.OriginalHostID,
		CurrentHostID:  s.HostID,
		Settings:       s.Settings,
		UpdatedAt:      now.UTC(),
	}
}

// View is a read-only copy of State for rendering.
type View struct {
	Self            string             `json:"self"`
	RoomCode        string             `json:"roomCode"`
	Round           int                `json:"round"`
	Phase           game.Phase         `json:"phase"`
	Players         []game.Player      `json:"players"`
	HostID          string             `json:"hostId"`
	OriginalHostID  string             `json:"originalHostId"`
	IsHost          bool               `json:"isHost"`
	LeaseActive     bool               `json:"leaseActive"`
	Settings        game.Settings      `json:"settings"`
	Assignment      string             `json:"assignment,omitempty"`
	Assignments     game.Assignments   `json:"assignments,omitempty"`
	Descriptions    []game.Description `json:"descriptions,omitempty"`
	Script          string             `json:"script,omitempty"`
	Board           *game.ScoreBoard   `json:"board,omitempty"`
	Submitted       []string           `json:"submitted"`
	Generating      bool               `json:"generating"`
	GenerationError string             `json:"generationError,omitempty"`
	Loading         []RecoveryKind     `json:"loading,omitempty"`
	Failed          []RecoveryKind     `json:"failed,omitempty"`
	Connection      ConnState          `json:"connection"`
	Removed         bool               `json:"removed"`
}

func (s *State) view(now time.Time) View {
	v := View{
		Self:            s.SelfID,
		RoomCode:        s.RoomCode,
		Round:           s.Round,
		Phase:           s.Phase,
		Players:         game.ClonePlayers(s.Players),
		HostID:          s.HostID,
		OriginalHostID:  s.OriginalHostID,
		IsHost:          s.isHost(),
		LeaseActive:     s.Lease.Active(now),
		Settings:        s.Settings,
		Assignment:      s.Assignments[s.SelfID],
		Assignments:     s.Assignments.Clone(),
		Descriptions:    sortedDescriptions(s.Descriptions),
		Script:          s.Script,
		Submitted:       s.submitted(s.Phase).Sorted(),
		Generating:      s.Generating,
		GenerationError: s.GenerationError,
		Connection:      s.Conn,
		Removed:         s.Kicked,
	}
	if s.Board != nil {
		b := *s.Board
		b.Scores = make(map[string]int, len(s.Board.Scores))
		for k, n := range s.Board.Scores {
			b.Scores[k] = n
		}
		v.Board = &b
	}
	for _, kind := range []RecoveryKind{RecoverAssignment, RecoverScript} {
		r, ok := s.Recovery[kind]
		switch {
		case !ok:
		case r.failed:
			v.Failed = append(v.Failed, kind)
		default:
			v.Loading = append(v.Loading, kind)
		}
	}
	return v
}

func sortedDescriptions(m map[string]game.Description) []game.Description {
	if len(m) == 0 {
		return nil
	}
	out := make([]game.Description, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WriterID < out[j].WriterID })
	return out
}
