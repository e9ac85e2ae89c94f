package game

import (
	"sort"
	"time"
)

type Phase string

const (
	PhaseLobby       Phase = "lobby"
	PhaseDescription Phase = "description"
	PhaseReading     Phase = "reading"
	PhaseGuessing    Phase = "guessing"
	PhaseResults     Phase = "results"
)

type Status string

const (
	StatusReady    Status = "ready"
	StatusWriting  Status = "writing"
	StatusGuessing Status = "guessing"
)

// MinPlayers is the smallest room that can start a round.
const MinPlayers = 2

type Tone string

const (
	ToneSerious  Tone = "Serious"
	ToneFunny    Tone = "Funny"
	ToneDramatic Tone = "Dramatic"
)

type Scene string

const (
	SceneCoffeeShop Scene = "Coffee Shop"
	SceneParty      Scene = "Party"
	SceneClassroom  Scene = "Classroom"
)

type Length string

const (
	LengthShort  Length = "Short"
	LengthMedium Length = "Medium"
	LengthLong   Length = "Long"
)

type Settings struct {
	Tone   Tone   `json:"tone"`
	Scene  Scene  `json:"scene"`
	Length Length `json:"length"`
}

// DefaultSettings is what a freshly created room starts with.
func DefaultSettings() Settings {
	return Settings{Tone: ToneFunny, Scene: SceneCoffeeShop, Length: LengthMedium}
}

func (s Settings) Valid() bool {
	switch s.Tone {
	case ToneSerious, ToneFunny, ToneDramatic:
	default:
		return false
	}
	switch s.Scene {
	case SceneCoffeeShop, SceneParty, SceneClassroom:
	default:
		return false
	}
	switch s.Length {
	case LengthShort, LengthMedium, LengthLong:
	default:
		return false
	}
	return true
}

type Player struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joinedAt"`
	// SeatNumber is 0 until the durable store assigns one.
	SeatNumber int `json:"seatNumber,omitempty"`
	// VirtualSeat is display-only and has no protocol meaning.
	VirtualSeat int    `json:"virtualSeat,omitempty"`
	Status      Status `json:"status"`
}

type Room struct {
	Code           string    `json:"roomCode"`
	Phase          Phase     `json:"phase"`
	Round          int       `json:"round"`
	OriginalHostID string    `json:"originalHostId"`
	CurrentHostID  string    `json:"currentHostId"`
	Settings       Settings  `json:"settings"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Assignments maps writer id to subject id.
type Assignments map[string]string

// WriterOf returns the player that describes subjectID.
func (a Assignments) WriterOf(subjectID string) (string, bool) {
	for writer, subject := range a {
		if subject == subjectID {
			return writer, true
		}
	}
	return "", false
}

func (a Assignments) Clone() Assignments {
	if a == nil {
		return nil
	}
	out := make(Assignments, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

type Description struct {
	WriterID  string `json:"writerId"`
	SubjectID string `json:"subjectId"`
	Text      string `json:"text"`
}

type Vote struct {
	VoterID              string `json:"voterId"`
	GuessedAuthorID      string `json:"guessedAuthorId"`
	BestConceptSubjectID string `json:"bestConceptSubjectId"`
	BestDeliveryPlayerID string `json:"bestDeliveryPlayerId"`
}

type ScoreBoard struct {
	Scores             map[string]int `json:"scores"`
	BestConceptWinner  string         `json:"bestConceptWinner,omitempty"`
	BestDeliveryWinner string         `json:"bestDeliveryWinner,omitempty"`
}

// IDSet is a set of player ids. The zero value is not usable; use NewIDSet.
type IDSet map[string]struct{}

func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add reports whether id was newly inserted.
func (s IDSet) Add(id string) bool {
	if _, ok := s[id]; ok {
		return false
	}
	s[id] = struct{}{}
	return true
}

func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s IDSet) Remove(id string) { delete(s, id) }

func (s IDSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
