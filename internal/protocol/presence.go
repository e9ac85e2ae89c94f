package protocol

import (
	"encoding/json"
	"time"

	"github.com/MainTabletop/BZN-plot-twist/internal/game"
)

// Presence is the record each client publishes about itself.
type Presence struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	JoinedAt   time.Time   `json:"joinedAt"`
	SeatNumber int         `json:"seatNumber,omitempty"`
	Status     game.Status `json:"status"`
}

// PresenceEntry is one tracked record in a merged snapshot. The same key
// may appear more than once when a client is connected twice.
type PresenceEntry struct {
	Key  string   `json:"key"`
	Meta Presence `json:"meta"`
}

type FrameType string

const (
	FrameJoin          FrameType = "join"
	FrameBroadcast     FrameType = "broadcast"
	FrameTrack         FrameType = "track"
	FrameUntrack       FrameType = "untrack"
	FramePresenceState FrameType = "presence_state"
	FrameError         FrameType = "error"
)

// Frame is the unit exchanged with the relay over a websocket.
type Frame struct {
	Type     FrameType       `json:"type"`
	Room     string          `json:"room,omitempty"`
	Key      string          `json:"key,omitempty"`
	Envelope *Envelope       `json:"envelope,omitempty"`
	Presence *Presence       `json:"presence,omitempty"`
	Snapshot []PresenceEntry `json:"snapshot,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func EncodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(b, &f)
	return f, err
}
