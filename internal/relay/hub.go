// Package relay is the server side of the broadcast and presence channel.
// Every room code gets one Hub goroutine that fans broadcasts out to the
// other subscribers and pushes a merged presence snapshot whenever a record
// changes. The relay never interprets game state; it only forwards.
package relay

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/MainTabletop/BZN-plot-twist/internal/protocol"
)

// sendQueue is the per-subscriber buffer. A full queue drops the frame.
const sendQueue = 64

// Observer sees every broadcast that passes through a hub, after it has
// been fanned out. Calls come from the hub goroutine.
type Observer interface {
	Observe(code string, env protocol.Envelope, members []protocol.PresenceEntry)
}

// Subscriber is one connection attached to a hub. Frames for it arrive on
// Send, which the hub closes when the subscriber is removed.
type Subscriber struct {
	Key  string
	Send chan protocol.Frame

	connID   string
	presence *protocol.Presence
	dropped  int
}

func NewSubscriber(connID, key string) *Subscriber {
	return &Subscriber{
		Key:    key,
		Send:   make(chan protocol.Frame, sendQueue),
		connID: connID,
	}
}

type inbound struct {
	from  *Subscriber
	frame protocol.Frame
}

type Hub struct {
	code string

	subs map[*Subscriber]bool
	// firstSeen keeps a key's joinedAt stable across reconnects while the
	// hub lives.
	firstSeen map[string]time.Time

	register chan *Subscriber
	unreg    chan *Subscriber
	frames   chan inbound
	stats    chan chan HubStats
	quit     chan struct{}
	done     chan struct{}

	observer Observer
	now      func() time.Time

	lastActive time.Time
}

type HubStats struct {
	Code        string    `json:"code"`
	Subscribers int       `json:"subscribers"`
	Tracked     int       `json:"tracked"`
	LastActive  time.Time `json:"lastActive"`
}

func newHub(code string, observer Observer, now func() time.Time) *Hub {
	if now == nil {
		now = time.Now
	}
	return &Hub{
		code:       code,
		subs:       make(map[*Subscriber]bool),
		firstSeen:  make(map[string]time.Time),
		register:   make(chan *Subscriber),
		unreg:      make(chan *Subscriber),
		frames:     make(chan inbound, 256),
		stats:      make(chan chan HubStats),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		observer:   observer,
		now:        now,
		lastActive: now(),
	}
}

func (h *Hub) Code() string { return h.code }

// Join attaches s. It reports false when the hub has shut down.
func (h *Hub) Join(s *Subscriber) bool {
	select {
	case h.register <- s:
		return true
	case <-h.done:
		return false
	}
}

// Leave detaches s and removes its presence record.
func (h *Hub) Leave(s *Subscriber) {
	select {
	case h.unreg <- s:
	case <-h.done:
	}
}

// Submit queues a frame received from s. Frames are processed in order per
// hub.
func (h *Hub) Submit(s *Subscriber, f protocol.Frame) {
	select {
	case h.frames <- inbound{from: s, frame: f}:
	case <-h.done:
	}
}

func (h *Hub) Stats() (HubStats, bool) {
	reply := make(chan HubStats, 1)
	select {
	case h.stats <- reply:
		return <-reply, true
	case <-h.done:
		return HubStats{}, false
	}
}

func (h *Hub) close() {
	select {
	case <-h.quit:
	default:
		close(h.quit)
	}
	<-h.done
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case s := <-h.register:
			h.lastActive = h.now()
			h.subs[s] = true
			log.Debug().Str("room", h.code).Str("key", s.Key).Str("conn", s.connID).Msg("subscriber joined")
			// A late joiner learns the room from a snapshot of its own.
			h.deliver(s, protocol.Frame{Type: protocol.FramePresenceState, Room: h.code, Snapshot: h.snapshot()})

		case s := <-h.unreg:
			h.lastActive = h.now()
			if !h.subs[s] {
				continue
			}
			delete(h.subs, s)
			close(s.Send)
			log.Debug().Str("room", h.code).Str("key", s.Key).Str("conn", s.connID).Msg("subscriber left")
			if s.presence != nil {
				h.pushSnapshot()
			}

		case in := <-h.frames:
			if !h.subs[in.from] {
				continue
			}
			h.lastActive = h.now()
			h.handleFrame(in.from, in.frame)

		case reply := <-h.stats:
			tracked := 0
			for s := range h.subs {
				if s.presence != nil {
					tracked++
				}
			}
			reply <- HubStats{Code: h.code, Subscribers: len(h.subs), Tracked: tracked, LastActive: h.lastActive}

		case <-h.quit:
			for s := range h.subs {
				delete(h.subs, s)
				close(s.Send)
			}
			return
		}
	}
}

func (h *Hub) handleFrame(from *Subscriber, f protocol.Frame) {
	switch f.Type {
	case protocol.FrameBroadcast:
		if f.Envelope == nil {
			return
		}
		env := *f.Envelope
		// The sender id is the connection's presence key, not what the
		// client claims.
		env.SenderID = from.Key
		out := protocol.Frame{Type: protocol.FrameBroadcast, Room: h.code, Envelope: &env}
		for s := range h.subs {
			if s != from {
				h.deliver(s, out)
			}
		}
		if h.observer != nil {
			h.observer.Observe(h.code, env, h.snapshot())
		}

	case protocol.FrameTrack:
		if f.Presence == nil {
			return
		}
		p := *f.Presence
		p.ID = from.Key
		joined, ok := h.firstSeen[from.Key]
		if !ok {
			joined = h.now().UTC()
			h.firstSeen[from.Key] = joined
		}
		p.JoinedAt = joined
		from.presence = &p
		h.pushSnapshot()

	case protocol.FrameUntrack:
		if from.presence == nil {
			return
		}
		from.presence = nil
		h.pushSnapshot()

	default:
		h.deliver(from, protocol.Frame{Type: protocol.FrameError, Room: h.code, Error: "unsupported frame " + string(f.Type)})
	}
}

// snapshot merges every tracked record. A key connected twice appears
// twice; the client side reconciler collapses it.
func (h *Hub) snapshot() []protocol.PresenceEntry {
	out := make([]protocol.PresenceEntry, 0, len(h.subs))
	for s := range h.subs {
		if s.presence == nil {
			continue
		}
		out = append(out, protocol.PresenceEntry{Key: s.Key, Meta: *s.presence})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Meta.JoinedAt.Before(out[j].Meta.JoinedAt)
	})
	return out
}

func (h *Hub) pushSnapshot() {
	f := protocol.Frame{Type: protocol.FramePresenceState, Room: h.code, Snapshot: h.snapshot()}
	for s := range h.subs {
		h.deliver(s, f)
	}
}

func (h *Hub) deliver(s *Subscriber, f protocol.Frame) {
	select {
	case s.Send <- f:
	default:
		s.dropped++
		log.Warn().Str("room", h.code).Str("key", s.Key).Int("dropped", s.dropped).Str("frame", string(f.Type)).Msg("subscriber queue full, frame dropped")
	}
}
