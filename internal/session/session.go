// Package session runs the per-client coordinator: a single goroutine that
// owns all local session state and reduces presence snapshots, broadcasts,
// timers and local commands one message at a time.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/MainTabletop/BZN-plot-twist/internal/ai"
	"github.com/MainTabletop/BZN-plot-twist/internal/game"
	"github.com/MainTabletop/BZN-plot-twist/internal/protocol"
)

var (
	ErrRemoved    = errors.New("removed from room by host")
	ErrNotRunning = errors.New("coordinator is not running")
)

// Transport is the broadcast and presence channel. Implementations must not
// block: delivery is at-most-once and unordered.
type Transport interface {
	Broadcast(env protocol.Envelope) error
	Track(p protocol.Presence) error
	Untrack() error
}

// RoomStore is the durable room record, read on cold start and reconnect
// and written by the host.
type RoomStore interface {
	EnsureRoom(ctx context.Context, code string) (game.Room, error)
	SaveRoom(ctx context.Context, room game.Room) error
	UpsertPlayer(ctx context.Context, code string, p game.Player) (int, error)
}

// ScriptGenerator is the external text-generation collaborator.
type ScriptGenerator interface {
	GenerateScript(ctx context.Context, req ai.ScriptRequest) (string, error)
}

type Options struct {
	RoomCode string
	SelfID   string
	Name     string

	HeartbeatInterval   time.Duration
	LeaseWindow         time.Duration
	HostAssertionMaxAge time.Duration
	ReassertDelay       time.Duration
	PhaseEntryWindow    time.Duration
	RecoveryDelay       time.Duration
	RecoveryMaxAttempts int
	StoreTimeout        time.Duration
	GenerateTimeout     time.Duration

	Store     RoomStore
	Generator ScriptGenerator
	Clock     Clock
	Rand      *rand.Rand
	Logger    *zerolog.Logger

	// Go runs background work whose result is enqueued as a message.
	Go func(func())
	// OnChange is called from the coordinator goroutine after every
	// message that was handled.
	OnChange func(View)
}

func (o *Options) setDefaults() {
	if o.SelfID == "" {
		o.SelfID = uuid.NewString()
	}
	if o.Name = game.CleanName(o.Name); o.Name == "" {
		o.Name = "Player"
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.LeaseWindow <= 0 {
		o.LeaseWindow = 5 * time.Second
	}
	if o.HostAssertionMaxAge <= 0 {
		o.HostAssertionMaxAge = 5 * time.Second
	}
	if o.ReassertDelay <= 0 {
		o.ReassertDelay = 1500 * time.Millisecond
	}
	if o.PhaseEntryWindow <= 0 {
		o.PhaseEntryWindow = 3 * time.Second
	}
	if o.RecoveryDelay <= 0 {
		o.RecoveryDelay = time.Second
	}
	if o.RecoveryMaxAttempts <= 0 {
		o.RecoveryMaxAttempts = 5
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	if o.GenerateTimeout <= 0 {
		o.GenerateTimeout = 60 * time.Second
	}
	if o.Generator == nil {
		o.Generator = &ai.ScriptWriter{}
	}
	if o.Clock == nil {
		o.Clock = RealClock{}
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if o.Go == nil {
		o.Go = func(f func()) { go f() }
	}
}

// Coordinator is one client's view of a room.
type Coordinator struct {
	opts      Options
	transport Transport
	log       zerolog.Logger

	inbox chan message
	done  chan struct{}
	ctx   context.Context

	state *State
	seq   uint64
	seen  *recentIDs

	heartbeat  Timer
	leaseTimer Timer
	reassert   Timer
}

func New(transport Transport, opts Options) *Coordinator {
	opts.setDefaults()
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	c := &Coordinator{
		opts:      opts,
		transport: transport,
		log:       logger.With().Str("room", opts.RoomCode).Str("self", opts.SelfID).Logger(),
		inbox:     make(chan message, 1024),
		done:      make(chan struct{}),
		ctx:       context.Background(),
		seen:      newRecentIDs(512),
	}
	c.state = newState(opts.RoomCode, opts.SelfID, opts.Name, opts.Clock.Now())
	return c
}

func (c *Coordinator) SelfID() string { return c.opts.SelfID }

// Run processes messages until ctx is done or the host removes this client.
func (c *Coordinator) Run(ctx context.Context) error {
	c.ctx = ctx
	defer close(c.done)
	c.start()
	for {
		select {
		case <-ctx.Done():
			_ = c.transport.Untrack()
			c.stopTimers()
			return ctx.Err()
		case m := <-c.inbox:
			c.handle(m)
			if c.state.Kicked {
				_ = c.transport.Untrack()
				c.stopTimers()
				return ErrRemoved
			}
		}
	}
}

// Deliver hands a received broadcast to the coordinator.
func (c *Coordinator) Deliver(env protocol.Envelope) {
	c.enqueue(envelopeMsg{env: env})
}

// DeliverPresence hands a merged presence snapshot to the coordinator.
func (c *Coordinator) DeliverPresence(snapshot []protocol.PresenceEntry) {
	c.enqueue(presenceMsg{snapshot: snapshot})
}

// ConnectionChanged reports a transport state change.
func (c *Coordinator) ConnectionChanged(state ConnState) {
	c.enqueue(connMsg{state: state})
}

func (c *Coordinator) enqueue(m message) {
	select {
	case c.inbox <- m:
	case <-c.done:
	}
}

// do runs fn on the coordinator goroutine and waits for its result.
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case c.inbox <- commandMsg{run: fn, reply: reply}:
	case <-c.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) spawn(fn func() message) {
	c.opts.Go(func() {
		c.enqueue(fn())
	})
}

func (c *Coordinator) after(d time.Duration, m message) Timer {
	return c.opts.Clock.AfterFunc(d, func() { c.enqueue(m) })
}

func (c *Coordinator) now() time.Time { return c.opts.Clock.Now() }

func (c *Coordinator) start() {
	c.bootstrap()
	c.claimSeat()
	c.track()
	c.heartbeat = c.after(c.opts.HeartbeatInterval, timerMsg{kind: timerHeartbeat})
}

func (c *Coordinator) stopTimers() {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	if c.leaseTimer != nil {
		c.leaseTimer.Stop()
	}
	if c.reassert != nil {
		c.reassert.Stop()
	}
	for _, r := range c.state.Recovery {
		if r.timer != nil {
			r.timer.Stop()
		}
	}
}

func (c *Coordinator) handle(m message) {
	switch m := m.(type) {
	case envelopeMsg:
		c.onEnvelope(m.env)
	case presenceMsg:
		c.onPresence(m.snapshot)
	case connMsg:
		c.onConnection(m.state)
	case timerMsg:
		c.onTimer(m)
	case commandMsg:
		err := m.run()
		if m.reply != nil {
			m.reply <- err
		}
	case roomLoadedMsg:
		c.onRoomLoaded(m)
	case seatMsg:
		c.onSeat(m)
	case scriptMsg:
		c.onScript(m)
	case savedMsg:
		if m.err != nil {
			c.log.Error().Err(m.err).Str("phase", string(m.room.Phase)).Msg("save room record")
		}
	}
	if c.opts.OnChange != nil {
		c.opts.OnChange(c.state.view(c.now()))
	}
}

// broadcast sends event to every other client. Failures are logged; the
// channel is at-most-once anyway.
func (c *Coordinator) broadcast(event protocol.Event, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		c.log.Error().Err(err).Str("event", string(event)).Msg("encode payload")
		return
	}
	c.seq++
	env := protocol.Envelope{
		ID:       uuid.NewString(),
		Event:    event,
		SenderID: c.opts.SelfID,
		Seq:      c.seq,
		SentAt:   c.now().UTC(),
		Payload:  b,
	}
	if err := c.transport.Broadcast(env); err != nil {
		c.log.Warn().Err(err).Str("event", string(event)).Msg("broadcast failed")
	}
}

func (c *Coordinator) track() {
	s := c.state
	p := protocol.Presence{
		ID:         s.SelfID,
		Name:       s.SelfName,
		JoinedAt:   s.JoinedAt.UTC(),
		SeatNumber: s.Seat,
		Status:     s.SelfStatus,
	}
	if err := c.transport.Track(p); err != nil {
		c.log.Warn().Err(err).Msg("track presence failed")
	}
}

// View returns a copy of the current state for rendering.
func (c *Coordinator) View(ctx context.Context) (View, error) {
	var v View
	err := c.do(ctx, func() error {
		v = c.state.view(c.now())
		return nil
	})
	return v, err
}

type message interface{}

type envelopeMsg struct{ env protocol.Envelope }

type presenceMsg struct{ snapshot []protocol.PresenceEntry }

type connMsg struct{ state ConnState }

type commandMsg struct {
	run   func() error
	reply chan error
}

type roomLoadedMsg struct {
	room      game.Room
	err       error
	reconnect bool
}

type seatMsg struct {
	seat int
	err  error
}

type scriptMsg struct {
	round  int
	script string
	err    error
}

type savedMsg struct {
	room game.Room
	err  error
}

type timerKind int

const (
	timerHeartbeat timerKind = iota
	timerRecovery
	timerReassert
	timerLeaseExpired
)

type timerMsg struct {
	kind     timerKind
	recovery RecoveryKind
	round    int
}

// recentIDs remembers the last n envelope ids to drop exact duplicates.
type recentIDs struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func newRecentIDs(n int) *recentIDs {
	return &recentIDs{ids: make(map[string]struct{}, n), ring: make([]string, n)}
}

// add reports whether id was not seen before.
func (r *recentIDs) add(id string) bool {
	if id == "" {
		return true
	}
	if _, ok := r.ids[id]; ok {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.ids, old)
	}
	r.ring[r.next] = id
	r.ids[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
	return true
}
