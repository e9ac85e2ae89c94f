package session

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/MainTabletop/BZN-plot-twist/internal/ai"
	"github.com/MainTabletop/BZN-plot-twist/internal/game"
	"github.com/MainTabletop/BZN-plot-twist/internal/protocol"
)

const testRoom = "ROOM"

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// fakeClock only moves when Advance is called. Due timers fire in order on
// the caller's goroutine.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	onFire func()
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// pending counts timers that are neither stopped nor fired.
func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due, rest []*fakeTimer
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.at.After(c.now):
			t.fired = true
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
	}
	c.timers = rest
	onFire := c.onFire
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		if onFire != nil {
			onFire()
		}
		t.f()
	}
}

// bus is an in-memory relay: broadcasts reach every other client, presence
// changes push a snapshot to everyone. Like the relay it keeps the first
// joinedAt per key, so a player rejoining with a fresh session keeps its
// place.
type bus struct {
	mu       sync.Mutex
	clients  map[string]*Coordinator
	presence map[string]protocol.Presence
	joined   map[string]time.Time
	sent     map[protocol.Event]int
	drop     func(to string, env protocol.Envelope) bool
	activity *atomic.Int64
}

func newBus(activity *atomic.Int64) *bus {
	return &bus{
		clients:  make(map[string]*Coordinator),
		presence: make(map[string]protocol.Presence),
		joined:   make(map[string]time.Time),
		sent:     make(map[protocol.Event]int),
		activity: activity,
	}
}

func (b *bus) attach(id string, c *Coordinator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[id] = c
}

func (b *bus) setDrop(f func(to string, env protocol.Envelope) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drop = f
}

func (b *bus) count(e protocol.Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent[e]
}

func (b *bus) publish() {
	snapshot := make([]protocol.PresenceEntry, 0, len(b.presence))
	for key, p := range b.presence {
		snapshot = append(snapshot, protocol.PresenceEntry{Key: key, Meta: p})
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Key < snapshot[j].Key })
	for _, c := range b.clients {
		b.activity.Add(1)
		c.DeliverPresence(append([]protocol.PresenceEntry(nil), snapshot...))
	}
}

type busTransport struct {
	bus *bus
	id  string
}

func (t *busTransport) Broadcast(env protocol.Envelope) error {
	b := t.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent[env.Event]++
	for id, c := range b.clients {
		if id == t.id || (b.drop != nil && b.drop(id, env)) {
			continue
		}
		b.activity.Add(1)
		c.Deliver(env)
	}
	return nil
}

func (t *busTransport) Track(p protocol.Presence) error {
	b := t.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if first, ok := b.joined[t.id]; ok {
		p.JoinedAt = first
	} else {
		b.joined[t.id] = p.JoinedAt
	}
	b.presence[t.id] = p
	b.publish()
	return nil
}

func (t *busTransport) Untrack() error {
	b := t.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.presence, t.id)
	b.publish()
	return nil
}

// memStore is a RoomStore kept in memory.
type memStore struct {
	mu    sync.Mutex
	rooms map[string]game.Room
	seats map[string]int
	loads int
}

func newMemStore() *memStore {
	return &memStore{rooms: make(map[string]game.Room), seats: make(map[string]int)}
}

func (m *memStore) EnsureRoom(ctx context.Context, code string) (game.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	r, ok := m.rooms[code]
	if !ok {
		r = game.Room{Code: code, Phase: game.PhaseLobby, Round: 1, Settings: game.DefaultSettings()}
		m.rooms[code] = r
	}
	return r, nil
}

func (m *memStore) SaveRoom(ctx context.Context, room game.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[room.Code] = room
	return nil
}

func (m *memStore) UpsertPlayer(ctx context.Context, code string, p game.Player) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.seats[p.ID]; ok {
		return n, nil
	}
	n := len(m.seats) + 1
	m.seats[p.ID] = n
	return n, nil
}

func (m *memStore) room(code string) game.Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[code]
}

func (m *memStore) loadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) GenerateScript(ctx context.Context, req ai.ScriptRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

type MockStore struct {
	mock.Mock
}

func (m *MockStore) EnsureRoom(ctx context.Context, code string) (game.Room, error) {
	args := m.Called(ctx, code)
	return args.Get(0).(game.Room), args.Error(1)
}

func (m *MockStore) SaveRoom(ctx context.Context, room game.Room) error {
	return m.Called(ctx, room).Error(0)
}

func (m *MockStore) UpsertPlayer(ctx context.Context, code string, p game.Player) (int, error) {
	args := m.Called(ctx, code, p)
	return args.Int(0), args.Error(1)
}

type client struct {
	id     string
	coord  *Coordinator
	cancel context.CancelFunc
	errc   chan error
}

// harness runs coordinators against one bus and fake clock. settle waits
// until no client has anything left to process.
type harness struct {
	t        *testing.T
	clock    *fakeClock
	bus      *bus
	store    RoomStore
	gen      ScriptGenerator
	activity atomic.Int64
	clients  []*client
}

func newHarness(t *testing.T) *harness {
	h := &harness{t: t, clock: newFakeClock()}
	h.bus = newBus(&h.activity)
	h.clock.onFire = func() { h.activity.Add(1) }
	t.Cleanup(func() {
		for _, c := range h.clients {
			c.cancel()
			<-c.errc
		}
	})
	return h
}

func (h *harness) join(id string) *client {
	h.t.Helper()
	h.clock.Advance(time.Second)
	nop := zerolog.Nop()
	coord := New(&busTransport{bus: h.bus, id: id}, Options{
		RoomCode:  testRoom,
		SelfID:    id,
		Name:      "Player " + id,
		Store:     h.store,
		Generator: h.gen,
		Clock:     h.clock,
		Rand:      rand.New(rand.NewSource(7)),
		Logger:    &nop,
		Go: func(f func()) {
			h.activity.Add(1)
			f()
		},
	})
	h.bus.attach(id, coord)

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{id: id, coord: coord, cancel: cancel, errc: make(chan error, 1)}
	go func() { c.errc <- coord.Run(ctx) }()
	coord.ConnectionChanged(ConnConnected)
	h.clients = append(h.clients, c)
	h.settle()
	return c
}

// leave stops c as if its tab closed and returns Run's error.
func (h *harness) leave(c *client) error {
	h.t.Helper()
	c.cancel()
	err := <-c.errc
	c.errc <- err
	h.settle()
	return err
}

func (h *harness) settle() {
	h.t.Helper()
	for i := 0; i < 100; i++ {
		before := h.activity.Load()
		for _, c := range h.clients {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_, _ = c.coord.View(ctx)
			cancel()
		}
		if h.activity.Load() == before {
			return
		}
	}
	h.t.Fatal("room did not settle")
}

func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clock.Advance(d)
	h.settle()
}

func (c *client) view(t *testing.T) View {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := c.coord.View(ctx)
	require.NoError(t, err)
	return v
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// inspect runs f against c's state on its coordinator goroutine.
func (c *client) inspect(t *testing.T, f func(s *State)) {
	t.Helper()
	require.NoError(t, c.coord.do(ctxT(t), func() error {
		f(c.coord.state)
		return nil
	}))
}

func envelope(t *testing.T, id string, event protocol.Event, sender string, payload any) protocol.Envelope {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return protocol.Envelope{ID: id, Event: event, SenderID: sender, Payload: b}
}

func statusOf(t *testing.T, v View, id string) game.Status {
	t.Helper()
	p, ok := game.FindPlayer(v.Players, id)
	require.True(t, ok, "%s not in view of %s", id, v.Self)
	return p.Status
}

// playToResults runs one round with the offline script writer and forced
// results.
func playToResults(t *testing.T, h *harness, host *client, all []*client) {
	t.Helper()
	ctx := ctxT(t)
	require.NoError(t, host.coord.StartGame(ctx))
	h.settle()
	for _, cl := range all {
		require.NoError(t, cl.coord.SubmitDescription(ctx, "remembers every birthday, says "+cl.id))
	}
	h.settle()
	require.NoError(t, host.coord.GenerateScript(ctx))
	h.settle()
	require.NoError(t, host.coord.StartGuessing(ctx))
	h.settle()
	require.NoError(t, host.coord.ShowResults(ctx, true))
	h.settle()
	for _, cl := range all {
		require.Equal(t, game.PhaseResults, cl.view(t).Phase, cl.id)
	}
}
