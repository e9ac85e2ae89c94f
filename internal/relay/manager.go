package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Manager holds one hub per room code.
type Manager struct {
	mu          sync.Mutex
	hubs        map[string]*Hub
	idleTimeout time.Duration
	observer    Observer
	now         func() time.Time
}

type ManagerOption func(*Manager)

// WithObserver sets the observer every new hub reports broadcasts to.
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) { m.observer = o }
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(idleTimeout time.Duration, opts ...ManagerOption) *Manager {
	m := &Manager{
		hubs:        make(map[string]*Hub),
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Hub returns the hub for code, starting it on first use.
func (m *Manager) Hub(code string) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.hubs[code]; ok {
		return h
	}
	h := newHub(code, m.observer, m.now)
	m.hubs[code] = h
	go h.run()
	log.Info().Str("room", code).Msg("hub started")
	return h
}

// Stats reports every live hub, ordered by room code.
func (m *Manager) Stats() []HubStats {
	m.mu.Lock()
	hubs := make([]*Hub, 0, len(m.hubs))
	for _, h := range m.hubs {
		hubs = append(hubs, h)
	}
	m.mu.Unlock()

	out := make([]HubStats, 0, len(hubs))
	for _, h := range hubs {
		if st, ok := h.Stats(); ok {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Reap stops hubs that have no subscribers and have been idle past the
// timeout. It returns how many were stopped.
func (m *Manager) Reap() int {
	if m.idleTimeout <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.idleTimeout)

	m.mu.Lock()
	defer m.mu.Unlock()
	reaped := 0
	for code, h := range m.hubs {
		st, ok := h.Stats()
		if ok && (st.Subscribers > 0 || !st.LastActive.Before(cutoff)) {
			continue
		}
		delete(m.hubs, code)
		h.close()
		reaped++
		log.Info().Str("room", code).Msg("idle hub stopped")
	}
	return reaped
}

// Run reaps idle hubs until ctx is done, then stops every hub.
func (m *Manager) Run(ctx context.Context) {
	defer m.Close()
	if m.idleTimeout <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(m.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reap()
		}
	}
}

// Close stops every hub. Subscribers see their Send channel closed.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for code, h := range m.hubs {
		delete(m.hubs, code)
		h.close()
	}
}
