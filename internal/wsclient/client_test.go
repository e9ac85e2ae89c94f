package wsclient

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MainTabletop/BZN-plot-twist/internal/protocol"
	"github.com/MainTabletop/BZN-plot-twist/internal/relay"
	"github.com/MainTabletop/BZN-plot-twist/internal/session"
)

type recordingSink struct {
	envelopes chan protocol.Envelope
	snapshots chan []protocol.PresenceEntry
	states    chan session.ConnState
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		envelopes: make(chan protocol.Envelope, 16),
		snapshots: make(chan []protocol.PresenceEntry, 16),
		states:    make(chan session.ConnState, 16),
	}
}

func (s *recordingSink) Deliver(env protocol.Envelope) { s.envelopes <- env }

func (s *recordingSink) DeliverPresence(snapshot []protocol.PresenceEntry) { s.snapshots <- snapshot }

func (s *recordingSink) ConnectionChanged(state session.ConnState) { s.states <- state }

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func startRelay(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m := relay.NewManager(0)
	r := gin.New()
	r.GET("/ws/:code", relay.WebsocketHandler(m, relay.Limits{}))
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		m.Close()
	})
	return srv
}

func startClient(t *testing.T, ctx context.Context, srvURL, key string) (*Client, *recordingSink) {
	t.Helper()
	c := New(Options{URL: srvURL, Room: "abcd", Key: key, InitialBackoff: time.Millisecond})
	sink := newRecordingSink()
	c.Attach(sink)
	go func() { _ = c.Run(ctx) }()
	require.Equal(t, session.ConnConnected, waitFor(t, sink.states))
	// Every join is answered with the current snapshot.
	waitFor(t, sink.snapshots)
	return c, sink
}

func TestClientExchangesThroughRelay(t *testing.T) {
	srv := startRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice, aliceSink := startClient(t, ctx, srv.URL, "alice")
	_, bobSink := startClient(t, ctx, srv.URL, "bob")

	require.NoError(t, alice.Track(protocol.Presence{ID: "alice", Name: "Alice"}))
	snap := waitFor(t, bobSink.snapshots)
	require.Len(t, snap, 1)
	assert.Equal(t, "alice", snap[0].Key)
	waitFor(t, aliceSink.snapshots)

	require.NoError(t, alice.Broadcast(protocol.Envelope{ID: "e1", Event: protocol.EventHostUpdate, SenderID: "alice"}))
	env := waitFor(t, bobSink.envelopes)
	assert.Equal(t, "e1", env.ID)
	assert.Equal(t, "alice", env.SenderID)

	select {
	case env := <-aliceSink.envelopes:
		t.Fatalf("sender received its own broadcast %q", env.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientReportsLostAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(gin.New())
	url := srv.URL
	srv.Close()

	c := New(Options{URL: url, Room: "abcd", Key: "alice", InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, MaxAttempts: 2})
	sink := newRecordingSink()
	c.Attach(sink)

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrLost)
	assert.Equal(t, session.ConnLost, waitFor(t, sink.states))
}

func TestClientQueueDoesNotBlock(t *testing.T) {
	c := New(Options{URL: "ws://example.invalid", Room: "abcd", Key: "a", QueueSize: 1})
	require.NoError(t, c.Broadcast(protocol.Envelope{ID: "1"}))
	assert.ErrorIs(t, c.Broadcast(protocol.Envelope{ID: "2"}), ErrQueueFull)
}

func TestEndpoint(t *testing.T) {
	for in, want := range map[string]string{
		"http://localhost:8080":      "ws://localhost:8080/ws/abcd",
		"https://example.com/relay/": "wss://example.com/relay/ws/abcd",
		"ws://127.0.0.1:9000":        "ws://127.0.0.1:9000/ws/abcd",
	} {
		c := New(Options{URL: in, Room: "abcd"})
		got, err := c.endpoint()
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}
