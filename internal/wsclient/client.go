// Package wsclient is the client side of the relay channel for Go clients.
// It satisfies session.Transport and feeds what it receives back into a
// coordinator.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/MainTabletop/BZN-plot-twist/internal/protocol"
	"github.com/MainTabletop/BZN-plot-twist/internal/session"
)

var (
	ErrQueueFull = errors.New("send queue full")
	// ErrLost is returned by Run once reconnecting has given up.
	ErrLost = errors.New("connection lost")
)

const (
	writeWait  = 10 * time.Second
	pongWait   = time.Minute
	pingPeriod = pongWait * 9 / 10
)

// Sink receives everything the relay delivers. *session.Coordinator
// implements it.
type Sink interface {
	Deliver(env protocol.Envelope)
	DeliverPresence(snapshot []protocol.PresenceEntry)
	ConnectionChanged(state session.ConnState)
}

type Options struct {
	// URL is the relay base, e.g. ws://localhost:8080. The room path is
	// appended.
	URL  string
	Room string
	Key  string

	QueueSize      int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxAttempts bounds consecutive failed dials before the connection
	// is reported lost.
	MaxAttempts int

	Dialer *websocket.Dialer
	Logger *zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

type Client struct {
	opts Options
	log  zerolog.Logger
	sink Sink

	out chan protocol.Frame

	mu       sync.Mutex
	presence *protocol.Presence
}

func New(opts Options) *Client {
	opts.setDefaults()
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{
		opts: opts,
		log:  logger.With().Str("room", opts.Room).Str("key", opts.Key).Logger(),
		out:  make(chan protocol.Frame, opts.QueueSize),
	}
}

// Attach sets the receiver of relay traffic. It must be called before Run.
func (c *Client) Attach(s Sink) { c.sink = s }

func (c *Client) Broadcast(env protocol.Envelope) error {
	return c.enqueue(protocol.Frame{Type: protocol.FrameBroadcast, Envelope: &env})
}

// Track publishes p and remembers it so it is re-published after a
// reconnect.
func (c *Client) Track(p protocol.Presence) error {
	c.mu.Lock()
	c.presence = &p
	c.mu.Unlock()
	return c.enqueue(protocol.Frame{Type: protocol.FrameTrack, Presence: &p})
}

func (c *Client) Untrack() error {
	c.mu.Lock()
	c.presence = nil
	c.mu.Unlock()
	return c.enqueue(protocol.Frame{Type: protocol.FrameUntrack})
}

func (c *Client) enqueue(f protocol.Frame) error {
	select {
	case c.out <- f:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + url.PathEscape(c.opts.Room)
	return u.String(), nil
}

// Run keeps the connection up until ctx is done. It returns ErrLost after
// MaxAttempts consecutive failed dials.
func (c *Client) Run(ctx context.Context) error {
	if c.sink == nil {
		return errors.New("wsclient: no sink attached")
	}
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}
	for {
		conn, err := c.connect(ctx, endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error().Err(err).Msg("giving up on relay")
			c.sink.ConnectionChanged(session.ConnLost)
			return ErrLost
		}
		c.sink.ConnectionChanged(session.ConnConnected)
		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn().Err(err).Msg("relay connection dropped")
		c.sink.ConnectionChanged(session.ConnDisconnected)
	}
}

func (c *Client) connect(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff

	return backoff.Retry(ctx, func() (*websocket.Conn, error) {
		conn, _, err := c.opts.Dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			return nil, err
		}
		if err := c.handshake(conn); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.opts.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.log.Warn().Err(err).Dur("retryIn", d).Msg("relay dial failed")
		}),
	)
}

// handshake joins the room and republishes the last tracked presence.
func (c *Client) handshake(conn *websocket.Conn) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(protocol.Frame{Type: protocol.FrameJoin, Room: c.opts.Room, Key: c.opts.Key}); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	c.mu.Lock()
	p := c.presence
	c.mu.Unlock()
	if p != nil {
		if err := conn.WriteJSON(protocol.Frame{Type: protocol.FrameTrack, Presence: p}); err != nil {
			return fmt.Errorf("track: %w", err)
		}
	}
	return nil
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- c.writeLoop(ctx, conn)
		_ = conn.Close()
	}()

	readErr := c.readLoop(conn)
	cancel()
	_ = conn.Close()
	if werr := <-writeErr; readErr == nil {
		readErr = werr
	}
	return readErr
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		f, err := protocol.DecodeFrame(data)
		if err != nil {
			c.log.Debug().Err(err).Msg("bad frame from relay")
			continue
		}
		switch f.Type {
		case protocol.FrameBroadcast:
			if f.Envelope != nil {
				c.sink.Deliver(*f.Envelope)
			}
		case protocol.FramePresenceState:
			c.sink.DeliverPresence(f.Snapshot)
		case protocol.FrameError:
			c.log.Warn().Str("error", f.Error).Msg("relay error")
		}
	}
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case f := <-c.out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				return err
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}
