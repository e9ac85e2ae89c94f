package relay

import (
	"net/http"

	"github.com/gin-gonic/gin"
	socketio "github.com/googollee/go-socket.io"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/MainTabletop/BZN-plot-twist/internal/protocol"
	"github.com/MainTabletop/BZN-plot-twist/internal/storage"
)

// connCtx is what a socket.io connection carries once it joined a room.
type connCtx struct {
	hub     *Hub
	sub     *Subscriber
	limiter *rate.Limiter
}

type joinRequest struct {
	Room string `json:"room"`
	Key  string `json:"key"`
}

// MountSocketIO attaches the browser front-end of the relay to r. Browser
// clients speak the same frames as websocket clients, one socket.io event
// per frame type.
func MountSocketIO(r *gin.Engine, m *Manager, limits Limits) *socketio.Server {
	io := socketio.NewServer(nil)

	io.OnConnect("/", func(s socketio.Conn) error {
		s.SetContext(&connCtx{})
		log.Info().Str("sid", s.ID()).Msg("socket connected")
		return nil
	})

	io.OnEvent("/", "room:join", func(s socketio.Conn, req joinRequest) map[string]any {
		ctx, _ := s.Context().(*connCtx)
		if ctx == nil || ctx.sub != nil {
			return map[string]any{"error": "already_joined"}
		}
		code, err := storage.NormalizeCode(req.Room)
		if err != nil || req.Key == "" {
			return map[string]any{"error": "invalid_join"}
		}
		hub := m.Hub(code)
		sub := NewSubscriber(s.ID(), req.Key)
		if !hub.Join(sub) {
			return map[string]any{"error": "room_closed"}
		}
		s.Join(code)
		s.SetContext(&connCtx{hub: hub, sub: sub, limiter: limits.limiter()})
		go emitPump(s, sub)
		log.Info().Str("sid", s.ID()).Str("room", code).Str("key", req.Key).Msg("room:join")
		return map[string]any{"ok": true, "room": code}
	})

	io.OnEvent("/", "broadcast", func(s socketio.Conn, env protocol.Envelope) {
		submit(s, protocol.Frame{Type: protocol.FrameBroadcast, Envelope: &env})
	})

	io.OnEvent("/", "track", func(s socketio.Conn, p protocol.Presence) {
		submit(s, protocol.Frame{Type: protocol.FrameTrack, Presence: &p})
	})

	io.OnEvent("/", "untrack", func(s socketio.Conn) {
		submit(s, protocol.Frame{Type: protocol.FrameUntrack})
	})

	io.OnError("/", func(s socketio.Conn, e error) {
		if s == nil {
			log.Error().Err(e).Msg("socket error")
			return
		}
		log.Error().Str("sid", s.ID()).Err(e).Msg("socket error")
	})

	io.OnDisconnect("/", func(s socketio.Conn, reason string) {
		if ctx, ok := s.Context().(*connCtx); ok && ctx.sub != nil {
			ctx.hub.Leave(ctx.sub)
		}
		log.Info().Str("sid", s.ID()).Str("reason", reason).Msg("socket disconnected")
	})

	go func() {
		if err := io.Serve(); err != nil {
			log.Error().Err(err).Msg("socket.io serve")
		}
	}()

	r.GET("/socket.io/*any", gin.WrapH(io))
	r.POST("/socket.io/*any", gin.WrapH(io))

	// Basic CORS preflight for Socket.IO POST
	r.OPTIONS("/socket.io/*any", func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		c.Status(http.StatusNoContent)
	})

	return io
}

func submit(s socketio.Conn, f protocol.Frame) {
	ctx, ok := s.Context().(*connCtx)
	if !ok || ctx.sub == nil {
		s.Emit(string(protocol.FrameError), protocol.Frame{Type: protocol.FrameError, Error: "join a room first"})
		return
	}
	if !ctx.limiter.Allow() {
		log.Debug().Str("sid", s.ID()).Str("key", ctx.sub.Key).Msg("rate limited frame dropped")
		return
	}
	ctx.hub.Submit(ctx.sub, f)
}

// emitPump drains the subscriber queue onto the socket. Each frame is
// emitted under its frame type as the event name.
func emitPump(s socketio.Conn, sub *Subscriber) {
	for f := range sub.Send {
		s.Emit(string(f.Type), f)
	}
}
