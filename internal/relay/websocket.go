package relay

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/MainTabletop/BZN-plot-twist/internal/protocol"
	"github.com/MainTabletop/BZN-plot-twist/internal/storage"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = time.Minute
	pingPeriod = pongWait * 9 / 10
	joinWait   = 10 * time.Second
	maxFrame   = 64 << 10
)

// Limits bounds how fast one connection may send frames.
type Limits struct {
	FramesPerSecond float64
	Burst           int
}

func (l Limits) limiter() *rate.Limiter {
	if l.FramesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := l.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(l.FramesPerSecond), burst)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebsocketHandler serves /ws/:code. The first frame must be a join frame
// carrying the client's presence key.
func WebsocketHandler(m *Manager, limits Limits) gin.HandlerFunc {
	return func(c *gin.Context) {
		code, err := storage.NormalizeCode(c.Param("code"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_code"})
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Str("room", code).Msg("upgrade error")
			return
		}
		serveConn(m.Hub(code), conn, limits)
	}
}

func serveConn(hub *Hub, conn *websocket.Conn, limits Limits) {
	conn.SetReadLimit(maxFrame)
	_ = conn.SetReadDeadline(time.Now().Add(joinWait))
	var join protocol.Frame
	if err := conn.ReadJSON(&join); err != nil || join.Type != protocol.FrameJoin || join.Key == "" {
		writeClose(conn, websocket.ClosePolicyViolation, "expected join frame")
		return
	}

	sub := NewSubscriber(uuid.NewString(), join.Key)
	if !hub.Join(sub) {
		writeClose(conn, websocket.CloseGoingAway, "room closed")
		return
	}
	log.Info().Str("room", hub.Code()).Str("key", sub.Key).Str("conn", sub.connID).Msg("ws connected")

	go writePump(conn, sub)
	readPump(conn, hub, sub, limits.limiter())
	log.Info().Str("room", hub.Code()).Str("key", sub.Key).Str("conn", sub.connID).Msg("ws disconnected")
}

func readPump(conn *websocket.Conn, hub *Hub, sub *Subscriber, lim *rate.Limiter) {
	defer func() {
		hub.Leave(sub)
		_ = conn.Close()
	}()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if !lim.Allow() {
			log.Debug().Str("room", hub.Code()).Str("key", sub.Key).Msg("rate limited frame dropped")
			continue
		}
		f, err := protocol.DecodeFrame(data)
		if err != nil {
			log.Debug().Err(err).Str("room", hub.Code()).Str("key", sub.Key).Msg("bad frame")
			continue
		}
		hub.Submit(sub, f)
	}
}

func writePump(conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case f, ok := <-sub.Send:
			if !ok {
				writeClose(conn, websocket.CloseNormalClosure, "")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = conn.Close()
}
