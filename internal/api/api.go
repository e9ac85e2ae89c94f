// Package api is the HTTP surface next to the relay: durable room records,
// seat numbers, script generation, share codes and admin diagnostics.
package api

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"

	"github.com/MainTabletop/BZN-plot-twist/internal/ai"
	"github.com/MainTabletop/BZN-plot-twist/internal/game"
	"github.com/MainTabletop/BZN-plot-twist/internal/relay"
	"github.com/MainTabletop/BZN-plot-twist/internal/storage"
)

const (
	qrSize      = 320
	createTries = 5
)

// Generator writes a script for a finished description phase.
type Generator interface {
	GenerateScript(ctx context.Context, req ai.ScriptRequest) (string, error)
}

type Server struct {
	Store     storage.Store
	Generator Generator
	// Relay is optional; admin debug lists its hubs when set.
	Relay *relay.Manager
	// PublicURL is the base of join links. Derived from the request when
	// empty.
	PublicURL string
	AdminUser string
	AdminPass string

	GenerateTimeout time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func (s *Server) newCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return storage.NewRoomCode(s.rng)
}

// Routes registers every endpoint on r.
func (s *Server) Routes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "time": time.Now().UTC()})
	})

	rooms := r.Group("/api/rooms")
	rooms.POST("", s.requireStore, s.createRoom)
	rooms.GET("/:code", s.requireStore, s.getRoom)
	rooms.PUT("/:code", s.requireStore, s.saveRoom)
	rooms.POST("/:code/players", s.requireStore, s.upsertPlayer)
	rooms.GET("/:code/players", s.requireStore, s.listPlayers)
	rooms.GET("/:code/qr", s.qr)

	r.POST("/api/generate-script", s.generateScript)

	if s.AdminUser != "" && s.AdminPass != "" {
		auth := gin.BasicAuth(gin.Accounts{s.AdminUser: s.AdminPass})
		admin := r.Group("/api/admin", auth)
		admin.POST("/migrate", s.requireStore, s.migrate)
		admin.GET("/debug", s.requireStore, s.debug)
	}
}

// RequestLogger writes one zerolog line per request. Long-lived realtime
// connections are skipped.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/socket.io") || strings.HasPrefix(path, "/ws/") {
			return
		}
		status := c.Writer.Status()
		dur := time.Since(start)
		log.Info().Str("method", c.Request.Method).Str("path", path).Int("status", status).Dur("dur", dur).Msg("http")
	}
}

func (s *Server) requireStore(c *gin.Context) {
	if s.Store == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "storage_disabled"})
		return
	}
	c.Next()
}

func roomCode(c *gin.Context) (string, bool) {
	code, err := storage.NormalizeCode(c.Param("code"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_code"})
		return "", false
	}
	return code, true
}

func storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
	case errors.Is(err, storage.ErrRoomExists):
		c.JSON(http.StatusConflict, gin.H{"error": "room_exists"})
	case errors.Is(err, storage.ErrInvalidCode):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_code"})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "timeout"})
	default:
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("store failure")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}

type createRoomReq struct {
	RoomCode string `json:"roomCode"`
}

// createRoom makes a room in the lobby. A requested code is used as is;
// otherwise a fresh one is drawn.
func (s *Server) createRoom(c *gin.Context) {
	var req createRoomReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	ctx := c.Request.Context()

	if req.RoomCode != "" {
		code, err := storage.NormalizeCode(req.RoomCode)
		if err != nil {
			storeError(c, err)
			return
		}
		room := storage.NewRoom(code)
		if err := s.Store.CreateRoom(ctx, room); err != nil {
			storeError(c, err)
			return
		}
		log.Info().Str("code", code).Msg("room created")
		c.JSON(http.StatusCreated, gin.H{"roomCode": code, "room": room})
		return
	}

	var err error
	for i := 0; i < createTries; i++ {
		room := storage.NewRoom(s.newCode())
		if err = s.Store.CreateRoom(ctx, room); err == nil {
			log.Info().Str("code", room.Code).Msg("room created")
			c.JSON(http.StatusCreated, gin.H{"roomCode": room.Code, "room": room})
			return
		}
		if !errors.Is(err, storage.ErrRoomExists) {
			break
		}
	}
	storeError(c, err)
}

func (s *Server) getRoom(c *gin.Context) {
	code, ok := roomCode(c)
	if !ok {
		return
	}
	room, err := s.Store.GetRoom(c.Request.Context(), code)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (s *Server) saveRoom(c *gin.Context) {
	code, ok := roomCode(c)
	if !ok {
		return
	}
	var room game.Room
	if err := c.ShouldBindJSON(&room); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if !room.Phase.Valid() || !room.Settings.Valid() || room.Round < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room"})
		return
	}
	room.Code = code
	if err := s.Store.SaveRoom(c.Request.Context(), room); err != nil {
		storeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) upsertPlayer(c *gin.Context) {
	code, ok := roomCode(c)
	if !ok {
		return
	}
	var p game.Player
	if err := c.ShouldBindJSON(&p); err != nil || p.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_player"})
		return
	}
	if p.Status != "" && !p.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
		return
	}
	p.Name = game.CleanName(p.Name)
	seat, err := s.Store.UpsertPlayer(c.Request.Context(), code, p)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"seatNumber": seat})
}

func (s *Server) listPlayers(c *gin.Context) {
	code, ok := roomCode(c)
	if !ok {
		return
	}
	players, err := s.Store.ListPlayers(c.Request.Context(), code)
	if err != nil {
		storeError(c, err)
		return
	}
	if players == nil {
		players = []game.Player{}
	}
	c.JSON(http.StatusOK, gin.H{"players": players})
}

func (s *Server) joinURL(c *gin.Context, code string) string {
	base := strings.TrimSuffix(s.PublicURL, "/")
	if base == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		base = scheme + "://" + c.Request.Host
	}
	return base + "/room/" + code
}

// qr serves a PNG QR code of the room's join link.
func (s *Server) qr(c *gin.Context) {
	code, ok := roomCode(c)
	if !ok {
		return
	}
	png, err := qrcode.Encode(s.joinURL(c, code), qrcode.Medium, qrSize)
	if err != nil {
		log.Error().Err(err).Str("code", code).Msg("qr generation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "qr_failed"})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (s *Server) generateScript(c *gin.Context) {
	var req ai.ScriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	gen := s.Generator
	if gen == nil {
		gen = &ai.ScriptWriter{}
	}
	timeout := s.GenerateTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	script, err := gen.GenerateScript(ctx, req)
	if err != nil {
		log.Error().Err(err).Int("characters", len(req.Descriptions)).Msg("script generation failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "generation_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"script": script})
}

type migrateReq struct {
	RoomCode string `json:"roomCode"`
}

// migrate applies pending migrations and, for a named room, seats every
// player recorded without a seat number.
func (s *Server) migrate(c *gin.Context) {
	var req migrateReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	ctx := c.Request.Context()
	if err := s.Store.Migrate(ctx); err != nil {
		log.Error().Err(err).Msg("migrate")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "migration_failed"})
		return
	}
	assigned := 0
	if req.RoomCode != "" {
		code, err := storage.NormalizeCode(req.RoomCode)
		if err != nil {
			storeError(c, err)
			return
		}
		if assigned, err = s.Store.AssignMissingSeats(ctx, code); err != nil {
			storeError(c, err)
			return
		}
		log.Info().Str("code", code).Int("assigned", assigned).Msg("seats assigned")
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "assigned": assigned})
}

func (s *Server) debug(c *gin.Context) {
	stats, err := s.Store.Stats(c.Request.Context())
	if err != nil {
		storeError(c, err)
		return
	}
	resp := gin.H{"stats": stats}
	if s.Relay != nil {
		resp["hubs"] = s.Relay.Stats()
	}
	c.JSON(http.StatusOK, resp)
}
