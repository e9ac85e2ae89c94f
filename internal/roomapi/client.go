// Package roomapi talks to the HTTP API for Go clients: the durable room
// record, seat numbers and script generation.
package roomapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MainTabletop/BZN-plot-twist/internal/ai"
	"github.com/MainTabletop/BZN-plot-twist/internal/game"
	"github.com/MainTabletop/BZN-plot-twist/internal/storage"
)

// ErrStatus is wrapped by every non-2xx response that has no better
// mapping.
var ErrStatus = errors.New("unexpected status")

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 90 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		switch resp.StatusCode {
		case http.StatusNotFound:
			return storage.ErrRoomNotFound
		case http.StatusConflict:
			return storage.ErrRoomExists
		}
		return fmt.Errorf("%w %d: %s", ErrStatus, resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func roomPath(code string) string {
	return "/api/rooms/" + url.PathEscape(code)
}

// CreateRoom asks the server for a fresh room code.
func (c *Client) CreateRoom(ctx context.Context) (string, error) {
	var out struct {
		RoomCode string `json:"roomCode"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/rooms", nil, &out); err != nil {
		return "", err
	}
	return out.RoomCode, nil
}

func (c *Client) GetRoom(ctx context.Context, code string) (game.Room, error) {
	var room game.Room
	err := c.do(ctx, http.MethodGet, roomPath(code), nil, &room)
	return room, err
}

// EnsureRoom returns the room record, creating it in the lobby when the
// server has none.
func (c *Client) EnsureRoom(ctx context.Context, code string) (game.Room, error) {
	room, err := c.GetRoom(ctx, code)
	if !errors.Is(err, storage.ErrRoomNotFound) {
		return room, err
	}
	req := struct {
		RoomCode string `json:"roomCode"`
	}{code}
	err = c.do(ctx, http.MethodPost, "/api/rooms", req, nil)
	if err != nil && !errors.Is(err, storage.ErrRoomExists) {
		return game.Room{}, err
	}
	return c.GetRoom(ctx, code)
}

func (c *Client) SaveRoom(ctx context.Context, room game.Room) error {
	return c.do(ctx, http.MethodPut, roomPath(room.Code), room, nil)
}

func (c *Client) UpsertPlayer(ctx context.Context, code string, p game.Player) (int, error) {
	var out struct {
		SeatNumber int `json:"seatNumber"`
	}
	if err := c.do(ctx, http.MethodPost, roomPath(code)+"/players", p, &out); err != nil {
		return 0, err
	}
	return out.SeatNumber, nil
}

func (c *Client) GenerateScript(ctx context.Context, req ai.ScriptRequest) (string, error) {
	var out struct {
		Script string `json:"script"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/generate-script", req, &out); err != nil {
		return "", fmt.Errorf("generate script: %w", err)
	}
	return out.Script, nil
}
