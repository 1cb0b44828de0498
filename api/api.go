// api/api.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/wfunc/codenames-client/models"
)

const defaultTimeout = 10 * time.Second

var (
	ErrGameNotFound = errors.New("game not found")
	ErrEmptyCode    = errors.New("game code is empty")
)

// StatusError is a non-2xx answer from the lobby API.
type StatusError struct {
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("lobby api: status %s, body: %s", e.Status, e.Body)
}

// Client talks to the lobby HTTP API that creates and looks up games.
type Client struct {
	base string
	http *http.Client
}

func NewClient(base string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{base: strings.TrimRight(base, "/"), http: httpClient}
}

// NormalizeCode trims and upper-cases a code typed by a player.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

type createGameResponse struct {
	GameID string `json:"game_id"`
}

type existsResponse struct {
	Exists bool `json:"exists"`
}

// CreateGame 创建新游戏, returns its code.
func (c *Client) CreateGame(ctx context.Context) (string, error) {
	var resp createGameResponse
	if err := c.do(ctx, http.MethodPost, "/games", &resp); err != nil {
		return "", fmt.Errorf("failed to create game: %w", err)
	}
	if resp.GameID == "" {
		return "", errors.New("failed to create game: empty game_id")
	}
	return resp.GameID, nil
}

// GameExists 检查游戏是否存在
func (c *Client) GameExists(ctx context.Context, code string) (bool, error) {
	code = NormalizeCode(code)
	if code == "" {
		return false, ErrEmptyCode
	}
	var resp existsResponse
	if err := c.do(ctx, http.MethodGet, "/games/"+url.PathEscape(code)+"/exists", &resp); err != nil {
		return false, fmt.Errorf("failed to check game %s: %w", code, err)
	}
	return resp.Exists, nil
}

// FetchState reads the current snapshot without joining over the websocket.
func (c *Client) FetchState(ctx context.Context, code string) (*models.Snapshot, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, ErrEmptyCode
	}
	snap := new(models.Snapshot)
	if err := c.do(ctx, http.MethodGet, "/games/"+url.PathEscape(code), snap); err != nil {
		return nil, fmt.Errorf("failed to fetch game %s: %w", code, err)
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrGameNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Status: resp.Status, Body: string(b)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// ShareQR renders content (a code or a join link) as a QR code made of
// unicode half blocks, small enough for a terminal.
func ShareQR(content string) (string, error) {
	q, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return "", err
	}
	return q.ToSmallString(false), nil
}

// WriteQRFile writes content as a PNG QR code of size pixels.
func WriteQRFile(content, filename string, size int) error {
	return qrcode.WriteFile(content, qrcode.Medium, size, filename)
}
