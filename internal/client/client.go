// Package client talks to a running agent's control endpoints.
package client

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

	"github.com/google/uuid"

	"github.com/stellarlinkco/pvedge/internal/control"
)

// Endpoint paths served by the gateway.
const (
	ControlPath = "/_pvedge/control"
	HealthPath  = "/_pvedge/health"
)

var (
	ErrGameIDRequired = errors.New("game id is required")
	// ErrNoReply is returned when the agent accepted a message without
	// acknowledging it, as it does for games it does not know.
	ErrNoReply = errors.New("agent sent no reply")
)

// StatusError carries a non-2xx answer from the agent.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent returned %d: %s", e.Code, strings.TrimSpace(e.Body))
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string, httpClient *http.Client) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("new client: base URL is required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("new client: parse base URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("new client: base URL must include scheme and host")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(trimmed, "/"), httpClient: httpClient}, nil
}

// PreloadGame asks the agent to cache every asset of a game.
func (c *Client) PreloadGame(ctx context.Context, gameID string) (control.Reply, error) {
	gameID = strings.TrimSpace(gameID)
	if gameID == "" {
		return control.Reply{}, ErrGameIDRequired
	}
	return c.send(ctx, control.Message{Type: control.TypePreloadGame, GameID: gameID})
}

// ForceUpdate asks the agent to refetch every partition in place.
func (c *Client) ForceUpdate(ctx context.Context) (control.Reply, error) {
	return c.send(ctx, control.Message{Type: control.TypeForceUpdate})
}

func (c *Client) Health(ctx context.Context) (control.Health, error) {
	var h control.Health
	raw, status, err := c.do(ctx, http.MethodGet, HealthPath, nil)
	if err != nil {
		return h, err
	}
	if status != http.StatusOK {
		return h, &StatusError{Code: status, Body: string(raw)}
	}
	if err := json.Unmarshal(raw, &h); err != nil {
		return h, fmt.Errorf("decode health: %w", err)
	}
	return h, nil
}

func (c *Client) send(ctx context.Context, msg control.Message) (control.Reply, error) {
	msg.ID = uuid.NewString()
	msg.Reply = true

	raw, status, err := c.do(ctx, http.MethodPost, ControlPath, msg)
	if err != nil {
		return control.Reply{}, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNoContent:
		return control.Reply{}, ErrNoReply
	default:
		return control.Reply{}, &StatusError{Code: status, Body: string(raw)}
	}

	var reply control.Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return control.Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	if !reply.Success {
		return reply, fmt.Errorf("%s failed: %s", msg.Type, reply.Error)
	}
	return reply, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			return nil, 0, fmt.Errorf("encode request: %w", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, 0, fmt.Errorf("new request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}
	return raw, resp.StatusCode, nil
}
