// Package agentclient talks to a running session agent over its local API.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"cocktail-auth/internal/domain"
	"cocktail-auth/internal/session"
	ws "cocktail-auth/internal/websocket"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx reply from the agent
type APIError struct {
	StatusCode int
	Message    string
	Fields     map[string][]string
}

func (e *APIError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}

	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(e.Message)
	for _, name := range names {
		for _, msg := range e.Fields[name] {
			fmt.Fprintf(&b, "\n  %s: %s", name, msg)
		}
	}
	return b.String()
}

// State is the agent's view of the session
type State struct {
	Phase           session.Phase    `json:"phase"`
	User            *domain.Identity `json:"user"`
	ServerConfirmed bool             `json:"server_confirmed"`
	ConfirmedAt     *time.Time       `json:"confirmed_at,omitempty"`
}

type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	dialer     *websocket.Dialer
}

func New(baseURL string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid agent url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid agent url %q: scheme must be http or https", baseURL)
	}

	return &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: defaultTimeout},
		dialer:     websocket.DefaultDialer,
	}, nil
}

func (c *Client) State(ctx context.Context) (*State, error) {
	var state State
	if err := c.call(ctx, http.MethodGet, "/session", nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Check asks the agent to confirm its identity with the server
func (c *Client) Check(ctx context.Context) (*State, error) {
	var state State
	if err := c.call(ctx, http.MethodPost, "/session/check", nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *Client) Login(ctx context.Context, email, password string) (*domain.Identity, error) {
	body := map[string]string{"email": email, "password": password}
	return c.callIdentity(ctx, http.MethodPost, "/session/login", body)
}

func (c *Client) Logout(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/session/logout", nil, nil)
}

func (c *Client) UpdateProfile(ctx context.Context, update domain.ProfileUpdate) (*domain.Identity, error) {
	return c.callIdentity(ctx, http.MethodPut, "/session/profile", update)
}

func (c *Client) Register(ctx context.Context, reg domain.Registration) (*domain.Identity, error) {
	return c.callIdentity(ctx, http.MethodPost, "/session/register", reg)
}

// Watch streams identity and redirect messages for a client sitting on path
// until ctx is done or the agent closes the stream.
func (c *Client) Watch(ctx context.Context, path string, fn func(ws.ServerMessage)) error {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/identity"
	if path != "" {
		u.RawQuery = url.Values{"path": {path}}.Encode()
	}

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to open identity stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		var msg ws.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("identity stream: %w", err)
		}
		fn(msg)
	}
}

func (c *Client) callIdentity(ctx context.Context, method, path string, body any) (*domain.Identity, error) {
	var data struct {
		User *domain.Identity `json:"user"`
	}
	if err := c.call(ctx, method, path, body, &data); err != nil {
		return nil, err
	}
	if data.User == nil {
		return nil, errors.New("agent reply has no user")
	}
	return data.User, nil
}

func (c *Client) call(ctx context.Context, method, path string, body, dst any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("session agent unreachable: %w", err)
	}
	defer resp.Body.Close()

	var env session.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode agent reply (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode >= http.StatusBadRequest || !env.Succeeded() {
		message := env.Message
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: message, Fields: env.Errors}
	}

	if dst == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("failed to decode agent data: %w", err)
	}
	return nil
}
