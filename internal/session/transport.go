package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"cocktail-auth/internal/domain"
)

const (
	// StatusTokenMismatch is the status the backend answers when the anti-forgery
	// token is missing or stale.
	StatusTokenMismatch = 419

	// TokenHeader carries the anti-forgery token on outgoing requests
	TokenHeader = "X-XSRF-TOKEN"

	defaultTransportTimeout = 10 * time.Second
	maxResponseBody         = 1 << 20
)

// Transport issues credentialed requests against the backend. Implementations must
// share cookie state between calls.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// Request describes one backend call
type Request struct {
	Method string
	Path   string
	Body   any
	// Token is sent in TokenHeader when non-empty
	Token string
}

// Response is a decoded backend reply
type Response struct {
	StatusCode int
	Header     http.Header
	Envelope   Envelope
}

// Envelope is the JSON wrapper every backend reply uses
type Envelope struct {
	Status  string              `json:"status"`
	Message string              `json:"message"`
	Data    json.RawMessage     `json:"data,omitempty"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

// Succeeded reports whether the envelope carries the success marker
func (e Envelope) Succeeded() bool {
	return e.Status == "success"
}

// Identity extracts data.user, falling back to data itself.
func (e Envelope) Identity() (*domain.Identity, error) {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil, errors.New("response has no data")
	}

	var wrapped struct {
		User json.RawMessage `json:"user"`
	}
	payload := e.Data
	if err := json.Unmarshal(e.Data, &wrapped); err == nil && len(wrapped.User) > 0 && string(wrapped.User) != "null" {
		payload = wrapped.User
	}

	var identity domain.Identity
	if err := json.Unmarshal(payload, &identity); err != nil {
		return nil, fmt.Errorf("failed to decode identity: %w", err)
	}
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	return &identity, nil
}

// HTTPTransport is a Transport backed by net/http with a cookie jar
type HTTPTransport struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// TransportOption customizes an HTTPTransport
type TransportOption func(*HTTPTransport)

// WithHTTPClient replaces the underlying client. A client without a cookie jar gets one.
func WithHTTPClient(client *http.Client) TransportOption {
	return func(t *HTTPTransport) {
		if client != nil {
			t.httpClient = client
		}
	}
}

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) TransportOption {
	return func(t *HTTPTransport) {
		if d > 0 {
			t.httpClient.Timeout = d
		}
	}
}

// NewHTTPTransport creates a transport for the backend at baseURL
func NewHTTPTransport(baseURL string, opts ...TransportOption) (*HTTPTransport, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend url %q: scheme must be http or https", baseURL)
	}

	t := &HTTPTransport{
		baseURL: u,
		httpClient: &http.Client{
			Timeout: defaultTransportTimeout,
		},
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		t.httpClient.Jar = jar
	}

	return t, nil
}

// BaseURL returns the backend root
func (t *HTTPTransport) BaseURL() *url.URL {
	u := *t.baseURL
	return &u
}

// Client exposes the cookie-carrying client so a TokenStore can share the jar
func (t *HTTPTransport) Client() *http.Client {
	return t.httpClient
}

func (t *HTTPTransport) resolve(path string) *url.URL {
	return t.baseURL.ResolveReference(&url.URL{Path: strings.TrimLeft(path, "/")})
}

// Do sends the request and decodes the envelope. A non-nil error means the request
// did not complete; HTTP error statuses are reported through Response.StatusCode.
func (t *HTTPTransport) Do(ctx context.Context, r *Request) (*Response, error) {
	var body io.Reader
	if r.Body != nil {
		data, err := json.Marshal(r.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, t.resolve(r.Path).String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	setProtocolHeaders(req, r.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header}
	if len(bytes.TrimSpace(raw)) > 0 {
		// Non-JSON bodies (plain-text errors from proxies) leave the envelope empty.
		_ = json.Unmarshal(raw, &out.Envelope)
	}
	return out, nil
}

func setProtocolHeaders(req *http.Request, token string) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}
}
