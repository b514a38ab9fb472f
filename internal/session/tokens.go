package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"cocktail-auth/internal/domain"
)

const (
	// DefaultTokenPath is the endpoint that issues the anti-forgery cookie
	DefaultTokenPath = "/sanctum/csrf-cookie"
	// DefaultTokenCookie is the cookie the backend stores the token in
	DefaultTokenCookie = "XSRF-TOKEN"

	// MaxTokenVisibilityWait bounds how long Refresh waits for the cookie to show up
	// in the jar after the token response resolved.
	MaxTokenVisibilityWait = 500 * time.Millisecond

	tokenPollInterval = 50 * time.Millisecond
)

var ErrTokenUnavailable = errors.New("anti-forgery token not visible after refresh")

// TokenStore holds the most recently observed anti-forgery token
type TokenStore interface {
	Refresh(ctx context.Context) (domain.AntiForgeryToken, error)
	Current() (domain.AntiForgeryToken, bool)
	Discard()
}

// CookieTokenStore reads the token out of the cookie jar it shares with the transport
type CookieTokenStore struct {
	client     *http.Client
	baseURL    *url.URL
	path       string
	cookieName string
	wait       time.Duration
	now        func() time.Time

	mu    sync.Mutex
	token domain.AntiForgeryToken
}

// TokenStoreOption customizes a CookieTokenStore
type TokenStoreOption func(*CookieTokenStore)

// WithTokenPath overrides the token-issuing endpoint
func WithTokenPath(path string) TokenStoreOption {
	return func(s *CookieTokenStore) {
		if path != "" {
			s.path = path
		}
	}
}

// WithTokenCookie overrides the cookie name
func WithTokenCookie(name string) TokenStoreOption {
	return func(s *CookieTokenStore) {
		if name != "" {
			s.cookieName = name
		}
	}
}

// WithVisibilityWait sets how long to poll the jar; values above
// MaxTokenVisibilityWait are clamped.
func WithVisibilityWait(d time.Duration) TokenStoreOption {
	return func(s *CookieTokenStore) {
		if d < 0 {
			d = 0
		}
		if d > MaxTokenVisibilityWait {
			d = MaxTokenVisibilityWait
		}
		s.wait = d
	}
}

// NewCookieTokenStore creates a token store sharing the transport's cookie jar
func NewCookieTokenStore(t *HTTPTransport, opts ...TokenStoreOption) *CookieTokenStore {
	s := &CookieTokenStore{
		client:     t.Client(),
		baseURL:    t.BaseURL(),
		path:       DefaultTokenPath,
		cookieName: DefaultTokenCookie,
		wait:       300 * time.Millisecond,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Refresh asks the backend for a fresh token and returns it once visible in the jar.
func (s *CookieTokenStore) Refresh(ctx context.Context) (domain.AntiForgeryToken, error) {
	target := s.baseURL.ResolveReference(&url.URL{Path: strings.TrimLeft(s.path, "/")})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return domain.AntiForgeryToken{}, fmt.Errorf("failed to create token request: %w", err)
	}
	setProtocolHeaders(req, "")

	resp, err := s.client.Do(req)
	if err != nil {
		return domain.AntiForgeryToken{}, fmt.Errorf("token refresh failed: %w", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.AntiForgeryToken{}, fmt.Errorf("token refresh failed: unexpected status code: %d", resp.StatusCode)
	}

	// The cookie commit is not guaranteed to be observable the moment the response
	// resolves, so re-read for a bounded time.
	deadline := s.now().Add(s.wait)
	for {
		if value, ok := s.readCookie(); ok {
			token := domain.AntiForgeryToken{Value: value, AcquiredAt: s.now()}
			s.mu.Lock()
			s.token = token
			s.mu.Unlock()
			return token, nil
		}
		if !s.now().Before(deadline) {
			return domain.AntiForgeryToken{}, ErrTokenUnavailable
		}
		select {
		case <-ctx.Done():
			return domain.AntiForgeryToken{}, ctx.Err()
		case <-time.After(tokenPollInterval):
		}
	}
}

// Current returns the stored token, or the one visible in the jar if none was stored.
func (s *CookieTokenStore) Current() (domain.AntiForgeryToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if value, ok := s.readCookie(); ok {
		if value != s.token.Value {
			s.token = domain.AntiForgeryToken{Value: value, AcquiredAt: s.now()}
		}
		return s.token, true
	}
	return s.token, !s.token.IsZero()
}

// Discard forgets the token and expires the cookie in the jar
func (s *CookieTokenStore) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = domain.AntiForgeryToken{}
	if s.client.Jar == nil {
		return
	}
	s.client.Jar.SetCookies(s.baseURL, []*http.Cookie{{
		Name:   s.cookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	}})
}

func (s *CookieTokenStore) readCookie() (string, bool) {
	if s.client.Jar == nil {
		return "", false
	}
	for _, c := range s.client.Jar.Cookies(s.baseURL) {
		if c.Name != s.cookieName || c.Value == "" {
			continue
		}
		// The backend URL-encodes the cookie value
		if decoded, err := url.QueryUnescape(c.Value); err == nil {
			return decoded, true
		}
		return c.Value, true
	}
	return "", false
}
