package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cocktail-auth/internal/domain"
)

type routeFunc func(req *Request) (*Response, error)

// scriptedTransport answers requests from per-route handlers and counts calls
type scriptedTransport struct {
	mu       sync.Mutex
	routes   map[string]routeFunc
	calls    map[string]int
	requests []Request
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		routes: make(map[string]routeFunc),
		calls:  make(map[string]int),
	}
}

func (t *scriptedTransport) on(method, path string, fn routeFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[method+" "+path] = fn
}

// sequence answers with the given replies in order, repeating the last one
func (t *scriptedTransport) sequence(method, path string, replies ...routeFunc) {
	var (
		mu sync.Mutex
		i  int
	)
	t.on(method, path, func(req *Request) (*Response, error) {
		mu.Lock()
		fn := replies[i]
		if i < len(replies)-1 {
			i++
		}
		mu.Unlock()
		return fn(req)
	})
}

func (t *scriptedTransport) count(method, path string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[method+" "+path]
}

func (t *scriptedTransport) total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

func (t *scriptedTransport) Do(_ context.Context, req *Request) (*Response, error) {
	key := req.Method + " " + req.Path
	t.mu.Lock()
	t.calls[key]++
	t.requests = append(t.requests, *req)
	fn, ok := t.routes[key]
	t.mu.Unlock()

	if !ok {
		return &Response{StatusCode: 404, Envelope: Envelope{Status: "error", Message: "no route " + key}}, nil
	}
	return fn(req)
}

func reply(status int, env Envelope) routeFunc {
	return func(*Request) (*Response, error) {
		return &Response{StatusCode: status, Envelope: env}, nil
	}
}

func replyUser(identity domain.Identity) routeFunc {
	return reply(200, userEnvelope(identity))
}

func replyStatus(status int) routeFunc {
	return reply(status, Envelope{Status: "fail"})
}

func replyNetworkError() routeFunc {
	return func(*Request) (*Response, error) {
		return nil, errors.New("connection refused")
	}
}

func userEnvelope(identity domain.Identity) Envelope {
	data, err := json.Marshal(map[string]any{"user": identity})
	if err != nil {
		panic(err)
	}
	return Envelope{Status: "success", Data: data}
}

// fakeTokens hands out a new token on every refresh
type fakeTokens struct {
	mu         sync.Mutex
	refreshes  int
	discards   int
	refreshErr error
	token      domain.AntiForgeryToken
}

func (f *fakeTokens) Refresh(context.Context) (domain.AntiForgeryToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return domain.AntiForgeryToken{}, f.refreshErr
	}
	f.token = domain.AntiForgeryToken{Value: fmt.Sprintf("token-%d", f.refreshes), AcquiredAt: time.Now()}
	return f.token, nil
}

func (f *fakeTokens) Current() (domain.AntiForgeryToken, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, !f.token.IsZero()
}

func (f *fakeTokens) Discard() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discards++
	f.token = domain.AntiForgeryToken{}
}

func (f *fakeTokens) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

type fakeCache struct {
	mu       sync.Mutex
	identity *domain.Identity
	clearErr error
	saveErr  error
	// validate makes Save reject incomplete identities like the real backends
	validate bool
}

func (f *fakeCache) Load(context.Context) *domain.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity.Clone()
}

func (f *fakeCache) Save(_ context.Context, identity domain.Identity) error {
	if f.validate {
		if err := identity.Validate(); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.identity = &identity
	return nil
}

func (f *fakeCache) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identity = nil
	return f.clearErr
}

// sleepRecorder returns immediately and remembers the requested durations
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.delays))
	copy(out, s.delays)
	return out
}

// recorder keeps every value a broadcast subscriber received
type recorder struct {
	mu     sync.Mutex
	values []*domain.Identity
}

func (r *recorder) handle(identity *domain.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, identity)
}

func (r *recorder) all() []*domain.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Identity, len(r.values))
	copy(out, r.values)
	return out
}

type harness struct {
	transport *scriptedTransport
	tokens    *fakeTokens
	cache     *fakeCache
	sleeper   *sleepRecorder
	coord     *Coordinator
}

func newHarness(opts ...Option) *harness {
	h := &harness{
		transport: newScriptedTransport(),
		tokens:    &fakeTokens{},
		cache:     &fakeCache{},
		sleeper:   &sleepRecorder{},
	}
	opts = append([]Option{WithSleep(h.sleeper.sleep)}, opts...)
	h.coord = NewCoordinator(h.transport, h.tokens, h.cache, NewBroadcast(), opts...)
	return h
}

// withCached seeds the cache and restores it into the coordinator
func (h *harness) withCached(identity domain.Identity) *harness {
	h.cache.identity = &identity
	h.coord.Resume(context.Background())
	h.tokens.mu.Lock()
	h.tokens.refreshes = 0
	h.tokens.mu.Unlock()
	return h
}

var (
	alice = domain.Identity{ID: "1", Name: "A", Email: "a@b.com", Role: domain.RoleStandard}
	admin = domain.Identity{ID: "2", Name: "Root", Email: "root@b.com", Role: domain.RoleAdmin}
)
