package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"cocktail-auth/internal/domain"
	"cocktail-auth/internal/observability"
)

const (
	// DefaultSettleDelay is how long login waits for the session cookie to be
	// committed before asking the server to confirm the identity.
	DefaultSettleDelay = 1200 * time.Millisecond

	// DefaultTokenMaxAge is the age after which a stored token is refreshed before a
	// state-changing request.
	DefaultTokenMaxAge = 30 * time.Minute
)

var errRejectedAfterRefresh = errors.New("anti-forgery token rejected again after refresh")

const (
	opLogin    = "login"
	opLogout   = "logout"
	opIdentity = "identity"
	opProfile  = "update_profile"
	opRegister = "register"
	opResume   = "resume"
)

// Endpoints are the backend paths the coordinator calls
type Endpoints struct {
	Login     string
	Logout    string
	Whoami    string
	Secondary string
	Profile   string
	Register  string
}

// DefaultEndpoints returns the backend's standard routes
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Login:     "/api/login",
		Logout:    "/api/logout",
		Whoami:    "/api/me",
		Secondary: "/api/user",
		Profile:   "/api/profile",
		Register:  "/api/register",
	}
}

// Coordinator owns every session state transition and keeps the identity cache,
// the token store and the broadcast consistent with each other.
type Coordinator struct {
	transport Transport
	tokens    TokenStore
	cache     IdentityCache
	broadcast *Broadcast

	endpoints           Endpoints
	settleDelay         time.Duration
	tokenMaxAge         time.Duration
	policy              RetryPolicy
	clearOnUnauthorized bool
	logger              *slog.Logger
	sleep               func(ctx context.Context, d time.Duration) error
	now                 func() time.Time

	// opMu serializes public operations
	opMu  sync.Mutex
	probe singleflight.Group

	stateMu sync.RWMutex
	state   State
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithSettleDelay overrides DefaultSettleDelay
func WithSettleDelay(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.settleDelay = d
		}
	}
}

// WithRetryPolicy overrides DefaultRetryPolicy
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Coordinator) {
		c.policy = p.normalized()
	}
}

// WithEndpoints overrides DefaultEndpoints
func WithEndpoints(e Endpoints) Option {
	return func(c *Coordinator) {
		c.endpoints = e
	}
}

// WithLogger sets the logger used for non-fatal failures
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSleep replaces the context-aware sleep used for the settle delay and backoff.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithClearOnUnauthorized makes every re-validation path sign the user out locally
// when both identity endpoints answer 401 after the retries are exhausted.
// By default the cached identity is trusted instead.
func WithClearOnUnauthorized() Option {
	return func(c *Coordinator) {
		c.clearOnUnauthorized = true
	}
}

// NewCoordinator wires the coordinator to its collaborators
func NewCoordinator(transport Transport, tokens TokenStore, cache IdentityCache, broadcast *Broadcast, opts ...Option) *Coordinator {
	if broadcast == nil {
		broadcast = NewBroadcast()
	}
	c := &Coordinator{
		transport:   transport,
		tokens:      tokens,
		cache:       cache,
		broadcast:   broadcast,
		endpoints:   DefaultEndpoints(),
		settleDelay: DefaultSettleDelay,
		tokenMaxAge: DefaultTokenMaxAge,
		policy:      DefaultRetryPolicy(),
		sleep:       sleepContext,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = observability.FromContext(context.Background())
	}
	return c
}

// Broadcast returns the identity broadcast the coordinator publishes to
func (c *Coordinator) Broadcast() *Broadcast {
	return c.broadcast
}

// State returns a snapshot of the current session
func (c *Coordinator) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state.clone()
}

// Resume restores the cached identity at process start. The token is refreshed
// only when there is an identity that will need it.
func (c *Coordinator) Resume(ctx context.Context) *domain.Identity {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	defer c.observe(opResume, time.Now(), nil)

	identity := c.cache.Load(ctx)
	c.setState(State{Identity: identity})
	c.broadcast.Publish(identity)

	if identity != nil {
		c.refreshToken(ctx, opResume)
	}
	return identity.Clone()
}

// Reconcile adopts the cached identity when another process changed it. It never
// contacts the server.
func (c *Coordinator) Reconcile(ctx context.Context) *domain.Identity {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	cached := c.cache.Load(ctx)
	current := c.State()
	if cached.Equal(current.Identity) {
		return cached
	}

	c.logger.Info("identity changed outside this process",
		"previous_phase", current.Phase(),
		"present", cached != nil,
	)
	c.setState(State{Identity: cached})
	c.broadcast.Publish(cached)
	return cached.Clone()
}

// Login signs in with email and password. Once the backend accepts the credentials
// the call succeeds even if the follow-up server confirmation does not.
func (c *Coordinator) Login(ctx context.Context, email, password string) (identity *domain.Identity, err error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	defer c.observe(opLogin, time.Now(), &err)

	// Never show a stale identity while a login is in flight.
	if clearErr := c.clearIdentity(ctx); clearErr != nil {
		c.logger.Warn("failed to clear cached identity before login", "error", clearErr)
	}

	c.refreshToken(ctx, opLogin)

	body := map[string]string{"email": email, "password": password}
	resp, err := c.send(ctx, opLogin, http.MethodPost, c.endpoints.Login, body, true)
	if err != nil {
		return nil, err
	}

	identity, decodeErr := resp.Envelope.Identity()
	if decodeErr != nil {
		return nil, &AuthError{Kind: ErrServerError, Op: opLogin, Status: resp.StatusCode, Err: decodeErr}
	}
	c.adopt(ctx, identity, false)

	if err := c.sleep(ctx, c.settleDelay); err != nil {
		c.logger.Warn("login confirmation skipped", "error", err)
		return identity.Clone(), nil
	}

	confirmed, confirmErr := c.identityWithRetry(ctx)
	switch {
	case confirmErr != nil && c.State().Identity == nil:
		// Only reachable with WithClearOnUnauthorized: the server disowned the session.
		return nil, confirmErr
	case confirmErr != nil:
		c.logger.Warn("login not confirmed by server", "error", confirmErr)
		return identity.Clone(), nil
	case !c.State().ServerConfirmed:
		c.logger.Warn("login not confirmed by server, using local identity", "user_id", identity.ID)
	}
	if confirmed == nil {
		return identity.Clone(), nil
	}
	return confirmed.Clone(), nil
}

// Logout ends the session. Local teardown always happens; the remote call is best
// effort and its failure is only logged. The returned error reports local failures.
func (c *Coordinator) Logout(ctx context.Context) (err error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	defer c.observe(opLogout, time.Now(), &err)

	c.refreshToken(ctx, opLogout)
	if _, remoteErr := c.send(ctx, opLogout, http.MethodPost, c.endpoints.Logout, nil, false); remoteErr != nil {
		c.logger.Warn("remote logout failed", "error", remoteErr)
	}

	// The caller's context may already be cancelled; teardown must still run.
	return c.teardown(context.WithoutCancel(ctx))
}

// IdentityWithRetry asks the server who the cached user is. Without a cached
// identity it returns (nil, nil) and makes no request. Concurrent callers share one
// probe.
func (c *Coordinator) IdentityWithRetry(ctx context.Context) (*domain.Identity, error) {
	v, err, _ := c.probe.Do(opIdentity, func() (any, error) {
		c.opMu.Lock()
		defer c.opMu.Unlock()

		var err error
		defer c.observe(opIdentity, time.Now(), &err)
		identity, err := c.identityWithRetry(ctx)
		return identity, err
	})
	identity, _ := v.(*domain.Identity)
	return identity.Clone(), err
}

// SilentCheck re-validates without ever failing: it returns the server identity if
// obtainable, otherwise whatever is known locally.
func (c *Coordinator) SilentCheck(ctx context.Context) *domain.Identity {
	identity, err := c.IdentityWithRetry(ctx)
	if err != nil {
		c.logger.Debug("silent check failed", "error", err)
		return c.State().Identity
	}
	return identity
}

// HandleAccountEvent runs a silent check when event concerns the signed-in user.
// It reports whether a check ran.
func (c *Coordinator) HandleAccountEvent(ctx context.Context, event domain.AccountEvent) bool {
	current := c.State().Identity
	if current == nil || current.ID != event.UserID {
		return false
	}
	c.logger.Info("account changed on the server, re-checking session",
		"event", string(event.Type), "user_id", event.UserID)
	c.SilentCheck(ctx)
	return true
}

// UpdateProfile changes the signed-in user's profile. Non-password changes are shown
// immediately and rolled back if the server rejects them; password changes are only
// applied once the server accepts them.
func (c *Coordinator) UpdateProfile(ctx context.Context, update domain.ProfileUpdate) (identity *domain.Identity, err error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	defer c.observe(opProfile, time.Now(), &err)

	previous := c.State()
	if previous.Identity == nil {
		return nil, &AuthError{Kind: ErrNotAuthenticated, Op: opProfile}
	}
	if update.IsEmpty() {
		return nil, &AuthError{Kind: ErrValidationFailed, Op: opProfile, Message: "Nothing to update."}
	}

	merged := update.ApplyTo(*previous.Identity)
	if fields := incompleteFields(merged); fields != nil {
		return nil, &AuthError{Kind: ErrValidationFailed, Op: opProfile, Message: "The given data was invalid.", Fields: fields}
	}
	optimistic := !update.ChangesPassword()
	if optimistic {
		c.adopt(ctx, &merged, previous.ServerConfirmed)
	}

	c.ensureToken(ctx, opProfile)
	resp, err := c.send(ctx, opProfile, http.MethodPut, c.endpoints.Profile, update, false)
	if err != nil {
		if optimistic {
			c.adopt(ctx, previous.Identity, previous.ServerConfirmed)
		}
		return nil, err
	}

	server, decodeErr := resp.Envelope.Identity()
	if decodeErr != nil {
		server = &merged
	}
	c.adopt(ctx, server, true)
	return server.Clone(), nil
}

// Register creates an account. It does not sign the new user in.
func (c *Coordinator) Register(ctx context.Context, reg domain.Registration) (identity *domain.Identity, err error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	defer c.observe(opRegister, time.Now(), &err)

	c.ensureToken(ctx, opRegister)
	resp, err := c.send(ctx, opRegister, http.MethodPost, c.endpoints.Register, reg, false)
	if err != nil {
		return nil, err
	}
	created, decodeErr := resp.Envelope.Identity()
	if decodeErr != nil {
		c.logger.Debug("registration response carried no identity", "error", decodeErr)
		return nil, nil
	}
	return created, nil
}

// identityWithRetry drives the retry machine. Callers hold opMu.
func (c *Coordinator) identityWithRetry(ctx context.Context) (*domain.Identity, error) {
	if c.localIdentity(ctx) == nil {
		return nil, nil
	}

	var (
		confirmed *domain.Identity
		lastErr   error
	)
	st, eff := Step(RetryState{}, EventStart, c.policy)
	for eff.Kind != EffectFallback {
		switch eff.Kind {
		case EffectRefreshToken:
			c.refreshToken(ctx, opIdentity)
			st, eff = Step(st, EventRefreshed, c.policy)
		case EffectSendRequest:
			confirmed, lastErr = c.fetchIdentity(ctx, c.endpoints.Whoami)
			if lastErr == nil {
				st, eff = Step(st, EventRequestSucceeded, c.policy)
			} else {
				c.logger.Debug("identity request failed", "attempt", st.Attempt, "error", lastErr)
				st, eff = Step(st, EventRequestFailed, c.policy)
			}
		case EffectWait:
			if err := c.sleep(ctx, eff.Delay); err != nil {
				return c.localIdentity(ctx), &AuthError{Kind: ErrTransientNetwork, Op: opIdentity, Err: err}
			}
			st, eff = Step(st, EventWaited, c.policy)
		case EffectComplete:
			c.adopt(ctx, confirmed, true)
			return confirmed, nil
		default:
			return nil, &AuthError{Kind: ErrServerError, Op: opIdentity,
				Err: errors.New("retry loop stalled in phase " + st.Phase.String())}
		}
	}

	confirmed, err := c.fetchIdentity(ctx, c.endpoints.Secondary)
	if err == nil {
		c.adopt(ctx, confirmed, true)
		return confirmed, nil
	}

	c.logger.Warn("identity confirmation exhausted, keeping local identity",
		"attempts", st.Attempt,
		"last_error", lastErr,
		"fallback_error", err,
	)

	if c.clearOnUnauthorized && isKind(lastErr, ErrNotAuthenticated) && isKind(err, ErrNotAuthenticated) {
		if tdErr := c.teardown(ctx); tdErr != nil {
			c.logger.Error("failed to clear identity", "error", tdErr)
		}
		return nil, err
	}

	local := c.localIdentity(ctx)
	if local == nil {
		return nil, &AuthError{Kind: ErrNotAuthenticated, Op: opIdentity, Err: err}
	}
	c.markUnconfirmed()
	return local, nil
}

func (c *Coordinator) fetchIdentity(ctx context.Context, path string) (*domain.Identity, error) {
	token, _ := c.tokens.Current()
	resp, err := c.transport.Do(ctx, &Request{Method: http.MethodGet, Path: path, Token: token.Value})
	if err := classify(opIdentity, resp, err); err != nil {
		observability.IdentityRequestsTotal.WithLabelValues(path, resultLabel(err)).Inc()
		return nil, err
	}

	identity, err := resp.Envelope.Identity()
	if err != nil {
		observability.IdentityRequestsTotal.WithLabelValues(path, "malformed").Inc()
		return nil, &AuthError{Kind: ErrServerError, Op: opIdentity, Status: resp.StatusCode, Err: err}
	}
	observability.IdentityRequestsTotal.WithLabelValues(path, "ok").Inc()
	return identity, nil
}

// send issues a state-changing request. A stale-token rejection triggers exactly one
// refresh and resend; transient failures are retried with backoff only when
// retryTransient is set.
func (c *Coordinator) send(ctx context.Context, op, method, path string, body any, retryTransient bool) (*Response, error) {
	refreshed := false
	for attempt := 1; ; attempt++ {
		token, _ := c.tokens.Current()
		resp, err := c.transport.Do(ctx, &Request{Method: method, Path: path, Body: body, Token: token.Value})
		err = classify(op, resp, err)
		switch {
		case err == nil:
			return resp, nil
		case isKind(err, ErrTokenStale) && !refreshed:
			refreshed = true
			c.refreshToken(ctx, op)
			continue
		case isKind(err, ErrTokenStale):
			// Never let a stale token escape; a second rejection right after a
			// refresh means the backend is not accepting our session.
			var authErr *AuthError
			errors.As(err, &authErr)
			return nil, &AuthError{Kind: ErrTransientNetwork, Op: op, Status: authErr.Status,
				Message: authErr.Message, Err: errRejectedAfterRefresh}
		case retryTransient && isKind(err, ErrTransientNetwork) && attempt < c.policy.MaxAttempts:
			if sleepErr := c.sleep(ctx, c.policy.Backoff(attempt)); sleepErr != nil {
				return nil, err
			}
			continue
		default:
			return nil, err
		}
	}
}

func (c *Coordinator) refreshToken(ctx context.Context, op string) {
	if _, err := c.tokens.Refresh(ctx); err != nil {
		observability.TokenRefreshesTotal.WithLabelValues("failed").Inc()
		c.logger.Debug("token refresh failed", "operation", op, "error", err)
		return
	}
	observability.TokenRefreshesTotal.WithLabelValues("ok").Inc()
}

// ensureToken refreshes when the token's validity is unknown
func (c *Coordinator) ensureToken(ctx context.Context, op string) {
	token, ok := c.tokens.Current()
	if ok && token.Age(c.now()) < c.tokenMaxAge {
		return
	}
	c.refreshToken(ctx, op)
}

func (c *Coordinator) localIdentity(ctx context.Context) *domain.Identity {
	if identity := c.cache.Load(ctx); identity != nil {
		return identity
	}
	return c.State().Identity
}

// adopt persists, records and publishes identity, in that order. An incomplete
// identity is never recorded or published.
func (c *Coordinator) adopt(ctx context.Context, identity *domain.Identity, confirmed bool) {
	if err := identity.Validate(); err != nil {
		c.logger.Error("refusing incomplete identity", "user_id", identity.ID, "error", err)
		return
	}
	if err := c.cache.Save(ctx, *identity); err != nil {
		if errors.Is(err, domain.ErrIncompleteIdentity) {
			c.logger.Error("cache rejected identity", "user_id", identity.ID, "error", err)
			return
		}
		c.logger.Error("failed to persist identity", "user_id", identity.ID, "error", err)
	}
	next := State{Identity: identity.Clone(), ServerConfirmed: confirmed}
	if confirmed {
		next.ConfirmedAt = c.now()
	}
	c.setState(next)
	c.broadcast.Publish(identity)
}

// incompleteFields reports the required profile fields an update would blank out
func incompleteFields(identity domain.Identity) map[string][]string {
	if identity.Validate() == nil {
		return nil
	}
	fields := make(map[string][]string)
	if identity.Name == "" {
		fields["name"] = []string{"The name field is required."}
	}
	if identity.Email == "" {
		fields["email"] = []string{"The email field is required."}
	}
	if len(fields) == 0 {
		fields["user"] = []string{"The profile is incomplete."}
	}
	return fields
}

// teardown clears every piece of local session state including the token.
func (c *Coordinator) teardown(ctx context.Context) error {
	c.tokens.Discard()
	return c.clearIdentity(ctx)
}

// clearIdentity resets the broadcast and the in-memory state even when clearing
// the cache fails.
func (c *Coordinator) clearIdentity(ctx context.Context) error {
	err := c.cache.Clear(ctx)
	c.setState(State{})
	c.broadcast.Publish(nil)
	if err != nil {
		return &AuthError{Kind: ErrServerError, Op: opLogout, Err: err}
	}
	return nil
}

func (c *Coordinator) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

func (c *Coordinator) markUnconfirmed() {
	c.stateMu.Lock()
	c.state.ServerConfirmed = false
	c.stateMu.Unlock()
}

func (c *Coordinator) observe(op string, start time.Time, errp *error) {
	outcome := "ok"
	if errp != nil && *errp != nil {
		outcome = resultLabel(*errp)
	}
	observability.SessionOperationsTotal.WithLabelValues(op, outcome).Inc()
	observability.SessionOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isKind(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case isKind(err, ErrValidationFailed):
		return "validation_failed"
	case isKind(err, ErrTokenStale):
		return "token_stale"
	case isKind(err, ErrNotAuthenticated):
		return "not_authenticated"
	case isKind(err, ErrTransientNetwork):
		return "transient"
	default:
		return "server_error"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
