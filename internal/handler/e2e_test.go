//go:build e2e
// +build e2e

package handler_test

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"cocktail-auth/internal/agentclient"
	"cocktail-auth/internal/domain"
	"cocktail-auth/internal/guard"
	"cocktail-auth/internal/handler"
	"cocktail-auth/internal/identitycache"
	"cocktail-auth/internal/messaging"
	"cocktail-auth/internal/repository/postgres"
	"cocktail-auth/internal/security"
	"cocktail-auth/internal/service"
	"cocktail-auth/internal/session"
	ws "cocktail-auth/internal/websocket"
)

func startContainer(t *testing.T, req testcontainers.ContainerRequest, port string) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start %s", req.Image)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, mapped.Port())
}

func startPostgres(t *testing.T) *sql.DB {
	addr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		).WithDeadline(60 * time.Second),
	}, "5432")

	db, err := sql.Open("postgres", fmt.Sprintf("postgres://test:test@%s/testdb?sslmode=disable", addr))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.Eventually(t, func() bool { return db.Ping() == nil }, 30*time.Second, 250*time.Millisecond)
	require.NoError(t, postgres.Migrate(context.Background(), db))
	return db
}

func startRabbitMQ(t *testing.T) string {
	addr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.12-management-alpine",
		ExposedPorts: []string{"5672/tcp"},
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER": "guest",
			"RABBITMQ_DEFAULT_PASS": "guest",
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("Server startup complete"),
			wait.ForListeningPort("5672/tcp"),
		).WithDeadline(60 * time.Second),
	}, "5672")
	return fmt.Sprintf("amqp://guest:guest@%s/", addr)
}

func connectRabbitMQ(t *testing.T, url string) *messaging.RabbitMQ {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rmq, err := messaging.NewRabbitMQWithRetry(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { rmq.Close() })
	return rmq
}

// startBackend serves the auth API on top of real storage and a real broker
func startBackend(t *testing.T, db *sql.DB, rmq *messaging.RabbitMQ) *httptest.Server {
	t.Helper()

	sessionRepo, err := postgres.NewSessionRepository(db)
	require.NoError(t, err)
	t.Cleanup(func() { sessionRepo.Close() })

	authService := service.NewAuthService(postgres.NewUserRepository(db), sessionRepo, rmq)
	srv := httptest.NewServer(handler.NewBackendRouter(handler.BackendOptions{
		AuthService: authService,
		Tokens:      security.NewTokenManager("e2e-secret-with-at-least-32-characters"),
		ReadyChecks: map[string]handler.Check{
			"database": handler.DatabaseCheck(db),
			"rabbitmq": handler.RabbitMQCheck(rmq),
		},
	}))
	t.Cleanup(srv.Close)
	return srv
}

// startAgent runs a session agent against backendURL that reacts to account events
func startAgent(t *testing.T, ctx context.Context, backendURL string, rmq *messaging.RabbitMQ) *httptest.Server {
	t.Helper()

	transport, err := session.NewHTTPTransport(backendURL)
	require.NoError(t, err)
	coord := session.NewCoordinator(
		transport,
		session.NewCookieTokenStore(transport),
		identitycache.NewMemory(),
		session.NewBroadcast(),
		session.WithSettleDelay(10*time.Millisecond),
	)

	consumer := messaging.NewAccountEventConsumer(rmq, func(ctx context.Context, event domain.AccountEvent) {
		coord.HandleAccountEvent(ctx, event)
	})
	require.NoError(t, consumer.Start(ctx))

	hub := ws.NewHub()
	go hub.Run(ctx)
	t.Cleanup(hub.Attach(coord.Broadcast()))

	srv := httptest.NewServer(handler.NewAgentRouter(handler.AgentOptions{
		Sessions:       coord,
		IdentityStream: handler.NewIdentityStreamHandler(hub, coord, nil),
	}))
	t.Cleanup(srv.Close)
	return srv
}

// adminBrowser signs in to the backend directly, the way the admin UI would
type adminBrowser struct {
	client  *http.Client
	baseURL string
}

func newAdminBrowser(t *testing.T, baseURL string) *adminBrowser {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &adminBrowser{client: &http.Client{Jar: jar, Timeout: 10 * time.Second}, baseURL: baseURL}
}

func (b *adminBrowser) send(t *testing.T, method, path, body string) int {
	t.Helper()

	if method != http.MethodGet {
		resp, err := b.client.Get(b.baseURL + "/sanctum/csrf-cookie")
		require.NoError(t, err)
		resp.Body.Close()
	}

	req, err := http.NewRequest(method, b.baseURL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	u, err := url.Parse(b.baseURL)
	require.NoError(t, err)
	for _, c := range b.client.Jar.Cookies(u) {
		if c.Name == "XSRF-TOKEN" {
			token, err := url.QueryUnescape(c.Value)
			require.NoError(t, err)
			req.Header.Set("X-XSRF-TOKEN", token)
		}
	}

	resp, err := b.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

type streamLog struct {
	mu       sync.Mutex
	messages []ws.ServerMessage
}

func (l *streamLog) add(msg ws.ServerMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *streamLog) redirectedTo(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, msg := range l.messages {
		if msg.Type == ws.TypeRedirect && msg.Path == path {
			return true
		}
	}
	return false
}

func TestE2E_BanReachesSignedInAgent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db := startPostgres(t)
	rabbitURL := startRabbitMQ(t)

	backend := startBackend(t, db, connectRabbitMQ(t, rabbitURL))
	agentServer := startAgent(t, ctx, backend.URL, connectRabbitMQ(t, rabbitURL))

	agent, err := agentclient.New(agentServer.URL)
	require.NoError(t, err)

	member, err := agent.Register(ctx, domain.Registration{
		Name:                 "Margarita",
		Email:                "marg@example.com",
		Password:             "secret123",
		PasswordConfirmation: "secret123",
	})
	require.NoError(t, err)

	_, err = agent.Register(ctx, domain.Registration{
		Name:                 "Admin",
		Email:                "admin@example.com",
		Password:             "secret123",
		PasswordConfirmation: "secret123",
	})
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE users SET user_type = 'admin' WHERE email = $1`, "admin@example.com")
	require.NoError(t, err)

	identity, err := agent.Login(ctx, "marg@example.com", "secret123")
	require.NoError(t, err)
	assert.Equal(t, member.ID, identity.ID)

	state, err := agent.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.PhaseServerConfirmed, state.Phase)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	stream := &streamLog{}
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- agent.Watch(watchCtx, "/recipes", stream.add)
	}()

	admin := newAdminBrowser(t, backend.URL)
	require.Equal(t, http.StatusOK, admin.send(t, http.MethodPost, "/api/login",
		`{"email":"admin@example.com","password":"secret123"}`))
	require.Equal(t, http.StatusOK, admin.send(t, http.MethodPost, "/api/admin/users/"+member.ID+"/ban", ""))

	require.Eventually(t, func() bool {
		return stream.redirectedTo(guard.SuspendedPath)
	}, 20*time.Second, 100*time.Millisecond, "banned user was never redirected")

	state, err = agent.State(ctx)
	require.NoError(t, err)
	require.NotNil(t, state.User)
	assert.True(t, state.User.Banned)

	require.NoError(t, agent.Logout(ctx))
	state, err = agent.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.PhaseUnauthenticated, state.Phase)

	stopWatch()
	assert.NoError(t, <-watchDone)
}

func TestE2E_ReadinessReportsDependencies(t *testing.T) {
	db := startPostgres(t)
	backend := startBackend(t, db, connectRabbitMQ(t, startRabbitMQ(t)))

	resp, err := http.Get(backend.URL + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
