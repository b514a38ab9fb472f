//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"cocktail-auth/internal/domain"
	"cocktail-auth/internal/repository/postgres"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgres starts a PostgreSQL container with the schema applied
func setupPostgres(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
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
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start PostgreSQL container")

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	connStr := fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err, "failed to connect to PostgreSQL")
	require.Eventually(t, func() bool { return db.PingContext(ctx) == nil }, 10*time.Second, 200*time.Millisecond)

	require.NoError(t, postgres.Migrate(ctx, db), "failed to run migrations")
	// idempotent
	require.NoError(t, postgres.Migrate(ctx, db))

	cleanup := func() {
		db.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}
	return db, cleanup
}

func TestUserRepository_Integration(t *testing.T) {
	db, cleanup := setupPostgres(t)
	defer cleanup()

	ctx := context.Background()
	repo := postgres.NewUserRepository(db)

	t.Run("Create_and_GetByID", func(t *testing.T) {
		user := &domain.User{Name: "Alice", Email: "alice@example.com", PasswordHash: "hash"}
		require.NoError(t, repo.Create(ctx, user))
		assert.NotEmpty(t, user.ID)
		assert.Equal(t, domain.RoleStandard, user.Role)
		assert.False(t, user.Banned)

		retrieved, err := repo.GetByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, user.Identity(), retrieved.Identity())
		assert.Equal(t, "hash", retrieved.PasswordHash)
	})

	t.Run("GetByEmail_IgnoresCase", func(t *testing.T) {
		user := &domain.User{Name: "Bob", Email: "bob@example.com", PasswordHash: "hash", Role: domain.RoleAdmin}
		require.NoError(t, repo.Create(ctx, user))

		retrieved, err := repo.GetByEmail(ctx, "BOB@example.com")
		require.NoError(t, err)
		assert.Equal(t, user.ID, retrieved.ID)
		assert.Equal(t, domain.RoleAdmin, retrieved.Role)
	})

	t.Run("Create_DuplicateEmail", func(t *testing.T) {
		require.NoError(t, repo.Create(ctx, &domain.User{Name: "One", Email: "dup@example.com", PasswordHash: "h"}))
		err := repo.Create(ctx, &domain.User{Name: "Two", Email: "dup@example.com", PasswordHash: "h"})
		assert.ErrorIs(t, err, domain.ErrEmailExists)
	})

	t.Run("SetBanned", func(t *testing.T) {
		user := &domain.User{Name: "Carol", Email: "carol@example.com", PasswordHash: "h"}
		require.NoError(t, repo.Create(ctx, user))

		banned, err := repo.SetBanned(ctx, user.ID, true)
		require.NoError(t, err)
		assert.True(t, banned.Banned)

		unbanned, err := repo.SetBanned(ctx, user.ID, false)
		require.NoError(t, err)
		assert.False(t, unbanned.Banned)
	})

	t.Run("GetByID_NotFound", func(t *testing.T) {
		_, err := repo.GetByID(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, domain.ErrUserNotFound)
	})
}

func TestSessionRepository_Integration(t *testing.T) {
	db, cleanup := setupPostgres(t)
	defer cleanup()

	ctx := context.Background()
	userRepo := postgres.NewUserRepository(db)
	sessionRepo, err := postgres.NewSessionRepository(db)
	require.NoError(t, err)

	user := &domain.User{Name: "Dana", Email: "dana@example.com", PasswordHash: "h"}
	require.NoError(t, userRepo.Create(ctx, user))

	newSession := func(token string, ttl time.Duration) {
		t.Helper()
		require.NoError(t, sessionRepo.Create(ctx, &domain.Session{
			UserID:    user.ID,
			Token:     token,
			ExpiresAt: time.Now().Add(ttl),
		}))
	}

	t.Run("Create_GetByToken_Delete", func(t *testing.T) {
		newSession("token-a", time.Hour)

		retrieved, err := sessionRepo.GetByToken(ctx, "token-a")
		require.NoError(t, err)
		assert.Equal(t, user.ID, retrieved.UserID)

		require.NoError(t, sessionRepo.Delete(ctx, "token-a"))
		require.NoError(t, sessionRepo.Delete(ctx, "token-a"))
		_, err = sessionRepo.GetByToken(ctx, "token-a")
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("DeleteExpired", func(t *testing.T) {
		newSession("expired", -time.Hour)
		newSession("valid", time.Hour)

		count, err := sessionRepo.DeleteExpired(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, count, int64(1))

		_, err = sessionRepo.GetByToken(ctx, "valid")
		assert.NoError(t, err)
	})

	t.Run("UpdateCredentials_RevokesOtherSessions", func(t *testing.T) {
		newSession("keep", time.Hour)
		newSession("drop", time.Hour)

		user.PasswordHash = "rotated"
		revoked, err := userRepo.UpdateCredentials(ctx, user, "keep")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, revoked, int64(1))

		_, err = sessionRepo.GetByToken(ctx, "keep")
		assert.NoError(t, err)
		_, err = sessionRepo.GetByToken(ctx, "drop")
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})
}
