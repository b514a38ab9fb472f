package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"cocktail-auth/internal/domain"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSessionRepositoryMocks(mock sqlmock.Sqlmock) {
	mock.ExpectPrepare(`INSERT INTO sessions`)
	mock.ExpectPrepare(`SELECT id, user_id, token, expires_at, created_at`)
	mock.ExpectPrepare(regexp.QuoteMeta(`DELETE FROM sessions WHERE token = $1`))
	mock.ExpectPrepare(regexp.QuoteMeta(`DELETE FROM sessions WHERE expires_at <= $1`))
}

func newSessionMock(t *testing.T) (*SessionRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	setupSessionRepositoryMocks(mock)
	repo, err := NewSessionRepository(db)
	require.NoError(t, err)
	return repo, mock
}

func TestNewSessionRepository(t *testing.T) {
	t.Run("successful_creation", func(t *testing.T) {
		repo, mock := newSessionMock(t)
		assert.NotNil(t, repo)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("fails_when_prepare_create_fails", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPrepare(`INSERT INTO sessions`).WillReturnError(errors.New("prepare failed"))

		repo, err := NewSessionRepository(db)
		require.Error(t, err)
		assert.Nil(t, repo)
		assert.Contains(t, err.Error(), "failed to prepare create statement")
	})
}

func TestSessionRepository_Create(t *testing.T) {
	t.Run("successful_creation", func(t *testing.T) {
		repo, mock := newSessionMock(t)
		expires := time.Now().Add(time.Hour)
		createdAt := time.Now()

		mock.ExpectQuery(`INSERT INTO sessions`).
			WithArgs("u-1", "token123", expires).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("s-1", createdAt))

		session := &domain.Session{UserID: "u-1", Token: "token123", ExpiresAt: expires}
		require.NoError(t, repo.Create(context.Background(), session))
		assert.Equal(t, "s-1", session.ID)
		assert.Equal(t, createdAt, session.CreatedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("database_error", func(t *testing.T) {
		repo, mock := newSessionMock(t)

		mock.ExpectQuery(`INSERT INTO sessions`).WillReturnError(errors.New("database error"))

		err := repo.Create(context.Background(), &domain.Session{UserID: "u-1", Token: "t"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to create session")
	})
}

func TestSessionRepository_GetByToken(t *testing.T) {
	t.Run("successful_retrieval", func(t *testing.T) {
		repo, mock := newSessionMock(t)
		expires := time.Now().Add(time.Hour)
		createdAt := time.Now()

		mock.ExpectQuery(`SELECT id, user_id, token, expires_at, created_at`).
			WithArgs("token123", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "token", "expires_at", "created_at"}).
				AddRow("s-1", "u-1", "token123", expires, createdAt))

		session, err := repo.GetByToken(context.Background(), "token123")
		require.NoError(t, err)
		assert.Equal(t, "u-1", session.UserID)
		assert.Equal(t, expires, session.ExpiresAt)
	})

	t.Run("expired_or_missing", func(t *testing.T) {
		repo, mock := newSessionMock(t)

		mock.ExpectQuery(`SELECT id, user_id, token, expires_at, created_at`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "token", "expires_at", "created_at"}))

		session, err := repo.GetByToken(context.Background(), "gone")
		assert.Nil(t, session)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("database_error", func(t *testing.T) {
		repo, mock := newSessionMock(t)

		mock.ExpectQuery(`SELECT id, user_id, token, expires_at, created_at`).
			WillReturnError(errors.New("connection lost"))

		_, err := repo.GetByToken(context.Background(), "token123")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to get session by token")
	})
}

func TestSessionRepository_Delete(t *testing.T) {
	repo, mock := newSessionMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM sessions WHERE token = $1`)).
		WithArgs("token123").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, repo.Delete(context.Background(), "token123"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepository_DeleteExpired(t *testing.T) {
	t.Run("reports_count", func(t *testing.T) {
		repo, mock := newSessionMock(t)

		mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM sessions WHERE expires_at <= $1`)).
			WithArgs(sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 7))

		count, err := repo.DeleteExpired(context.Background())
		require.NoError(t, err)
		assert.EqualValues(t, 7, count)
	})

	t.Run("rows_affected_error", func(t *testing.T) {
		repo, mock := newSessionMock(t)

		mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM sessions WHERE expires_at <= $1`)).
			WillReturnResult(sqlmock.NewErrorResult(errors.New("unsupported")))

		_, err := repo.DeleteExpired(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to get rows affected")
	})
}
