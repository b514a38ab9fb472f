package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cocktail-auth/internal/domain"
)

type SessionRepository struct {
	db                *sql.DB
	createStmt        *sql.Stmt
	getByTokenStmt    *sql.Stmt
	deleteStmt        *sql.Stmt
	deleteExpiredStmt *sql.Stmt
}

// NewSessionRepository creates a new SessionRepository with prepared statements.
// Returns an error if statement preparation fails.
func NewSessionRepository(db *sql.DB) (*SessionRepository, error) {
	repo := &SessionRepository{db: db}

	var err error
	repo.createStmt, err = db.Prepare(`
		INSERT INTO sessions (user_id, token, expires_at)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare create statement: %w", err)
	}

	repo.getByTokenStmt, err = db.Prepare(`
		SELECT id, user_id, token, expires_at, created_at
		FROM sessions
		WHERE token = $1 AND expires_at > $2
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare getByToken statement: %w", err)
	}

	repo.deleteStmt, err = db.Prepare(`DELETE FROM sessions WHERE token = $1`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	repo.deleteExpiredStmt, err = db.Prepare(`DELETE FROM sessions WHERE expires_at <= $1`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare deleteExpired statement: %w", err)
	}

	return repo, nil
}

func (r *SessionRepository) Create(ctx context.Context, session *domain.Session) error {
	defer observeQuery("insert", "sessions", time.Now())
	err := r.createStmt.QueryRowContext(ctx,
		session.UserID,
		session.Token,
		session.ExpiresAt,
	).Scan(&session.ID, &session.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r *SessionRepository) GetByToken(ctx context.Context, token string) (*domain.Session, error) {
	defer observeQuery("select", "sessions", time.Now())
	session := &domain.Session{}
	err := r.getByTokenStmt.QueryRowContext(ctx, token, time.Now()).Scan(
		&session.ID,
		&session.UserID,
		&session.Token,
		&session.ExpiresAt,
		&session.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session by token: %w", err)
	}
	return session, nil
}

// Delete is idempotent: deleting an unknown token is not an error
func (r *SessionRepository) Delete(ctx context.Context, token string) error {
	defer observeQuery("delete", "sessions", time.Now())
	_, err := r.deleteStmt.ExecContext(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (r *SessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	defer observeQuery("delete", "sessions", time.Now())
	result, err := r.deleteExpiredStmt.ExecContext(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return rowsAffected(result)
}

// Close releases the prepared statements
func (r *SessionRepository) Close() error {
	return errors.Join(
		r.createStmt.Close(),
		r.getByTokenStmt.Close(),
		r.deleteStmt.Close(),
		r.deleteExpiredStmt.Close(),
	)
}

func rowsAffected(result sql.Result) (int64, error) {
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return count, nil
}
