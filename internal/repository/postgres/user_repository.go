package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cocktail-auth/internal/domain"
)

const emailConstraint = "users_email_key"

const userColumns = `id, name, email, password_hash, user_type, banned, created_at, updated_at`

// UserRepository implements domain.UserRepository for PostgreSQL
type UserRepository struct {
	db *sql.DB
	tx *TxManager
}

// NewUserRepository creates a new PostgreSQL user repository
func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db, tx: NewTxManager(db)}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*domain.User, error) {
	user := &domain.User{}
	var role string
	err := row.Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.PasswordHash,
		&role,
		&user.Banned,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	user.Role = domain.Role(role)
	return user, nil
}

// Create inserts a new user. Role defaults to the standard role when empty.
func (r *UserRepository) Create(ctx context.Context, user *domain.User) error {
	defer observeQuery("insert", "users", time.Now())
	if user.Role == "" {
		user.Role = domain.RoleStandard
	}

	query := `
		INSERT INTO users (name, email, password_hash, user_type)
		VALUES ($1, $2, $3, $4)
		RETURNING id, banned, created_at, updated_at
	`
	err := r.db.QueryRowContext(ctx, query,
		user.Name,
		user.Email,
		user.PasswordHash,
		string(user.Role),
	).Scan(&user.ID, &user.Banned, &user.CreatedAt, &user.UpdatedAt)

	if err != nil {
		if IsUniqueViolation(err, emailConstraint) {
			return domain.ErrEmailExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	defer observeQuery("select", "users", time.Now())
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	user, err := scanUser(r.db.QueryRowContext(ctx, query, id))
	if err != nil && !errors.Is(err, domain.ErrUserNotFound) {
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return user, err
}

// GetByEmail retrieves a user by email, case-insensitively
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	defer observeQuery("select", "users", time.Now())
	query := `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1)`
	user, err := scanUser(r.db.QueryRowContext(ctx, query, email))
	if err != nil && !errors.Is(err, domain.ErrUserNotFound) {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	return user, err
}

const updateUserQuery = `
		UPDATE users
		SET name = $1, email = $2, password_hash = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $4
		RETURNING updated_at
	`

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Update persists name, email and password hash
func (r *UserRepository) Update(ctx context.Context, user *domain.User) error {
	defer observeQuery("update", "users", time.Now())
	return updateUser(ctx, r.db, user)
}

// UpdateCredentials updates the user and revokes every other session of the
// user in one transaction. keepToken identifies the session that stays valid.
func (r *UserRepository) UpdateCredentials(ctx context.Context, user *domain.User, keepToken string) (int64, error) {
	defer observeQuery("update", "users", time.Now())
	var revoked int64
	err := r.tx.WithTx(ctx, func(tx *sql.Tx) error {
		if err := updateUser(ctx, tx, user); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1 AND token <> $2`, user.ID, keepToken)
		if err != nil {
			return fmt.Errorf("failed to revoke sessions: %w", err)
		}
		revoked, err = rowsAffected(result)
		return err
	})
	if err != nil {
		return 0, err
	}
	return revoked, nil
}

func updateUser(ctx context.Context, q queryRower, user *domain.User) error {
	err := q.QueryRowContext(ctx, updateUserQuery,
		user.Name,
		user.Email,
		user.PasswordHash,
		user.ID,
	).Scan(&user.UpdatedAt)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return domain.ErrUserNotFound
	case IsUniqueViolation(err, emailConstraint):
		return domain.ErrEmailExists
	default:
		return fmt.Errorf("failed to update user: %w", err)
	}
}

// SetBanned flips the suspension flag and returns the updated user
func (r *UserRepository) SetBanned(ctx context.Context, id string, banned bool) (*domain.User, error) {
	defer observeQuery("update", "users", time.Now())
	query := `
		UPDATE users
		SET banned = $1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2
		RETURNING ` + userColumns
	user, err := scanUser(r.db.QueryRowContext(ctx, query, banned, id))
	if err != nil && !errors.Is(err, domain.ErrUserNotFound) {
		return nil, fmt.Errorf("failed to set banned flag: %w", err)
	}
	return user, err
}
