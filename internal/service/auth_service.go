package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"cocktail-auth/internal/domain"
	"cocktail-auth/internal/observability"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	SessionTTL     = 24 * time.Hour
	bcryptCost     = 12
	minPasswordLen = 8
	maxPasswordLen = 100
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// EventPublisher delivers account events to interested sessions
type EventPublisher interface {
	PublishAccountEvent(ctx context.Context, event *domain.AccountEvent) error
}

type AuthService struct {
	userRepo    domain.UserRepository
	sessionRepo domain.SessionRepository
	events      EventPublisher
	now         func() time.Time
}

// NewAuthService wires the service. events may be nil, in which case account
// changes are not announced.
func NewAuthService(userRepo domain.UserRepository, sessionRepo domain.SessionRepository, events EventPublisher) *AuthService {
	return &AuthService{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		events:      events,
		now:         time.Now,
	}
}

func (s *AuthService) Register(ctx context.Context, reg domain.Registration) (*domain.User, error) {
	reg.Name = strings.TrimSpace(reg.Name)
	reg.Email = strings.TrimSpace(reg.Email)

	verr := &domain.ValidationError{}
	validateName(verr, reg.Name)
	validateEmail(verr, reg.Email)
	validatePassword(verr, reg.Password, reg.PasswordConfirmation)
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	if _, err := s.userRepo.GetByEmail(ctx, reg.Email); err == nil {
		return nil, domain.ErrEmailExists
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(reg.Password), bcryptCost)
	if err != nil {
		return nil, err
	}

	user := &domain.User{
		Name:         reg.Name,
		Email:        reg.Email,
		PasswordHash: string(hashedPassword),
		Role:         domain.RoleStandard,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, err
	}

	return user, nil
}

// Login checks credentials and opens a session. Suspended accounts can still
// sign in; clients route them to the suspension page.
func (s *AuthService) Login(ctx context.Context, email, password string) (*domain.Session, *domain.User, error) {
	user, err := s.userRepo.GetByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if !errors.Is(err, domain.ErrUserNotFound) {
			observability.FromContext(ctx).Error("user lookup failed", "error", err)
		}
		return nil, nil, domain.ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(
		[]byte(user.PasswordHash), []byte(password),
	); err != nil {
		return nil, nil, domain.ErrInvalidCredentials
	}

	session := &domain.Session{
		UserID:    user.ID,
		Token:     uuid.New().String(),
		ExpiresAt: s.now().Add(SessionTTL),
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, nil, err
	}

	return session, user, nil
}

func (s *AuthService) Logout(ctx context.Context, token string) error {
	return s.sessionRepo.Delete(ctx, token)
}

func (s *AuthService) ValidateSession(ctx context.Context, token string) (*domain.Session, error) {
	return s.sessionRepo.GetByToken(ctx, token)
}

func (s *AuthService) GetUserByID(ctx context.Context, userID string) (*domain.User, error) {
	return s.userRepo.GetByID(ctx, userID)
}

// UpdateProfile applies a partial update. A password change revokes every
// other session of the user; sessionToken is the one that survives.
func (s *AuthService) UpdateProfile(ctx context.Context, userID, sessionToken string, update domain.ProfileUpdate) (*domain.User, error) {
	verr := &domain.ValidationError{}
	if update.IsEmpty() {
		verr.Add("profile", "Nothing to update.")
		return nil, verr
	}
	if update.Name != nil {
		trimmed := strings.TrimSpace(*update.Name)
		update.Name = &trimmed
		validateName(verr, trimmed)
	}
	if update.Email != nil {
		trimmed := strings.TrimSpace(*update.Email)
		update.Email = &trimmed
		validateEmail(verr, trimmed)
	}
	if update.ChangesPassword() {
		validatePassword(verr, deref(update.Password), deref(update.PasswordConfirmation))
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if update.Email != nil && !strings.EqualFold(*update.Email, user.Email) {
		if other, err := s.userRepo.GetByEmail(ctx, *update.Email); err == nil && other.ID != user.ID {
			return nil, domain.ErrEmailExists
		}
	}

	updated := *user
	identity := update.ApplyTo(user.Identity())
	updated.Name, updated.Email = identity.Name, identity.Email

	if update.ChangesPassword() {
		hashed, err := bcrypt.GenerateFromPassword([]byte(*update.Password), bcryptCost)
		if err != nil {
			return nil, err
		}
		updated.PasswordHash = string(hashed)

		revoked, err := s.userRepo.UpdateCredentials(ctx, &updated, sessionToken)
		if err != nil {
			return nil, err
		}
		observability.FromContext(ctx).Info("password changed",
			"user_id", user.ID, "revoked_sessions", revoked)
	} else if err := s.userRepo.Update(ctx, &updated); err != nil {
		return nil, err
	}

	s.publish(ctx, domain.AccountUpdated, updated.ID, updated.ID)
	return &updated, nil
}

// SetBanned suspends or reinstates userID. Only administrators may do this,
// and never to themselves.
func (s *AuthService) SetBanned(ctx context.Context, actorID, userID string, banned bool) (*domain.User, error) {
	actor, err := s.userRepo.GetByID(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.Identity().IsAdmin() || actor.Banned {
		return nil, domain.ErrForbidden
	}
	if actorID == userID {
		return nil, domain.ErrInvalidInput
	}

	user, err := s.userRepo.SetBanned(ctx, userID, banned)
	if err != nil {
		return nil, err
	}

	eventType := domain.AccountUnbanned
	if banned {
		eventType = domain.AccountBanned
	}
	s.publish(ctx, eventType, user.ID, actorID)
	return user, nil
}

// CleanupExpiredSessions removes sessions past their expiry
func (s *AuthService) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	return s.sessionRepo.DeleteExpired(ctx)
}

func (s *AuthService) publish(ctx context.Context, eventType domain.AccountEventType, userID, actorID string) {
	if s.events == nil {
		return
	}
	event := &domain.AccountEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		UserID:     userID,
		ActorID:    actorID,
		OccurredAt: s.now().UTC(),
	}
	// The account change is already committed; a lost event only delays the
	// clients' next silent check.
	if err := s.events.PublishAccountEvent(ctx, event); err != nil {
		observability.FromContext(ctx).Warn("failed to publish account event",
			"type", string(eventType), "user_id", userID, "error", err)
	}
}

func validateName(verr *domain.ValidationError, name string) {
	if name == "" {
		verr.Add("name", "The name field is required.")
	} else if len(name) > 255 {
		verr.Add("name", "The name may not be greater than 255 characters.")
	}
}

func validateEmail(verr *domain.ValidationError, email string) {
	if email == "" {
		verr.Add("email", "The email field is required.")
	} else if len(email) > 255 || !emailRegex.MatchString(email) {
		verr.Add("email", "The email must be a valid email address.")
	}
}

func validatePassword(verr *domain.ValidationError, password, confirmation string) {
	switch {
	case len(password) < minPasswordLen:
		verr.Add("password", "The password must be at least 8 characters.")
	case len(password) > maxPasswordLen:
		verr.Add("password", "The password may not be greater than 100 characters.")
	}
	if password != confirmation {
		verr.Add("password", "The password confirmation does not match.")
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
