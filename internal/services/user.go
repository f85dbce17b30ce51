package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/jjudge-oj/authgate/internal/auth"
	"github.com/jjudge-oj/authgate/internal/idp"
	"github.com/jjudge-oj/authgate/internal/mq"
	"github.com/jjudge-oj/authgate/internal/store"
	"github.com/jjudge-oj/authgate/types"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrAlreadyRegistered = errors.New("user already registered")
	ErrNotRegistered     = errors.New("user not registered")
)

// UserMirror is the local user table as seen by the account flows.
type UserMirror interface {
	CreateUser(ctx context.Context, msg store.CreateUser) error
	UpdateUsername(ctx context.Context, id, username string) error
	UpdateEmail(ctx context.Context, id, email string) error
	UpdatePassword(ctx context.Context, id, password string) error
	ActivateEmail(ctx context.Context, id string) error
	DeleteUser(ctx context.Context, id string) error
	CheckUser(ctx context.Context, id string) (bool, error)
	CheckIfRegisteredUser(ctx context.Context, username, email string) (bool, error)
	GetUser(ctx context.Context, id string) (types.User, error)
	StoresPasswords() bool
}

// IdentityProvider owns credentials and profiles.
type IdentityProvider interface {
	Register(ctx context.Context, username, password, email string) (idp.Registration, error)
	Login(ctx context.Context, username, password string) (idp.TokenSet, error)
	ChangePassword(ctx context.Context, email string) (string, error)
	Profile(ctx context.Context, accessToken string) (json.RawMessage, error)
}

type EventPublisher interface {
	PublishUserEvent(ctx context.Context, eventType, userID string, fields ...string) error
}

type Archiver interface {
	Archive(ctx context.Context, user types.User) error
}

type AccountOptions struct {
	// Events and Archiver are optional.
	Events   EventPublisher
	Archiver Archiver
	// Tokens verifies the access token returned on login so the token's
	// subject can be matched against the requested id. Without it the
	// mirror's username must match the login username.
	Tokens   auth.TokenVerifier
	Logger   *slog.Logger
	// HashCost is the bcrypt cost used when the mirror stores passwords.
	HashCost int
}

// AccountService runs the account flows across the identity provider and
// the local mirror.
type AccountService struct {
	mirror   UserMirror
	provider IdentityProvider
	events   EventPublisher
	archiver Archiver
	tokens   auth.TokenVerifier
	logger   *slog.Logger
	hashCost int
}

func NewAccountService(mirror UserMirror, provider IdentityProvider, opts AccountOptions) *AccountService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cost := opts.HashCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &AccountService{
		mirror:   mirror,
		provider: provider,
		events:   opts.Events,
		archiver: opts.Archiver,
		tokens:   opts.Tokens,
		logger:   logger,
		hashCost: cost,
	}
}

type RegisterInput struct {
	Username string
	Password string
	Email    string
}

type LoginInput struct {
	ID       string
	Username string
	Password string
}

// Register signs the user up with the provider and records the provider id
// in the mirror. The pre-check rejects known pairs early; the unique indexes
// decide concurrent registrations.
func (s *AccountService) Register(ctx context.Context, in RegisterInput) (idp.Registration, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	if in.Username == "" || in.Password == "" {
		return idp.Registration{}, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}
	if err := validateEmail(in.Email); err != nil {
		return idp.Registration{}, err
	}

	exists, err := s.mirror.CheckIfRegisteredUser(ctx, in.Username, in.Email)
	if err != nil {
		return idp.Registration{}, err
	}
	if exists {
		return idp.Registration{}, ErrAlreadyRegistered
	}

	var hash string
	if s.mirror.StoresPasswords() {
		hash, err = s.hash(in.Password)
		if err != nil {
			return idp.Registration{}, err
		}
	}

	reg, err := s.provider.Register(ctx, in.Username, in.Password, in.Email)
	if err != nil {
		return idp.Registration{}, err
	}

	err = s.mirror.CreateUser(ctx, store.CreateUser{
		ID:       reg.ID,
		Username: in.Username,
		Password: hash,
		Email:    in.Email,
	})
	if err != nil {
		s.logger.Error("provider signup succeeded but mirror insert failed",
			slog.String("user_id", reg.ID),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, store.ErrDuplicateUser) {
			return idp.Registration{}, fmt.Errorf("%w: %w", ErrAlreadyRegistered, err)
		}
		return idp.Registration{}, err
	}

	s.publish(ctx, mq.EventUserRegistered, reg.ID)
	return reg, nil
}

// Login exchanges credentials for tokens. The user must be known locally
// and the id must belong to the user who signed in.
func (s *AccountService) Login(ctx context.Context, in LoginInput) (idp.TokenSet, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.Username = strings.TrimSpace(in.Username)
	if in.ID == "" || in.Username == "" || in.Password == "" {
		return idp.TokenSet{}, fmt.Errorf("%w: id, username and password are required", ErrInvalidInput)
	}
	if s.tokens == nil {
		user, err := s.Get(ctx, in.ID)
		if err != nil {
			return idp.TokenSet{}, err
		}
		if user.Username != in.Username {
			return idp.TokenSet{}, ErrNotRegistered
		}
	} else if err := s.requireRegistered(ctx, in.ID); err != nil {
		return idp.TokenSet{}, err
	}

	tokens, err := s.provider.Login(ctx, in.Username, in.Password)
	if err != nil {
		return idp.TokenSet{}, err
	}
	if s.tokens != nil {
		identity, err := s.tokens.Verify(tokens.AccessToken)
		if err != nil || identity.UserID != in.ID {
			s.logger.Warn("login id does not match the signed-in user", slog.String("user_id", in.ID))
			return idp.TokenSet{}, ErrNotRegistered
		}
	}

	if s.mirror.StoresPasswords() {
		s.refreshPasswordCopy(ctx, in.ID, in.Password)
	}
	return tokens, nil
}

// ChangePassword starts the provider's password reset flow.
func (s *AccountService) ChangePassword(ctx context.Context, id, email string) (string, error) {
	email = strings.TrimSpace(email)
	if err := validateEmail(email); err != nil {
		return "", err
	}
	if err := s.requireRegistered(ctx, id); err != nil {
		return "", err
	}
	return s.provider.ChangePassword(ctx, email)
}

// Profile returns the provider profile for the token holder.
func (s *AccountService) Profile(ctx context.Context, id, accessToken string) (json.RawMessage, error) {
	if err := s.requireRegistered(ctx, id); err != nil {
		return nil, err
	}
	return s.provider.Profile(ctx, accessToken)
}

func (s *AccountService) Get(ctx context.Context, id string) (types.User, error) {
	user, err := s.mirror.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return types.User{}, ErrNotRegistered
	}
	return user, err
}

func (s *AccountService) UpdateUsername(ctx context.Context, id, username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if err := s.requireRegistered(ctx, id); err != nil {
		return err
	}
	if err := s.mirror.UpdateUsername(ctx, id, username); err != nil {
		return err
	}
	s.publish(ctx, mq.EventUserUpdated, id, "username")
	return nil
}

func (s *AccountService) UpdateEmail(ctx context.Context, id, email string) error {
	email = strings.TrimSpace(email)
	if err := validateEmail(email); err != nil {
		return err
	}
	if err := s.requireRegistered(ctx, id); err != nil {
		return err
	}
	if err := s.mirror.UpdateEmail(ctx, id, email); err != nil {
		return err
	}
	s.publish(ctx, mq.EventUserUpdated, id, "email")
	return nil
}

// ActivateEmail marks the email as verified. Unknown ids are ignored by the
// mirror.
func (s *AccountService) ActivateEmail(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	if err := s.mirror.ActivateEmail(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, mq.EventUserEmailActivated, id)
	return nil
}

// Delete removes the user from the mirror after archiving a snapshot. The
// provider account is left untouched.
func (s *AccountService) Delete(ctx context.Context, id string) error {
	user, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, user); err != nil {
			return fmt.Errorf("archive user: %w", err)
		}
	}
	if err := s.mirror.DeleteUser(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, mq.EventUserDeleted, id)
	return nil
}

func (s *AccountService) requireRegistered(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	ok, err := s.mirror.CheckUser(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotRegistered
	}
	return nil
}

// refreshPasswordCopy keeps the local hash in line with the password the
// provider just accepted. Failures are logged only.
func (s *AccountService) refreshPasswordCopy(ctx context.Context, id, password string) {
	user, err := s.mirror.GetUser(ctx, id)
	if err != nil {
		s.logger.Warn("password copy refresh skipped", slog.String("user_id", id), slog.String("error", err.Error()))
		return
	}
	if user.PasswordHash != "" && bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil {
		return
	}
	hash, err := s.hash(password)
	if err != nil {
		s.logger.Warn("password copy refresh failed", slog.String("user_id", id), slog.String("error", err.Error()))
		return
	}
	if err := s.mirror.UpdatePassword(ctx, id, hash); err != nil {
		s.logger.Warn("password copy refresh failed", slog.String("user_id", id), slog.String("error", err.Error()))
	}
}

func (s *AccountService) hash(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return string(hashed), nil
}

func (s *AccountService) publish(ctx context.Context, eventType, id string, fields ...string) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishUserEvent(ctx, eventType, id, fields...); err != nil {
		s.logger.Warn("user event not published",
			slog.String("type", eventType),
			slog.String("user_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func validateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: malformed email", ErrInvalidInput)
	}
	return nil
}
