package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jjudge-oj/authgate/internal/auth"
	"github.com/jjudge-oj/authgate/internal/idp"
	"github.com/jjudge-oj/authgate/internal/store"
	"github.com/jjudge-oj/authgate/types"
)

// memoryMirror mimics the mirror's statement semantics on a map.
type memoryMirror struct {
	mu              sync.Mutex
	users           map[string]types.User
	storesPasswords bool
	err             error
	passwordWrites  int
}

func newMemoryMirror() *memoryMirror {
	return &memoryMirror{users: map[string]types.User{}}
}

func (m *memoryMirror) CreateUser(_ context.Context, msg store.CreateUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, u := range m.users {
		if u.Username == msg.Username {
			return &store.QueryError{Op: "create_user", Constraint: "users_username_key", Err: errors.New("duplicate key")}
		}
		if u.Email == msg.Email {
			return &store.QueryError{Op: "create_user", Constraint: "users_email_key", Err: errors.New("duplicate key")}
		}
	}
	user := types.User{
		ID:        msg.ID,
		Username:  msg.Username,
		Email:     msg.Email,
		CreatedAt: time.Now(),
	}
	if m.storesPasswords {
		user.PasswordHash = msg.Password
	}
	m.users[msg.ID] = user
	return nil
}

func (m *memoryMirror) update(id string, fn func(*types.User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	u, ok := m.users[id]
	if !ok {
		return nil
	}
	fn(&u)
	now := time.Now()
	u.UpdatedAt = &now
	m.users[id] = u
	return nil
}

func (m *memoryMirror) UpdateUsername(_ context.Context, id, username string) error {
	m.mu.Lock()
	for otherID, u := range m.users {
		if otherID != id && u.Username == username {
			m.mu.Unlock()
			return &store.QueryError{Op: "update_username", Constraint: "users_username_key", Err: errors.New("duplicate key")}
		}
	}
	m.mu.Unlock()
	return m.update(id, func(u *types.User) { u.Username = username })
}

func (m *memoryMirror) UpdateEmail(_ context.Context, id, email string) error {
	return m.update(id, func(u *types.User) { u.Email = email })
}

func (m *memoryMirror) UpdatePassword(_ context.Context, id, password string) error {
	if !m.storesPasswords {
		return store.ErrPasswordNotStored
	}
	m.passwordWrites++
	return m.update(id, func(u *types.User) { u.PasswordHash = password })
}

func (m *memoryMirror) ActivateEmail(_ context.Context, id string) error {
	return m.update(id, func(u *types.User) { u.EmailActivated = true })
}

func (m *memoryMirror) DeleteUser(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.users, id)
	return nil
}

func (m *memoryMirror) CheckUser(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	_, ok := m.users[id]
	return ok, nil
}

func (m *memoryMirror) CheckIfRegisteredUser(_ context.Context, username, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	for _, u := range m.users {
		if u.Username == username && u.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryMirror) GetUser(_ context.Context, id string) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return types.User{}, m.err
	}
	u, ok := m.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return u, nil
}

func (m *memoryMirror) StoresPasswords() bool { return m.storesPasswords }

type fakeProvider struct {
	nextID      string
	err         error
	registered  []string
	logins      int
	resetEmails []string
	profile     json.RawMessage
	tokens      []string
}

func (p *fakeProvider) Register(_ context.Context, username, _, email string) (idp.Registration, error) {
	if p.err != nil {
		return idp.Registration{}, p.err
	}
	p.registered = append(p.registered, username)
	return idp.Registration{ID: p.nextID, Username: username, Email: email, Raw: json.RawMessage(`{"_id":"` + p.nextID + `"}`)}, nil
}

func (p *fakeProvider) Login(context.Context, string, string) (idp.TokenSet, error) {
	if p.err != nil {
		return idp.TokenSet{}, p.err
	}
	p.logins++
	return idp.TokenSet{AccessToken: "access", TokenType: "Bearer", ExpiresIn: 3600}, nil
}

func (p *fakeProvider) ChangePassword(_ context.Context, email string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.resetEmails = append(p.resetEmails, email)
	return "email sent", nil
}

func (p *fakeProvider) Profile(_ context.Context, token string) (json.RawMessage, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.tokens = append(p.tokens, token)
	return p.profile, nil
}

type event struct {
	kind   string
	userID string
	fields []string
}

type recordingEvents struct {
	events []event
	err    error
}

func (r *recordingEvents) PublishUserEvent(_ context.Context, eventType, userID string, fields ...string) error {
	r.events = append(r.events, event{kind: eventType, userID: userID, fields: fields})
	return r.err
}

type recordingArchiver struct {
	archived []types.User
	err      error
}

func (r *recordingArchiver) Archive(_ context.Context, user types.User) error {
	if r.err != nil {
		return r.err
	}
	r.archived = append(r.archived, user)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeVerifier maps access tokens to identities.
type fakeVerifier map[string]auth.Identity

func (v fakeVerifier) Verify(token string) (auth.Identity, error) {
	identity, ok := v[token]
	if !ok {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return identity, nil
}
