package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jjudge-oj/authgate/internal/db"
	"github.com/jjudge-oj/authgate/types"
)

// Options configures a Mirror.
type Options struct {
	// StorePasswords enables the local password column. When false the column
	// stays NULL and UpdatePassword is rejected.
	StorePasswords bool
	Logger         *slog.Logger
	Now            func() time.Time
}

// Mirror is the single handle through which the process reads and writes the
// local users table. Each message acquires one pooled connection, runs one
// statement and releases the connection. Concurrent senders are not ordered
// with respect to each other; callers sequence dependent operations by
// waiting for the previous result.
type Mirror struct {
	pool            *db.Pool
	logger          *slog.Logger
	now             func() time.Time
	storesPasswords bool

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// NewMirror wraps pool. The mirror owns the pool and closes it on Close.
func NewMirror(pool *db.Pool, opts Options) *Mirror {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Mirror{
		pool:            pool,
		logger:          logger,
		now:             now,
		storesPasswords: opts.StorePasswords,
	}
}

// Send delivers msg to the mirror and waits for its result.
//
// Failures fall in three groups: ErrUnreachable and db.ErrAcquire mean the
// statement was never sent; *QueryError means it was sent and rejected;
// ErrNotFound is returned by lookups that match nothing.
func Send[R any](ctx context.Context, m *Mirror, msg Message[R]) (R, error) {
	var zero R
	if m == nil {
		return zero, ErrUnreachable
	}
	if err := m.enter(); err != nil {
		return zero, err
	}
	defer m.inflight.Done()

	logger := m.logger.With(slog.String("op", msg.Op()))
	if s, ok := any(msg).(subject); ok {
		logger = logger.With(slog.String("user_id", s.userID()))
	}

	if c, ok := any(msg).(checker); ok {
		if err := c.check(m); err != nil {
			logger.Debug("mirror message rejected", slog.String("error", err.Error()))
			return zero, err
		}
	}

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		logger.Warn("mirror connection unavailable", slog.String("error", err.Error()))
		return zero, err
	}
	defer conn.Close()

	// Once started, a statement runs to completion even if the sender goes
	// away, so the connection is released only after the database answers.
	result, err := msg.exec(context.WithoutCancel(ctx), conn, execEnv{now: m.now().UTC(), storePasswords: m.storesPasswords})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return zero, err
		}
		qe := newQueryError(msg.Op(), err)
		logger.Warn("mirror statement failed", slog.String("error", qe.Error()))
		return zero, qe
	}

	logger.Debug("mirror statement done")
	return result, nil
}

// CreateUser inserts a new record. A unique index violation is reported as
// an error matching ErrDuplicateUser.
func (m *Mirror) CreateUser(ctx context.Context, msg CreateUser) error {
	_, err := Send[struct{}](ctx, m, msg)
	return err
}

func (m *Mirror) UpdateUsername(ctx context.Context, id, username string) error {
	_, err := Send[struct{}](ctx, m, UpdateUsername{ID: id, Username: username})
	return err
}

func (m *Mirror) UpdateEmail(ctx context.Context, id, email string) error {
	_, err := Send[struct{}](ctx, m, UpdateEmail{ID: id, Email: email})
	return err
}

func (m *Mirror) UpdatePassword(ctx context.Context, id, password string) error {
	_, err := Send[struct{}](ctx, m, UpdatePassword{ID: id, Password: password})
	return err
}

// ActivateEmail sends UpdateActivateEmail.
func (m *Mirror) ActivateEmail(ctx context.Context, id string) error {
	_, err := Send[struct{}](ctx, m, UpdateActivateEmail{ID: id})
	return err
}

func (m *Mirror) DeleteUser(ctx context.Context, id string) error {
	_, err := Send[struct{}](ctx, m, DeleteUser{ID: id})
	return err
}

func (m *Mirror) CheckUser(ctx context.Context, id string) (bool, error) {
	return Send[bool](ctx, m, CheckUser{ID: id})
}

func (m *Mirror) CheckIfRegisteredUser(ctx context.Context, username, email string) (bool, error) {
	return Send[bool](ctx, m, CheckIfRegisteredUser{Username: username, Email: email})
}

func (m *Mirror) GetUser(ctx context.Context, id string) (types.User, error) {
	return Send[types.User](ctx, m, GetUser{ID: id})
}

// StoresPasswords reports whether the local password column is in use.
func (m *Mirror) StoresPasswords() bool {
	return m.storesPasswords
}

// Ping checks database reachability without going through a message.
func (m *Mirror) Ping(ctx context.Context) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.inflight.Done()
	return m.pool.Ping(ctx)
}

// Close stops accepting messages, waits for in-flight statements and then
// closes the pool.
func (m *Mirror) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.inflight.Wait()
	return m.pool.Close()
}

func (m *Mirror) enter() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrUnreachable
	}
	m.inflight.Add(1)
	return nil
}
