package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const defaultAcquireTimeout = 5 * time.Second

var (
	// ErrAcquire matches every failure to obtain a connection. The statement
	// was never sent to the database.
	ErrAcquire = errors.New("db: could not acquire connection")

	// ErrPoolTimeout matches acquisition failures caused by the pool staying
	// exhausted for the whole acquire timeout.
	ErrPoolTimeout = errors.New("db: timed out waiting for a pooled connection")
)

// AcquireError describes a failed Acquire.
type AcquireError struct {
	Timeout bool
	Wait    time.Duration
	Err     error
}

func (e *AcquireError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s after %s", ErrPoolTimeout, e.Wait)
	}
	return fmt.Sprintf("%s: %v", ErrAcquire, e.Err)
}

func (e *AcquireError) Unwrap() error {
	return e.Err
}

func (e *AcquireError) Is(target error) bool {
	return target == ErrAcquire || (e.Timeout && target == ErrPoolTimeout)
}

// Pool hands out single connections from a bounded database/sql pool. The
// bound itself is the pool's MaxOpenConns; Pool adds the bounded wait.
type Pool struct {
	db             *sql.DB
	acquireTimeout time.Duration
}

// NewPool wraps an opened database handle. A non-positive timeout falls back
// to the default.
func NewPool(db *sql.DB, acquireTimeout time.Duration) *Pool {
	if acquireTimeout <= 0 {
		acquireTimeout = defaultAcquireTimeout
	}
	return &Pool{db: db, acquireTimeout: acquireTimeout}
}

// Acquire returns a connection owned exclusively by the caller until it calls
// Close on it. It waits at most the acquire timeout. A cancelled caller
// context is reported as the context error, not as a pool failure.
func (p *Pool) Acquire(ctx context.Context) (*sql.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	conn, err := p.db.Conn(waitCtx)
	if err == nil {
		return conn, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		return nil, &AcquireError{Timeout: true, Wait: p.acquireTimeout, Err: err}
	}
	return nil, &AcquireError{Wait: p.acquireTimeout, Err: err}
}

// AcquireTimeout returns the configured bounded wait.
func (p *Pool) AcquireTimeout() time.Duration {
	return p.acquireTimeout
}

// Stats reports the underlying pool statistics.
func (p *Pool) Stats() sql.DBStats {
	return p.db.Stats()
}

// Ping checks that a connection can still be established.
func (p *Pool) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the pool. In-flight connections are closed as they are
// released.
func (p *Pool) Close() error {
	return p.db.Close()
}
