package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jjudge-oj/authgate/types"
)

// Message is a typed request to the mirror. R is the result the sender
// receives once the statement completes.
type Message[R any] interface {
	Op() string
	exec(ctx context.Context, conn *sql.Conn, env execEnv) (R, error)
}

// execEnv carries the mirror settings a statement runs under.
type execEnv struct {
	now            time.Time
	storePasswords bool
}

// checker is implemented by messages that can be rejected before a
// connection is acquired.
type checker interface {
	check(m *Mirror) error
}

// subject is implemented by messages addressed to a single user id.
type subject interface {
	userID() string
}

// CreateUser inserts a new mirror record. The email activation flag starts
// false and updated_at starts NULL. Password is written only when the mirror
// stores passwords; otherwise the column stays NULL.
type CreateUser struct {
	ID       string
	Username string
	Password string
	Email    string
}

func (CreateUser) Op() string        { return "create_user" }
func (m CreateUser) userID() string { return m.ID }

func (m CreateUser) check(*Mirror) error {
	if strings.TrimSpace(m.ID) == "" || strings.TrimSpace(m.Username) == "" || strings.TrimSpace(m.Email) == "" {
		return fmt.Errorf("%w: create_user requires id, username and email", ErrInvalidMessage)
	}
	return nil
}

func (m CreateUser) exec(ctx context.Context, conn *sql.Conn, env execEnv) (struct{}, error) {
	const query = `
		INSERT INTO users (id, username, email, password, is_email_activate, created_at, updated_at)
		VALUES ($1, $2, $3, $4, FALSE, $5, NULL)`
	password := sql.NullString{String: m.Password, Valid: env.storePasswords && m.Password != ""}
	_, err := conn.ExecContext(ctx, query, m.ID, m.Username, m.Email, password, env.now)
	return struct{}{}, err
}

// UpdateUsername changes the username of the record with the given id.
// Matching no record is not an error.
type UpdateUsername struct {
	ID       string
	Username string
}

func (UpdateUsername) Op() string        { return "update_username" }
func (m UpdateUsername) userID() string { return m.ID }

func (m UpdateUsername) check(*Mirror) error {
	if strings.TrimSpace(m.Username) == "" {
		return fmt.Errorf("%w: update_username requires a username", ErrInvalidMessage)
	}
	return nil
}

func (m UpdateUsername) exec(ctx context.Context, conn *sql.Conn, env execEnv) (struct{}, error) {
	const query = `
		UPDATE users
		SET username = $1,
			updated_at = GREATEST($2::timestamptz, created_at + INTERVAL '1 microsecond')
		WHERE id = $3`
	_, err := conn.ExecContext(ctx, query, m.Username, env.now, m.ID)
	return struct{}{}, err
}

// UpdateEmail changes the email of the record with the given id.
// Matching no record is not an error.
type UpdateEmail struct {
	ID    string
	Email string
}

func (UpdateEmail) Op() string        { return "update_email" }
func (m UpdateEmail) userID() string { return m.ID }

func (m UpdateEmail) check(*Mirror) error {
	if strings.TrimSpace(m.Email) == "" {
		return fmt.Errorf("%w: update_email requires an email", ErrInvalidMessage)
	}
	return nil
}

func (m UpdateEmail) exec(ctx context.Context, conn *sql.Conn, env execEnv) (struct{}, error) {
	const query = `
		UPDATE users
		SET email = $1,
			updated_at = GREATEST($2::timestamptz, created_at + INTERVAL '1 microsecond')
		WHERE id = $3`
	_, err := conn.ExecContext(ctx, query, m.Email, env.now, m.ID)
	return struct{}{}, err
}

// UpdatePassword replaces the local password copy. It is rejected when the
// mirror runs without local password storage.
type UpdatePassword struct {
	ID       string
	Password string
}

func (UpdatePassword) Op() string        { return "update_password" }
func (m UpdatePassword) userID() string { return m.ID }

func (m UpdatePassword) check(mirror *Mirror) error {
	if !mirror.storesPasswords {
		return ErrPasswordNotStored
	}
	if m.Password == "" {
		return fmt.Errorf("%w: update_password requires a password", ErrInvalidMessage)
	}
	return nil
}

func (m UpdatePassword) exec(ctx context.Context, conn *sql.Conn, env execEnv) (struct{}, error) {
	const query = `
		UPDATE users
		SET password = $1,
			updated_at = GREATEST($2::timestamptz, created_at + INTERVAL '1 microsecond')
		WHERE id = $3`
	_, err := conn.ExecContext(ctx, query, m.Password, env.now, m.ID)
	return struct{}{}, err
}

// UpdateActivateEmail marks the email as activated. Applying it again leaves
// the flag set.
type UpdateActivateEmail struct {
	ID string
}

func (UpdateActivateEmail) Op() string        { return "update_activate_email" }
func (m UpdateActivateEmail) userID() string { return m.ID }

func (m UpdateActivateEmail) exec(ctx context.Context, conn *sql.Conn, env execEnv) (struct{}, error) {
	const query = `
		UPDATE users
		SET is_email_activate = TRUE,
			updated_at = GREATEST($1::timestamptz, created_at + INTERVAL '1 microsecond')
		WHERE id = $2`
	_, err := conn.ExecContext(ctx, query, env.now, m.ID)
	return struct{}{}, err
}

// DeleteUser removes the record with the given id.
type DeleteUser struct {
	ID string
}

func (DeleteUser) Op() string        { return "delete_user" }
func (m DeleteUser) userID() string { return m.ID }

func (m DeleteUser) exec(ctx context.Context, conn *sql.Conn, _ execEnv) (struct{}, error) {
	const query = `DELETE FROM users WHERE id = $1`
	_, err := conn.ExecContext(ctx, query, m.ID)
	return struct{}{}, err
}

// CheckUser reports whether a record with the given id exists.
type CheckUser struct {
	ID string
}

func (CheckUser) Op() string        { return "check_user" }
func (m CheckUser) userID() string { return m.ID }

func (m CheckUser) exec(ctx context.Context, conn *sql.Conn, _ execEnv) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`
	var exists bool
	err := conn.QueryRowContext(ctx, query, m.ID).Scan(&exists)
	return exists, err
}

// CheckIfRegisteredUser reports whether a record matches both the username
// and the email.
type CheckIfRegisteredUser struct {
	Username string
	Email    string
}

func (CheckIfRegisteredUser) Op() string { return "check_if_registered_user" }

func (m CheckIfRegisteredUser) exec(ctx context.Context, conn *sql.Conn, _ execEnv) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM users WHERE username = $1 AND email = $2)`
	var exists bool
	err := conn.QueryRowContext(ctx, query, m.Username, m.Email).Scan(&exists)
	return exists, err
}

// GetUser loads the record with the given id.
type GetUser struct {
	ID string
}

func (GetUser) Op() string        { return "get_user" }
func (m GetUser) userID() string { return m.ID }

func (m GetUser) exec(ctx context.Context, conn *sql.Conn, _ execEnv) (types.User, error) {
	const query = `
		SELECT id, username, email, password, is_email_activate, created_at, updated_at
		FROM users
		WHERE id = $1`
	var (
		user      types.User
		password  sql.NullString
		updatedAt sql.NullTime
	)
	err := conn.QueryRowContext(ctx, query, m.ID).Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&password,
		&user.EmailActivated,
		&user.CreatedAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	user.PasswordHash = password.String
	if updatedAt.Valid {
		t := updatedAt.Time
		user.UpdatedAt = &t
	}
	return user, nil
}
