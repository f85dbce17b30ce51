package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jjudge-oj/authgate/internal/db"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func newTestMirror(t *testing.T, opts Options) (*Mirror, sqlmock.Sqlmock, *db.Pool) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	sqlDB.SetMaxOpenConns(1)
	pool := db.NewPool(sqlDB, 50*time.Millisecond)

	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.Now = func() time.Time { return fixedNow }
	return NewMirror(pool, opts), mock, pool
}

func TestCreateUser(t *testing.T) {
	mirror, mock, _ := newTestMirror(t, Options{})

	mock.ExpectExec("INSERT INTO users").
		WithArgs("u1", "alice", "a@x.com", nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := mirror.CreateUser(context.Background(), CreateUser{
		ID:       "u1",
		Username: "alice",
		Email:    "a@x.com",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUserStoresPasswordWhenGiven(t *testing.T) {
	mirror, mock, _ := newTestMirror(t, Options{StorePasswords: true})

	mock.ExpectExec("INSERT INTO users").
		WithArgs("u1", "alice", "a@x.com", "$2a$10$hash", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := mirror.CreateUser(context.Background(), CreateUser{
		ID:       "u1",
		Username: "alice",
		Email:    "a@x.com",
		Password: "$2a$10$hash",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUserDropsPasswordWhenNotStored(t *testing.T) {
	mirror, mock, _ := newTestMirror(t, Options{})

	mock.ExpectExec("INSERT INTO users").
		WithArgs("u1", "alice", "a@x.com", nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := mirror.CreateUser(context.Background(), CreateUser{
		ID:       "u1",
		Username: "alice",
		Email:    "a@x.com",
		Password: "p",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUserRejectsMissingFields(t *testing.T) {
	mirror, mock, _ := newTestMirror(t, Options{})

	err := mirror.CreateUser(context.Background(), CreateUser{ID: "u1", Username: "alice"})
	require.ErrorIs(t, err, ErrInvalidMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUserDuplicate(t *testing.T) {
	mirror, mock, _ := newTestMirror(t, Options{})

	mock.ExpectExec("INSERT INTO users").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "users_username_key"})

	err := mirror.CreateUser(context.Background(), CreateUser{ID: "u2", Username: "alice", Email: "a@x.com"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateUser)

	var qe *QueryError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, "create_user", qe.Op)
	assert.Equal(t, "users_username_key", qe.Constraint)
}

func TestStatementFailureIsQueryError(t *testing.T) {
	mirror, mock, _ := newTestMirror(t, Options{})

	mock.ExpectExec("UPDATE users").WillReturnError(errors.New("connection reset"))

	err := mirror.UpdateEmail(context.Background(), "u1", "b@x.com")
	require.Error(t, err)

	var qe *QueryError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, "update_email", qe.Op)
	assert.NotErrorIs(t, err, ErrDuplicateUser)
	assert.NotErrorIs(t, err, db.ErrAcquire)
}

func TestUpdatesMatchByID(t *testing.T) {
	tests := []struct {
		name string
		run  func(*Mirror) error
		args []driver.Value
	}{
		{
			name: "username",
			run: func(m *Mirror) error {
				return m.UpdateUsername(context.Background(), "u1", "bob")
			},
			args: []driver.Value{"bob", sqlmock.AnyArg(), "u1"},
		},
		{
			name: "email",
			run: func(m *Mirror) error {
				return m.UpdateEmail(context.Background(), "u1", "a2@x.com")
			},
			args: []driver.Value{"a2@x.com", sqlmock.AnyArg(), "u1"},
		},
		{
			name: "activate email",
			run: func(m *Mirror) error {
				return m.ActivateEmail(context.Background(), "u1")
			},
			args: []driver.Value{sqlmock.AnyArg(), "u1"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mirror, mock, _ := newTestMirror(t, Options{})

			mock.ExpectExec("UPDATE users").
				WithArgs(tc.args...).
				WillReturnResult(sqlmock.NewResult(0, 1))

			require.NoError(t, tc.run(mirror))
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestUpdateNoRowsIsSuccess(t *testing.T) {
	mirror, mock, _ := newTestMirror(t, Options{})

	mock.ExpectExec("UPDATE users").
		WithArgs("bob", sqlmock.AnyArg(), "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, mirror.UpdateUsername(context.Background(), "missing", "bob"))
}

func TestActivateEmailTwice(t *testing.T) {
	mirror, mock, _ := newTestMirror(t, Options{})

	for i := 0; i < 2; i++ {
		mock.ExpectExec("UPDATE users").
			WithArgs(sqlmock.AnyArg(), "u1").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	require.NoError(t, mirror.ActivateEmail(context.Background(), "u1"))
	require.NoError(t, mirror.ActivateEmail(context.Background(), "u1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePasswordPolicy(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		mirror, mock, pool := newTestMirror(t, Options{})

		err := mirror.UpdatePassword(context.Background(), "u1", "$2a$10$hash")
		require.ErrorIs(t, err, ErrPasswordNotStored)
		assert.Equal(t, 0, pool.Stats().OpenConnections)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("enabled", func(t *testing.T) {
		mirror, mock, _ := newTestMirror(t, Options{StorePasswords: true})

		mock.ExpectExec("UPDATE users").
			WithArgs("$2a$10$hash", sqlmock.AnyArg(), "u1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, mirror.UpdatePassword(context.Background(), "u1", "$2a$10$hash"))
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCheckUser(t *testing.T) {
	mirror, mock, _ := newTestMirror(t, Options{})

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("u9").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	ok, err := mirror.CheckUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = mirror.CheckUser(context.Background(), "u9")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckIfRegisteredUserMatchesBothFields(t *testing.T) {
	mirror, mock, _ := newTestMirror(t, Options{})

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("alice", "other@x.com").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	ok, err := mirror.CheckIfRegisteredUser(context.Background(), "alice", "other@x.com")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckUserQueryFailureIsNotFalse(t *testing.T) {
	mirror, mock, _ := newTestMirror(t, Options{})

	mock.ExpectQuery("SELECT EXISTS").WillReturnError(errors.New("relation \"users\" does not exist"))

	ok, err := mirror.CheckUser(context.Background(), "u1")
	require.Error(t, err)
	assert.False(t, ok)

	var qe *QueryError
	assert.True(t, errors.As(err, &qe))
}

func TestGetUser(t *testing.T) {
	mirror, mock, _ := newTestMirror(t, Options{})
	created := fixedNow.Add(-time.Hour)

	columns := []string{"id", "username", "email", "password", "is_email_activate", "created_at", "updated_at"}
	mock.ExpectQuery("SELECT id, username, email").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("u1", "alice", "a2@x.com", nil, true, created, fixedNow))
	mock.ExpectQuery("SELECT id, username, email").
		WithArgs("u9").
		WillReturnRows(sqlmock.NewRows(columns))

	user, err := mirror.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "a2@x.com", user.Email)
	assert.True(t, user.EmailActivated)
	assert.Empty(t, user.PasswordHash)
	require.NotNil(t, user.UpdatedAt)
	assert.True(t, user.CreatedAt.Before(*user.UpdatedAt))

	_, err = mirror.GetUser(context.Background(), "u9")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteUser(t *testing.T) {
	mirror, mock, _ := newTestMirror(t, Options{})

	mock.ExpectExec("DELETE FROM users").
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	require.NoError(t, mirror.DeleteUser(context.Background(), "u1"))

	ok, err := mirror.CheckUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSendReleasesConnectionOnError(t *testing.T) {
	mirror, mock, pool := newTestMirror(t, Options{})

	mock.ExpectExec("DELETE FROM users").WillReturnError(errors.New("boom"))

	require.Error(t, mirror.DeleteUser(context.Background(), "u1"))
	assert.Equal(t, 0, pool.Stats().InUse)
}

func TestSendPoolExhausted(t *testing.T) {
	mirror, mock, pool := newTestMirror(t, Options{})

	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Close()

	_, err = mirror.CheckUser(context.Background(), "u1")
	require.ErrorIs(t, err, db.ErrPoolTimeout)

	var qe *QueryError
	assert.False(t, errors.As(err, &qe))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSendAfterCloseIsUnreachable(t *testing.T) {
	mirror, mock, _ := newTestMirror(t, Options{})
	mock.ExpectClose()

	require.NoError(t, mirror.Close())
	require.NoError(t, mirror.Close())

	_, err := mirror.CheckUser(context.Background(), "u1")
	require.ErrorIs(t, err, ErrUnreachable)
	require.ErrorIs(t, mirror.Ping(context.Background()), ErrUnreachable)

	var nilMirror *Mirror
	_, err = nilMirror.CheckUser(context.Background(), "u1")
	require.ErrorIs(t, err, ErrUnreachable)
}

func TestCloseWaitsForInFlight(t *testing.T) {
	mirror, mock, pool := newTestMirror(t, Options{})

	mock.ExpectExec("DELETE FROM users").
		WithArgs("u1").
		WillDelayFor(50 * time.Millisecond).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	done := make(chan error, 1)
	go func() {
		done <- mirror.DeleteUser(context.Background(), "u1")
	}()

	require.Eventually(t, func() bool {
		return pool.Stats().InUse == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, mirror.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	default:
		t.Fatal("Close returned before the in-flight statement finished")
	}
}

func TestStatementSurvivesCallerCancel(t *testing.T) {
	mirror, mock, _ := newTestMirror(t, Options{})

	mock.ExpectExec("INSERT INTO users").
		WillDelayFor(30 * time.Millisecond).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := mirror.CreateUser(ctx, CreateUser{ID: "u1", Username: "alice", Email: "a@x.com"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
