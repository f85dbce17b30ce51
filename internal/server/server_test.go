package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jjudge-oj/authgate/internal/auth"
	"github.com/jjudge-oj/authgate/internal/idp"
	"github.com/jjudge-oj/authgate/internal/services"
	"github.com/jjudge-oj/authgate/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const audience = "https://api.authgate.test"

type countingAccounts struct {
	calls int
}

func (c *countingAccounts) Register(context.Context, services.RegisterInput) (idp.Registration, error) {
	c.calls++
	return idp.Registration{ID: "u1", Raw: json.RawMessage(`{"_id":"u1"}`)}, nil
}

func (c *countingAccounts) Login(context.Context, services.LoginInput) (idp.TokenSet, error) {
	c.calls++
	return idp.TokenSet{AccessToken: "at"}, nil
}

func (c *countingAccounts) ChangePassword(context.Context, string, string) (string, error) {
	c.calls++
	return "sent", nil
}

func (c *countingAccounts) Profile(context.Context, string, string) (json.RawMessage, error) {
	c.calls++
	return json.RawMessage(`{}`), nil
}

func (c *countingAccounts) Get(_ context.Context, id string) (types.User, error) {
	c.calls++
	return types.User{ID: id}, nil
}

func (c *countingAccounts) UpdateUsername(context.Context, string, string) error {
	c.calls++
	return nil
}

func (c *countingAccounts) UpdateEmail(context.Context, string, string) error {
	c.calls++
	return nil
}

func (c *countingAccounts) Delete(context.Context, string) error {
	c.calls++
	return nil
}

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *rsa.PrivateKey, *countingAccounts) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	verifier, err := auth.NewVerifier(&key.PublicKey, auth.VerifierConfig{Audience: audience, SubjectPrefix: "auth0|"})
	require.NoError(t, err)

	accounts := &countingAccounts{}
	router := NewRouter(Deps{
		Accounts: accounts,
		Verifier: verifier,
		Health:   okPinger{},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, key, accounts
}

func sign(t *testing.T, key *rsa.PrivateKey, sub string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": sub,
		"aud": audience,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func request(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestPublicRoutes(t *testing.T) {
	srv, _, accounts := newTestServer(t)

	resp := request(t, http.MethodGet, srv.URL+"/", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = request(t, http.MethodGet, srv.URL+"/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = request(t, http.MethodPost, srv.URL+"/register", "", `{"username":"alice","password":"p","email":"a@x.com"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = request(t, http.MethodPost, srv.URL+"/login", "", `{"id":"u1","username":"alice","password":"p"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, accounts.calls)
}

func TestProtectedRoutesRejectWithoutToken(t *testing.T) {
	srv, _, accounts := newTestServer(t)

	routes := []struct{ method, path string }{
		{http.MethodPost, "/user/change_password"},
		{http.MethodGet, "/user/profile"},
		{http.MethodGet, "/user/profile/u1"},
		{http.MethodGet, "/user/me"},
		{http.MethodPatch, "/user/username"},
		{http.MethodPatch, "/user/email"},
		{http.MethodDelete, "/user"},
		{http.MethodGet, "/no-such-route"},
	}
	for _, route := range routes {
		resp := request(t, route.method, srv.URL+route.path, "", "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, route.path)
	}
	assert.Zero(t, accounts.calls)
}

func TestProtectedRouteWithToken(t *testing.T) {
	srv, key, accounts := newTestServer(t)

	resp := request(t, http.MethodGet, srv.URL+"/user/me", sign(t, key, "auth0|u1"), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var user types.User
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&user))
	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, 1, accounts.calls)
}

func TestForeignKeyRejected(t *testing.T) {
	srv, _, accounts := newTestServer(t)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	resp := request(t, http.MethodGet, srv.URL+"/user/me", sign(t, other, "auth0|u1"), "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, accounts.calls)
}
