package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jjudge-oj/authgate/config"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxResponseBody = 1 << 20

// Client talks to the identity provider's authentication API. It performs
// no retries.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	audience     string
	connection   string
	scope        string
	http         *http.Client
	logger       *slog.Logger
}

// NewClient builds a client from cfg. audience is requested on login so the
// issued access token passes this gateway's own verifier. When httpClient is
// nil a traced client bounded by cfg.Timeout is used.
func NewClient(cfg config.IDPConfig, audience string, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("idp: base url is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("idp: client id is required")
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:      base,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		audience:     audience,
		connection:   cfg.Connection,
		scope:        cfg.Scope,
		http:         httpClient,
		logger:       logger,
	}, nil
}

// Register creates the user on the provider's database connection.
func (c *Client) Register(ctx context.Context, username, password, email string) (Registration, error) {
	const op = "register"
	body, status, err := c.do(ctx, op, http.MethodPost, "/dbconnections/signup", "", signupRequest{
		ClientID:   c.clientID,
		Username:   username,
		Password:   password,
		Email:      email,
		Connection: c.connection,
	})
	if err != nil {
		return Registration{}, err
	}

	var reg Registration
	if err := json.Unmarshal(body, &reg); err != nil {
		return Registration{}, &ProviderError{Op: op, StatusCode: status, Body: string(body), Err: err}
	}
	if reg.ID == "" {
		return Registration{}, &ProviderError{Op: op, StatusCode: status, Body: string(body), Err: errors.New("response has no _id")}
	}
	reg.Raw = json.RawMessage(body)
	return reg, nil
}

// Login exchanges credentials for tokens using the password-realm grant.
func (c *Client) Login(ctx context.Context, username, password string) (TokenSet, error) {
	const op = "login"
	body, status, err := c.do(ctx, op, http.MethodPost, "/oauth/token", "", tokenRequest{
		GrantType:    PasswordRealmGrant,
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Audience:     c.audience,
		Realm:        c.connection,
		Scope:        c.scope,
		Username:     username,
		Password:     password,
	})
	if err != nil {
		return TokenSet{}, err
	}

	var tokens TokenSet
	if err := json.Unmarshal(body, &tokens); err != nil {
		return TokenSet{}, &ProviderError{Op: op, StatusCode: status, Body: string(body), Err: err}
	}
	if tokens.AccessToken == "" {
		return TokenSet{}, &ProviderError{Op: op, StatusCode: status, Body: string(body), Err: errors.New("response has no access_token")}
	}
	return tokens, nil
}

// ChangePassword asks the provider to send a password reset email. The
// provider answers with a plain text message which is returned as is.
func (c *Client) ChangePassword(ctx context.Context, email string) (string, error) {
	body, _, err := c.do(ctx, "change_password", http.MethodPost, "/dbconnections/change_password", "", changePasswordRequest{
		ClientID:   c.clientID,
		Email:      email,
		Connection: c.connection,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// Profile fetches the caller's profile with their own access token. The
// payload is returned undecoded.
func (c *Client) Profile(ctx context.Context, accessToken string) (json.RawMessage, error) {
	const op = "profile"
	body, status, err := c.do(ctx, op, http.MethodGet, "/userinfo", accessToken, nil)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, &ProviderError{Op: op, StatusCode: status, Body: string(body), Err: errors.New("response is not json")}
	}
	return json.RawMessage(body), nil
}

func (c *Client) do(ctx context.Context, op, method, path, bearer string, payload any) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("idp: %s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("idp: %s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("identity provider unreachable", slog.String("op", op), slog.String("error", err.Error()))
		return nil, 0, fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: %s: read response: %w", ErrUnavailable, op, err)
	}

	c.logger.Debug("identity provider call",
		slog.String("op", op),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, &ProviderError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, resp.StatusCode, nil
}
