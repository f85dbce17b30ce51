package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jjudge-oj/authgate/internal/auth"
	"github.com/jjudge-oj/authgate/internal/db"
	"github.com/jjudge-oj/authgate/internal/idp"
	"github.com/jjudge-oj/authgate/internal/services"
	"github.com/jjudge-oj/authgate/internal/store"
	"github.com/jjudge-oj/authgate/types"
)

const maxBodyBytes = 64 << 10

// AccountService is the set of account flows the HTTP layer exposes.
type AccountService interface {
	Register(ctx context.Context, in services.RegisterInput) (idp.Registration, error)
	Login(ctx context.Context, in services.LoginInput) (idp.TokenSet, error)
	ChangePassword(ctx context.Context, id, email string) (string, error)
	Profile(ctx context.Context, id, accessToken string) (json.RawMessage, error)
	Get(ctx context.Context, id string) (types.User, error)
	UpdateUsername(ctx context.Context, id, username string) error
	UpdateEmail(ctx context.Context, id, email string) error
	Delete(ctx context.Context, id string) error
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeRawJSON(w http.ResponseWriter, status int, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", services.ErrInvalidInput, err)
	}
	return nil
}

// identityFrom returns the caller verified by the auth middleware.
func identityFrom(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok || id.UserID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return auth.Identity{}, false
	}
	return id, true
}

// writeServiceError maps a flow error to its HTTP status. Infrastructure
// causes are logged and never echoed to the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, resp := classify(err)
	attrs := []any{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", attrs...)
	} else {
		logger.Info("request rejected", attrs...)
	}
	writeJSON(w, status, resp)
}

func classify(err error) (int, ErrorResponse) {
	var providerErr *idp.ProviderError
	switch {
	case errors.Is(err, services.ErrInvalidInput):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error()}
	case errors.Is(err, services.ErrAlreadyRegistered), errors.Is(err, store.ErrDuplicateUser):
		return http.StatusBadRequest, ErrorResponse{Error: "user already registered"}
	case errors.Is(err, services.ErrNotRegistered):
		return http.StatusBadRequest, ErrorResponse{Error: "user not registered"}
	case errors.Is(err, store.ErrUnreachable):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "service unavailable"}
	case errors.Is(err, db.ErrAcquire):
		return http.StatusInternalServerError, ErrorResponse{Error: "database unavailable"}
	case errors.As(err, &providerErr):
		if providerErr.Rejected() {
			return http.StatusBadRequest, ErrorResponse{Error: "identity provider rejected the request", Detail: providerErr.Body}
		}
		return http.StatusBadGateway, ErrorResponse{Error: "identity provider error"}
	case errors.Is(err, idp.ErrUnavailable):
		return http.StatusBadGateway, ErrorResponse{Error: "identity provider unavailable"}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "internal error"}
	}
}
