package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jjudge-oj/authgate/internal/services"
)

// AuthHandler serves the public registration and login endpoints.
type AuthHandler struct {
	accounts AccountService
	logger   *slog.Logger
}

func NewAuthHandler(accounts AccountService, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{accounts: accounts, logger: logger}
}

// AuthRouter registers auth routes on the given router.
func AuthRouter(r chi.Router, accounts AccountService, logger *slog.Logger) {
	handler := NewAuthHandler(accounts, logger)

	r.Post("/register", handler.Register)
	r.Post("/login", handler.Login)
}

// Register signs the user up with the identity provider and answers with
// the provider's registration payload.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	reg, err := h.accounts.Register(r.Context(), services.RegisterInput{
		Username: req.Username,
		Password: req.Password,
		Email:    req.Email,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	if len(reg.Raw) > 0 {
		writeRawJSON(w, http.StatusOK, reg.Raw)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

// Login returns the provider token set for a locally known user.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	tokens, err := h.accounts.Login(r.Context(), services.LoginInput{
		ID:       req.ID,
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

type LoginRequest struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Password string `json:"password"`
}
