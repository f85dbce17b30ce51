package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jjudge-oj/authgate/internal/auth"
)

// UserHandler serves the authenticated /user endpoints. Every handler acts
// on the caller's own record.
type UserHandler struct {
	accounts AccountService
	logger   *slog.Logger
}

func NewUserHandler(accounts AccountService, logger *slog.Logger) *UserHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserHandler{accounts: accounts, logger: logger}
}

// UserRouter registers user routes on the given router.
func UserRouter(r chi.Router, accounts AccountService, logger *slog.Logger) {
	handler := NewUserHandler(accounts, logger)

	r.Post("/change_password", handler.ChangePassword)
	r.Get("/profile", handler.Profile)
	r.Get("/profile/{id}", handler.Profile)
	r.Get("/me", handler.Me)
	r.Patch("/username", handler.UpdateUsername)
	r.Patch("/email", handler.UpdateEmail)
	r.Delete("/", handler.Delete)
}

// ChangePassword starts the provider's reset flow for the caller.
func (h *UserHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(w, r)
	if !ok {
		return
	}

	var req ChangePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if !h.sameUser(w, identity, req.UserID) {
		return
	}

	msg, err := h.accounts.ChangePassword(r.Context(), identity.UserID, req.Email)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: msg})
}

// Profile forwards the provider profile of the caller verbatim. The {id}
// form must name the caller.
func (h *UserHandler) Profile(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(w, r)
	if !ok {
		return
	}
	if !h.sameUser(w, identity, chi.URLParam(r, "id")) {
		return
	}

	token, err := auth.BearerToken(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	profile, err := h.accounts.Profile(r.Context(), identity.UserID, token)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeRawJSON(w, http.StatusOK, profile)
}

// Me returns the caller's mirror record.
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(w, r)
	if !ok {
		return
	}

	user, err := h.accounts.Get(r.Context(), identity.UserID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *UserHandler) UpdateUsername(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(w, r)
	if !ok {
		return
	}

	var req UpdateUsernameRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if err := h.accounts.UpdateUsername(r.Context(), identity.UserID, req.Username); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *UserHandler) UpdateEmail(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(w, r)
	if !ok {
		return
	}

	var req UpdateEmailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if err := h.accounts.UpdateEmail(r.Context(), identity.UserID, req.Email); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete removes the caller from the local mirror.
func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(w, r)
	if !ok {
		return
	}
	if err := h.accounts.Delete(r.Context(), identity.UserID); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sameUser rejects requests naming a user other than the caller. An empty
// id means the caller.
func (h *UserHandler) sameUser(w http.ResponseWriter, identity auth.Identity, id string) bool {
	id = strings.TrimSpace(id)
	if id == "" || id == identity.UserID || id == identity.Subject {
		return true
	}
	writeError(w, http.StatusForbidden, "forbidden")
	return false
}

type ChangePasswordRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

type UpdateUsernameRequest struct {
	Username string `json:"username"`
}

type UpdateEmailRequest struct {
	Email string `json:"email"`
}
