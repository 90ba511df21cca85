package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docuchat/docuchat/internal/gateway"
	"github.com/docuchat/docuchat/internal/link"
	"github.com/docuchat/docuchat/internal/model"
	"github.com/docuchat/docuchat/internal/store"
)

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
	FullName string `json:"fullName,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string           `json:"token"`
	User  model.PublicUser `json:"user"`
	// Best-effort external identity link outcome; absent when the
	// linker is not configured or the attempt errored.
	Link *link.Result `json:"link,omitempty"`
}

const minPasswordLength = 6

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	username := strings.TrimSpace(req.Username)
	if email == "" || username == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "email and username are required")
		return
	}
	if len(req.Password) < minPasswordLength {
		writeError(w, http.StatusBadRequest, "bad_request", "password too short")
		return
	}
	hash, err := gateway.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "could not hash password")
		return
	}
	user := model.User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: hash,
		Username:     username,
		FullName:     strings.TrimSpace(req.FullName),
		IsActive:     true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(r.Context(), &user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, "conflict", "email already registered")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "could not create user")
		return
	}
	s.respondWithToken(w, r, user, true)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	user, err := s.store.UserByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		// Indistinguishable from a wrong password on purpose.
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
		return
	}
	if err := s.auth.VerifyPassword(user, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
		return
	}
	if !user.IsActive {
		writeError(w, http.StatusUnauthorized, "unauthorized", "account deactivated")
		return
	}
	if err := s.store.TouchLastLogin(r.Context(), user.ID); err != nil {
		s.logger.Warn("last_login_update_failed", "user_id", user.ID, "error", err)
	}
	s.respondWithToken(w, r, user, user.ExternalID == nil)
}

// respondWithToken issues the bearer token and, when requested, runs a
// best-effort external identity link. Link failures never fail the
// auth request; the outcome is auxiliary information.
func (s *Server) respondWithToken(w http.ResponseWriter, r *http.Request, user model.User, tryLink bool) {
	token, err := s.auth.IssueToken(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "could not issue token")
		return
	}
	resp := authResponse{Token: token, User: user.Public()}
	if tryLink && s.linker != nil {
		linkCtx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
		defer cancel()
		result, err := s.linker.LinkAndSync(linkCtx, user.ID, user.Email)
		if err != nil {
			s.logger.Warn("identity_link_failed", "user_id", user.ID, "error", err)
		} else {
			resp.Link = &result
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
