package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/goodtune/shiftkiosk/internal/admin/api"
)

// handleLogin handles user login requests.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Username == "" || req.Password == "" {
		api.WriteError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	session, token, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			s.logger.Warn().Str("username", req.Username).Str("remote_addr", r.RemoteAddr).Msg("Failed login attempt")
			api.WriteError(w, http.StatusUnauthorized, "Invalid username or password")
			return
		}
		s.logger.Error().Err(err).Msg("Login error")
		api.WriteError(w, http.StatusInternalServerError, "Login failed")
		return
	}

	// The kiosk admin API is usually plain HTTP on loopback
	secure := r.TLS != nil
	setCookie(w, "admin_token", token, session.ExpiresAt, secure)

	api.WriteJSON(w, http.StatusOK, LoginResponse{
		Token:     token,
		ExpiresAt: session.ExpiresAt,
		User: UserInfo{
			ID:       session.UserID,
			Username: session.Username,
		},
	})

	s.logger.Info().
		Str("username", req.Username).
		Str("session_id", session.ID).
		Msg("User logged in")
}

// handleLogout handles user logout requests.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	session, _ := SessionFromContext(r.Context())
	if err := s.auth.Logout(session.ID); err != nil {
		s.logger.Debug().Err(err).Str("session_id", session.ID).Msg("Session already closed")
	}

	clearCookie(w, "admin_token")

	api.WriteJSON(w, http.StatusOK, messageResponse{Message: "Logged out successfully"})
	s.logger.Info().Str("username", session.Username).Str("session_id", session.ID).Msg("User logged out")
}

// handleMe returns the current user information.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	session, _ := SessionFromContext(r.Context())
	api.WriteJSON(w, http.StatusOK, UserInfo{
		ID:       session.UserID,
		Username: session.Username,
	})
}

// handleChangePassword handles password change requests.
func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFromContext(r.Context())
	if !ok {
		api.WriteError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}
	username := session.Username

	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.OldPassword == "" || req.NewPassword == "" {
		api.WriteError(w, http.StatusBadRequest, "Old and new passwords are required")
		return
	}
	if len(req.NewPassword) < MinPasswordLength {
		api.WriteError(w, http.StatusBadRequest, "New password must be at least 8 characters")
		return
	}

	if err := s.auth.ChangePassword(r.Context(), username, req.OldPassword, req.NewPassword); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			api.WriteError(w, http.StatusUnauthorized, "Invalid current password")
			return
		}
		s.logger.Error().Err(err).Str("username", username).Msg("Password change error")
		api.WriteError(w, http.StatusInternalServerError, "Failed to change password")
		return
	}

	api.WriteJSON(w, http.StatusOK, messageResponse{Message: "Password changed successfully"})
	s.logger.Info().Str("username", username).Msg("User changed password")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"active_sessions": s.auth.ActiveSessions(),
	})
}

func setCookie(w http.ResponseWriter, name, value string, expires time.Time, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  expires,
	})
}

func clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}
