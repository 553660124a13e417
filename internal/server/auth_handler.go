package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Bradleyfc/proyecto-cfbc/internal/auth"
	"github.com/Bradleyfc/proyecto-cfbc/internal/httputil"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string     `json:"token"`
	User  *auth.User `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		httputil.WriteError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, token, err := s.authSvc.Login(r.Context(), req.Username, req.Password)
	switch {
	case err == nil:
		httputil.WriteJSON(w, http.StatusOK, loginResponse{Token: token, User: user})
	case errors.Is(err, auth.ErrInactiveAccount):
		httputil.WriteError(w, http.StatusForbidden, "account is inactive")
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrUserNotFound):
		httputil.WriteError(w, http.StatusUnauthorized, "invalid username or password")
	default:
		s.logger.Error("login failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "login failed")
	}
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	if claims == nil {
		httputil.WriteError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, "invalid token subject")
		return
	}
	user, err := s.authSvc.UserByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "user not found")
			return
		}
		s.logger.Error("loading user", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "loading user failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, user)
}

type claimRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleClaimRequest(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		httputil.WriteError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	id, err := s.authSvc.RequestClaim(r.Context(), req.Email, req.Password)
	switch {
	case err == nil:
		httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
			"claim_id": id,
			"message":  "verification code sent",
		})
	case errors.Is(err, auth.ErrNoArchivedAccount):
		httputil.WriteError(w, http.StatusNotFound, "no archived account for that email")
	default:
		s.logger.Error("claim request failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "claim request failed")
	}
}

type claimVerifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

func (s *Server) handleClaimVerify(w http.ResponseWriter, r *http.Request) {
	var req claimVerifyRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Code == "" {
		httputil.WriteError(w, http.StatusBadRequest, "email and code are required")
		return
	}

	err := s.authSvc.VerifyClaim(r.Context(), req.Email, req.Code)
	switch {
	case err == nil:
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "verified"})
	case errors.Is(err, auth.ErrClaimNotFound):
		httputil.WriteError(w, http.StatusNotFound, "no pending claim for that email")
	case errors.Is(err, auth.ErrClaimExpired):
		httputil.WriteError(w, http.StatusGone, "verification code has expired")
	case errors.Is(err, auth.ErrInvalidClaimCode):
		httputil.WriteError(w, http.StatusBadRequest, "incorrect verification code")
	default:
		s.logger.Error("claim verify failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "claim verification failed")
	}
}

type claimCompleteRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleClaimComplete(w http.ResponseWriter, r *http.Request) {
	var req claimCompleteRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" {
		httputil.WriteError(w, http.StatusBadRequest, "email is required")
		return
	}

	user, token, err := s.authSvc.CompleteClaim(r.Context(), req.Email)
	switch {
	case err == nil:
		httputil.WriteJSON(w, http.StatusOK, loginResponse{Token: token, User: user})
	case errors.Is(err, auth.ErrClaimNotFound):
		httputil.WriteError(w, http.StatusNotFound, "no pending claim for that email")
	case errors.Is(err, auth.ErrClaimNotVerified):
		httputil.WriteError(w, http.StatusConflict, "claim has not been verified")
	default:
		s.logger.Error("claim complete failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "claim completion failed")
	}
}
