package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lorrc/service-desk-realtime/internal/adapters/primary/validation"
	"github.com/lorrc/service-desk-realtime/internal/auth"
	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
)

// AuthHandler issues development tokens. Real sign-in happens elsewhere;
// this handler is only mounted outside production.
type AuthHandler struct {
	tokenManager *auth.TokenManager
	errorHandler *ErrorHandler
	logger       *slog.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(tm *auth.TokenManager, errorHandler *ErrorHandler, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		tokenManager: tm,
		errorHandler: errorHandler,
		logger:       logger.With("handler", "auth"),
	}
}

// RegisterRoutes sets up the auth routes.
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Post("/dev-token", h.HandleDevToken)
}

// DevTokenRequest is the body of POST /auth/dev-token. A missing userId
// gets a fresh one.
type DevTokenRequest struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// Validate validates the dev token request
func (r *DevTokenRequest) Validate() error {
	v := validation.NewValidator()

	v.UUID("userId", r.UserID)
	v.Required("role", r.Role).
		OneOf("role", r.Role, []string{auth.RoleAgent, auth.RoleCustomer})

	if v.HasErrors() {
		return v.Errors()
	}
	return nil
}

// TokenResponse is returned by the dev token endpoint.
type TokenResponse struct {
	Token     string `json:"token"`
	UserID    string `json:"userId"`
	Role      string `json:"role"`
	ExpiresAt string `json:"expiresAt"`
}

// HandleDevToken handles POST /auth/dev-token
func (h *AuthHandler) HandleDevToken(w http.ResponseWriter, r *http.Request) {
	req, err := validation.DecodeAndValidate[DevTokenRequest](r)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	userID := uuid.New()
	if req.UserID != "" {
		userID = uuid.MustParse(req.UserID)
	}

	token, err := h.tokenManager.GenerateToken(userID, req.Role)
	if err != nil {
		h.errorHandler.Handle(w, r, apperrors.NewInternalError(err))
		return
	}

	h.logger.InfoContext(r.Context(), "issued development token", "user_id", userID, "role", req.Role)
	WriteCreated(w, TokenResponse{
		Token:     token,
		UserID:    userID.String(),
		Role:      req.Role,
		ExpiresAt: time.Now().Add(h.tokenManager.TTL()).UTC().Format(time.RFC3339),
	})
}
