package http

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	mw "github.com/lorrc/service-desk-realtime/internal/adapters/primary/http/middleware"
	"github.com/lorrc/service-desk-realtime/internal/adapters/primary/validation"
	"github.com/lorrc/service-desk-realtime/internal/auth"
	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
	"github.com/lorrc/service-desk-realtime/internal/core/ports"
	"github.com/lorrc/service-desk-realtime/internal/infrastructure/logging"
)

// MessageHandler serves the REST side of ticket chat: history, a plain
// HTTP way to post, and ticket update broadcasts.
type MessageHandler struct {
	messages     ports.MessageService
	errorHandler *ErrorHandler
	logger       *slog.Logger
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(messages ports.MessageService, errorHandler *ErrorHandler, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{
		messages:     messages,
		errorHandler: errorHandler,
		logger:       logger.With("handler", "message"),
	}
}

// RegisterRoutes mounts the ticket chat routes. Expects JWTMiddleware upstream.
func (h *MessageHandler) RegisterRoutes(r chi.Router) {
	r.Route("/{ticketID}", func(r chi.Router) {
		r.Get("/messages", h.HandleListMessages)
		r.Post("/messages", h.HandlePostMessage)
		r.Post("/updates", h.HandlePublishUpdate)
	})
}

// --- Request DTOs ---

// PostMessageRequest is the body of POST /tickets/{ticketID}/messages.
// Sender defaults to the caller's role.
type PostMessageRequest struct {
	Message string `json:"message"`
	Sender  string `json:"sender"`
}

// Validate validates the post message request
func (r *PostMessageRequest) Validate() error {
	v := validation.NewValidator()

	v.Required("message", r.Message).
		MaxLength("message", r.Message, domain.MaxMessageLength)

	v.OneOf("sender", r.Sender, []string{string(domain.SenderCustomer), string(domain.SenderAgent)})

	if v.HasErrors() {
		return v.Errors()
	}
	return nil
}

// --- Handlers ---

// HandleListMessages handles GET /tickets/{ticketID}/messages
func (h *MessageHandler) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.getClaims(w, r); !ok {
		return
	}

	messages, err := h.messages.ListMessages(r.Context(), ports.ListMessagesParams{
		TicketID: chi.URLParam(r, "ticketID"),
		Limit:    validation.ParseIntQueryParam(r, "limit", 0),
	})
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	WriteList(w, messages)
}

// HandlePostMessage handles POST /tickets/{ticketID}/messages
func (h *MessageHandler) HandlePostMessage(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.getClaims(w, r)
	if !ok {
		return
	}

	req, err := validation.DecodeAndValidate[PostMessageRequest](r)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	sender := req.Sender
	if sender == "" {
		sender = claims.Role
	}

	ticketID := chi.URLParam(r, "ticketID")
	ctx := logging.WithTicketID(r.Context(), ticketID)
	msg, err := h.messages.PostMessage(ctx, ports.PostMessageParams{
		AuthorID: claims.UserID,
		Role:     claims.Role,
		Message: domain.Message{
			TicketID: ticketID,
			Message:  req.Message,
			Sender:   domain.Sender(sender),
		},
	})
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	WriteCreated(w, msg)
}

// HandlePublishUpdate handles POST /tickets/{ticketID}/updates. The body
// is the object of changed ticket fields. Agents only.
func (h *MessageHandler) HandlePublishUpdate(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.getClaims(w, r)
	if !ok {
		return
	}
	if claims.Role != auth.RoleAgent {
		h.errorHandler.Handle(w, r, apperrors.ErrForbidden)
		return
	}

	changes, err := validation.DecodeAndValidate[map[string]any](r)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}
	delete(*changes, "ticketId")

	update := domain.TicketUpdate{
		TicketID: strings.TrimSpace(chi.URLParam(r, "ticketID")),
		Changes:  *changes,
	}
	ctx := logging.WithTicketID(r.Context(), update.TicketID)
	if err := h.messages.PublishTicketUpdate(ctx, update); HandleError(w, r, err, h.errorHandler) {
		return
	}

	h.logger.InfoContext(ctx, "ticket update published", "fields", len(update.Changes))
	WriteAccepted(w, update)
}

func (h *MessageHandler) getClaims(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, ok := mw.GetClaims(r.Context())
	if !ok {
		h.errorHandler.Handle(w, r, apperrors.ErrUnauthorized)
		return nil, false
	}
	return claims, true
}
