package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/stepflow/internal/api"
	"github.com/ashureev/stepflow/internal/identity"
	"github.com/go-chi/chi/v5"
)

// defaultMaxRequestBodySize caps chat request bodies (64KB).
const defaultMaxRequestBodySize = 64 << 10

// Handler exposes a Relay to the questionnaire under /api/chat.
type Handler struct {
	relay   *Relay
	limiter *RateLimiter
}

// NewHandler creates a chat handler. A nil limiter disables rate limiting.
func NewHandler(relay *Relay, limiter *RateLimiter) *Handler {
	return &Handler{relay: relay, limiter: limiter}
}

// RegisterRoutes registers the chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Post("/start", h.HandleStart)
		r.Post("/send", h.HandleSend)
		r.Post("/poll", h.HandlePoll)
	})
}

// HandleStart handles POST /api/chat/start.
func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	participantID := identity.ParticipantIDFromContext(r.Context())
	if participantID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id, err := h.relay.Start(r.Context(), participantID)
	if err != nil {
		slog.Error("Failed to start conversation", "participant_id", participantID, "error", err)
		api.Error(w, http.StatusBadGateway, "conversation backend unavailable")
		return
	}
	api.JSON(w, http.StatusOK, startResponse{ConversationID: id})
}

// HandleSend handles POST /api/chat/send.
func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	participantID := identity.ParticipantIDFromContext(r.Context())
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		api.Error(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.ClientGeneratedMessageID == "" {
		api.Error(w, http.StatusBadRequest, "clientGeneratedMessageId is required")
		return
	}
	if !h.owns(w, participantID, req.ConversationID) {
		return
	}
	// Repeats of a delivered message are answered from the dedup table and
	// do not count against the limit.
	_, repeat := h.relay.lookup(Key{ConversationID: req.ConversationID, ClientMessageID: req.ClientGeneratedMessageID})
	if !repeat && h.limiter != nil && !h.limiter.Allow(participantID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	slog.Info("Chat message",
		"participant_id", participantID,
		"conversation_id", req.ConversationID,
		"client_message_id", req.ClientGeneratedMessageID,
		"message_length", len(req.Text),
	)

	id, err := h.relay.Send(r.Context(), Message{
		ConversationID:  req.ConversationID,
		Text:            req.Text,
		ClientMessageID: req.ClientGeneratedMessageID,
		From:            participantID,
	})
	switch {
	case errors.Is(err, ErrConversationFinished):
		api.Error(w, http.StatusConflict, "conversation finished")
		return
	case err != nil:
		api.Error(w, http.StatusBadGateway, "message could not be delivered")
		return
	}
	api.JSON(w, http.StatusOK, sendResponse{ID: id})
}

// HandlePoll handles POST /api/chat/poll.
func (h *Handler) HandlePoll(w http.ResponseWriter, r *http.Request) {
	participantID := identity.ParticipantIDFromContext(r.Context())
	var req pollRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !h.owns(w, participantID, req.ConversationID) {
		return
	}

	batch, err := h.relay.Poll(r.Context(), req.ConversationID, req.Watermark)
	if err != nil {
		slog.Warn("Activity poll failed", "conversation_id", req.ConversationID, "error", err)
		api.Error(w, http.StatusBadGateway, "activities unavailable")
		return
	}
	if batch.Activities == nil {
		batch.Activities = []Activity{}
	}
	api.JSON(w, http.StatusOK, batch)
}

func (h *Handler) owns(w http.ResponseWriter, participantID, conversationID string) bool {
	if participantID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	owner, ok := h.relay.Owner(conversationID)
	if !ok || owner != participantID {
		api.Error(w, http.StatusNotFound, "conversation not found")
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
